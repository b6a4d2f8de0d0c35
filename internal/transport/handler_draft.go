package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/quotedesk/internal/quotation"
	"github.com/pitabwire/quotedesk/model"
)

func handleDraftBegin(svc *quotation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			VehicleID string `json:"vehicleId"`
		}
		if !decodeBody(w, r, &body, true) {
			return
		}
		sessionHandler(http.StatusCreated, func(r *http.Request, rctx *model.RequestContext, proposalNo string) (model.Session, error) {
			return svc.BeginDraft(r.Context(), rctx, proposalNo, body.VehicleID)
		})(w, r)
	}
}

func handleDraftEdit(svc *quotation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch map[string]any
		if !decodeBody(w, r, &patch, false) {
			return
		}
		sessionHandler(http.StatusOK, func(r *http.Request, rctx *model.RequestContext, proposalNo string) (model.Session, error) {
			return svc.EditDraft(r.Context(), rctx, proposalNo, patch)
		})(w, r)
	}
}

func handleDraftStep(svc *quotation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		step, ok := model.ParsePremiumStep(chi.URLParam(r, "step"))
		if !ok {
			WriteNotFound(w, "unknown step "+chi.URLParam(r, "step"))
			return
		}
		sessionHandler(http.StatusOK, func(r *http.Request, rctx *model.RequestContext, proposalNo string) (model.Session, error) {
			return svc.RunStep(r.Context(), rctx, proposalNo, step)
		})(w, r)
	}
}

func handleDraftCommit(svc *quotation.Service) http.HandlerFunc {
	return sessionHandler(http.StatusOK, func(r *http.Request, rctx *model.RequestContext, proposalNo string) (model.Session, error) {
		return svc.CommitDraft(r.Context(), rctx, proposalNo)
	})
}

func handleDraftDiscard(svc *quotation.Service) http.HandlerFunc {
	return sessionHandler(http.StatusOK, func(r *http.Request, rctx *model.RequestContext, proposalNo string) (model.Session, error) {
		return svc.DiscardDraft(r.Context(), rctx, proposalNo)
	})
}
