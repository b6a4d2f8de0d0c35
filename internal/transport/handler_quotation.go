package transport

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/pitabwire/quotedesk/internal/breakdown"
	"github.com/pitabwire/quotedesk/internal/quotation"
	"github.com/pitabwire/quotedesk/model"
)

const maxBodyBytes = 1 << 20

// sessionView is the session as returned to the frontend. The calculated
// result is only included while it matches the current vehicles.
type sessionView struct {
	ProposalNo     string                           `json:"proposalNo"`
	Vehicles       []model.Vehicle                  `json:"vehicles"`
	Adjustments    model.ProposalAdjustments        `json:"adjustments"`
	Phase          string                           `json:"phase"`
	HasCalculated  bool                             `json:"hasCalculated"`
	IsComputing    bool                             `json:"isComputing"`
	EverCalculated bool                             `json:"everCalculated"`
	Error          *model.ErrorEnvelope             `json:"error,omitempty"`
	Result         *model.CompleteCalculationResult `json:"result,omitempty"`
	Expanded       map[string]bool                  `json:"expanded,omitempty"`
	Draft          *breakdown.DraftView             `json:"draft,omitempty"`
	Version        int                              `json:"version"`
	ExpiresAt      *time.Time                       `json:"expiresAt,omitempty"`
}

func newSessionView(sess model.Session) sessionView {
	view := breakdown.Render(sess, breakdown.Options{})
	sv := sessionView{
		ProposalNo:     sess.ProposalNo,
		Vehicles:       sess.Vehicles,
		Adjustments:    sess.Adjustments,
		Phase:          sess.Phase.Kind(),
		HasCalculated:  sess.HasCalculated(),
		IsComputing:    sess.IsComputing(),
		EverCalculated: sess.EverCalculated,
		Error:          view.Error,
		Expanded:       sess.Expanded,
		Draft:          view.Draft,
		Version:        sess.Version,
		ExpiresAt:      sess.ExpiresAt,
	}
	if sv.Vehicles == nil {
		sv.Vehicles = []model.Vehicle{}
	}
	if sv.HasCalculated {
		sv.Result = sess.LastResult
	}
	return sv
}

// requestContext returns the caller's identity, writing a 401 when absent.
func requestContext(w http.ResponseWriter, r *http.Request) (*model.RequestContext, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return nil, false
	}
	return rctx, true
}

// decodeBody decodes a JSON request body into dst. Untyped numbers stay
// json.Number so amounts keep their precision. An empty body is accepted
// when allowEmpty is set.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, model.NewBadRequestError("request body too large"))
			return false
		}
		WriteError(w, model.NewBadRequestError("invalid JSON body"))
		return false
	}
	return true
}

// sessionHandler adapts a session-returning operation to HTTP.
func sessionHandler(status int, op func(r *http.Request, rctx *model.RequestContext, proposalNo string) (model.Session, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		sess, err := op(r, rctx, chi.URLParam(r, "proposalNo"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, status, newSessionView(sess))
	}
}

func handleSessionGet(svc *quotation.Service) http.HandlerFunc {
	return sessionHandler(http.StatusOK, func(r *http.Request, rctx *model.RequestContext, proposalNo string) (model.Session, error) {
		return svc.Get(r.Context(), rctx, proposalNo)
	})
}

func handleVehicleAdd(svc *quotation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var v model.Vehicle
		if !decodeBody(w, r, &v, false) {
			return
		}
		sessionHandler(http.StatusCreated, func(r *http.Request, rctx *model.RequestContext, proposalNo string) (model.Session, error) {
			return svc.AddVehicle(r.Context(), rctx, proposalNo, v)
		})(w, r)
	}
}

func handleVehicleUpdate(svc *quotation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var v model.Vehicle
		if !decodeBody(w, r, &v, false) {
			return
		}
		sessionHandler(http.StatusOK, func(r *http.Request, rctx *model.RequestContext, proposalNo string) (model.Session, error) {
			return svc.UpdateVehicle(r.Context(), rctx, proposalNo, chi.URLParam(r, "vehicleId"), v)
		})(w, r)
	}
}

func handleVehicleRemove(svc *quotation.Service) http.HandlerFunc {
	return sessionHandler(http.StatusOK, func(r *http.Request, rctx *model.RequestContext, proposalNo string) (model.Session, error) {
		confirmed, _ := strconv.ParseBool(r.URL.Query().Get("confirm"))
		return svc.RemoveVehicle(r.Context(), rctx, proposalNo, chi.URLParam(r, "vehicleId"), confirmed)
	})
}

func handleAdjustmentsSet(svc *quotation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var adj model.ProposalAdjustments
		if !decodeBody(w, r, &adj, false) {
			return
		}
		sessionHandler(http.StatusOK, func(r *http.Request, rctx *model.RequestContext, proposalNo string) (model.Session, error) {
			return svc.SetAdjustments(r.Context(), rctx, proposalNo, adj)
		})(w, r)
	}
}

func handleCalculate(svc *quotation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		out, err := svc.Calculate(r.Context(), rctx, chi.URLParam(r, "proposalNo"), r.Header.Get("X-Idempotency-Key"))
		if err != nil {
			WriteError(w, err)
			return
		}
		if out.Replayed {
			w.Header().Set("X-Idempotent-Replay", "true")
		}
		WriteJSON(w, http.StatusOK, out)
	}
}

func handleAggregate(svc *quotation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		out, err := svc.Aggregate(r.Context(), rctx, chi.URLParam(r, "proposalNo"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, out)
	}
}

func handleBreakdown(svc *quotation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		sess, err := svc.Get(r.Context(), rctx, chi.URLParam(r, "proposalNo"))
		if err != nil {
			WriteError(w, err)
			return
		}
		mode := breakdown.ParseMode(r.URL.Query().Get("view"))
		WriteJSON(w, http.StatusOK, breakdown.Render(sess, breakdown.Options{Mode: mode}))
	}
}

func handleBreakdownToggle(svc *quotation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		sess, err := svc.ToggleExpansion(r.Context(), rctx, chi.URLParam(r, "proposalNo"), chi.URLParam(r, "vehicleId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		mode := breakdown.ParseMode(r.URL.Query().Get("view"))
		WriteJSON(w, http.StatusOK, breakdown.Render(sess, breakdown.Options{Mode: mode}))
	}
}

func handleEvents(svc *quotation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		events, err := svc.Events(r.Context(), rctx, chi.URLParam(r, "proposalNo"))
		if err != nil {
			WriteError(w, err)
			return
		}
		if events == nil {
			events = []model.SessionEvent{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":        events,
			"total_count": len(events),
		})
	}
}
