package quotation

import (
	"bytes"
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/pitabwire/quotedesk/internal/observability"
	"github.com/pitabwire/quotedesk/model"
)

// Step outcomes, as recorded in metrics.
const (
	StepOutcomeOK           = "ok"
	StepOutcomeError        = "error"
	StepOutcomePrecondition = "precondition"
)

// stepPrerequisite is the warning shown when a step runs before the one it
// depends on.
var stepPrerequisite = map[model.PremiumStep]string{
	model.StepApplyDiscounts: "Please calculate the basic premium first",
	model.StepApplyLoadings:  "Please apply discounts first",
	model.StepFinalPremium:   "Please apply loadings first",
}

// BeginDraft opens a vehicle draft. An empty vehicleID starts a blank
// vehicle in add mode; otherwise the vehicle is copied in edit mode. Any
// existing draft is replaced.
func (s *Service) BeginDraft(ctx context.Context, rctx *model.RequestContext, proposalNo, vehicleID string) (model.Session, error) {
	return s.update(ctx, rctx, proposalNo, func(sess *model.Session) (string, map[string]any, error) {
		draft := &model.VehicleDraft{
			Mode:      model.DraftModeAdd,
			StartedAt: s.now(),
		}
		if vehicleID == "" {
			draft.Vehicle = model.Vehicle{ID: s.newID()}
			normalizeVehicle(&draft.Vehicle)
		} else {
			idx := sess.VehicleIndex(vehicleID)
			if idx < 0 {
				return "", nil, vehicleNotFound(vehicleID)
			}
			draft.Mode = model.DraftModeEdit
			draft.TargetID = vehicleID
			draft.Vehicle = cloneVehicle(sess.Vehicles[idx])
		}
		sess.Draft = draft
		return "", nil, nil
	})
}

// EditDraft merges a JSON patch into the draft vehicle. When the rating key
// changes, every step result is dropped and the stage returns to none.
func (s *Service) EditDraft(ctx context.Context, rctx *model.RequestContext, proposalNo string, patch map[string]any) (model.Session, error) {
	return s.update(ctx, rctx, proposalNo, func(sess *model.Session) (string, map[string]any, error) {
		draft, err := requireDraft(sess)
		if err != nil {
			return "", nil, err
		}

		before := draft.Vehicle.RatingKey()
		merged, err := mergeVehicle(draft.Vehicle, patch)
		if err != nil {
			return "", nil, err
		}
		draft.Vehicle = merged

		if merged.RatingKey() == before || draft.Completed() == 0 {
			return "", nil, nil
		}
		stage := draft.Stage()
		draft.Invalidate()
		observability.SessionLogger(ctx, s.logger, proposalNo).Info("draft steps invalidated by rating change",
			zap.String("previous_stage", string(stage)),
		)
		return model.EventDraftInvalidated, map[string]any{
			"vehicle_id":     merged.ID,
			"previous_stage": string(stage),
		}, nil
	})
}

// RunStep runs one granular step for the draft vehicle. The previous step
// must have a result; its resulting amount becomes this step's starting
// amount. Re-running a step drops the results after it.
func (s *Service) RunStep(ctx context.Context, rctx *model.RequestContext, proposalNo string, step model.PremiumStep) (sess model.Session, err error) {
	ctx, span := observability.StartSpan(ctx, "quotation.RunStep",
		observability.AttrProposalNo.String(proposalNo),
		observability.AttrStep.String(step.String()),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	pending, req, err := s.beginStep(ctx, rctx, proposalNo, step)
	if err != nil {
		outcome := StepOutcomeError
		if model.HasCode(err, model.ErrPreconditionFailed) {
			outcome = StepOutcomePrecondition
		}
		s.metrics.RecordDraftStep(step.String(), outcome)
		return model.Session{}, err
	}

	trace, callErr := s.calc.RunStep(ctx, step, req)
	sess, err = s.finishStep(context.WithoutCancel(ctx), rctx, proposalNo, step, pending, trace, callErr)
	if err != nil {
		s.metrics.RecordDraftStep(step.String(), StepOutcomeError)
		return model.Session{}, err
	}
	s.metrics.RecordDraftStep(step.String(), StepOutcomeOK)
	return sess, nil
}

// pendingStep identifies an in-flight step so its result is only applied
// to the draft that asked for it.
type pendingStep struct {
	draftStarted time.Time
	ratingKey    string
	at           time.Time
}

func (s *Service) beginStep(ctx context.Context, rctx *model.RequestContext, proposalNo string, step model.PremiumStep) (*pendingStep, model.StepRequest, error) {
	if step < model.StepBasicPremium || step > model.StepFinalPremium {
		return nil, model.StepRequest{}, model.NewBadRequestError(fmt.Sprintf("unknown step %d", step))
	}

	var (
		pending *pendingStep
		req     model.StepRequest
	)
	_, err := s.update(ctx, rctx, proposalNo, func(sess *model.Session) (string, map[string]any, error) {
		draft, err := requireDraft(sess)
		if err != nil {
			return "", nil, err
		}
		if draft.Pending != 0 && draft.PendingAt != nil && s.now().Sub(*draft.PendingAt) < s.computingTimeout {
			return "", nil, model.NewCalculationInProgressError()
		}

		if step == model.StepBasicPremium {
			if errs := draft.Vehicle.Validate(); len(errs) > 0 {
				return "", nil, model.NewPreconditionError("Complete the vehicle's rating details first", errs...)
			}
		} else if draft.Trace(step.Previous()) == nil {
			return "", nil, model.NewPreconditionError(stepPrerequisite[step])
		}

		now := s.now()
		draft.Pending = step
		draft.PendingAt = &now
		pending = &pendingStep{
			draftStarted: draft.StartedAt,
			ratingKey:    draft.Vehicle.RatingKey(),
			at:           now,
		}
		req = model.StepRequest{
			Vehicle:  draft.Vehicle.Details(),
			Previous: draft.Trace(step.Previous()),
		}
		return "", nil, nil
	})
	if err != nil {
		return nil, model.StepRequest{}, err
	}
	return pending, req, nil
}

func (s *Service) finishStep(
	ctx context.Context,
	rctx *model.RequestContext,
	proposalNo string,
	step model.PremiumStep,
	pending *pendingStep,
	trace *model.StepTrace,
	callErr error,
) (model.Session, error) {
	var discarded bool
	sess, err := s.update(ctx, rctx, proposalNo, func(sess *model.Session) (string, map[string]any, error) {
		draft := sess.Draft
		if draft == nil || !draft.StartedAt.Equal(pending.draftStarted) ||
			draft.PendingAt == nil || !draft.PendingAt.Equal(pending.at) {
			discarded = true
			return "", nil, nil
		}
		draft.Pending = 0
		draft.PendingAt = nil

		if callErr != nil {
			return "", nil, nil
		}
		if draft.Vehicle.RatingKey() != pending.ratingKey {
			discarded = true
			return "", nil, nil
		}

		draft.Record(step, *trace)
		draft.RatingKey = pending.ratingKey
		return model.EventDraftStepCompleted, map[string]any{
			"vehicle_id":       draft.Vehicle.ID,
			"step":             step.String(),
			"resulting_amount": trace.ResultingAmount.String(),
		}, nil
	})
	if err != nil {
		return model.Session{}, err
	}
	if callErr != nil {
		return model.Session{}, callErr
	}
	if discarded {
		return model.Session{}, model.NewConflictError("The vehicle draft changed while the step was running. Please run it again.")
	}
	return sess, nil
}

// CommitDraft writes the draft vehicle into the session, appending it in add
// mode or replacing the target in edit mode. This is a vehicle mutation.
func (s *Service) CommitDraft(ctx context.Context, rctx *model.RequestContext, proposalNo string) (model.Session, error) {
	return s.update(ctx, rctx, proposalNo, func(sess *model.Session) (string, map[string]any, error) {
		draft, err := requireDraft(sess)
		if err != nil {
			return "", nil, err
		}
		if errs := draft.Vehicle.Validate(); len(errs) > 0 {
			return "", nil, model.NewPreconditionError("Complete the vehicle's rating details first", errs...)
		}

		v := draft.Vehicle
		normalizeVehicle(&v)
		switch draft.Mode {
		case model.DraftModeEdit:
			idx := sess.VehicleIndex(draft.TargetID)
			if idx < 0 {
				return "", nil, vehicleNotFound(draft.TargetID)
			}
			v.ID = draft.TargetID
			sess.Vehicles[idx] = v
		default:
			if sess.VehicleIndex(v.ID) >= 0 {
				v.ID = s.newID()
			}
			sess.Vehicles = append(sess.Vehicles, v)
		}

		data := map[string]any{
			"vehicle_id": v.ID,
			"mode":       string(draft.Mode),
			"stage":      string(draft.Stage()),
		}
		sess.Draft = nil
		s.invalidate(ctx, sess, MutationCommit)
		return model.EventDraftCommitted, data, nil
	})
}

// DiscardDraft drops the draft.
func (s *Service) DiscardDraft(ctx context.Context, rctx *model.RequestContext, proposalNo string) (model.Session, error) {
	return s.update(ctx, rctx, proposalNo, func(sess *model.Session) (string, map[string]any, error) {
		if _, err := requireDraft(sess); err != nil {
			return "", nil, err
		}
		sess.Draft = nil
		return model.EventDraftDiscarded, nil, nil
	})
}

func requireDraft(sess *model.Session) (*model.VehicleDraft, error) {
	if sess.Draft == nil {
		return nil, model.NewNotFoundError("no vehicle draft is open")
	}
	return sess.Draft, nil
}

func cloneVehicle(v model.Vehicle) model.Vehicle {
	v.Discounts = append([]model.Adjustment{}, v.Discounts...)
	v.Loadings = append([]model.Adjustment{}, v.Loadings...)
	return v
}

// mergeVehicle overlays patch onto v by JSON field name. Numbers pass
// through as json.Number so decimal amounts keep their precision. The id is
// kept.
func mergeVehicle(v model.Vehicle, patch map[string]any) (model.Vehicle, error) {
	base, err := json.Marshal(v)
	if err != nil {
		return model.Vehicle{}, fmt.Errorf("marshal draft vehicle: %w", err)
	}
	fields := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(base))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return model.Vehicle{}, fmt.Errorf("unmarshal draft vehicle: %w", err)
	}
	for k, val := range patch {
		fields[k] = val
	}

	merged, err := json.Marshal(fields)
	if err != nil {
		return model.Vehicle{}, fmt.Errorf("marshal draft patch: %w", err)
	}
	var out model.Vehicle
	if err := json.Unmarshal(merged, &out); err != nil {
		return model.Vehicle{}, model.NewValidationError([]model.FieldError{{
			Field:   "draft",
			Code:    "INVALID",
			Message: fmt.Sprintf("Invalid vehicle field: %v", err),
		}})
	}
	out.ID = v.ID
	return out, nil
}
