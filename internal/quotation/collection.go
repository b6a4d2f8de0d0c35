package quotation

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/quotedesk/internal/observability"
	"github.com/pitabwire/quotedesk/model"
)

// Session mutation kinds, as recorded in metrics.
const (
	MutationAdd         = "add"
	MutationUpdate      = "update"
	MutationRemove      = "remove"
	MutationAdjustments = "adjustments"
	MutationCommit      = "commit"
)

// invalidate drops the calculated state after any change to vehicles or
// adjustments. LastResult and Breakdown are kept; views gate them on
// HasCalculated.
func (s *Service) invalidate(ctx context.Context, sess *model.Session, kind string) {
	if sess.Phase.Kind() != model.PhaseKindIdle {
		observability.SessionLogger(ctx, s.logger, sess.ProposalNo).Info("calculation invalidated",
			zap.String("mutation", kind),
			zap.String("previous_phase", sess.Phase.Kind()),
		)
	}
	sess.Phase = model.PhaseIdle{}
	s.metrics.RecordSessionMutation(kind)
}

// AddVehicle appends a vehicle. A synthetic id is assigned when none is given.
func (s *Service) AddVehicle(ctx context.Context, rctx *model.RequestContext, proposalNo string, v model.Vehicle) (model.Session, error) {
	return s.update(ctx, rctx, proposalNo, func(sess *model.Session) (string, map[string]any, error) {
		if v.ID == "" {
			v.ID = s.newID()
		} else if sess.VehicleIndex(v.ID) >= 0 {
			return "", nil, model.NewConflictError(fmt.Sprintf("vehicle %q already exists", v.ID))
		}
		normalizeVehicle(&v)

		sess.Vehicles = append(sess.Vehicles, v)
		s.invalidate(ctx, sess, MutationAdd)
		return model.EventVehicleAdded, map[string]any{"vehicle_id": v.ID, "label": v.Label()}, nil
	})
}

// UpdateVehicle replaces the vehicle with the given id.
func (s *Service) UpdateVehicle(ctx context.Context, rctx *model.RequestContext, proposalNo, vehicleID string, v model.Vehicle) (model.Session, error) {
	return s.update(ctx, rctx, proposalNo, func(sess *model.Session) (string, map[string]any, error) {
		idx := sess.VehicleIndex(vehicleID)
		if idx < 0 {
			return "", nil, vehicleNotFound(vehicleID)
		}
		v.ID = vehicleID
		normalizeVehicle(&v)

		sess.Vehicles[idx] = v
		s.invalidate(ctx, sess, MutationUpdate)
		return model.EventVehicleUpdated, map[string]any{"vehicle_id": v.ID, "label": v.Label()}, nil
	})
}

// RemoveVehicle removes a vehicle. Without confirmation nothing changes and
// CONFIRMATION_REQUIRED is returned.
func (s *Service) RemoveVehicle(ctx context.Context, rctx *model.RequestContext, proposalNo, vehicleID string, confirmed bool) (model.Session, error) {
	return s.update(ctx, rctx, proposalNo, func(sess *model.Session) (string, map[string]any, error) {
		idx := sess.VehicleIndex(vehicleID)
		if idx < 0 {
			return "", nil, vehicleNotFound(vehicleID)
		}
		label := sess.Vehicles[idx].Label()
		if !confirmed {
			return "", nil, model.NewConfirmationRequiredError(
				fmt.Sprintf("Remove %s from this quotation? Confirm to continue.", label),
			)
		}

		kept := make([]model.Vehicle, 0, len(sess.Vehicles)-1)
		for _, v := range sess.Vehicles {
			if v.ID != vehicleID {
				kept = append(kept, v)
			}
		}
		sess.Vehicles = kept
		delete(sess.Expanded, vehicleID)
		s.invalidate(ctx, sess, MutationRemove)
		return model.EventVehicleRemoved, map[string]any{"vehicle_id": vehicleID, "label": label}, nil
	})
}

// SetAdjustments replaces the proposal-level inputs.
func (s *Service) SetAdjustments(ctx context.Context, rctx *model.RequestContext, proposalNo string, adj model.ProposalAdjustments) (model.Session, error) {
	if errs := adj.Validate(); len(errs) > 0 {
		return model.Session{}, model.NewValidationError(errs)
	}
	return s.update(ctx, rctx, proposalNo, func(sess *model.Session) (string, map[string]any, error) {
		sess.Adjustments = adj
		s.invalidate(ctx, sess, MutationAdjustments)
		return model.EventAdjustmentsSet, map[string]any{
			"cover_days":      adj.CoverDays,
			"proportion_rate": adj.ProportionRate.String(),
			"currency":        adj.Currency,
		}, nil
	})
}

// ToggleExpansion flips a breakdown row open or closed. It is display state
// only and leaves the phase alone.
func (s *Service) ToggleExpansion(ctx context.Context, rctx *model.RequestContext, proposalNo, vehicleID string) (model.Session, error) {
	return s.update(ctx, rctx, proposalNo, func(sess *model.Session) (string, map[string]any, error) {
		if sess.VehicleIndex(vehicleID) < 0 {
			return "", nil, vehicleNotFound(vehicleID)
		}
		if sess.Expanded == nil {
			sess.Expanded = make(map[string]bool)
		}
		if sess.Expanded[vehicleID] {
			delete(sess.Expanded, vehicleID)
		} else {
			sess.Expanded[vehicleID] = true
		}
		return "", nil, nil
	})
}

func normalizeVehicle(v *model.Vehicle) {
	if v.Discounts == nil {
		v.Discounts = []model.Adjustment{}
	}
	if v.Loadings == nil {
		v.Loadings = []model.Adjustment{}
	}
}

func vehicleNotFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("vehicle %q not found", id))
}
