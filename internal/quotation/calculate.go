package quotation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/quotedesk/internal/observability"
	"github.com/pitabwire/quotedesk/model"
)

// Calculation kinds and outcomes, as recorded in metrics.
const (
	KindComplete  = "complete"
	KindAggregate = "aggregate"

	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeRejected  = "rejected"
	OutcomeReplayed  = "replayed"
	OutcomeDiscarded = "discarded"
)

// Calculation is the outcome of a complete calculation.
type Calculation struct {
	ProposalNo string                           `json:"proposalNo"`
	Result     *model.CompleteCalculationResult `json:"result"`
	Breakdown  *model.CalculationBreakdown      `json:"breakdown"`
	Replayed   bool                             `json:"replayed,omitempty"`
}

// calculationStart is what the locked first phase hands to the remote call.
type calculationStart struct {
	phase     model.PhaseComputing
	request   model.CompleteCalculationRequest
	recompute bool
	idemKey   string
	inputHash string
	replay    *Calculation
}

// Calculate sends every vehicle and the proposal adjustments to the
// complete calculation, then refreshes the breakdown. The result is
// committed only when both calls succeed and no vehicle changed meanwhile.
func (s *Service) Calculate(ctx context.Context, rctx *model.RequestContext, proposalNo, idempotencyKey string) (out *Calculation, err error) {
	ctx, span := observability.StartSpan(ctx, "quotation.Calculate",
		observability.AttrProposalNo.String(proposalNo),
		observability.AttrTenantID.String(rctx.TenantID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	log := observability.SessionLogger(ctx, s.logger, proposalNo)
	started := time.Now()

	start, err := s.beginCalculation(ctx, rctx, proposalNo, idempotencyKey)
	if err != nil {
		s.metrics.RecordCalculation(KindComplete, OutcomeRejected, time.Since(started))
		log.Warn("calculation rejected", zap.Error(err))
		return nil, err
	}
	if start.replay != nil {
		span.SetAttributes(observability.AttrIdempotent.Bool(true))
		s.metrics.RecordIdempotencyHit()
		s.metrics.RecordCalculation(KindComplete, OutcomeReplayed, time.Since(started))
		log.Info("calculation replayed from idempotency key")
		return start.replay, nil
	}
	span.SetAttributes(observability.AttrVehicleCount.Int(len(start.request.Vehicles)))

	result, breakdown, created, callErr := s.callComplete(ctx, proposalNo, start)

	// The request may be gone by now; the session must still leave Computing.
	commitCtx := context.WithoutCancel(ctx)
	if callErr != nil {
		s.failCalculation(commitCtx, rctx, proposalNo, start.phase, created, callErr)
		s.metrics.RecordCalculation(KindComplete, OutcomeError, time.Since(started))
		log.Warn("calculation failed", zap.Error(callErr))
		return nil, callErr
	}

	out, err = s.commitCalculation(commitCtx, rctx, proposalNo, start, result, breakdown)
	if err != nil {
		s.metrics.RecordCalculation(KindComplete, OutcomeDiscarded, time.Since(started))
		return nil, err
	}
	s.metrics.RecordCalculation(KindComplete, OutcomeOK, time.Since(started))
	log.Info("calculation completed",
		zap.Int("vehicles", len(result.Vehicles)),
		zap.String("total_premium", result.Totals.TotalPremium.String()),
	)
	return out, nil
}

func (s *Service) beginCalculation(ctx context.Context, rctx *model.RequestContext, proposalNo, idempotencyKey string) (*calculationStart, error) {
	if err := validateProposalNo(proposalNo); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(lockKey(rctx.TenantID, proposalNo))
	defer unlock()

	sess, err := s.open(ctx, rctx, proposalNo)
	if err != nil {
		return nil, err
	}
	if err := checkCalculable(sess); err != nil {
		return nil, err
	}

	if c, ok := sess.Phase.(model.PhaseComputing); ok {
		if s.now().Sub(c.StartedAt) < s.computingTimeout {
			return nil, model.NewCalculationInProgressError()
		}
		observability.SessionLogger(ctx, s.logger, proposalNo).Warn("abandoned calculation superseded",
			zap.Time("started_at", c.StartedAt),
			zap.String("operation", c.Operation),
		)
	}

	start := &calculationStart{
		request:   completeRequest(sess),
		recompute: sess.EverCalculated,
	}

	if idempotencyKey != "" && s.idem != nil {
		start.idemKey = FormatIdempotencyKey(rctx.TenantID, proposalNo, idempotencyKey)
		start.inputHash, err = HashRequest(start.request)
		if err != nil {
			return nil, err
		}
		prev, found, err := s.idem.Check(ctx, start.idemKey, start.inputHash)
		if err != nil {
			return nil, err
		}
		if found {
			prev.Replayed = true
			start.replay = prev
			return start, nil
		}
	}

	start.phase = model.PhaseComputing{
		Operation: KindComplete,
		StartedAt: s.now(),
		Prior:     model.PriorResult(sess.Phase),
	}
	sess.Phase = start.phase
	s.touch(&sess)
	updated, err := s.store.Update(ctx, sess)
	if err != nil {
		return nil, err
	}

	method := "POST"
	if start.recompute {
		method = "PUT"
	}
	s.record(ctx, rctx, updated, model.EventCalculationStarted, map[string]any{
		"vehicles": len(sess.Vehicles),
		"method":   method,
	})
	return start, nil
}

// checkCalculable rejects a session that cannot be sent for calculation.
func checkCalculable(sess model.Session) error {
	if len(sess.Vehicles) == 0 {
		return model.NewPreconditionError("Please add at least one vehicle")
	}

	var details []model.FieldError
	for i, v := range sess.Vehicles {
		for _, fe := range v.Validate() {
			fe.Field = fmt.Sprintf("vehicles[%d].%s", i, fe.Field)
			details = append(details, fe)
		}
	}
	for _, fe := range sess.Adjustments.Validate() {
		fe.Field = "adjustments." + fe.Field
		details = append(details, fe)
	}
	if len(details) > 0 {
		return model.NewPreconditionError("Complete the rating details of every vehicle before calculating", details...)
	}
	return nil
}

// completeRequest strips UI-only fields from the session's vehicles.
func completeRequest(sess model.Session) model.CompleteCalculationRequest {
	vehicles := make([]model.VehicleDetails, len(sess.Vehicles))
	for i, v := range sess.Vehicles {
		vehicles[i] = v.Details()
	}
	return model.CompleteCalculationRequest{
		Vehicles:            vehicles,
		ProposalAdjustments: sess.Adjustments,
	}
}

// callComplete runs the complete calculation and the breakdown fetch in
// order. created reports whether the complete call itself succeeded.
func (s *Service) callComplete(ctx context.Context, proposalNo string, start *calculationStart) (*model.CompleteCalculationResult, *model.CalculationBreakdown, bool, error) {
	var (
		result *model.CompleteCalculationResult
		err    error
	)
	if start.recompute {
		result, err = s.calc.RecalculateComplete(ctx, proposalNo, start.request)
	} else {
		result, err = s.calc.CreateComplete(ctx, proposalNo, start.request)
	}
	if err != nil {
		return nil, nil, false, err
	}

	breakdown, err := s.calc.GetBreakdown(ctx, proposalNo)
	if err != nil {
		return nil, nil, true, err
	}
	return result, breakdown, true, nil
}

// stillComputing reports whether sess is in the Computing phase that phase
// started. Any vehicle or adjustment change in between resets it to Idle.
func stillComputing(sess model.Session, phase model.PhaseComputing) bool {
	c, ok := sess.Phase.(model.PhaseComputing)
	return ok && c.StartedAt.Equal(phase.StartedAt)
}

// failCalculation records a failed attempt. A result that was valid when the
// attempt started stays attached and visible.
func (s *Service) failCalculation(ctx context.Context, rctx *model.RequestContext, proposalNo string, phase model.PhaseComputing, created bool, callErr error) {
	unlock := s.locks.Lock(lockKey(rctx.TenantID, proposalNo))
	defer unlock()

	log := observability.SessionLogger(ctx, s.logger, proposalNo)
	sess, err := s.store.Get(ctx, rctx.TenantID, proposalNo)
	if err != nil {
		log.Error("failed to load session after calculation failure", zap.Error(err))
		return
	}

	changed := false
	if created && !sess.EverCalculated {
		sess.EverCalculated = true
		changed = true
	}
	env, ok := model.AsEnvelope(callErr)
	if !ok {
		env = model.NewInternalError()
	}
	owned := stillComputing(sess, phase)
	if owned {
		sess.Phase = model.PhaseFailed{Err: env, At: s.now(), Prior: phase.Prior}
		changed = true
	}
	if !changed {
		return
	}

	updated, err := s.store.Update(ctx, sess)
	if err != nil {
		log.Error("failed to record calculation failure", zap.Error(err))
		return
	}
	if owned {
		s.record(ctx, rctx, updated, model.EventCalculationFailed, map[string]any{
			"code":    env.Code,
			"message": env.Message,
		})
	}
}

// commitCalculation attaches the result and breakdown, or discards them when
// the session changed while the calls ran.
func (s *Service) commitCalculation(
	ctx context.Context,
	rctx *model.RequestContext,
	proposalNo string,
	start *calculationStart,
	result *model.CompleteCalculationResult,
	breakdown *model.CalculationBreakdown,
) (*Calculation, error) {
	unlock := s.locks.Lock(lockKey(rctx.TenantID, proposalNo))
	defer unlock()

	log := observability.SessionLogger(ctx, s.logger, proposalNo)
	sess, err := s.store.Get(ctx, rctx.TenantID, proposalNo)
	if err != nil {
		return nil, err
	}

	if !stillComputing(sess, start.phase) {
		if !sess.EverCalculated {
			sess.EverCalculated = true
			if updated, uerr := s.store.Update(ctx, sess); uerr == nil {
				sess = updated
			}
		}
		s.record(ctx, rctx, sess, model.EventCalculationDiscarded, map[string]any{"phase": sess.Phase.Kind()})
		log.Info("calculation result discarded after concurrent change",
			zap.String("phase", sess.Phase.Kind()),
		)
		return nil, model.NewConflictError("The quotation changed while the premium was being calculated. Please calculate again.")
	}

	sess.LastResult = result
	sess.Breakdown = breakdown
	sess.EverCalculated = true
	sess.Phase = model.PhaseComputed{At: s.now()}
	s.touch(&sess)
	updated, err := s.store.Update(ctx, sess)
	if err != nil {
		return nil, err
	}
	s.record(ctx, rctx, updated, model.EventCalculationCompleted, map[string]any{
		"vehicles":      len(result.Vehicles),
		"total_premium": result.Totals.TotalPremium.String(),
	})

	out := &Calculation{ProposalNo: proposalNo, Result: result, Breakdown: breakdown}
	if start.idemKey != "" {
		if err := s.idem.Store(ctx, start.idemKey, start.inputHash, *out, s.idemTTL); err != nil {
			log.Error("failed to store idempotency result", zap.Error(err))
		}
	}
	return out, nil
}

// Aggregate runs the proposal aggregation chain: vehicles, then proposal
// adjustments, then the final calculation, each fed the previous output.
// The result is returned but never committed to the session.
func (s *Service) Aggregate(ctx context.Context, rctx *model.RequestContext, proposalNo string) (out *model.ProposalAggregate, err error) {
	ctx, span := observability.StartSpan(ctx, "quotation.Aggregate",
		observability.AttrProposalNo.String(proposalNo),
		observability.AttrTenantID.String(rctx.TenantID),
	)
	started := time.Now()
	defer func() {
		outcome := OutcomeOK
		if err != nil {
			outcome = OutcomeError
		}
		s.metrics.RecordCalculation(KindAggregate, outcome, time.Since(started))
		observability.EndSpanWithError(span, err)
	}()

	sess, err := s.Get(ctx, rctx, proposalNo)
	if err != nil {
		return nil, err
	}
	if len(sess.Vehicles) == 0 {
		err = model.NewPreconditionError("Please add at least one vehicle")
		return nil, err
	}
	req := completeRequest(sess)

	vehicles, err := s.calc.AggregateVehicles(ctx, model.AggregateRequest{
		ProposalNo: proposalNo,
		Vehicles:   req.Vehicles,
	})
	if err != nil {
		return nil, err
	}
	span.AddEvent("vehicles aggregated", trace.WithAttributes(attribute.String("total_premium", vehicles.TotalPremium.String())))

	adjusted, err := s.calc.ApplyProposalAdjustments(ctx, model.ProposalAdjustmentRequest{
		ProposalNo:          proposalNo,
		Aggregate:           *vehicles,
		ProposalAdjustments: sess.Adjustments,
	})
	if err != nil {
		return nil, err
	}

	final, err := s.calc.FinalCalculation(ctx, model.FinalCalculationRequest{
		ProposalNo:          proposalNo,
		Totals:              *adjusted,
		ProposalAdjustments: sess.Adjustments,
	})
	if err != nil {
		return nil, err
	}

	observability.SessionLogger(ctx, s.logger, proposalNo).Info("proposal aggregated",
		zap.String("total_premium", final.TotalPremium.String()),
	)
	return &model.ProposalAggregate{
		ProposalNo: proposalNo,
		Vehicles:   *vehicles,
		Adjusted:   *adjusted,
		Final:      *final,
	}, nil
}
