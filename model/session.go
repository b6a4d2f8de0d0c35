package model

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Phase kinds, as serialized.
const (
	PhaseKindIdle      = "idle"
	PhaseKindComputing = "computing"
	PhaseKindComputed  = "computed"
	PhaseKindFailed    = "failed"
)

// ProposalPhase is the calculation state of a quotation session. It is one of
// PhaseIdle, PhaseComputing, PhaseComputed or PhaseFailed.
type ProposalPhase interface {
	Kind() string
}

// PhaseIdle means nothing has been calculated since the last mutation.
type PhaseIdle struct{}

// PhaseComputing means a remote calculation is in flight. Prior is set when
// the attached result was still valid when the calculation started.
type PhaseComputing struct {
	Operation string         `json:"operation"`
	StartedAt time.Time      `json:"started_at"`
	Prior     *PhaseComputed `json:"prior,omitempty"`
}

// PhaseComputed means the attached result matches the current vehicle set.
type PhaseComputed struct {
	At time.Time `json:"at"`
}

// PhaseFailed means the last attempt failed. Prior is set when an earlier
// result is retained and still matches the vehicles.
type PhaseFailed struct {
	Err   *ErrorEnvelope `json:"error"`
	At    time.Time      `json:"at"`
	Prior *PhaseComputed `json:"prior,omitempty"`
}

func (PhaseIdle) Kind() string      { return PhaseKindIdle }
func (PhaseComputing) Kind() string { return PhaseKindComputing }
func (PhaseComputed) Kind() string  { return PhaseKindComputed }
func (PhaseFailed) Kind() string    { return PhaseKindFailed }

// PriorResult returns the computed phase whose result is still valid under p,
// or nil. Idle never carries one.
func PriorResult(p ProposalPhase) *PhaseComputed {
	switch v := p.(type) {
	case PhaseComputed:
		return &v
	case PhaseComputing:
		return v.Prior
	case PhaseFailed:
		return v.Prior
	default:
		return nil
	}
}

// phaseRecord is the wire form of a ProposalPhase.
type phaseRecord struct {
	Kind      string         `json:"kind"`
	Operation string         `json:"operation,omitempty"`
	Error     *ErrorEnvelope `json:"error,omitempty"`
	At        *time.Time     `json:"at,omitempty"`
	PriorAt   *time.Time     `json:"prior_at,omitempty"`
}

func encodePhase(p ProposalPhase) phaseRecord {
	switch v := p.(type) {
	case PhaseComputing:
		return phaseRecord{Kind: PhaseKindComputing, Operation: v.Operation, At: &v.StartedAt, PriorAt: priorAt(v.Prior)}
	case PhaseComputed:
		return phaseRecord{Kind: PhaseKindComputed, At: &v.At}
	case PhaseFailed:
		return phaseRecord{Kind: PhaseKindFailed, Error: v.Err, At: &v.At, PriorAt: priorAt(v.Prior)}
	default:
		return phaseRecord{Kind: PhaseKindIdle}
	}
}

func priorAt(p *PhaseComputed) *time.Time {
	if p == nil {
		return nil
	}
	at := p.At
	return &at
}

func decodePhase(r phaseRecord) (ProposalPhase, error) {
	var at time.Time
	if r.At != nil {
		at = *r.At
	}
	var prior *PhaseComputed
	if r.PriorAt != nil {
		prior = &PhaseComputed{At: *r.PriorAt}
	}
	switch r.Kind {
	case PhaseKindIdle, "":
		return PhaseIdle{}, nil
	case PhaseKindComputing:
		return PhaseComputing{Operation: r.Operation, StartedAt: at, Prior: prior}, nil
	case PhaseKindComputed:
		return PhaseComputed{At: at}, nil
	case PhaseKindFailed:
		return PhaseFailed{Err: r.Error, At: at, Prior: prior}, nil
	default:
		return nil, fmt.Errorf("unknown phase kind %q", r.Kind)
	}
}

// DraftMode says whether a draft adds a new vehicle or edits an existing one.
type DraftMode string

const (
	DraftModeAdd  DraftMode = "add"
	DraftModeEdit DraftMode = "edit"
)

// DraftStage is how far a vehicle draft has progressed through the steps.
type DraftStage string

const (
	StageNone             DraftStage = "none"
	StageBasicComputed    DraftStage = "basicComputed"
	StageDiscountsApplied DraftStage = "discountsApplied"
	StageLoadingsApplied  DraftStage = "loadingsApplied"
	StageFinalComputed    DraftStage = "finalComputed"
)

var stageAfter = map[PremiumStep]DraftStage{
	StepBasicPremium:   StageBasicComputed,
	StepApplyDiscounts: StageDiscountsApplied,
	StepApplyLoadings:  StageLoadingsApplied,
	StepFinalPremium:   StageFinalComputed,
}

// VehicleDraft is a single-vehicle edit session driving the granular steps.
// Traces[i] holds the result of step i+1; the stage is derived from the
// leading completed traces so it cannot disagree with them.
type VehicleDraft struct {
	Mode      DraftMode     `json:"mode"`
	TargetID  string        `json:"target_id,omitempty"`
	Vehicle   Vehicle       `json:"vehicle"`
	Traces    [4]*StepTrace `json:"traces"`
	RatingKey string        `json:"rating_key,omitempty"`
	Pending   PremiumStep   `json:"pending,omitempty"`
	PendingAt *time.Time    `json:"pending_at,omitempty"`
	StartedAt time.Time     `json:"started_at"`
}

// Completed returns the last step with a result, or 0 if none.
func (d *VehicleDraft) Completed() PremiumStep {
	var last PremiumStep
	for i, t := range d.Traces {
		if t == nil {
			break
		}
		last = PremiumStep(i + 1)
	}
	return last
}

// Stage returns the draft's position in the step pipeline.
func (d *VehicleDraft) Stage() DraftStage {
	if s := d.Completed(); s > 0 {
		return stageAfter[s]
	}
	return StageNone
}

// Trace returns the result of the given step, or nil.
func (d *VehicleDraft) Trace(step PremiumStep) *StepTrace {
	if step < StepBasicPremium || step > StepFinalPremium {
		return nil
	}
	return d.Traces[step-1]
}

// Record stores the result of a step and drops every later result.
func (d *VehicleDraft) Record(step PremiumStep, trace StepTrace) {
	d.Traces[step-1] = &trace
	for i := int(step); i < len(d.Traces); i++ {
		d.Traces[i] = nil
	}
}

// Invalidate drops every step result.
func (d *VehicleDraft) Invalidate() {
	d.Traces = [4]*StepTrace{}
	d.RatingKey = ""
}

// CalculatedPremium is the draft's premium so far, one amount per step.
type CalculatedPremium struct {
	BasicPremium          *decimal.Decimal `json:"basicPremium,omitempty"`
	PremiumAfterDiscounts *decimal.Decimal `json:"premiumAfterDiscounts,omitempty"`
	PremiumAfterLoadings  *decimal.Decimal `json:"premiumAfterLoadings,omitempty"`
	FinalPremium          *decimal.Decimal `json:"finalPremium,omitempty"`
}

// Premium collects the resulting amount of each completed step.
func (d *VehicleDraft) Premium() CalculatedPremium {
	amount := func(step PremiumStep) *decimal.Decimal {
		if t := d.Trace(step); t != nil {
			v := t.ResultingAmount
			return &v
		}
		return nil
	}
	return CalculatedPremium{
		BasicPremium:          amount(StepBasicPremium),
		PremiumAfterDiscounts: amount(StepApplyDiscounts),
		PremiumAfterLoadings:  amount(StepApplyLoadings),
		FinalPremium:          amount(StepFinalPremium),
	}
}

// Session is the working state of one proposal's motor quotation.
type Session struct {
	ProposalNo     string                     `json:"proposal_no"`
	TenantID       string                     `json:"tenant_id"`
	Vehicles       []Vehicle                  `json:"vehicles"`
	Adjustments    ProposalAdjustments        `json:"adjustments"`
	Phase          ProposalPhase              `json:"-"`
	LastResult     *CompleteCalculationResult `json:"last_result,omitempty"`
	Breakdown      *CalculationBreakdown      `json:"breakdown,omitempty"`
	EverCalculated bool                       `json:"ever_calculated"`
	Draft          *VehicleDraft              `json:"draft,omitempty"`
	Expanded       map[string]bool            `json:"expanded,omitempty"`
	Version        int                        `json:"version"`
	CreatedAt      time.Time                  `json:"created_at"`
	UpdatedAt      time.Time                  `json:"updated_at"`
	ExpiresAt      *time.Time                 `json:"expires_at,omitempty"`
}

// NewSession returns an empty idle session.
func NewSession(tenantID, proposalNo string, now time.Time) Session {
	return Session{
		ProposalNo:  proposalNo,
		TenantID:    tenantID,
		Vehicles:    []Vehicle{},
		Adjustments: DefaultProposalAdjustments(),
		Phase:       PhaseIdle{},
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// HasCalculated reports whether the attached result reflects the current
// vehicles and adjustments. A recalculation in flight or a failed one keeps
// the earlier result; only a mutation drops it.
func (s *Session) HasCalculated() bool {
	return PriorResult(s.Phase) != nil
}

// IsComputing reports whether a remote calculation is in flight.
func (s *Session) IsComputing() bool {
	_, ok := s.Phase.(PhaseComputing)
	return ok
}

// VehicleIndex returns the position of the vehicle with the given ID, or -1.
func (s *Session) VehicleIndex(id string) int {
	for i, v := range s.Vehicles {
		if v.ID == id {
			return i
		}
	}
	return -1
}

// Clone returns a copy whose vehicles, draft and expansion map
// can be mutated without touching s. LastResult and Breakdown are shared:
// they are replaced whole on commit and never edited in place.
func (s Session) Clone() Session {
	c := s
	if s.Vehicles != nil {
		c.Vehicles = make([]Vehicle, len(s.Vehicles))
		for i, v := range s.Vehicles {
			c.Vehicles[i] = v.clone()
		}
	}
	if s.Expanded != nil {
		c.Expanded = make(map[string]bool, len(s.Expanded))
		for k, v := range s.Expanded {
			c.Expanded[k] = v
		}
	}
	if s.Draft != nil {
		d := *s.Draft
		d.Vehicle = s.Draft.Vehicle.clone()
		for i, t := range s.Draft.Traces {
			if t != nil {
				tc := *t
				tc.Adjustments = cloneAdjustments(t.Adjustments)
				d.Traces[i] = &tc
			}
		}
		if s.Draft.PendingAt != nil {
			at := *s.Draft.PendingAt
			d.PendingAt = &at
		}
		c.Draft = &d
	}
	if s.ExpiresAt != nil {
		at := *s.ExpiresAt
		c.ExpiresAt = &at
	}
	return c
}

type sessionAlias Session

type sessionJSON struct {
	sessionAlias
	Phase phaseRecord `json:"phase"`
}

// MarshalJSON encodes the session including its phase.
func (s Session) MarshalJSON() ([]byte, error) {
	return json.Marshal(sessionJSON{sessionAlias: sessionAlias(s), Phase: encodePhase(s.Phase)})
}

// UnmarshalJSON decodes a session including its phase.
func (s *Session) UnmarshalJSON(data []byte) error {
	var raw sessionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	phase, err := decodePhase(raw.Phase)
	if err != nil {
		return err
	}
	*s = Session(raw.sessionAlias)
	s.Phase = phase
	return nil
}

// Session event names.
const (
	EventSessionCreated       = "session_created"
	EventVehicleAdded         = "vehicle_added"
	EventVehicleUpdated       = "vehicle_updated"
	EventVehicleRemoved       = "vehicle_removed"
	EventAdjustmentsSet       = "adjustments_set"
	EventCalculationStarted   = "calculation_started"
	EventCalculationCompleted = "calculation_completed"
	EventCalculationFailed    = "calculation_failed"
	EventCalculationDiscarded = "calculation_discarded"
	EventDraftStepCompleted   = "draft_step_completed"
	EventDraftInvalidated     = "draft_invalidated"
	EventDraftCommitted       = "draft_committed"
	EventDraftDiscarded       = "draft_discarded"
	EventSessionExpired       = "session_expired"
)

// SessionEvent records an event in a session's audit trail.
type SessionEvent struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	ProposalNo string         `json:"proposal_no"`
	Event      string         `json:"event"`
	ActorID    string         `json:"actor_id"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}
