package model

import "github.com/shopspring/decimal"

// PremiumStep identifies one stage of the per-vehicle premium pipeline.
type PremiumStep int

// Steps in pipeline order.
const (
	StepBasicPremium PremiumStep = iota + 1
	StepApplyDiscounts
	StepApplyLoadings
	StepFinalPremium
)

// PremiumSteps lists the per-vehicle steps in order.
var PremiumSteps = []PremiumStep{StepBasicPremium, StepApplyDiscounts, StepApplyLoadings, StepFinalPremium}

// String returns the step's short name, as used in routes.
func (s PremiumStep) String() string {
	switch s {
	case StepBasicPremium:
		return "basic"
	case StepApplyDiscounts:
		return "discounts"
	case StepApplyLoadings:
		return "loadings"
	case StepFinalPremium:
		return "final"
	default:
		return "unknown"
	}
}

// Title is the human-readable step heading.
func (s PremiumStep) Title() string {
	switch s {
	case StepBasicPremium:
		return "Basic Premium"
	case StepApplyDiscounts:
		return "Premium After Discounts"
	case StepApplyLoadings:
		return "Premium After Loadings"
	case StepFinalPremium:
		return "Final Premium"
	default:
		return "Unknown Step"
	}
}

// Previous returns the step that must be completed first. The first step has
// no predecessor and returns 0.
func (s PremiumStep) Previous() PremiumStep {
	if s <= StepBasicPremium {
		return 0
	}
	return s - 1
}

// ParsePremiumStep maps a route name to a step.
func ParsePremiumStep(name string) (PremiumStep, bool) {
	for _, s := range PremiumSteps {
		if s.String() == name {
			return s, true
		}
	}
	return 0, false
}

// StepTrace is one step of the calculation trace returned by the service.
type StepTrace struct {
	Step            PremiumStep     `json:"step"`
	Name            string          `json:"name"`
	StartingAmount  decimal.Decimal `json:"startingAmount"`
	Adjustments     []Adjustment    `json:"adjustments"`
	TotalAdjustment decimal.Decimal `json:"totalAdjustment"`
	ResultingAmount decimal.Decimal `json:"resultingAmount"`
	Formula         string          `json:"formula,omitempty"`
}

// VehicleBreakdown is the four-step trace for a single vehicle.
type VehicleBreakdown struct {
	VehicleIndex   int             `json:"vehicleIndex"`
	RegistrationNo string          `json:"registrationNo,omitempty"`
	Description    string          `json:"description,omitempty"`
	SumInsured     decimal.Decimal `json:"sumInsured"`
	Steps          []StepTrace     `json:"steps"`
}

// StepByKind returns the trace for the given step, if present.
func (vb VehicleBreakdown) StepByKind(step PremiumStep) (StepTrace, bool) {
	for _, s := range vb.Steps {
		if s.Step == step {
			return s, true
		}
	}
	return StepTrace{}, false
}

// CalculationBreakdown is the authoritative per-step trace of a proposal.
type CalculationBreakdown struct {
	ProposalNo string             `json:"proposalNo"`
	Vehicles   []VehicleBreakdown `json:"vehicles"`
	Totals     ProposalTotals     `json:"totals"`
}

// StepRequest is the body of a granular step call. Step 1 carries no
// previous trace; every later step carries the one before it, whose resulting
// amount is the new starting amount.
type StepRequest struct {
	Vehicle  VehicleDetails `json:"vehicle"`
	Previous *StepTrace     `json:"previousStep,omitempty"`
}

// VehicleAggregate is the output of the vehicle aggregation step.
type VehicleAggregate struct {
	Vehicles        []CalculatedVehicle `json:"vehicles"`
	TotalSumInsured decimal.Decimal     `json:"totalSumInsured"`
	TotalPremium    decimal.Decimal     `json:"totalPremium"`
}

// AggregateRequest is the body of the vehicle aggregation step.
type AggregateRequest struct {
	ProposalNo string           `json:"proposalNo"`
	Vehicles   []VehicleDetails `json:"vehicles"`
}

// ProposalAdjustmentRequest is the body of the proposal adjustment step.
type ProposalAdjustmentRequest struct {
	ProposalNo string           `json:"proposalNo"`
	Aggregate  VehicleAggregate `json:"aggregate"`
	ProposalAdjustments
}

// FinalCalculationRequest is the body of the final proposal calculation step.
type FinalCalculationRequest struct {
	ProposalNo string         `json:"proposalNo"`
	Totals     ProposalTotals `json:"totals"`
	ProposalAdjustments
}

// ProposalAggregate is the combined output of the aggregation path.
type ProposalAggregate struct {
	ProposalNo string           `json:"proposalNo"`
	Vehicles   VehicleAggregate `json:"vehicles"`
	Adjusted   ProposalTotals   `json:"adjusted"`
	Final      ProposalTotals   `json:"final"`
}
