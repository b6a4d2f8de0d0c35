package quotation

import (
	"context"

	"github.com/pitabwire/quotedesk/model"
)

// Calculator is the remote calculation service as the workflow sees it.
// *calcapi.Client implements it.
type Calculator interface {
	CreateComplete(ctx context.Context, proposalNo string, req model.CompleteCalculationRequest) (*model.CompleteCalculationResult, error)
	RecalculateComplete(ctx context.Context, proposalNo string, req model.CompleteCalculationRequest) (*model.CompleteCalculationResult, error)
	GetBreakdown(ctx context.Context, proposalNo string) (*model.CalculationBreakdown, error)
	RunStep(ctx context.Context, step model.PremiumStep, req model.StepRequest) (*model.StepTrace, error)
	AggregateVehicles(ctx context.Context, req model.AggregateRequest) (*model.VehicleAggregate, error)
	ApplyProposalAdjustments(ctx context.Context, req model.ProposalAdjustmentRequest) (*model.ProposalTotals, error)
	FinalCalculation(ctx context.Context, req model.FinalCalculationRequest) (*model.ProposalTotals, error)
}
