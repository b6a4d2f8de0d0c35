package breakdown

import (
	"bytes"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/quotedesk/model"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func computedSession() model.Session {
	sess := model.NewSession("tenant-1", "MOT-0001", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	sess.Vehicles = []model.Vehicle{{
		ID: "veh-1",
		VehicleDetails: model.VehicleDetails{
			RegistrationNo: "LAG-1",
			Make:           "Toyota",
			Model:          "Corolla",
			CoverType:      "Comprehensive",
			VehicleValue:   d(5_000_000),
			PremiumRate:    d(3),
		},
	}}
	sess.Breakdown = &model.CalculationBreakdown{
		ProposalNo: "MOT-0001",
		Vehicles: []model.VehicleBreakdown{{
			VehicleIndex: 0,
			SumInsured:   d(5_000_000),
			Steps: []model.StepTrace{
				{Step: model.StepBasicPremium, Name: "Basic Premium", StartingAmount: d(5_000_000), ResultingAmount: d(150000)},
				{
					Step:           model.StepApplyDiscounts,
					StartingAmount: d(150000),
					Adjustments: []model.Adjustment{
						{Name: "Fleet", Type: model.AdjustmentDiscount, Rate: d(10), Amount: d(15000), SequenceOrder: 1},
					},
					TotalAdjustment: d(15000),
					ResultingAmount: d(135000),
				},
				{
					Step:           model.StepApplyLoadings,
					StartingAmount: d(135000),
					Adjustments: []model.Adjustment{
						{Name: "Tracker", Type: model.AdjustmentCost, Rate: decimal.Zero, Amount: d(5000), SequenceOrder: 2},
						{Name: "Young driver", Type: model.AdjustmentLoading, Rate: d(5), Amount: d(6750), SequenceOrder: 1},
					},
					TotalAdjustment: d(11750),
					ResultingAmount: d(146750),
				},
				{Step: model.StepFinalPremium, StartingAmount: d(146750), ResultingAmount: d(146750)},
			},
		}},
		Totals: model.ProposalTotals{
			TotalSumInsured: d(5_000_000),
			TotalPremium:    d(146750),
			ProRataPremium:  d(146750),
			ShareSumInsured: d(5_000_000),
			SharePremium:    d(146750),
		},
	}
	sess.EverCalculated = true
	sess.Phase = model.PhaseComputed{At: sess.CreatedAt}
	return sess
}

func TestRender_summary(t *testing.T) {
	v := Render(computedSession(), Options{})

	require.True(t, v.Visible)
	assert.Equal(t, ModeSummary, v.Mode)
	require.Len(t, v.Rows, 1)
	row := v.Rows[0]
	assert.Equal(t, "veh-1", row.VehicleID)
	assert.Equal(t, "Toyota Corolla (LAG-1)", row.Label)
	assert.Equal(t, "₦5,000,000.00", row.SumInsured)
	assert.Equal(t, "₦150,000.00", row.BasicPremium)
	assert.Equal(t, "₦146,750.00", row.FinalPremium)
	assert.Empty(t, row.Steps, "collapsed rows carry no steps")

	assert.Equal(t, TotalLine{Label: "Total Premium", Value: "₦146,750.00"}, v.Totals[1])
	assert.Len(t, v.Totals, 5)
}

func TestRender_expandedRow(t *testing.T) {
	sess := computedSession()
	sess.Expanded = map[string]bool{"veh-1": true}

	v := Render(sess, Options{Mode: ModeSummary})
	require.Len(t, v.Rows, 1)
	assert.True(t, v.Rows[0].Expanded)
	assert.Len(t, v.Rows[0].Steps, 4)
}

func TestRender_detailed(t *testing.T) {
	v := Render(computedSession(), Options{Mode: ModeDetailed})
	require.Len(t, v.Rows, 1)
	steps := v.Rows[0].Steps
	require.Len(t, steps, 4)

	assert.Equal(t, "Basic Premium", steps[0].Title)
	assert.Equal(t, "Premium After Discounts", steps[1].Title, "missing names fall back to the step title")

	discount := steps[1].Adjustments[0]
	assert.Equal(t, AdjustmentView{
		Name:   "Fleet",
		Type:   model.AdjustmentDiscount,
		Rate:   "10%",
		Amount: "-₦15,000.00",
		Tone:   ToneReduces,
	}, discount)
	assert.Equal(t, "₦150,000.00", steps[1].StartingAmount)
	assert.Equal(t, "₦135,000.00", steps[1].ResultingAmount)

	loadings := steps[2].Adjustments
	require.Len(t, loadings, 2)
	assert.Equal(t, "Young driver", loadings[0].Name, "adjustments are shown in sequence order")
	assert.Equal(t, ToneIncreases, loadings[0].Tone)
	assert.Equal(t, "+₦6,750.00", loadings[0].Amount)
	assert.Equal(t, ToneFlat, loadings[1].Tone)
	assert.Equal(t, "+₦5,000.00", loadings[1].Amount)
}

func TestRender_doesNotAlterTrace(t *testing.T) {
	sess := computedSession()
	before := sess.Breakdown.Vehicles[0].Steps[2].Adjustments[0].Name

	Render(sess, Options{Mode: ModeDetailed})
	assert.Equal(t, before, sess.Breakdown.Vehicles[0].Steps[2].Adjustments[0].Name)
}

func TestRender_hiddenAfterMutation(t *testing.T) {
	sess := computedSession()
	sess.Vehicles = []model.Vehicle{}
	sess.Phase = model.PhaseIdle{}

	v := Render(sess, Options{Mode: ModeDetailed})
	assert.False(t, v.Visible)
	assert.False(t, v.HasCalculated)
	assert.Empty(t, v.Rows)
	assert.Empty(t, v.Totals)
}

func TestRender_failedWithoutEarlierResult(t *testing.T) {
	sess := computedSession()
	sess.Phase = model.PhaseFailed{Err: model.NewBackendUnavailableError(), At: sess.CreatedAt}

	v := Render(sess, Options{})
	assert.False(t, v.Visible)
	require.NotNil(t, v.Error)
	assert.Equal(t, model.ErrBackendUnavailable, v.Error.Code)
}

func TestRender_failedRecalculationKeepsAmounts(t *testing.T) {
	sess := computedSession()
	prior := sess.Phase.(model.PhaseComputed)
	sess.Phase = model.PhaseFailed{Err: model.NewBackendTimeoutError(), At: sess.CreatedAt, Prior: &prior}

	v := Render(sess, Options{})
	require.True(t, v.Visible)
	assert.True(t, v.HasCalculated)
	assert.Equal(t, model.PhaseKindFailed, v.Phase)
	require.NotNil(t, v.Error)
	assert.Equal(t, model.ErrBackendTimeout, v.Error.Code)
	require.Len(t, v.Rows, 1)
	assert.Equal(t, "₦146,750.00", v.Rows[0].FinalPremium)
	assert.Equal(t, TotalLine{Label: "Total Premium", Value: "₦146,750.00"}, v.Totals[1])
}

func TestRender_visibleWhileRecalculating(t *testing.T) {
	sess := computedSession()
	prior := sess.Phase.(model.PhaseComputed)
	sess.Phase = model.PhaseComputing{Operation: "complete", StartedAt: sess.CreatedAt, Prior: &prior}

	v := Render(sess, Options{})
	assert.True(t, v.Visible)
	assert.Equal(t, model.PhaseKindComputing, v.Phase)
}

func TestRender_foreignCurrencyTotals(t *testing.T) {
	sess := computedSession()
	sess.Adjustments.Currency = "USD"
	sess.Breakdown.Totals.ExchangeRate = d(1500)
	sess.Breakdown.Totals.ForeignCurrencyPremium = decimal.RequireFromString("97.83")

	v := Render(sess, Options{})
	require.Len(t, v.Totals, 8)
	assert.Equal(t, TotalLine{Label: "Premium (USD)", Value: "USD 97.83"}, v.Totals[7])
}

func TestRender_draft(t *testing.T) {
	sess := model.NewSession("tenant-1", "MOT-0001", time.Now())
	draft := &model.VehicleDraft{
		Mode:    model.DraftModeAdd,
		Vehicle: model.Vehicle{ID: "veh-9", VehicleDetails: model.VehicleDetails{RegistrationNo: "LAG-9"}},
	}
	sess.Draft = draft

	v := Render(sess, Options{})
	require.NotNil(t, v.Draft)
	assert.False(t, v.Draft.CanApplyAdjustments)
	assert.Equal(t, "basic", v.Draft.NextStep)
	assert.Equal(t, string(model.StageNone), v.Draft.Stage)

	draft.Record(model.StepBasicPremium, model.StepTrace{
		Step:            model.StepBasicPremium,
		StartingAmount:  d(5_000_000),
		ResultingAmount: d(150000),
	})
	v = Render(sess, Options{})
	assert.True(t, v.Draft.CanApplyAdjustments)
	assert.Equal(t, "₦150,000.00", v.Draft.BasicPremium)
	assert.Equal(t, "discounts", v.Draft.NextStep)
	assert.Equal(t, string(model.StageBasicComputed), v.Draft.Stage)
	assert.Len(t, v.Draft.Steps, 1)
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, ModeDetailed, ParseMode("detailed"))
	assert.Equal(t, ModeSummary, ParseMode("summary"))
	assert.Equal(t, ModeSummary, ParseMode("bogus"))
}

func TestRenderText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderText(&buf, Render(computedSession(), Options{Mode: ModeDetailed})))

	out := buf.String()
	assert.Contains(t, out, "Proposal MOT-0001")
	assert.Contains(t, out, "Toyota Corolla (LAG-1)")
	assert.Contains(t, out, "₦146,750.00")
	assert.Contains(t, out, "Fleet (discount, 10%)")

	buf.Reset()
	sess := computedSession()
	sess.Phase = model.PhaseIdle{}
	require.NoError(t, RenderText(&buf, Render(sess, Options{})))
	assert.Contains(t, buf.String(), "No calculation for the current vehicles.")
}
