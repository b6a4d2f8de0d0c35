// Package breakdown turns a session's calculation trace into a display-ready
// view. Amounts are formatted, never recomputed.
package breakdown

import (
	"github.com/shopspring/decimal"

	"github.com/pitabwire/quotedesk/model"
)

// Mode selects the condensed or per-step rendering.
type Mode string

const (
	ModeSummary  Mode = "summary"
	ModeDetailed Mode = "detailed"
)

// ParseMode maps a query value to a Mode. Unknown values fall back to
// summary.
func ParseMode(s string) Mode {
	if Mode(s) == ModeDetailed {
		return ModeDetailed
	}
	return ModeSummary
}

// Presentation tones per adjustment type.
const (
	ToneReduces   = "reduces"
	ToneIncreases = "increases"
	ToneFlat      = "flat"
)

// Options controls rendering.
type Options struct {
	Mode      Mode
	Formatter *Formatter
}

// View is the rendered breakdown of one proposal.
type View struct {
	ProposalNo    string               `json:"proposalNo"`
	Mode          Mode                 `json:"mode"`
	Phase         string               `json:"phase"`
	HasCalculated bool                 `json:"hasCalculated"`
	Visible       bool                 `json:"visible"`
	Rows          []VehicleRow         `json:"rows"`
	Totals        []TotalLine          `json:"totals"`
	Error         *model.ErrorEnvelope `json:"error,omitempty"`
	Draft         *DraftView           `json:"draft,omitempty"`
}

// VehicleRow is one vehicle's line. Steps are filled in detailed mode or
// when the row is expanded.
type VehicleRow struct {
	VehicleID    string     `json:"vehicleId"`
	Label        string     `json:"label"`
	SumInsured   string     `json:"sumInsured"`
	BasicPremium string     `json:"basicPremium"`
	FinalPremium string     `json:"finalPremium"`
	Expanded     bool       `json:"expanded"`
	Steps        []StepView `json:"steps,omitempty"`
}

// StepView is one step of the premium pipeline.
type StepView struct {
	Step            string           `json:"step"`
	Title           string           `json:"title"`
	StartingAmount  string           `json:"startingAmount"`
	Adjustments     []AdjustmentView `json:"adjustments"`
	TotalAdjustment string           `json:"totalAdjustment"`
	ResultingAmount string           `json:"resultingAmount"`
	Formula         string           `json:"formula,omitempty"`
}

// AdjustmentView is one itemized adjustment.
type AdjustmentView struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Rate    string `json:"rate"`
	Amount  string `json:"amount"`
	Tone    string `json:"tone"`
	Formula string `json:"formula,omitempty"`
}

// TotalLine is a labelled proposal aggregate.
type TotalLine struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// DraftView is the stepwise draft panel.
type DraftView struct {
	Mode                  model.DraftMode `json:"mode"`
	VehicleID             string          `json:"vehicleId"`
	Label                 string          `json:"label"`
	Stage                 string          `json:"stage"`
	BasicPremium          string          `json:"basicPremium,omitempty"`
	PremiumAfterDiscounts string          `json:"premiumAfterDiscounts,omitempty"`
	PremiumAfterLoadings  string          `json:"premiumAfterLoadings,omitempty"`
	FinalPremium          string          `json:"finalPremium,omitempty"`
	Steps                 []StepView      `json:"steps"`
	NextStep              string          `json:"nextStep,omitempty"`
	Pending               string          `json:"pending,omitempty"`
	CanApplyAdjustments   bool            `json:"canApplyAdjustments"`
}

// Tone returns the presentation tone and sign of an adjustment type.
func Tone(adjType string) (tone, sign string) {
	switch adjType {
	case model.AdjustmentDiscount:
		return ToneReduces, "-"
	case model.AdjustmentLoading:
		return ToneIncreases, "+"
	default:
		return ToneFlat, "+"
	}
}

// Render builds the view of a session. The breakdown sections are only
// populated while the session holds a result for its current vehicles.
func Render(sess model.Session, opts Options) View {
	f := opts.Formatter
	if f == nil {
		f = defaultFormatter
	}
	if opts.Mode == "" {
		opts.Mode = ModeSummary
	}

	v := View{
		ProposalNo:    sess.ProposalNo,
		Mode:          opts.Mode,
		Phase:         sess.Phase.Kind(),
		HasCalculated: sess.HasCalculated(),
		Rows:          []VehicleRow{},
		Totals:        []TotalLine{},
	}
	if failed, ok := sess.Phase.(model.PhaseFailed); ok {
		v.Error = failed.Err
	}
	if sess.Draft != nil {
		v.Draft = renderDraft(sess.Draft, f)
	}

	v.Visible = v.HasCalculated && sess.Breakdown != nil
	if !v.Visible {
		return v
	}

	for _, vb := range sess.Breakdown.Vehicles {
		v.Rows = append(v.Rows, renderRow(sess, vb, opts.Mode, f))
	}
	v.Totals = renderTotals(sess.Breakdown.Totals, sess.Adjustments.Currency, f)
	return v
}

func renderRow(sess model.Session, vb model.VehicleBreakdown, mode Mode, f *Formatter) VehicleRow {
	row := VehicleRow{
		Label:      vb.Description,
		SumInsured: f.Naira(vb.SumInsured),
	}
	if vb.VehicleIndex >= 0 && vb.VehicleIndex < len(sess.Vehicles) {
		veh := sess.Vehicles[vb.VehicleIndex]
		row.VehicleID = veh.ID
		row.Label = veh.Label()
		row.Expanded = sess.Expanded[veh.ID]
	}
	if row.Label == "" {
		row.Label = vb.RegistrationNo
	}

	basic, final := stepAmounts(sess, vb)
	row.BasicPremium = f.Naira(basic)
	row.FinalPremium = f.Naira(final)

	if mode == ModeDetailed || row.Expanded {
		row.Steps = make([]StepView, 0, len(vb.Steps))
		for _, st := range vb.Steps {
			row.Steps = append(row.Steps, renderStep(st, f))
		}
	}
	return row
}

// stepAmounts reads the basic and final premium from the trace, falling back
// to the complete result when a step is missing.
func stepAmounts(sess model.Session, vb model.VehicleBreakdown) (basic, final decimal.Decimal) {
	var calc *model.CalculatedVehicle
	if sess.LastResult != nil && vb.VehicleIndex >= 0 && vb.VehicleIndex < len(sess.LastResult.Vehicles) {
		calc = &sess.LastResult.Vehicles[vb.VehicleIndex]
	}
	if st, ok := vb.StepByKind(model.StepBasicPremium); ok {
		basic = st.ResultingAmount
	} else if calc != nil {
		basic = calc.BasicPremium
	}
	if st, ok := vb.StepByKind(model.StepFinalPremium); ok {
		final = st.ResultingAmount
	} else if calc != nil {
		final = calc.FinalPremium
	}
	return basic, final
}

func renderStep(st model.StepTrace, f *Formatter) StepView {
	title := st.Name
	if title == "" {
		title = st.Step.Title()
	}
	sv := StepView{
		Step:            st.Step.String(),
		Title:           title,
		StartingAmount:  f.Naira(st.StartingAmount),
		Adjustments:     make([]AdjustmentView, 0, len(st.Adjustments)),
		TotalAdjustment: f.Naira(st.TotalAdjustment),
		ResultingAmount: f.Naira(st.ResultingAmount),
		Formula:         st.Formula,
	}

	adjs := append([]model.Adjustment(nil), st.Adjustments...)
	model.SortAdjustments(adjs)
	for _, a := range adjs {
		tone, sign := Tone(a.Type)
		sv.Adjustments = append(sv.Adjustments, AdjustmentView{
			Name:    a.Name,
			Type:    a.Type,
			Rate:    f.Rate(a.Rate),
			Amount:  f.Signed(a.Amount, sign),
			Tone:    tone,
			Formula: a.Formula,
		})
	}
	return sv
}

func renderTotals(t model.ProposalTotals, currencyCode string, f *Formatter) []TotalLine {
	lines := []TotalLine{
		{Label: "Total Sum Insured", Value: f.Naira(t.TotalSumInsured)},
		{Label: "Total Premium", Value: f.Naira(t.TotalPremium)},
		{Label: "Pro-Rata Premium", Value: f.Naira(t.ProRataPremium)},
		{Label: "Share Sum Insured", Value: f.Naira(t.ShareSumInsured)},
		{Label: "Share Premium", Value: f.Naira(t.SharePremium)},
	}

	code := t.Currency
	if code == "" {
		code = currencyCode
	}
	if code != "" && code != "NGN" {
		lines = append(lines,
			TotalLine{Label: "Exchange Rate", Value: t.ExchangeRate.String()},
			TotalLine{Label: "Sum Insured (" + code + ")", Value: f.Currency(t.ForeignCurrencySumInsured, code)},
			TotalLine{Label: "Premium (" + code + ")", Value: f.Currency(t.ForeignCurrencyPremium, code)},
		)
	}
	return lines
}

func renderDraft(d *model.VehicleDraft, f *Formatter) *DraftView {
	dv := &DraftView{
		Mode:      d.Mode,
		VehicleID: d.Vehicle.ID,
		Label:     d.Vehicle.Label(),
		Stage:     string(d.Stage()),
		Steps:     []StepView{},
	}

	p := d.Premium()
	amount := func(a *decimal.Decimal) string {
		if a == nil {
			return ""
		}
		return f.Naira(*a)
	}
	dv.BasicPremium = amount(p.BasicPremium)
	dv.PremiumAfterDiscounts = amount(p.PremiumAfterDiscounts)
	dv.PremiumAfterLoadings = amount(p.PremiumAfterLoadings)
	dv.FinalPremium = amount(p.FinalPremium)

	for _, step := range model.PremiumSteps {
		if t := d.Trace(step); t != nil {
			dv.Steps = append(dv.Steps, renderStep(*t, f))
		}
	}
	if next := d.Completed() + 1; next <= model.StepFinalPremium {
		dv.NextStep = next.String()
	}
	if d.Pending != 0 {
		dv.Pending = d.Pending.String()
	}
	dv.CanApplyAdjustments = p.BasicPremium != nil
	return dv
}
