package breakdown

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// RenderText writes v as aligned plain text.
func RenderText(w io.Writer, v View) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "Proposal %s\t%s\n", v.ProposalNo, v.Phase)
	if v.Error != nil {
		fmt.Fprintf(tw, "Last attempt failed:\t%s\n", v.Error.Message)
	}
	if !v.Visible {
		fmt.Fprintln(tw, "No calculation for the current vehicles.")
	} else {
		fmt.Fprintln(tw, "\nVEHICLE\tSUM INSURED\tBASIC PREMIUM\tFINAL PREMIUM")
		for _, r := range v.Rows {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Label, r.SumInsured, r.BasicPremium, r.FinalPremium)
			for _, s := range r.Steps {
				writeStep(tw, "  ", s)
			}
		}
		fmt.Fprintln(tw)
		for _, t := range v.Totals {
			fmt.Fprintf(tw, "%s\t%s\n", t.Label, t.Value)
		}
	}

	if d := v.Draft; d != nil {
		fmt.Fprintf(tw, "\nDraft (%s) %s\tstage %s\n", d.Mode, d.Label, d.Stage)
		for _, s := range d.Steps {
			writeStep(tw, "  ", s)
		}
		if d.NextStep != "" {
			fmt.Fprintf(tw, "  next step:\t%s\n", d.NextStep)
		}
	}
	return tw.Flush()
}

func writeStep(w io.Writer, indent string, s StepView) {
	fmt.Fprintf(w, "%s%s\tfrom %s\tto %s\n", indent, s.Title, s.StartingAmount, s.ResultingAmount)
	for _, a := range s.Adjustments {
		fmt.Fprintf(w, "%s  %s (%s, %s)\t%s\t%s\n", indent, a.Name, a.Type, a.Rate, a.Amount, a.Tone)
	}
	if len(s.Adjustments) > 0 {
		fmt.Fprintf(w, "%s  total adjustment\t%s\n", indent, s.TotalAdjustment)
	}
}
