package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/replay"
)

// errDiverged makes replay exit non-zero without printing usage.
var errDiverged = errors.New("replay diverged from fixture expectations")

var replayCmd = &cobra.Command{
	Use:   "replay <fixture.json>",
	Short: "Replay a recorded fixture through a fresh controller",
	Long: `Replay drives a fresh in-memory controller through the fixture steps on a
virtual clock and compares each labelled step against the fixture's
expectations. Exits non-zero on any divergence.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := replay.LoadFixture(args[0])
		if err != nil {
			return err
		}
		rc, err := f.ToReplayConfig()
		if err != nil {
			return err
		}
		results, summary, err := replay.Replay(f.Environment, f.ToSteps(), rc)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if f.Description != "" {
			fmt.Fprintf(out, "%s\n\n", f.Description)
		}
		printSteps(out, results)
		divs := f.Compare(results)
		printComparison(out, divs, len(f.Expected))
		printSummary(out, summary)
		if len(divs) > 0 {
			return errDiverged
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(replayCmd)
}

// #region output
func printSteps(w io.Writer, results []replay.ReplayResult) {
	fmt.Fprintf(w, "%-16s| %-12s| %-12s| %-8s| %-8s| %-8s| %s\n",
		"Step", "Outcome", "Status", "P", "Margin", "Speed", "Gate")
	fmt.Fprintf(w, "%-16s+%-13s+%-13s+%-9s+%-9s+%-9s+%s\n",
		"----------------", "-------------", "-------------", "---------", "---------", "---------", "------")
	for _, r := range results {
		gate := "-"
		if r.Decision != nil {
			gate = "rejected"
			if r.Decision.Approved {
				gate = "approved"
			}
		}
		if r.Incident != nil {
			gate += " +" + string(r.Incident.Cause)
		}
		fmt.Fprintf(w, "%-16s| %-12s| %-12s| %-8.3f| %-8.3f| %-8.2f| %s\n",
			r.Label, r.Outcome, r.Status, r.Certificate.PScore, r.Margin, r.SpeedLimit, gate)
	}
	fmt.Fprintln(w)
}

// printComparison outputs the divergence table.
func printComparison(w io.Writer, divs []replay.Divergence, expected int) {
	if len(divs) == 0 {
		fmt.Fprintf(w, "Summary: %d expectations, all match\n", expected)
		return
	}
	fmt.Fprintf(w, "%-16s| %-12s| %-14s| %s\n", "Step", "Field", "Expected", "Replayed")
	fmt.Fprintf(w, "%-16s+%-13s+%-15s+%s\n", "----------------", "-------------", "---------------", "--------")
	for _, d := range divs {
		fmt.Fprintf(w, "%-16s| %-12s| %-14s| %s\n", d.Label, d.Field, d.Expected, d.Actual)
	}
	fmt.Fprintf(w, "\nSummary: %d expectations, %d diverge\n", expected, len(divs))
}

func printSummary(w io.Writer, s replay.ReplaySummary) {
	fmt.Fprintf(w, "Ticks: %d (%d certified, %d unsafe, %d locked down)\n",
		s.TotalTicks, s.Certified, s.Unsafe, s.LockedDown)
	fmt.Fprintf(w, "Gate: %d approved, %d rejected | Incidents: %d\n", s.Approved, s.Rejected, s.Incidents)
	fmt.Fprintf(w, "Transitions: %d breaches, %d lockdowns, %d releases | final %s\n",
		s.Breaches, s.Lockdowns, s.Releases, s.FinalStatus)
	fmt.Fprintf(w, "Rigor: margin %.2f threshold %.3f | failure rate %.2e (confidence %.2f)\n",
		s.FinalRigor.CurrentMargin, s.FinalRigor.SafetyThreshold,
		s.Estimate.EstimatedFailureRate, s.Estimate.Confidence)
}

// #endregion output
