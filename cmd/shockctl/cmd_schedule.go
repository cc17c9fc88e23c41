package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"shockctl/pkg/timeline"
)

var scheduleBudget string

// scheduleCmd inspects a random schedule file
var scheduleCmd = &cobra.Command{
	Use:   "schedule FILE",
	Short: "Parse a random schedule and print the merged steps",
	Long: `Parses a random schedule file (one "SIDE SECONDS" pair per line), merges
consecutive steps with the same side and prints the result.

With --budget the playback of a random phase of that length is shown: the
merged steps repeat cyclically and the last one is cut to fit.

Example:
  shockctl schedule schedule.txt --budget 02:00`,
	Args: cobra.ExactArgs(1),
	RunE: showSchedule,
}

func init() {
	scheduleCmd.Flags().StringVarP(&scheduleBudget, "budget", "b", "", "Phase length (mm:ss or seconds) to plan playback for")
}

func showSchedule(cmd *cobra.Command, args []string) error {
	raw, stats, err := timeline.LoadSchedule(args[0])
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return fmt.Errorf("%s: no usable steps", args[0])
	}
	merged := timeline.Merge(raw)
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "%s: %d lines, %d steps, %d skipped\n", args[0], stats.Lines, stats.Steps, stats.Skipped)
	fmt.Fprintf(out, "Merged: %d -> %d steps, %d ms total\n", len(raw), len(merged), timeline.TotalMS(merged))
	printSteps(out, merged)

	if scheduleBudget == "" {
		return nil
	}
	budget, err := timeline.ParseMMSS(scheduleBudget)
	if err != nil {
		return err
	}
	plan := timeline.PlanRandom(merged, budget)
	fmt.Fprintf(out, "Playback for %s: %d steps\n", timeline.FormatMMSS(budget), len(plan))
	printSteps(out, plan)
	return nil
}

func printSteps(out io.Writer, steps []timeline.RandomStep) {
	var offset int64
	for i, s := range steps {
		fmt.Fprintf(out, "%4d  +%-8d %s for %d ms\n", i+1, offset, s.Side(), s.DurationMS())
		offset += s.DurationMS()
	}
}
