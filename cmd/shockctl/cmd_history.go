package main

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"shockctl/pkg/history"
)

var (
	historyDB         string
	historyExperiment string
	historyState      string
	historyLimit      int
)

// historyCmd lists recorded runs
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded runs",
	Long: `Lists runs recorded in the history database, newest first.

Examples:
  shockctl history --db runs.db --experiment mouse-07
  shockctl history show 3f0c... --db runs.db`,
	Args: cobra.NoArgs,
	RunE: listRuns,
}

var historyShowCmd = &cobra.Command{
	Use:   "show RUN_ID",
	Short: "Show one run and its transcript",
	Args:  cobra.ExactArgs(1),
	RunE:  showRun,
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete RUN_ID",
	Short: "Delete a run and its transcript",
	Args:  cobra.ExactArgs(1),
	RunE:  deleteRun,
}

var historyStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count recorded runs by outcome",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	historyCmd.PersistentFlags().StringVar(&historyDB, "db", "shockctl.db", "SQLite run history database")
	historyCmd.Flags().StringVarP(&historyExperiment, "experiment", "e", "", "Only runs of this experiment")
	historyCmd.Flags().StringVar(&historyState, "state", "", "Only runs that ended in this state (finished, stopped, aborted)")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of runs")

	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyDeleteCmd)
	historyCmd.AddCommand(historyStatsCmd)
}

func openHistory() (*history.Store, error) {
	if historyDB == "" {
		return nil, fmt.Errorf("no history database given")
	}
	return history.Open(historyDB)
}

func listRuns(cmd *cobra.Command, args []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.List(commandContext(cmd), history.Filter{
		Experiment: historyExperiment,
		State:      historyState,
		Limit:      historyLimit,
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tEXPERIMENT\tSTARTED\tDURATION\tPHASES\tSTATE")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			r.RunID, r.Experiment, r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Duration().Round(time.Millisecond), r.PhasesCompleted, r.TotalPhases, r.State)
	}
	return tw.Flush()
}

func showRun(cmd *cobra.Command, args []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := commandContext(cmd)
	r, err := store.Get(ctx, args[0])
	if err != nil {
		return err
	}
	lines, err := store.Log(ctx, args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run:         %s\n", r.RunID)
	fmt.Fprintf(out, "Experiment:  %s\n", r.Experiment)
	if r.Protocol != "" {
		fmt.Fprintf(out, "Protocol:    %s\n", r.Protocol)
	}
	fmt.Fprintf(out, "State:       %s\n", r.State)
	if r.Error != "" {
		fmt.Fprintf(out, "Error:       %s\n", r.Error)
	}
	fmt.Fprintf(out, "Started:     %s\n", r.StartedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(out, "Duration:    %s (planned %s)\n", r.Duration().Round(time.Millisecond), time.Duration(r.PlannedMS)*time.Millisecond)
	fmt.Fprintf(out, "Phases:      %d/%d\n", r.PhasesCompleted, r.TotalPhases)
	fmt.Fprintf(out, "Mode errors: %d\n", r.ModeErrors)
	if len(lines) > 0 {
		fmt.Fprintln(out)
		for _, l := range lines {
			fmt.Fprintln(out, l)
		}
	}
	return nil
}

func deleteRun(cmd *cobra.Command, args []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Delete(commandContext(cmd), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	counts, err := store.Counts(commandContext(cmd))
	if err != nil {
		return err
	}
	states := make([]string, 0, len(counts))
	total := 0
	for s, n := range counts {
		states = append(states, s)
		total += n
	}
	sort.Strings(states)

	out := cmd.OutOrStdout()
	for _, s := range states {
		fmt.Fprintf(out, "%-10s %d\n", s, counts[s])
	}
	fmt.Fprintf(out, "%-10s %d\n", "total", total)
	return nil
}
