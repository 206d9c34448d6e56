package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zsiec/lockstep/internal/history"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd, ctx, func(store *history.Store) error {
				runs, err := store.List(cmd.Context(), limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(runs) == 0 {
					fmt.Fprintln(out, "No runs recorded")
					return nil
				}
				tbl := newStatTable("Recorded runs",
					label("ID"), label("Scenario"), label("Started"), count("Elapsed"), label("Degraded"),
					count("Frames"), count("Clones"), count("Compressions"), count("Continuity"))
				for _, r := range runs {
					tbl.add(
						r.ID,
						r.Scenario,
						r.StartedAt.Local().Format(time.DateTime),
						r.Elapsed.Round(time.Millisecond).String(),
						yesNo(r.Degraded),
						itoa(r.Frames),
						itoa(r.Clones),
						itoa(r.Compressions),
						itoa(r.ContinuityErrors),
					)
				}
				fmt.Fprintln(out, tbl.render())
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs to list (0 for all)")

	cmd.AddCommand(newHistoryShowCommand(ctx))
	cmd.AddCommand(newHistoryPruneCommand(ctx))
	return cmd
}

func newHistoryShowCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show the full report of a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd, ctx, func(store *history.Store) error {
				rep, err := store.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd.OutOrStdout(), rep)
				}
				printReport(cmd.OutOrStdout(), rep)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the report as JSON")
	return cmd
}

func newHistoryPruneCommand(ctx *commandContext) *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the most recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if keep < 0 {
				return fmt.Errorf("--keep must be non-negative")
			}
			return withHistory(cmd, ctx, func(store *history.Store) error {
				n, err := store.Prune(cmd.Context(), keep)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d run(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 50, "Number of runs to keep")
	return cmd
}

func withHistory(cmd *cobra.Command, ctx *commandContext, fn func(*history.Store) error) error {
	store, err := history.Open(cmd.Context(), ctx.config.Paths.HistoryDB)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}
