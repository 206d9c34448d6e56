package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/lockstep/internal/config"
	"github.com/zsiec/lockstep/internal/history"
	"github.com/zsiec/lockstep/internal/pipeline"
	"github.com/zsiec/lockstep/internal/stream"
)

const defaultScenario = "steady"

func newRunCommand(ctx *commandContext) *cobra.Command {
	var all, noHistory, jsonOut bool
	var speed float64

	cmd := &cobra.Command{
		Use:   "run [scenario...]",
		Short: "Play scenarios through the encode coordinator",
		Long: "Play one or more scenarios concurrently. Each scenario is its own session " +
			"with its own coordinator and encoder. Without arguments the steady scenario runs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.config
			if cmd.Flags().Changed("speed") {
				if speed < 0 {
					return errors.New("--speed must be non-negative")
				}
				cfg.Session.Speed = speed
			}

			scenarios, err := selectScenarios(cfg, args, all)
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			mgr := stream.NewManager(ctx.logger)
			sessions := make([]*stream.Session, 0, len(scenarios))
			for _, sc := range scenarios {
				names := make([]string, 0, len(sc.Streams))
				for _, st := range sc.Streams {
					names = append(names, st.Name)
				}
				sess, err := mgr.Create(sc.Name, names)
				if err != nil {
					return err
				}
				sessions = append(sessions, sess)
			}

			g, gctx := errgroup.WithContext(runCtx)
			for i, sc := range scenarios {
				sess := sessions[i]
				g.Go(func() error {
					p, err := pipeline.New(sc.Name, cfg.Profiles(sc), cfg.Pipeline(sess.ID), ctx.logger)
					if err != nil {
						mgr.Finish(sc.Name, pipeline.Report{}, err)
						return err
					}
					rep, err := p.Run(gctx)
					mgr.Finish(sc.Name, rep, err)
					if err != nil {
						return fmt.Errorf("scenario %s: %w", sc.Name, err)
					}
					return nil
				})
			}
			runErr := g.Wait()
			reports := mgr.Reports()

			if !noHistory {
				if err := saveReports(cmd, cfg.Paths.HistoryDB, reports); err != nil {
					ctx.logger.Warn("history not saved", "path", cfg.Paths.HistoryDB, "error", err)
				}
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				if err := writeJSON(out, reports); err != nil {
					return err
				}
			} else {
				for _, rep := range reports {
					printReport(out, rep)
				}
			}
			if runErr == nil && runCtx.Err() != nil {
				return runCtx.Err()
			}
			return runErr
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Run every configured scenario")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "Do not record the run in the history database")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print reports as JSON")
	cmd.Flags().Float64Var(&speed, "speed", 1, "Override session.speed (0 plays unpaced)")
	return cmd
}

func selectScenarios(cfg *config.Config, names []string, all bool) ([]config.Scenario, error) {
	if all {
		if len(names) > 0 {
			return nil, errors.New("--all cannot be combined with scenario names")
		}
		return cfg.Scenarios, nil
	}
	if len(names) == 0 {
		names = []string{defaultScenario}
	}
	seen := make(map[string]struct{}, len(names))
	out := make([]config.Scenario, 0, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		sc, ok := cfg.Scenario(name)
		if !ok {
			return nil, fmt.Errorf("unknown scenario %q (available: %s)", name, strings.Join(scenarioNames(cfg), ", "))
		}
		out = append(out, sc)
	}
	return out, nil
}

func scenarioNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Scenarios))
	for _, sc := range cfg.Scenarios {
		names = append(names, sc.Name)
	}
	sort.Strings(names)
	return names
}

func saveReports(cmd *cobra.Command, path string, reports []pipeline.Report) error {
	store, err := history.Open(cmd.Context(), path)
	if err != nil {
		return err
	}
	defer store.Close()
	for _, rep := range reports {
		if err := store.Save(cmd.Context(), rep); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printReport(w io.Writer, rep pipeline.Report) {
	fmt.Fprintf(w, "%s  session %s  %s\n", rep.Scenario, rep.ID, rep.Elapsed.Round(time.Millisecond))
	if rep.Degraded {
		fmt.Fprintf(w, "degraded startup: %s\n", rep.DegradedReason)
	}

	tbl := newStatTable("",
		label("Stream"), label("Kind"), label("State"), count("Produced"), count("Encoded"), count("Clones"),
		count("Gaps"), count("Timeouts"), count("Discarded"), count("Dropped"), count("Continuity"), label("EOS"))
	var produced, encoded, clones, gaps, timeouts, discarded, dropped, continuity int64
	for _, s := range rep.Streams {
		drop := s.DroppedFull + int64(s.Flush.DroppedInput)
		tbl.add(
			s.Name,
			s.Kind,
			s.State,
			itoa(s.Produced),
			itoa(s.Encoded),
			itoa(s.Clones),
			itoa(s.Gaps),
			itoa(s.Timeouts),
			itoa(s.Discarded),
			itoa(drop),
			itoa(s.ContinuityErrors),
			yesNo(s.EOS),
		)
		produced += s.Produced
		encoded += s.Encoded
		clones += s.Clones
		gaps += s.Gaps
		timeouts += s.Timeouts
		discarded += s.Discarded
		dropped += drop
		continuity += s.ContinuityErrors
	}
	if len(rep.Streams) > 1 {
		tbl.total("total", "", "", itoa(produced), itoa(encoded), itoa(clones), itoa(gaps),
			itoa(timeouts), itoa(discarded), itoa(dropped), itoa(continuity))
	}
	fmt.Fprintln(w, tbl.render())
	fmt.Fprintf(w, "ticks %d  compressions %d  pts offset %d\n\n", rep.Ticks, rep.Compressions, rep.PTSOffset)
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
