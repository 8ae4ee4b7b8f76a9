package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ripple-sim/ripple/internal/observability"
	"github.com/ripple-sim/ripple/internal/sim/engine"
	"github.com/ripple-sim/ripple/internal/sim/replay"
	"github.com/ripple-sim/ripple/internal/sim/scenario"
	"github.com/ripple-sim/ripple/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Ticks       int
	Speed       float64
	Seed        int64
	Database    string
	Recording   string
	SnapshotAt  int
	MetricsAddr string
}

// RunSummary is the result printed after a bounded run.
type RunSummary struct {
	Scenario     string           `json:"scenario"`
	FinalTime    int64            `json:"final_time"`
	EventCounter int64            `json:"event_counter"`
	TokensTotal  int              `json:"tokens_total"`
	SinkCounts   map[string]int64 `json:"sink_counts,omitempty"`
	Errors       []string         `json:"errors,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Run a scenario",
		Long: `Run a scenario, either for a fixed number of ticks or continuously.

With --ticks the engine steps exactly that many ticks and prints a summary.
Without it the engine plays at --speed until interrupted.

With --db and --record every external input is captured into a named
recording, with a final snapshot for replay verification.

Examples:
  ripple run model.yaml --ticks 100 --seed 42
  ripple run model.yaml --speed 4
  ripple run model.yaml --ticks 500 --db runs.db --record baseline`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Ticks, "ticks", 0, "number of ticks to run (0 = play until interrupted)")
	cmd.Flags().Float64Var(&opts.Speed, "speed", 1.0, "play speed multiplier (ticks per second)")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 0, "seed for source value generation")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite recordings database")
	cmd.Flags().StringVar(&opts.Recording, "record", "", "record this run under the given name (requires --db)")
	cmd.Flags().IntVar(&opts.SnapshotAt, "snapshot-every", 0, "take a snapshot every N ticks while recording")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics", "", "serve Prometheus metrics on this address")

	return cmd
}

func runScenario(opts *RunOptions, path string, cmd *cobra.Command) error {
	configureLogging(opts.Verbose)
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	scen, loadErrs := scenario.LoadFile(path)
	if len(loadErrs) > 0 {
		return WrapExitError(ExitCommandError, "failed to load scenario", loadErrs[0])
	}
	if opts.Recording != "" && opts.Database == "" {
		return NewExitError(ExitCommandError, "--record requires --db")
	}

	engineOpts := []engine.Option{
		engine.WithSeed(opts.Seed),
		engine.WithSpeed(opts.Speed),
	}
	if opts.MetricsAddr != "" {
		collector, err := observability.NewEngineCollector(prometheus.NewRegistry())
		if err != nil {
			return WrapExitError(ExitCommandError, "register metrics", err)
		}
		engineOpts = append(engineOpts, engine.WithMetrics(collector))
		go serveMetrics(opts.MetricsAddr, collector)
	}

	sched := engine.New(engineOpts...)
	if err := sched.LoadScenario(scen); err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenario into engine", err)
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	var rec *replay.Recorder
	if opts.Recording != "" {
		st, err := store.Open(opts.Database)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer st.Close()
		rec, err = replay.NewRecorder(ctx, st, opts.Recording, sched, opts.Seed)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to start recording", err)
		}
		defer func() {
			if err := rec.Finalize(context.Background()); err != nil {
				slog.Error("finalize recording", "error", err)
			}
		}()
	}

	if opts.Ticks > 0 {
		if err := runBounded(ctx, sched, rec, opts); err != nil {
			return err
		}
	} else {
		if err := runContinuous(ctx, sched, rec, opts, formatter); err != nil {
			return err
		}
	}

	return outputSummary(formatter, scen, sched)
}

// runBounded advances tick by tick so recording snapshots can interleave.
func runBounded(ctx context.Context, sched *engine.Scheduler, rec *replay.Recorder, opts *RunOptions) error {
	for i := 1; i <= opts.Ticks; i++ {
		if err := ctx.Err(); err != nil {
			slog.Info("run interrupted", "completed_ticks", i-1)
			return nil
		}
		var err error
		if rec != nil {
			err = rec.Tick(ctx)
		} else {
			err = sched.Tick()
		}
		if err != nil {
			return WrapExitError(ExitFailure, "tick failed", err)
		}
		if rec != nil && opts.SnapshotAt > 0 && i%opts.SnapshotAt == 0 {
			if err := rec.Snapshot(ctx, fmt.Sprintf("periodic at tick %d", i)); err != nil {
				return WrapExitError(ExitFailure, "snapshot failed", err)
			}
		}
	}
	return nil
}

func runContinuous(ctx context.Context, sched *engine.Scheduler, rec *replay.Recorder, opts *RunOptions, formatter *OutputFormatter) error {
	fmt.Fprintln(formatter.Writer, "Simulation running. Press Ctrl-C to stop.")

	if rec == nil {
		if err := sched.Play(ctx); err != nil && err != context.Canceled {
			return WrapExitError(ExitFailure, "play loop failed", err)
		}
		return nil
	}

	// Recorded runs drive the clock here: each tick must hit the log before
	// it executes, which the engine's own play loop cannot do.
	interval := time.Duration(float64(time.Second) / opts.Speed)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	tick := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tick++
			if err := rec.Tick(ctx); err != nil {
				return WrapExitError(ExitFailure, "tick failed", err)
			}
			if opts.SnapshotAt > 0 && tick%opts.SnapshotAt == 0 {
				if err := rec.Snapshot(ctx, fmt.Sprintf("periodic at tick %d", tick)); err != nil {
					return WrapExitError(ExitFailure, "snapshot failed", err)
				}
			}
		}
	}
}

func outputSummary(formatter *OutputFormatter, scen *scenario.Scenario, sched *engine.Scheduler) error {
	view := sched.Snapshot()
	summary := RunSummary{
		Scenario:     scen.Name,
		FinalTime:    view.CurrentTime,
		EventCounter: view.EventCounter,
		TokensTotal:  sched.TokenIndex().Len(),
		Errors:       sched.Errors(),
	}
	for id, st := range view.NodeStates {
		if st.Sink != nil {
			if summary.SinkCounts == nil {
				summary.SinkCounts = make(map[string]int64)
			}
			summary.SinkCounts[id] = st.Sink.ConsumedCount
		}
	}

	if formatter.Format == "json" {
		return formatter.Success(summary)
	}
	fmt.Fprintf(formatter.Writer, "Scenario:  %s\n", summary.Scenario)
	fmt.Fprintf(formatter.Writer, "Time:      %d\n", summary.FinalTime)
	fmt.Fprintf(formatter.Writer, "Events:    %d\n", summary.EventCounter)
	fmt.Fprintf(formatter.Writer, "Tokens:    %d\n", summary.TokensTotal)
	for id, n := range summary.SinkCounts {
		fmt.Fprintf(formatter.Writer, "Sink %s:   %d consumed\n", id, n)
	}
	if len(summary.Errors) > 0 {
		fmt.Fprintf(formatter.Writer, "Errors:    %d\n", len(summary.Errors))
		for _, e := range summary.Errors {
			fmt.Fprintf(formatter.Writer, "  %s\n", e)
		}
	}
	return nil
}

func configureLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func serveMetrics(addr string, collector *observability.EngineCollector) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	slog.Info("serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("metrics server stopped", "error", err)
	}
}
