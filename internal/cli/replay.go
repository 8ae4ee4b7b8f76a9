package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ripple-sim/ripple/internal/sim/replay"
	"github.com/ripple-sim/ripple/internal/sim/scenario"
	"github.com/ripple-sim/ripple/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database  string
	Recording string
	Model     string
	ResumeAt  int64
}

// ReplayResult holds the replay verdict.
type ReplayResult struct {
	Recording string   `json:"recording"`
	Identical bool     `json:"identical"`
	FinalTime int64    `json:"final_time"`
	Errors    []string `json:"errors,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a recording and verify determinism",
		Long: `Re-execute a recording's core events and compare the final state against
the recorded snapshot.

Against the original model the replay must reproduce the recording exactly;
any divergence is a defect and exits 1. With --model the events are applied
to a substituted model instead, and the reported divergence measures the
behavioral difference between the two model versions.

Examples:
  ripple replay --db runs.db --recording baseline
  ripple replay --db runs.db --recording baseline --model candidate.yaml
  ripple replay --db runs.db --recording baseline --resume-at 400`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite recordings database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Recording, "recording", "", "recording name (required)")
	_ = cmd.MarkFlagRequired("recording")
	cmd.Flags().StringVar(&opts.Model, "model", "", "replay against this model instead of the recorded one")
	cmd.Flags().Int64Var(&opts.ResumeAt, "resume-at", 0, "resume from the nearest snapshot at or before this sim time")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	configureLogging(opts.Verbose)
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	ctx := context.Background()

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	exists, err := st.RecordingExists(ctx, opts.Recording)
	if err != nil {
		return WrapExitError(ExitCommandError, "lookup recording", err)
	}
	if !exists {
		return NewExitError(ExitCommandError, fmt.Sprintf("recording %q not found", opts.Recording))
	}

	replayOpts := replay.Options{ResumeAt: opts.ResumeAt}
	if opts.Model != "" {
		model, loadErrs := scenario.LoadFile(opts.Model)
		if len(loadErrs) > 0 {
			return WrapExitError(ExitCommandError, "failed to load substitute model", loadErrs[0])
		}
		replayOpts.Model = model
	}

	sched, report, err := replay.NewReplayer(st).Replay(ctx, opts.Recording, replayOpts)
	if err != nil {
		return WrapExitError(ExitCommandError, "replay failed", err)
	}

	result := ReplayResult{
		Recording: opts.Recording,
		Identical: report.Identical(),
		FinalTime: sched.CurrentTime(),
		Errors:    report.Errors,
		Warnings:  report.Warnings,
	}
	if err := outputReplayResult(formatter, result); err != nil {
		return err
	}
	// Divergence against the original model is a determinism failure; against
	// a substituted model it is the expected measurement.
	if !result.Identical && opts.Model == "" {
		return NewExitError(ExitFailure, fmt.Sprintf("replay diverged with %d error(s)", len(result.Errors)))
	}
	return nil
}

func outputReplayResult(formatter *OutputFormatter, result ReplayResult) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	if result.Identical {
		fmt.Fprintf(formatter.Writer, "✓ Replay of %q identical (final time %d)\n", result.Recording, result.FinalTime)
	} else {
		fmt.Fprintf(formatter.Writer, "✗ Replay of %q diverged (final time %d)\n", result.Recording, result.FinalTime)
		for _, e := range result.Errors {
			fmt.Fprintf(formatter.Writer, "  %s\n", e)
		}
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(formatter.Writer, "  warning: %s\n", w)
	}
	return nil
}
