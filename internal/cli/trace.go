package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ripple-sim/ripple/internal/sim/replay"
	"github.com/ripple-sim/ripple/internal/sim/token"
	"github.com/ripple-sim/ripple/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database  string
	Recording string
	TokenID   string
}

// TraceResult holds the full lineage answer for one token.
type TraceResult struct {
	TokenID     string          `json:"token_id"`
	Token       *token.Token    `json:"token"`
	Ancestors   []token.Ancestor `json:"ancestors,omitempty"`
	Roots       []token.Ancestor `json:"roots,omitempty"`
	Descendants []string        `json:"descendants,omitempty"`
	Siblings    []string        `json:"siblings,omitempty"`
	Paths       [][]string      `json:"paths,omitempty"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Query a token's lineage from a recording",
		Long: `Reconstruct a recording and answer lineage queries for one token.

Shows the token's full history, its transitive ancestors with causal depth,
its ultimate root sources, everything derived from it, and every root-to-token
path through the lineage graph.

Examples:
  ripple trace --db runs.db --recording baseline --token tok-000042
  ripple trace --db runs.db --recording baseline --token tok-000042 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite recordings database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Recording, "recording", "", "recording name (required)")
	_ = cmd.MarkFlagRequired("recording")
	cmd.Flags().StringVar(&opts.TokenID, "token", "", "token id to trace (required)")
	_ = cmd.MarkFlagRequired("token")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
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

	// The index is rebuilt by replaying the recording; a divergent replay
	// would invalidate the trace, so it is treated as a command error.
	sched, report, err := replay.NewReplayer(st).Replay(ctx, opts.Recording, replay.Options{})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to reconstruct recording", err)
	}
	if !report.Identical() {
		return NewExitError(ExitCommandError, fmt.Sprintf("recording %q does not replay deterministically; trace unavailable", opts.Recording))
	}

	ix := sched.TokenIndex()
	tok, ok := ix.Get(opts.TokenID)
	if !ok {
		return NewExitError(ExitCommandError, fmt.Sprintf("token %q not found in recording %q", opts.TokenID, opts.Recording))
	}

	result := TraceResult{TokenID: opts.TokenID, Token: tok}
	if result.Ancestors, err = ix.Ancestors(opts.TokenID); err != nil {
		return WrapExitError(ExitCommandError, "ancestor query", err)
	}
	if result.Roots, err = ix.Roots(opts.TokenID); err != nil {
		return WrapExitError(ExitCommandError, "root query", err)
	}
	if result.Descendants, err = ix.Descendants(opts.TokenID); err != nil {
		return WrapExitError(ExitCommandError, "descendant query", err)
	}
	if result.Siblings, err = ix.Siblings(opts.TokenID); err != nil {
		return WrapExitError(ExitCommandError, "sibling query", err)
	}
	if result.Paths, err = ix.Paths(opts.TokenID); err != nil {
		return WrapExitError(ExitCommandError, "path query", err)
	}

	return outputTraceResult(formatter, result)
}

func outputTraceResult(formatter *OutputFormatter, result TraceResult) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	w := formatter.Writer
	t := result.Token
	fmt.Fprintf(w, "Token %s\n", t.ID)
	fmt.Fprintf(w, "  value:     %v\n", t.Value)
	fmt.Fprintf(w, "  origin:    %s (tick %d, %s)\n", t.OriginNodeID, t.CreatedAt, t.Lineage.Operation)
	fmt.Fprintln(w, "  history:")
	for _, r := range t.History {
		fmt.Fprintf(w, "    [%d] %-9s %s\n", r.Timestamp, r.Action, r.Details)
	}

	if len(result.Ancestors) > 0 {
		fmt.Fprintf(w, "\nAncestors (%d):\n", len(result.Ancestors))
		for _, a := range result.Ancestors {
			marker := ""
			if a.Root {
				marker = " (root)"
			}
			fmt.Fprintf(w, "  gen %d: %s = %v from %s%s\n",
				a.Generation, a.Summary.TokenID, a.Summary.Value, a.Summary.OriginNodeID, marker)
		}
	}
	if len(result.Descendants) > 0 {
		fmt.Fprintf(w, "\nDescendants (%d): %s\n", len(result.Descendants), strings.Join(result.Descendants, ", "))
	}
	if len(result.Siblings) > 0 {
		fmt.Fprintf(w, "\nSiblings: %s\n", strings.Join(result.Siblings, ", "))
	}
	if len(result.Paths) > 0 {
		fmt.Fprintf(w, "\nPaths (%d):\n", len(result.Paths))
		for _, p := range result.Paths {
			fmt.Fprintf(w, "  %s\n", strings.Join(p, " -> "))
		}
	}
	return nil
}
