package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ripple-sim/ripple/internal/sim/scenario"
)

// ValidationIssue is one reported scenario problem.
type ValidationIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Name   string            `json:"name,omitempty"`
	Nodes  int               `json:"nodes,omitempty"`
	Errors []ValidationIssue `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <scenario.yaml>",
		Short: "Validate a scenario file without running it",
		Long: `Validate a scenario file against the schema and structural rules.

All problems are collected and reported together: schema violations (bad
field types, out-of-range values) and structural errors (dangling edge
references, duplicate node ids, formula-less outputs).`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	scen, loadErrs := scenario.LoadFile(path)
	if len(loadErrs) > 0 {
		issues := make([]ValidationIssue, 0, len(loadErrs))
		for _, err := range loadErrs {
			var le *scenario.LoadError
			if errors.As(err, &le) {
				issues = append(issues, ValidationIssue{Code: le.Code, Message: le.Message})
			} else {
				issues = append(issues, ValidationIssue{Code: scenario.ErrCodeParse, Message: err.Error()})
			}
		}
		return outputValidationErrors(formatter, issues)
	}

	formatter.VerboseLog("Loaded scenario %q with %d node(s)", scen.Name, len(scen.Nodes))
	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true, Name: scen.Name, Nodes: len(scen.Nodes)})
	}
	fmt.Fprintf(formatter.Writer, "✓ Scenario valid: %s (%d nodes)\n", scen.Name, len(scen.Nodes))
	return nil
}

func outputValidationErrors(formatter *OutputFormatter, issues []ValidationIssue) error {
	if formatter.Format == "json" {
		_ = formatter.Error(issues[0].Code, issues[0].Message, ValidationResult{Valid: false, Errors: issues})
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(issues)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, issue := range issues {
		fmt.Fprintf(formatter.Writer, "  %s: %s\n", issue.Code, issue.Message)
	}
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(issues)))
}
