package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/dsrflow/internal/durable"
)

// TraceResult is the recorded history of one orchestration instance.
type TraceResult struct {
	Instance durable.Instance `json:"instance"`
	Steps    []durable.Step   `json:"steps"`
	Stats    TraceStats       `json:"stats"`
}

// TraceStats summarises the steps of a trace.
type TraceStats struct {
	TotalSteps int `json:"total_steps"`
	Activities int `json:"activities"`
	Failures   int `json:"failures"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace <instance-id>",
		Short: "Show the recorded steps of an orchestration",
		Long: `Show the status of an orchestration instance and every step its current
execution recorded: activity results, timers, races and clock reads.

Instance ids are "delete:<identity>", "download:<identity>" and
"recovery:<operation>:<identity>".

Examples:
  dsrflow trace delete:F1
  dsrflow trace recovery:delete:F1 --verbose
  dsrflow trace delete:F1 --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.output(cmd)
			return rootOpts.withApp(func(a *app) error {
				ctx := cmdContext(cmd)
				inst, err := a.runtime.GetStatus(ctx, args[0])
				if err != nil {
					return out.Fail("trace failed", err)
				}
				steps, err := a.runtime.Steps(ctx, args[0])
				if err != nil {
					return out.Fail("trace failed", err)
				}
				result := buildTrace(inst, steps)
				if rootOpts.Format == "json" {
					return out.Success(result)
				}
				writeTraceText(cmd.OutOrStdout(), result, rootOpts.Verbose)
				return nil
			})
		},
	}

	return cmd
}

func buildTrace(inst durable.Instance, steps []durable.Step) TraceResult {
	result := TraceResult{Instance: inst, Steps: steps}
	if result.Steps == nil {
		result.Steps = []durable.Step{}
	}
	result.Stats.TotalSteps = len(steps)
	for _, s := range steps {
		if s.Kind == "activity" {
			result.Stats.Activities++
		}
		if s.Error != "" {
			result.Stats.Failures++
		}
	}
	return result
}

func writeTraceText(w io.Writer, result TraceResult, verbose bool) {
	inst := result.Instance
	fmt.Fprintf(w, "Trace for %s (%s)\n", inst.ID, inst.Name)
	fmt.Fprintf(w, "Status: %s\n", inst.Status)
	if len(inst.Output) > 0 {
		fmt.Fprintf(w, "Output: %s\n", inst.Output)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Steps ===")
	if len(result.Steps) == 0 {
		fmt.Fprintln(w, "  (no steps)")
	}
	for _, s := range result.Steps {
		line := fmt.Sprintf("  [%d] %-8s %s", s.Seq, s.Kind, s.Name)
		if s.Error != "" {
			line += " ! " + s.Error
		}
		fmt.Fprintln(w, line)
		if verbose && len(s.Payload) > 0 {
			fmt.Fprintf(w, "       %s\n", s.Payload)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Total Steps: %d\n", result.Stats.TotalSteps)
	fmt.Fprintf(w, "  Activities:  %d\n", result.Stats.Activities)
	fmt.Fprintf(w, "  Failures:    %d\n", result.Stats.Failures)
}
