package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/dsrflow/internal/dispatcher"
)

// dispatchSummary counts dispatcher outcomes by "action/result".
type dispatchSummary struct {
	Records int            `json:"records"`
	Counts  map[string]int `json:"counts"`
	Errors  []string       `json:"errors,omitempty"`
}

func summarize(outcomes []dispatcher.Outcome) dispatchSummary {
	s := dispatchSummary{Records: len(outcomes), Counts: make(map[string]int)}
	for _, o := range outcomes {
		s.Counts[string(o.Action)+"/"+string(o.Result)]++
		if o.Err != nil {
			s.Errors = append(s.Errors, fmt.Sprintf("%s: %v", o.Record.Key(), o.Err))
		}
	}
	return s
}

func (s dispatchSummary) String() string {
	keys := make([]string, 0, len(s.Counts))
	for k := range s.Counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "Dispatched %d records", s.Records)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n  %-24s %d", k, s.Counts[k])
	}
	for _, e := range s.Errors {
		fmt.Fprintf(&b, "\n  error: %s", e)
	}
	return b.String()
}

// NewDispatchCommand creates the dispatch command.
func NewDispatchCommand(rootOpts *RootOptions) *cobra.Command {
	var drain bool

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Dispatch change-feed records not yet seen",
		Long: `Read the change feed from the stored cursor to its end and dispatch
every record, once, without starting a server.

With --drain, runnable orchestration work is executed before returning.
Timers due in the future (grace periods, dependency polls) stay pending
for the next run or a server.

Examples:
  dsrflow dispatch
  dsrflow dispatch --drain --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.output(cmd)
			return rootOpts.withApp(func(a *app) error {
				ctx := cmdContext(cmd)
				outcomes, err := a.follower.CatchUp(ctx)
				if err != nil {
					return out.Fail("dispatch failed", err)
				}
				if drain {
					if err := a.runtime.Drain(ctx); err != nil {
						return out.Fail("drain failed", err)
					}
				}
				summary := summarize(outcomes)
				if err := out.Success(summary); err != nil {
					return err
				}
				if len(summary.Errors) > 0 {
					return NewExitError(ExitFailure, fmt.Sprintf("%d records failed to dispatch", len(summary.Errors)))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&drain, "drain", false, "run runnable orchestration work before returning")

	return cmd
}

type sweepView dispatcher.SweepReport

func (r sweepView) String() string {
	return fmt.Sprintf("Swept %d failed requests: %d started, %d running, %d failed",
		r.Found, r.Started, r.Running, r.Failed)
}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	var drain bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Start recovery for failed requests",
		Long: `Start a RecoveryOrchestrator for every request whose current record is
FAILED. With sweep_missing_reason_only set, records that already carry
a reason are left alone.

Examples:
  dsrflow sweep
  dsrflow sweep --drain`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.output(cmd)
			return rootOpts.withApp(func(a *app) error {
				ctx := cmdContext(cmd)
				rep, err := a.sweeper.Sweep(ctx)
				if err != nil {
					return out.Fail("sweep failed", err)
				}
				if drain {
					if err := a.runtime.Drain(ctx); err != nil {
						return out.Fail("drain failed", err)
					}
				}
				return out.Success(sweepView(rep))
			})
		},
	}

	cmd.Flags().BoolVar(&drain, "drain", false, "run the started recoveries before returning")

	return cmd
}

// NewTerminateCommand creates the terminate command.
func NewTerminateCommand(rootOpts *RootOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "terminate <instance-id>",
		Short: "Terminate a running orchestration",
		Long: `Stop a running orchestration instance. The request record is not
touched; submit or sweep to act on it again.

Example:
  dsrflow terminate delete:F1 --reason "duplicate request"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.output(cmd)
			return rootOpts.withApp(func(a *app) error {
				if err := a.runtime.Terminate(cmdContext(cmd), args[0], reason); err != nil {
					return out.Fail("terminate failed", err)
				}
				return out.Success(fmt.Sprintf("Terminated %s", args[0]))
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the termination (required)")
	_ = cmd.MarkFlagRequired("reason")

	return cmd
}
