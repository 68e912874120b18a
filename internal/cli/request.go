package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/dsrflow/internal/intake"
	"github.com/roach88/dsrflow/internal/record"
)

// requestView is the CLI form of a record version.
type requestView intake.Status

func (v requestView) String() string {
	s := fmt.Sprintf("%s %s v%d %s", v.Operation, v.Identity, v.Version, v.Status)
	if v.ReasonKind != "" {
		s += " (" + v.ReasonKind + ")"
	}
	return s + " updated " + v.UpdatedAt.Format(time.RFC3339)
}

type historyView []requestView

func (h historyView) String() string {
	lines := make([]string, len(h))
	for i, v := range h {
		lines[i] = v.String()
	}
	return strings.Join(lines, "\n")
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <operation> <identity>",
		Short: "Submit a DELETE or DOWNLOAD request",
		Long: `Append a PENDING record for the request. The follower of a running
server (or the dispatch command) starts its orchestration.

A request that is still in flight cannot be submitted again. One that
ended CLOSED or FAILED can.

Examples:
  dsrflow submit DELETE F1
  dsrflow submit download F1 --format json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.output(cmd)
			key, err := intake.Key(args[0], args[1])
			if err != nil {
				return out.Fail("invalid request", err)
			}
			return rootOpts.withApp(func(a *app) error {
				rec, err := a.intake.Submit(cmdContext(cmd), key)
				if err != nil {
					return out.Fail("submit refused", err)
				}
				return out.Success(requestView(intake.StatusOf(rec)))
			})
		},
	}
}

// NewAbortCommand creates the abort command.
func NewAbortCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "abort <identity>",
		Short: "Abort a pending DELETE request",
		Long: `Append an ABORTED record for a DELETE request that is still PENDING.
The running orchestration receives an ABORT event and ends without
deleting anything.

Example:
  dsrflow abort F1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.output(cmd)
			return rootOpts.withApp(func(a *app) error {
				rec, err := a.intake.Abort(cmdContext(cmd), args[0])
				if err != nil {
					return out.Fail("abort refused", err)
				}
				return out.Success(requestView(intake.StatusOf(rec)))
			})
		},
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	var history bool

	cmd := &cobra.Command{
		Use:   "status <operation> <identity>",
		Short: "Show the current status of a request",
		Long: `Show the latest record version of a request, or every version with
--history. Failure reasons are reported by kind only.

Examples:
  dsrflow status DELETE F1
  dsrflow status DELETE F1 --history --format json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.output(cmd)
			key, err := intake.Key(args[0], args[1])
			if err != nil {
				return out.Fail("invalid request", err)
			}
			return rootOpts.withApp(func(a *app) error {
				return showStatus(cmdContext(cmd), a, out, key, history)
			})
		},
	}

	cmd.Flags().BoolVar(&history, "history", false, "show every version")

	return cmd
}

func showStatus(ctx context.Context, a *app, out *OutputFormatter, key record.Key, history bool) error {
	if !history {
		st, err := a.intake.Lookup(ctx, key)
		if err != nil {
			return out.Fail("lookup failed", err)
		}
		return out.Success(requestView(st))
	}

	versions, err := a.intake.History(ctx, key)
	if err != nil {
		return out.Fail("lookup failed", err)
	}
	view := make(historyView, len(versions))
	for i, st := range versions {
		view[i] = requestView(st)
	}
	return out.Success(view)
}

// cmdContext returns the command's context, or a background context when
// the command runs outside Execute.
func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
