package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds how long in-flight HTTP requests may take once
// the server is stopping.
const shutdownTimeout = 10 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration service",
		Long: `Run the orchestration runtime, the change-feed follower, the scheduled
recovery sweep and the HTTP API until interrupted.

Orchestrations left running by a previous process are resumed on start.

Examples:
  dsrflow serve --db ./dsrflow.db
  dsrflow serve --listen :9090 --workers 16`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(func(a *app) error {
				return serve(cmd, a)
			})
		},
	}

	cmd.Flags().String("listen", "", "HTTP listen address (default :8080)")
	cmd.Flags().Int("workers", 0, "orchestration workers and dispatch concurrency (default 8)")

	return cmd
}

func serve(cmd *cobra.Command, a *app) error {
	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", a.conf.ListenAddr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	if a.conf.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Handler:           a.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if a.conf.SweepSchedule != "" {
		if err := a.sweeper.Start(a.conf.SweepSchedule); err != nil {
			ln.Close()
			return WrapExitError(ExitCommandError, "failed to schedule sweep", err)
		}
		defer a.sweeper.Stop()
	}

	a.logger.Info("serving", "addr", ln.Addr().String(), "db", a.conf.DB)
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s. Press Ctrl-C to stop.\n", ln.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.runtime.Run(gctx)
	})
	g.Go(func() error {
		return a.follower.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "service error", err)
	}
	a.logger.Info("stopped gracefully")
	return nil
}
