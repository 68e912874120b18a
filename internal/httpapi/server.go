// Package httpapi is the HTTP trigger surface: request intake and status,
// batch dispatch of change records, the recovery sweep, operator
// termination of instances, and metrics.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/roach88/dsrflow/internal/dispatcher"
	"github.com/roach88/dsrflow/internal/durable"
	"github.com/roach88/dsrflow/internal/intake"
	"github.com/roach88/dsrflow/internal/record"
)

// Intake accepts and reports requests.
type Intake interface {
	Submit(ctx context.Context, key record.Key) (record.Record, error)
	Abort(ctx context.Context, identity string) (record.Record, error)
	Lookup(ctx context.Context, key record.Key) (intake.Status, error)
	History(ctx context.Context, key record.Key) ([]intake.Status, error)
}

// Dispatcher handles a batch of change records.
type Dispatcher interface {
	Dispatch(ctx context.Context, records []record.Record) []dispatcher.Outcome
}

// Sweeper runs one recovery sweep.
type Sweeper interface {
	Sweep(ctx context.Context) (dispatcher.SweepReport, error)
}

// Instances reads and terminates orchestration instances.
type Instances interface {
	GetStatus(ctx context.Context, id string) (durable.Instance, error)
	Terminate(ctx context.Context, id, reason string) error
}

// Config wires the server. Metrics may be nil.
type Config struct {
	Intake     Intake
	Dispatcher Dispatcher
	Sweeper    Sweeper
	Instances  Instances
	Metrics    http.Handler
	Logger     *slog.Logger
}

// Server serves the API.
type Server struct {
	conf   Config
	logger *slog.Logger
}

// New returns a server for conf.
func New(conf Config) *Server {
	logger := conf.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{conf: conf, logger: logger}
}

// Handler builds the gin engine.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(requestID(), requestLogger(s.logger), recovery(s.logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.conf.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.conf.Metrics))
	}

	v1 := r.Group("/v1")
	{
		v1.POST("/requests/:operation/:identity", s.submit)
		v1.GET("/requests/:operation/:identity", s.status)
		v1.POST("/requests/:operation/:identity/abort", s.abort)

		v1.POST("/dispatch", s.dispatch)
		v1.POST("/sweep", s.sweep)

		v1.GET("/instances/:id", s.instance)
		v1.POST("/instances/:id/terminate", s.terminate)
	}
	return r
}
