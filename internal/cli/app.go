package cli

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/dsrflow/internal/activity"
	"github.com/roach88/dsrflow/internal/config"
	"github.com/roach88/dsrflow/internal/dispatcher"
	"github.com/roach88/dsrflow/internal/durable"
	"github.com/roach88/dsrflow/internal/httpapi"
	"github.com/roach88/dsrflow/internal/intake"
	"github.com/roach88/dsrflow/internal/metrics"
	"github.com/roach88/dsrflow/internal/orchestrator"
	"github.com/roach88/dsrflow/internal/store"
)

// app is the wired service: store, runtime with every activity and
// workflow registered, dispatcher, change-feed follower, sweeper and intake.
type app struct {
	conf   config.Config
	logger *slog.Logger

	store      *store.Store
	runtime    *durable.Runtime
	metrics    *metrics.Collector
	registry   *prometheus.Registry
	dispatcher *dispatcher.Dispatcher
	follower   *dispatcher.Follower
	sweeper    *dispatcher.Sweeper
	intake     *intake.Service
}

// appOption adjusts collaborators before they are registered.
type appOption func(*activity.Activities)

func openApp(conf config.Config, logger *slog.Logger, opts ...appOption) (*app, error) {
	st, err := store.Open(conf.DB)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	collector := metrics.NewCollector()
	rt, err := durable.New(st.DB(),
		durable.WithLogger(logger),
		durable.WithWorkers(conf.Workers),
		durable.WithActivityObserver(collector.ObserveActivity),
	)
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to start runtime", err)
	}

	services := activity.NewHTTPServices(activity.HTTPConfig{
		BaseURL: conf.PlatformURL,
		Token:   conf.PlatformToken,
	})
	acts := &activity.Activities{
		Store:     st,
		Instances: rt,
		Profiles:  services,
		Locker: activity.NewHTTPSessionLocker(activity.HTTPConfig{
			BaseURL: conf.SessionLockURL,
			Token:   conf.SessionLockToken,
		}),
		Extractor: services,
		Deleter:   services,
		Notifier:  services,
		Mailer: activity.NewCustomerIOMailer(activity.MailerConfig{
			APIKey:         conf.CustomerIOAPIKey,
			DeleteTemplate: conf.CustomerIODeleteTemplate,
			Logger:         logger,
		}),
		Feed:   services,
		Logger: logger,
	}
	for _, opt := range opts {
		opt(acts)
	}
	acts.Register(rt)
	orchestrator.New(conf.Orchestrator(), collector.ObserveResult).Register(rt)

	ops, err := conf.Operations()
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}
	d := dispatcher.New(rt, st,
		dispatcher.WithLogger(logger),
		dispatcher.WithConcurrency(conf.Workers),
		dispatcher.WithOperations(ops...),
		dispatcher.WithObserver(collector.ObserveDispatch),
	)
	sweeper := dispatcher.NewSweeper(st, rt, conf.SweepMissingReasonOnly, logger)
	sweeper.Observe(collector.ObserveSweep)

	return &app{
		conf:       conf,
		logger:     logger,
		store:      st,
		runtime:    rt,
		metrics:    collector,
		registry:   metrics.NewRegistry(collector),
		dispatcher: d,
		follower: dispatcher.NewFollower(st, d, dispatcher.FollowerConfig{
			Interval: conf.FollowInterval,
			Logger:   logger,
		}),
		sweeper: sweeper,
		intake:  intake.New(st, logger),
	}, nil
}

// handler returns the HTTP API of the app.
func (a *app) handler() http.Handler {
	return httpapi.New(httpapi.Config{
		Intake:     a.intake,
		Dispatcher: a.dispatcher,
		Sweeper:    a.sweeper,
		Instances:  a.runtime,
		Metrics:    metrics.Handler(a.registry),
		Logger:     a.logger,
	}).Handler()
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing database", "error", err)
	}
}

// withApp opens the app for the duration of fn.
func (o *RootOptions) withApp(fn func(a *app) error) error {
	a, err := openApp(o.Config, o.Logger, o.appOpts...)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
