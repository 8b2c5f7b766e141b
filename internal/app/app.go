// Package app initializes and holds the long-lived client services, acting as
// a dependency injection container for the commands.
package app

import (
	"context"
	"fmt"
	"net/http"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobstream/internal/api"
	"github.com/JakeFAU/jobstream/internal/clock/system"
	"github.com/JakeFAU/jobstream/internal/config"
	"github.com/JakeFAU/jobstream/internal/controller"
	"github.com/JakeFAU/jobstream/internal/identity"
	idpostgres "github.com/JakeFAU/jobstream/internal/identity/postgres"
	"github.com/JakeFAU/jobstream/internal/jobapi"
	"github.com/JakeFAU/jobstream/internal/journal"
	historypg "github.com/JakeFAU/jobstream/internal/journal/postgres"
	"github.com/JakeFAU/jobstream/internal/journal/sinks"
	"github.com/JakeFAU/jobstream/internal/metrics"
	"github.com/JakeFAU/jobstream/internal/progress"
	"github.com/JakeFAU/jobstream/internal/publisher"
	pspublisher "github.com/JakeFAU/jobstream/internal/publisher/pubsub"
	"github.com/JakeFAU/jobstream/internal/stream"
)

// App holds the services a command needs. It is built once at startup and
// closed by the command when it finishes.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	registry   *prometheus.Registry
	client     *jobapi.Client
	identity   identity.Store
	hub        *journal.Hub
	history    *historypg.HistoryStore
	controller *controller.Controller
	closers    []func()
}

// Option customizes New.
type Option func(*options)

type options struct {
	identity   identity.Store
	streamHTTP *http.Client
	publisher  publisher.Publisher
}

// WithIdentityStore bypasses identity.provider.
func WithIdentityStore(s identity.Store) Option {
	return func(o *options) {
		o.identity = s
	}
}

// WithPublisher replaces the Pub/Sub client used for job notifications. It
// only takes effect when journal.pubsub.topic is set.
func WithPublisher(p publisher.Publisher) Option {
	return func(o *options) {
		o.publisher = p
	}
}

// WithStreamClient sets the HTTP client used for event streams. It must not
// carry a request timeout.
func WithStreamClient(c *http.Client) Option {
	return func(o *options) {
		o.streamHTTP = c
	}
}

// New wires configuration into a ready Controller. It fails fast when a
// configured backing store cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{streamHTTP: &http.Client{}}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	client, err := jobapi.New(cfg.Server.BaseURL,
		jobapi.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout()}),
		jobapi.WithPaths(jobapi.Paths(cfg.Server.Paths)),
		jobapi.WithLogger(logger.Named("jobapi")),
	)
	if err != nil {
		return nil, fmt.Errorf("build backend client: %w", err)
	}
	a.client = client

	if o.identity != nil {
		a.identity = o.identity
	} else if a.identity, err = a.openIdentity(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}

	if err := a.openJournal(ctx, o.publisher); err != nil {
		a.Close(ctx)
		return nil, err
	}

	streamLogger := logger.Named("stream")
	ctrl, err := controller.New(controller.Config{
		Progress: progress.Config{
			TimedWaitSeconds:  cfg.Progress.TimedWaitSeconds,
			DeletionThreshold: cfg.Progress.DeletionThreshold,
		},
		TickInterval: cfg.Progress.TickInterval,
		Inline:       cfg.Submit.Inline,
	}, controller.Deps{
		Backend: client,
		NewStream: func() controller.Stream {
			return stream.New(o.streamHTTP, stream.WithLogger(streamLogger))
		},
		Identity: a.identity,
		Clock:    system.New(),
		Journal:  a.hub,
		Logger:   logger.Named("controller"),
	})
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("build controller: %w", err)
	}
	a.controller = ctrl

	logger.Info("client services initialized",
		zap.String("base_url", cfg.Server.BaseURL),
		zap.String("identity", cfg.Identity.Provider),
		zap.Bool("inline", cfg.Submit.Inline),
		zap.Bool("history", a.history != nil),
		zap.String("notify_topic", cfg.Journal.PubSub.Topic),
	)
	return a, nil
}

func (a *App) openIdentity(ctx context.Context) (identity.Store, error) {
	switch a.cfg.Identity.Provider {
	case config.IdentityMemory:
		return identity.NewMemory(), nil
	case config.IdentityFile, "":
		store, err := identity.NewFile(a.cfg.Identity.Path)
		if err != nil {
			return nil, fmt.Errorf("open identity file: %w", err)
		}
		a.logger.Debug("using file identity store", zap.String("path", store.Path()))
		return store, nil
	case config.IdentityPostgres:
		pg := a.cfg.Identity.Postgres
		store, err := idpostgres.New(ctx, idpostgres.Config{
			DSN:      pg.DSN,
			Table:    pg.Table,
			Key:      pg.Key,
			MaxConns: pg.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("open identity store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("prepare identity store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown identity provider: %s", a.cfg.Identity.Provider)
	}
}

func (a *App) openJournal(ctx context.Context, pub publisher.Publisher) error {
	promSink, err := sinks.NewPrometheusSink(a.registry)
	if err != nil {
		return err
	}
	sinkList := []journal.Sink{sinks.NewLogSink(a.logger.Named("journal")), promSink}

	if dsn := a.cfg.Journal.HistoryDSN; dsn != "" {
		history, err := historypg.NewHistoryStore(ctx, dsn)
		if err != nil {
			return fmt.Errorf("open run history: %w", err)
		}
		a.history = history
		a.closers = append(a.closers, history.Close)
		if err := history.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("prepare run history: %w", err)
		}
		sinkList = append(sinkList, sinks.NewStoreSink(history, a.logger.Named("history")))
	}

	if ps := a.cfg.Journal.PubSub; ps.Topic != "" {
		if pub == nil {
			client, err := pubsub.NewClient(ctx, ps.ProjectID)
			if err != nil {
				return fmt.Errorf("open pubsub client: %w", err)
			}
			a.closers = append(a.closers, func() { _ = client.Close() })
			pub = pspublisher.New(client)
		}
		sinkList = append(sinkList, sinks.NewPublishSink(pub, ps.Topic, a.logger.Named("notify")))
	}

	a.hub = journal.NewHub(journal.Config{
		BufferSize:   a.cfg.Journal.BufferSize,
		MaxBatch:     a.cfg.Journal.MaxBatch,
		MaxBatchWait: a.cfg.Journal.MaxBatchWait,
		Logger:       a.logger.Named("journal"),
	}, sinkList...)
	return nil
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Controller returns the job controller.
func (a *App) Controller() *controller.Controller {
	return a.controller
}

// Client returns the backend client.
func (a *App) Client() *jobapi.Client {
	return a.client
}

// Identity returns the job identity store.
func (a *App) Identity() identity.Store {
	return a.identity
}

// Registry exposes the Prometheus registry the journal and servers record to.
func (a *App) Registry() *prometheus.Registry {
	return a.registry
}

// History returns the run history, or nil when journal.history_dsn is unset.
func (a *App) History() journal.Repository {
	if a.history == nil {
		return nil
	}
	return a.history
}

// OpsServer builds the operator server exposing metrics and run history.
func (a *App) OpsServer() (*api.Server, error) {
	m, err := metrics.NewHTTP(a.registry, "ops")
	if err != nil {
		return nil, err
	}
	opts := []api.Option{api.WithLogger(a.logger.Named("ops")), api.WithMetrics(m)}
	if a.history != nil {
		opts = append(opts, api.WithReadiness(a.history.Ping))
	}
	return api.NewServer(api.NewHistoryHandler(a.History(), a.logger), a.registry, opts...), nil
}

// Close stops the controller, drains the journal and releases connections.
// The persisted job identity is kept.
func (a *App) Close(ctx context.Context) {
	if a.controller != nil {
		a.controller.Close()
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("journal did not drain", zap.Error(err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	_ = a.logger.Sync()
}
