// Package app builds the long-lived services of catalogsync and owns their
// shutdown order.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/catalog-sync/internal/ajax"
	"github.com/JakeFAU/catalog-sync/internal/api"
	"github.com/JakeFAU/catalog-sync/internal/config"
	"github.com/JakeFAU/catalog-sync/internal/flow"
	"github.com/JakeFAU/catalog-sync/internal/logging"
	"github.com/JakeFAU/catalog-sync/internal/metrics"
	"github.com/JakeFAU/catalog-sync/internal/policy/ratelimit"
	"github.com/JakeFAU/catalog-sync/internal/progress"
	progresssinks "github.com/JakeFAU/catalog-sync/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/catalog-sync/internal/publisher/pubsub"
	"github.com/JakeFAU/catalog-sync/internal/storage/memory"
	pgstore "github.com/JakeFAU/catalog-sync/internal/storage/postgres"
	"github.com/JakeFAU/catalog-sync/internal/store"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	client    *ajax.Client
	products  *ajax.Products
	flows     *flow.Registry
	notices   *flow.Recorder
	hub       *progress.Hub
	runs      store.RunRepository
	pgRuns    *pgstore.RunStore
	publisher *gcppublisher.Publisher
	apiServer *api.Server

	baseCtx    context.Context
	cancelBase context.CancelFunc
	ownLogger  bool
}

// Option customizes Build.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
	httpClient *http.Client
	notifiers  []flow.Notifier
	reloader   flow.Reloader
	pubsubOpts []option.ClientOption
}

// WithLogger supplies the logger instead of building one from config.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer sets where the progress collectors are registered
// (default prometheus.DefaultRegisterer).
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithHTTPClient overrides the admin-ajax HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithNotifier adds a notice destination next to the log and history.
func WithNotifier(n flow.Notifier) Option {
	return func(o *options) {
		if n != nil {
			o.notifiers = append(o.notifiers, n)
		}
	}
}

// WithReloader sets the hook run after a cache poll finishes.
func WithReloader(r flow.Reloader) Option {
	return func(o *options) { o.reloader = r }
}

// WithPubSubOptions passes client options to the Pub/Sub client.
func WithPubSubOptions(opts ...option.ClientOption) Option {
	return func(o *options) { o.pubsubOpts = append(o.pubsubOpts, opts...) }
}

// Build creates the application's dependencies. On error everything opened
// so far is released.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.ValidateSite(); err != nil {
		return nil, fmt.Errorf("invalid site config: %w", err)
	}

	app := &App{cfg: cfg, logger: o.logger}
	if app.logger == nil {
		logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
		app.logger = logger
		app.ownLogger = true
	}
	app.baseCtx, app.cancelBase = context.WithCancel(context.WithoutCancel(ctx))
	metrics.Init()

	if err := app.build(ctx, o); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = app.Close(closeCtx)
		return nil, err
	}
	app.logger.Info("application built",
		zap.String("endpoint", cfg.Site.Endpoint),
		zap.Strings("flows", kindNames(app.flows.Kinds())),
	)
	return app, nil
}

func (a *App) build(ctx context.Context, o options) error {
	var err error
	a.client, err = ajax.New(ajax.Config{
		Endpoint:   a.cfg.Site.Endpoint,
		Nonce:      a.cfg.Site.Nonce,
		NonceField: a.cfg.Site.NonceField,
		UserAgent:  a.cfg.HTTP.UserAgent,
		Timeout:    a.cfg.HTTP.Timeout,
		HTTPClient: o.httpClient,
		Limiter:    ratelimit.New(ratelimit.Config{RPS: a.cfg.HTTP.MaxRPS, Burst: a.cfg.HTTP.Burst}),
		Logger:     a.logger.Named("ajax"),
	})
	if err != nil {
		return fmt.Errorf("ajax client init failed: %w", err)
	}
	a.products = ajax.NewProducts(a.client, ajax.ProductActions{
		Sync:         a.cfg.Actions.SyncProduct,
		Map:          a.cfg.Actions.MapProduct,
		Unmap:        a.cfg.Actions.UnmapProduct,
		VariationMap: a.cfg.Actions.SaveVariationMap,
	})

	if err = a.setupLedger(ctx); err != nil {
		return err
	}
	if err = a.setupPublisher(ctx, o.pubsubOpts); err != nil {
		return err
	}
	if err = a.setupProgress(o.registerer); err != nil {
		return err
	}

	a.notices = flow.NewRecorder(a.cfg.Progress.HistoryLimit)
	notifier := append(flow.Notifiers{a.notices, flow.NewLogNotifier(a.logger.Named("notices"))}, o.notifiers...)
	reloader := o.reloader
	if reloader == nil {
		reloader = flow.ReloaderFunc(func(_ context.Context, final flow.State) {
			a.logger.Info("cache view reloaded", zap.String("flow", string(final.Flow)), zap.String("run_id", final.RunID))
		})
	}
	if err = a.setupFlows(notifier, reloader); err != nil {
		return err
	}

	serverOpts := []api.Option{api.WithBaseContext(a.baseCtx), api.WithNotices(a.notices)}
	if a.pgRuns != nil {
		serverOpts = append(serverOpts, api.WithReadiness(a.pgRuns))
	}
	a.apiServer = api.NewServer(a.flows, a.runs, a.cfg, a.logger.Named("api"), serverOpts...)
	return nil
}

func (a *App) setupLedger(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Info("using in-memory run ledger", zap.Int("limit", a.cfg.Progress.HistoryLimit))
		a.runs = memory.NewRunStore(a.cfg.Progress.HistoryLimit)
		return nil
	}
	pg, err := pgstore.NewRunStore(ctx, pgstore.RunStoreConfig{
		DSN:      a.cfg.DB.DSN,
		Table:    a.cfg.DB.Table,
		MaxConns: a.cfg.DB.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("run ledger init failed: %w", err)
	}
	a.pgRuns = pg
	if err := pg.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("run ledger schema: %w", err)
	}
	a.runs = pg
	a.logger.Info("postgres run ledger initialized", zap.String("table", a.cfg.DB.Table))
	return nil
}

func (a *App) setupPublisher(ctx context.Context, opts []option.ClientOption) error {
	if a.cfg.PubSub.Topic == "" {
		a.logger.Debug("no Pub/Sub topic configured, run notifications disabled")
		return nil
	}
	pub, err := gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.Topic, opts...)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.publisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return nil
}

func (a *App) setupProgress(reg prometheus.Registerer) error {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{
		promSink,
		progresssinks.NewStoreSink(a.runs, a.logger.Named("progress_store")),
	}
	if a.publisher != nil {
		sinkList = append(sinkList, progresssinks.NewPubSubSink(a.publisher, a.logger.Named("progress_pubsub")))
	}
	if a.cfg.Progress.LogEvents {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.BatchSize,
		MaxBatchWait:   a.cfg.Progress.FlushInterval,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		BaseContext:    a.baseCtx,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Debug("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) setupFlows(notifier flow.Notifier, reloader flow.Reloader) error {
	common := func() []flow.Option {
		return []flow.Option{
			flow.WithNotifier(notifier),
			flow.WithEmitter(a.hub),
			flow.WithLogger(a.logger.Named("flow")),
		}
	}
	fields := func(cfg flow.Config) flow.Config {
		cfg.IdentifierField = a.cfg.Flows.IdentifierField
		cfg.CursorField = a.cfg.Flows.CursorField
		return cfg
	}

	manual, err := flow.New(fields(flow.Config{
		Kind:     flow.KindManualSync,
		Shape:    flow.ShapePaged,
		Action:   a.cfg.Actions.ManualSync,
		Interval: a.cfg.Flows.SyncInterval,
	}), a.client, common()...)
	if err != nil {
		return fmt.Errorf("manual sync flow: %w", err)
	}
	refresh, err := flow.New(fields(flow.Config{
		Kind:     flow.KindCacheRefresh,
		Shape:    flow.ShapePaged,
		Action:   a.cfg.Actions.CacheRefreshBatch,
		Interval: a.cfg.Flows.SyncInterval,
	}), a.client, common()...)
	if err != nil {
		return fmt.Errorf("cache refresh flow: %w", err)
	}
	cache, err := flow.New(fields(flow.Config{
		Kind:   flow.KindCache,
		Shape:  flow.ShapePoll,
		Action: a.cfg.Actions.CacheRefresh,
		Actions: map[string]string{
			"refresh": a.cfg.Actions.CacheRefresh,
			"clear":   a.cfg.Actions.CacheClear,
		},
		Interval:    a.cfg.Flows.CacheInterval,
		ReloadDelay: a.cfg.Flows.ReloadDelay,
	}), a.client, append(common(), flow.WithReloader(reloader))...)
	if err != nil {
		return fmt.Errorf("cache flow: %w", err)
	}
	a.flows, err = flow.NewRegistry(manual, refresh, cache)
	if err != nil {
		return fmt.Errorf("flow registry: %w", err)
	}
	return nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Flows returns the registry of batch flows.
func (a *App) Flows() *flow.Registry { return a.flows }

// Flow looks up one flow driver.
func (a *App) Flow(kind flow.Kind) (*flow.Driver, error) {
	return a.flows.Lookup(kind)
}

// Products exposes the single-shot product actions.
func (a *App) Products() *ajax.Products { return a.products }

// Notices returns the notice history.
func (a *App) Notices() *flow.Recorder { return a.notices }

// Runs returns the run ledger.
func (a *App) Runs() store.RunRepository { return a.runs }

// Handler returns the control plane HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Run serves the control plane until ctx is canceled, then shuts down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	default:
		return closeErr
	}
}

// Close cancels active flows, drains progress sinks and releases clients.
// It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.flows != nil {
		if n := a.flows.CancelAll(); n > 0 {
			a.logger.Info("canceled active flows", zap.Int("count", n))
		}
		for _, kind := range a.flows.Kinds() {
			d, err := a.flows.Lookup(kind)
			if err != nil {
				continue
			}
			if _, err := d.Wait(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	a.closeInfrastructure(ctx, &errs)
	if a.cancelBase != nil {
		a.cancelBase()
	}
	if a.ownLogger {
		if err := a.logger.Sync(); err != nil {
			a.logger.Debug("logger sync failed", zap.Error(err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context, errs *[]error) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
			*errs = append(*errs, err)
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
			*errs = append(*errs, err)
		}
		a.publisher = nil
	}
	if a.pgRuns != nil {
		a.pgRuns.Close()
		a.pgRuns = nil
	}
}

func kindNames(kinds []flow.Kind) []string {
	out := make([]string, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, string(k))
	}
	return out
}
