package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/GoCodeAlone/billsync/api"
	"github.com/GoCodeAlone/billsync/audit"
	"github.com/GoCodeAlone/billsync/billing"
	"github.com/GoCodeAlone/billsync/billingcycle"
	"github.com/GoCodeAlone/billsync/cache"
	"github.com/GoCodeAlone/billsync/config"
	"github.com/GoCodeAlone/billsync/entitlement"
	"github.com/GoCodeAlone/billsync/erp"
	"github.com/GoCodeAlone/billsync/lock"
	"github.com/GoCodeAlone/billsync/metrics"
	"github.com/GoCodeAlone/billsync/notify"
	"github.com/GoCodeAlone/billsync/observability/tracing"
	"github.com/GoCodeAlone/billsync/outbox"
	"github.com/GoCodeAlone/billsync/processor"
	"github.com/GoCodeAlone/billsync/scheduler"
	"github.com/GoCodeAlone/billsync/store"
	"github.com/GoCodeAlone/billsync/subscription"
	"github.com/GoCodeAlone/billsync/usage"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

// Scheduled job names.
const (
	jobUsageSync   = "billing.usage-sync"
	jobConsolidate = "billing.consolidate"
)

// app holds the wired services of one server process.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store     store.Store
	pg        *store.PGStore
	locker    lock.Locker
	processor processor.Client
	erp       erp.ERP
	metrics   *metrics.Collector
	tracer    *tracing.Provider
	mw        *api.Middleware

	entitlements  *entitlement.Service
	rules         *usage.RuleSource
	usage         *usage.Service
	subscriptions *subscription.Service
	cycle         *billingcycle.Aggregator
	worker        *outbox.Worker
	scheduler     *scheduler.Scheduler
	auditLog      *audit.Logger

	checks  map[string]api.HealthCheck
	closers []func()
}

// newApp connects every backing service named in cfg and wires the billing
// components on top of them.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, checks: map[string]api.HealthCheck{}}
	if err := a.init(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg
	var err error

	a.tracer, err = tracing.NewProvider(ctx, tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: "billsync",
		Insecure:    cfg.Tracing.Insecure,
		SampleRate:  cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.tracer.Shutdown(sctx)
	})
	a.metrics = metrics.NewWithConfig(cfg.Metrics)

	if err := a.openStore(ctx); err != nil {
		return err
	}
	if err := store.SeedProducts(ctx, a.store.Products(), cfg.Catalog()); err != nil {
		return err
	}

	rdb, err := a.openRedis(ctx)
	if err != nil {
		return err
	}
	a.locker = a.pickLocker(rdb)

	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	if cfg.Stripe.WebhookSecret == "" {
		a.logger.Warn("stripe webhook secret not configured, every webhook will be rejected")
	}
	a.processor = processor.NewStripe(processor.StripeConfig{
		APIKey:        cfg.Stripe.APIKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		HTTPClient:    httpClient,
	})

	if cfg.ERP.URL != "" {
		a.erp = erp.NewAdapter(erp.NewClient(cfg.ERP, nil, a.logger), a.logger)
	} else {
		a.logger.Warn("erp url not configured, mirroring to an in-process fake")
		a.erp = erp.NewFake()
	}

	notifier, err := a.openNotifier()
	if err != nil {
		return err
	}
	a.auditLog = audit.NewLogger(os.Stdout)

	a.entitlements = entitlement.NewService(a.store,
		entitlement.WithCache(cache.New[string, billing.Entitlement](cache.Config{MaxSize: 10000, TTL: cfg.Billing.EntitlementTTL})),
		entitlement.WithLogger(a.logger),
	)
	a.rules = usage.NewRuleSource(a.erp, cfg.Rules(), cfg.Billing.RulesTTL, a.logger)

	var payments usage.PaymentMethodChecker = usage.NewProcessorPaymentMethods(a.processor, a.store.Tenants())
	if rdb != nil {
		payments = usage.NewRedisPaymentMethodCache(payments, rdb, usage.RedisCacheConfig{
			Prefix: cfg.Redis.Prefix,
			TTL:    cfg.Redis.CacheTTL,
		}, a.logger)
	}
	a.usage = usage.NewService(a.store, a.rules, payments, usage.WithLogger(a.logger), usage.WithMetrics(a.metrics))

	a.subscriptions = subscription.NewService(a.store, a.processor, a.entitlements,
		subscription.WithLocker(a.locker),
		subscription.WithNotifier(notifier),
		subscription.WithAuditLogger(a.auditLog),
		subscription.WithMetrics(a.metrics),
		subscription.WithLogger(a.logger),
	)

	dispatcher := outbox.NewERPDispatcher(a.store, a.erp, a.locker, a.logger)
	a.worker = outbox.NewWorker(a.store.Outbox(), dispatcher.Router(), cfg.Outbox, a.logger, a.metrics)

	a.cycle = billingcycle.NewAggregator(a.store, a.erp, a.rules, a.locker,
		billingcycle.WithLogger(a.logger),
		billingcycle.WithMetrics(a.metrics),
		billingcycle.WithCurrency(cfg.Billing.Currency),
	)

	a.scheduler = scheduler.New(a.logger)
	if err := a.scheduler.Register(jobUsageSync, cfg.Billing.UsageSyncCron, a.cycle.SyncJob()); err != nil {
		return err
	}
	if err := a.scheduler.Register(jobConsolidate, cfg.Billing.ConsolidationCron, a.cycle.ConsolidateJob()); err != nil {
		return err
	}

	a.mw = api.NewMiddleware(cfg.Auth)
	a.closers = append(a.closers, a.mw.Stop)
	if cfg.Auth.JWTSecret == "" {
		a.logger.Warn("jwt secret not configured, admin routes are unreachable")
	}
	return nil
}

func (a *app) openStore(ctx context.Context) error {
	cfg := a.cfg.Database
	switch cfg.Driver {
	case config.DriverPostgres:
		pg, err := store.NewPGStore(ctx, cfg.Postgres)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pg.Close)
		if err := store.NewMigrator(pg.Pool(), a.logger).Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		a.store = pg
		a.pg = pg
		a.checks["postgres"] = func(ctx context.Context) error { return pg.Pool().Ping(ctx) }
	default:
		a.store = store.NewMemoryStore()
	}

	if cfg.UsagePath != "" {
		us, err := store.OpenSQLiteUsageStore(cfg.UsagePath)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { _ = us.Close() })
		a.store = store.WithUsage(a.store, us)
	}
	a.logger.Info("store ready", "driver", cfg.Driver, "usage_path", cfg.UsagePath)
	return nil
}

func (a *app) openRedis(ctx context.Context) (*redis.Client, error) {
	cfg := a.cfg.Redis
	if cfg.Addr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.Addr, err)
	}
	a.closers = append(a.closers, func() { _ = rdb.Close() })
	a.checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	return rdb, nil
}

// pickLocker prefers Redis, then PG advisory locks, then an in-process lock.
func (a *app) pickLocker(rdb *redis.Client) lock.Locker {
	if rdb != nil {
		return lock.NewRedisLock(rdb, a.cfg.Redis.Prefix+"lock:")
	}
	if a.pg != nil {
		return lock.NewPGAdvisoryLock(a.pg.Pool())
	}
	a.logger.Warn("using in-process locks, run a single replica")
	return lock.NewInMemoryLock()
}

func (a *app) openNotifier() (notify.Notifier, error) {
	logNotifier := notify.NewLogNotifier(a.logger)
	if a.cfg.NATS.URL == "" {
		return logNotifier, nil
	}
	conn, err := notify.ConnectNATS(a.cfg.NATS.URL, "billsync")
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = conn.Drain() })
	a.checks["nats"] = func(context.Context) error {
		if s := conn.Status(); s != nats.CONNECTED {
			return fmt.Errorf("nats status %s", s)
		}
		return nil
	}
	return notify.Multi{logNotifier, notify.NewNATSNotifier(conn, a.cfg.NATS.SubjectPrefix)}, nil
}

// applyConfig applies the settings that can change without a restart.
func (a *app) applyConfig(cfg *config.Config) {
	a.rules.SetDefaults(cfg.Rules())
	a.logger.Info("configuration reloaded", "overage_rules", len(cfg.Rules()))
}

// routes builds the HTTP handler tree. Public routes are the webhook, health
// and metrics; usage, entitlement and job triggers take the automation secret
// or an admin token; everything else requires an admin token.
func (a *app) routes() http.Handler {
	automation := http.NewServeMux()
	usage.NewHandler(a.usage).RegisterRoutes(automation)
	entitlement.NewHandler(a.entitlements).RegisterRoutes(automation)
	billingcycle.NewHandler(a.cycle).RegisterRoutes(automation)

	admin := http.NewServeMux()
	subs := subscription.NewHandler(a.subscriptions)
	subs.RegisterAdminRoutes(admin)
	outbox.NewHandler(a.store.Outbox(), a.auditLog, a.logger).RegisterRoutes(admin)
	scheduler.NewHandler(a.scheduler).RegisterRoutes(admin)

	mux := http.NewServeMux()
	subs.RegisterRoutes(mux)
	automated := a.mw.RequireAutomationOrAdmin(automation)
	mux.Handle("/api/v1/billing/usage", automated)
	mux.Handle("/api/v1/billing/usage/", automated)
	mux.Handle("/api/v1/billing/entitlements/", automated)
	mux.Handle("/api/v1/billing/sync", automated)
	mux.Handle("/api/v1/billing/invoices/", automated)
	admins := a.mw.RequireAdmin(admin)
	mux.Handle("/api/v1/billing/tenants/", admins)
	mux.Handle("/api/v1/billing/outbox/", admins)
	mux.Handle("/api/v1/billing/jobs", admins)
	mux.Handle("/api/v1/billing/jobs/", admins)

	var h http.Handler = mux
	h = a.mw.RateLimit(a.cfg.Server.RateLimitPerMinute)(h)
	h = a.metrics.Middleware(h)
	h = api.RequestID(h)
	h = otelhttp.NewHandler(h, "billsync")

	root := http.NewServeMux()
	root.Handle("GET /healthz", api.HealthHandler(a.checks))
	root.Handle("GET "+a.metrics.Path(), a.metrics.Handler())
	root.Handle("/", h)
	return root
}

// run serves HTTP and runs the outbox worker and scheduler until ctx ends.
func (a *app) run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error { return a.worker.Run(gctx) })
	g.Go(func() error { return a.scheduler.Run(gctx) })
	return g.Wait()
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
