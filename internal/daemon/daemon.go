// Package daemon wires configuration, storage and services into a running
// settle process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tutu-network/settle/internal/api"
	"github.com/tutu-network/settle/internal/app/agentwallet"
	"github.com/tutu-network/settle/internal/app/executor"
	"github.com/tutu-network/settle/internal/app/payout"
	"github.com/tutu-network/settle/internal/app/reconcile"
	"github.com/tutu-network/settle/internal/app/revenue"
	"github.com/tutu-network/settle/internal/clock"
	"github.com/tutu-network/settle/internal/domain"
	"github.com/tutu-network/settle/internal/infra/cache"
	"github.com/tutu-network/settle/internal/infra/events"
	"github.com/tutu-network/settle/internal/infra/observability"
	"github.com/tutu-network/settle/internal/infra/postgres"
	"github.com/tutu-network/settle/internal/infra/sqlite"
)

// Job names, as they appear in logs and the jobs_runs_total metric.
const (
	JobReconcile  = "reconcile"
	JobExpireLots = "expire_lots"
)

// Daemon owns every long-lived component.
type Daemon struct {
	Config    Config
	Logger    *zap.Logger
	Clock     clock.Clock
	DB        *sqlite.DB
	Bus       *events.Bus
	Hub       *api.EventHub
	Revenue   *revenue.Service
	Payouts   *payout.Service
	Reconcile *reconcile.Service
	Agents    *agentwallet.Service
	Executor  *executor.Executor

	closers []func()
}

// Option configures New.
type Option func(*Daemon)

// WithClock overrides the wall clock for every component.
func WithClock(c clock.Clock) Option { return func(d *Daemon) { d.Clock = c } }

// New opens storage and builds the services. Postgres and Redis are only
// dialed when configured. An unreachable Redis is logged and skipped since
// the spend chain works without it; an unreachable Postgres is fatal.
func New(ctx context.Context, cfg Config, logger *zap.Logger, opts ...Option) (*Daemon, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Daemon{Config: cfg, Logger: logger, Clock: clock.System()}
	for _, opt := range opts {
		opt(d)
	}

	db, err := sqlite.Open(cfg.Storage.Home, sqlite.WithClock(d.Clock))
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	d.DB = db
	d.closers = append(d.closers, func() { db.Close() })

	var spendStore agentwallet.SpendStore = db
	if cfg.Storage.PostgresDSN != "" {
		pg, err := postgres.Open(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.closers = append(d.closers, pg.Close)
		spendStore = pg
	}

	agentOpts := []agentwallet.Option{agentwallet.WithClock(d.Clock), agentwallet.WithLogger(logger.Named("agentwallet"))}
	if cfg.Cache.RedisAddr != "" {
		rdb, err := cache.Dial(ctx, cfg.Cache.RedisAddr)
		if err != nil {
			logger.Warn("spend cache unavailable; running without it", zap.Error(err))
		} else {
			d.closers = append(d.closers, func() { rdb.Close() })
			agentOpts = append(agentOpts, agentwallet.WithCache(cache.NewSpendCache(rdb, logger.Named("cache"))))
		}
	}

	d.Bus = events.NewBus(d.Clock, logger.Named("events"))
	d.Bus.Subscribe(events.LogSink(logger.Named("events")))
	d.Hub = api.NewEventHub()
	d.Bus.Subscribe(d.Hub.Handler())

	tracer := observability.NewTracer(observability.DefaultTracerConfig())
	d.Revenue = revenue.NewService(db, revenue.NewConfigHolder(db), logger.Named("revenue"))
	d.Payouts = payout.New(cfg.Payout, db, db,
		payout.WithClock(d.Clock),
		payout.WithEmitter(d.Bus),
		payout.WithTracer(tracer),
		payout.WithLogger(logger.Named("payout")))
	d.Reconcile = reconcile.New(db, db,
		reconcile.WithClock(d.Clock),
		reconcile.WithEmitter(d.Bus),
		reconcile.WithTracer(tracer),
		reconcile.WithLogger(logger.Named("reconcile")))
	d.Agents = agentwallet.New(cfg.Budget, db, db, d.Revenue, spendStore, agentOpts...)
	d.Executor = executor.New(executor.Config{
		MaxConcurrent:  cfg.Reconcile.MaxConcurrent,
		DefaultTimeout: cfg.Reconcile.JobTimeout,
	}, logger.Named("executor"))

	logger.Info("settle ready",
		zap.String("home", cfg.Storage.Home),
		zap.String("spend_chain", d.Agents.String()))
	return d, nil
}

// Bootstrap creates the revenue recipient accounts and seeds the configured
// split. Seeding is idempotent per split, so it runs on every start.
func (d *Daemon) Bootstrap(ctx context.Context) error {
	r := d.Config.Revenue
	ids := make(map[domain.EntityType]string, 3)
	for et, entityID := range map[domain.EntityType]string{
		domain.EntityCommons:    r.CommonsEntityID,
		domain.EntityCommunity:  r.CommunityEntityID,
		domain.EntityFoundation: r.FoundationEntityID,
	} {
		acct, err := d.DB.GetOrCreateAccount(ctx, et, entityID)
		if err != nil {
			return fmt.Errorf("bootstrap %s account: %w", et, err)
		}
		ids[et] = acct.ID
	}
	_, err := d.Revenue.SeedConfig(ctx, revenue.Config{
		CommonsRateBps:      r.CommonsRateBps,
		CommunityRateBps:    r.CommunityRateBps,
		FoundationRateBps:   r.FoundationRateBps,
		CommonsAccountID:    ids[domain.EntityCommons],
		CommunityAccountID:  ids[domain.EntityCommunity],
		FoundationAccountID: ids[domain.EntityFoundation],
	}, r.SeedKey())
	return err
}

// ReconcileJob runs every reconciliation check once.
func (d *Daemon) ReconcileJob() executor.Job {
	return executor.JobFunc(JobReconcile, func(ctx context.Context) error {
		run, err := d.Reconcile.Reconcile(ctx)
		if err != nil {
			return err
		}
		if !run.Passed() {
			d.Logger.Warn("reconciliation found divergences",
				zap.String("run_id", run.ID), zap.Strings("divergences", run.Divergences))
		}
		return nil
	})
}

// ExpireLotsJob zeroes the available balance of lots past their expiry.
func (d *Daemon) ExpireLotsJob() executor.Job {
	return executor.JobFunc(JobExpireLots, func(ctx context.Context) error {
		n, micro, err := d.DB.ExpireLots(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			observability.LotsExpired.Add(float64(n))
			d.Logger.Info("lots expired", zap.Int("lots", n), zap.String("amount", domain.FormatUSD(micro)))
		}
		return nil
	})
}

// Handler builds the HTTP API over the daemon's services.
func (d *Daemon) Handler() http.Handler {
	srv := api.NewServer(api.Services{
		Ledger:    d.DB,
		Metering:  d.Revenue,
		Payouts:   d.Payouts,
		Reconcile: d.Reconcile,
		Agents:    d.Agents,
		Events:    d.Hub,
	}, d.Logger.Named("api"))
	srv.EnableMetrics()
	srv.SetRequestTimeout(d.Config.API.RequestTimeout)
	srv.SetReadiness(d.DB.Ping)
	return srv.Handler()
}

// Serve runs the API and the maintenance schedule until ctx is done, then
// shuts down gracefully.
func (d *Daemon) Serve(ctx context.Context) error {
	if err := d.Bootstrap(ctx); err != nil {
		return err
	}

	jobsCtx, stopJobs := context.WithCancel(ctx)
	defer stopJobs()
	d.Executor.Every(jobsCtx, d.Config.Reconcile.ExpiryInterval, d.ExpireLotsJob())
	d.Executor.Every(jobsCtx, d.Config.Reconcile.Interval, d.ReconcileJob())

	httpSrv := &http.Server{
		Addr:              d.Config.API.Addr(),
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		d.Logger.Info("api listening", zap.String("addr", httpSrv.Addr))
		errc <- httpSrv.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		d.Logger.Warn("api shutdown", zap.Error(err))
	}
	stopJobs()
	d.Executor.Wait()

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("api: %w", serveErr)
	}
	return nil
}

// Close releases storage and connections in reverse order of opening.
func (d *Daemon) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}
