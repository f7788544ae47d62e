// Package validationd wires the validation collection core into a
// runnable service: Postgres persistence, a periodic aging sweep, a Redis
// publisher for current-validation snapshots, and an HTTP query surface
// that is read-only apart from the authenticated PUT /dead-ledgers/{hash}.
package validationd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	pgvalidations "github.com/xrpl-labs/validationd/pkg/db/postgres/validations"
	"github.com/xrpl-labs/validationd/pkg/logging"
	"github.com/xrpl-labs/validationd/pkg/redis"
	"github.com/xrpl-labs/validationd/pkg/utils"
	"github.com/xrpl-labs/validationd/pkg/validations"
)

// currentValidationsChannel is the Redis Pub/Sub channel the aging sweep
// publishes ledger_hash -> count snapshots to after every tick.
const currentValidationsChannel = "validations:current"

// App owns the collection, its background sweep, and the HTTP surface
// that exposes the query operations from spec §4.2-§4.6.
type App struct {
	Logger     *zap.Logger
	Collection *validations.Collection
	UNL        *validations.StaticUNL
	Store      *pgvalidations.Store
	Redis      *redis.Client

	Cron     *cron.Cron
	CronSpec string

	Server *http.Server

	// AdminToken and JWTSecret gate the one mutating endpoint
	// (PUT /dead-ledgers/{hash}): either the static token or a session
	// JWT issued by IssueOperatorToken is accepted.
	AdminToken string
	JWTSecret  []byte

	ingestCancel context.CancelFunc
	ingestDone   chan struct{}
}

// Initialize builds the App from environment configuration, mirroring
// cmd/indexer's Initialize shape: logger first, then every external
// collaborator, then the domain object that depends on them.
func Initialize(ctx context.Context) (*App, error) {
	logger, err := logging.New()
	if err != nil {
		panic(err)
	}

	ledgerMaxInterval := uint32(utils.EnvInt("LEDGER_MAX_INTERVAL", 20))

	unl, err := validations.ParseStaticUNL(utils.Env("UNL_NODE_IDS", ""))
	if err != nil {
		return nil, fmt.Errorf("parse UNL_NODE_IDS: %w", err)
	}

	dbName := utils.Env("POSTGRES_DB", "validations")
	store, err := pgvalidations.New(ctx, logger, dbName)
	if err != nil {
		return nil, fmt.Errorf("open validations store: %w", err)
	}

	redisClient, err := redis.NewClient(ctx, logger)
	if err != nil {
		logger.Warn("Redis unavailable, current-validation snapshots will not be published", zap.Error(err))
		redisClient = nil
	}

	collection := validations.New(
		validations.SystemClock{},
		validations.NewCachingUNL(unl),
		store,
		ledgerMaxInterval,
		logger,
	)

	app := &App{
		Logger:     logger,
		Collection: collection,
		UNL:        unl,
		Store:      store,
		Redis:      redisClient,
		CronSpec:   utils.Env("AGING_SWEEP_CRON", "*/5 * * * * *"),
		AdminToken: utils.Env("VALIDATIOND_ADMIN_TOKEN", ""),
		JWTSecret:  []byte(utils.Env("VALIDATIOND_JWT_SECRET", "")),
	}

	if err := app.setupScheduler(ctx); err != nil {
		return nil, err
	}
	app.setupServer()

	return app, nil
}

// setupScheduler schedules the canonical aging pass (spec §4.6) on a
// fixed interval so eviction happens even when nothing is polling the
// query surface, the way app/controller.App.SetupScheduler drives
// reconciliation on a timer.
func (a *App) setupScheduler(ctx context.Context) error {
	a.Cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cron.DefaultLogger)))

	_, err := a.Cron.AddFunc(a.CronSpec, func() {
		sweepCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		a.runAgingSweep(sweepCtx)
	})
	return err
}

func (a *App) runAgingSweep(ctx context.Context) {
	snapshot := a.Collection.GetCurrentValidations()
	a.Logger.Debug("aging sweep complete", zap.Int("ledgers", len(snapshot)))

	if a.Redis == nil {
		return
	}
	payload, err := json.Marshal(snapshotToWire(snapshot))
	if err != nil {
		a.Logger.Warn("failed to marshal current-validations snapshot", zap.Error(err))
		return
	}
	a.Redis.Publish(ctx, currentValidationsChannel, payload)
}

func snapshotToWire(snapshot map[validations.LedgerHash]int) map[string]int {
	out := make(map[string]int, len(snapshot))
	for ledger, count := range snapshot {
		out[ledger.String()] = count
	}
	return out
}

// setupServer builds the HTTP query surface (spec SPEC_FULL §2
// component 14), read-only apart from PUT /dead-ledgers/{hash}.
func (a *App) setupServer() {
	addr := utils.Env("ADDR", ":3102")
	a.Server = &http.Server{Addr: addr, Handler: a.router()}
}

// Start starts the cron scheduler, the validation ingest consumer, and the
// HTTP server, then blocks until ctx is canceled.
func (a *App) Start(ctx context.Context) {
	a.Cron.Start()
	a.Logger.Info("validationd cron started", zap.String("cronSpec", a.CronSpec))

	ingestCtx, cancel := context.WithCancel(ctx)
	a.ingestCancel = cancel
	a.ingestDone = make(chan struct{})
	go func() {
		defer close(a.ingestDone)
		if err := a.runIngestConsumer(ingestCtx); err != nil && err != context.Canceled {
			a.Logger.Error("validation ingest consumer stopped", zap.Error(err))
		}
	}()

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.Error("validationd HTTP server failed", zap.Error(err))
		}
	}()
	a.Logger.Info("validationd HTTP server started", zap.String("addr", a.Server.Addr))

	<-ctx.Done()
	a.Stop()
}

// Stop drains the cron scheduler, flushes the collection to Postgres, and
// closes the HTTP server. Mirrors app/indexer.App.Stop's shutdown order:
// stop producing new work before waiting for in-flight work to finish.
func (a *App) Stop() {
	<-a.Cron.Stop().Done()

	if a.ingestCancel != nil {
		a.ingestCancel()
		<-a.ingestDone
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn("validationd HTTP server shutdown error", zap.Error(err))
	}

	a.Logger.Info("flushing validation collection before shutdown")
	a.Collection.Flush()

	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	a.Store.Close()

	a.Logger.Info("validationd stopped")
}
