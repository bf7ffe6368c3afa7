// Package app assembles the process: store, bus, components, background
// loops and the HTTP router.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wagerline/platform/internal/agentgraph"
	"github.com/wagerline/platform/internal/auth"
	"github.com/wagerline/platform/internal/bus"
	"github.com/wagerline/platform/internal/commission"
	"github.com/wagerline/platform/internal/config"
	"github.com/wagerline/platform/internal/domain"
	"github.com/wagerline/platform/internal/guard"
	"github.com/wagerline/platform/internal/handler"
	"github.com/wagerline/platform/internal/infra"
	"github.com/wagerline/platform/internal/ledger"
	"github.com/wagerline/platform/internal/matchqueue"
	"github.com/wagerline/platform/internal/relay"
	"github.com/wagerline/platform/internal/scheduler"
	"github.com/wagerline/platform/internal/sse"
	"github.com/wagerline/platform/internal/store"
	"github.com/wagerline/platform/internal/store/postgres"
	"github.com/wagerline/platform/internal/wager"
)

// App is the wired process.
type App struct {
	Router  chi.Router
	Store   store.Store
	Bus     *bus.Bus
	Queue   *matchqueue.Queue
	Metrics *infra.Metrics

	sched  *scheduler.Scheduler
	relay  *relay.Relay
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New builds every component from config. Call Start to launch the
// background loops and Close to tear everything down.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{logger: logger}

	if cfg.UseMemoryStore {
		a.Store = store.NewMemory()
		logger.Info("using in-memory store")
	} else {
		if err := infra.RunMigrations(cfg.DSN(), logger); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		pool, err := infra.NewPostgresPool(ctx, cfg.DSN())
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.pool = pool
		a.Store = postgres.New(pool)
		logger.Info("connected to postgres")
	}

	a.Metrics = infra.NewMetrics()
	a.Bus = bus.New(bus.Options{
		BufferSize:  cfg.BusBufferSize,
		RingSize:    cfg.BusRingBufferSize,
		GracePeriod: time.Duration(cfg.BusGracePeriodMs) * time.Millisecond,
	}, logger)
	a.observeBus()

	ledgerEngine := ledger.NewEngine(a.Store, cfg.LedgerCheckpointInterval)
	graph := agentgraph.New(a.Store, a.Bus, logger, cfg.MaxHierarchyDepth)
	wagers := wager.NewEngine(a.Store, ledgerEngine, a.Bus, logger, cfg.Rules)
	commissions := commission.NewEngine(a.Store, a.Bus, logger, cfg.Rules.DefaultCommissionStructure)

	a.Queue = matchqueue.New(a.Store, ledgerEngine, a.Bus, logger, matchqueue.Config{
		ReservationTTL:      time.Duration(cfg.QueueReservationTTLMs) * time.Millisecond,
		ItemTimeout:         time.Duration(cfg.QueueItemTimeoutMs) * time.Millisecond,
		MaxAttempts:         cfg.QueueMaxAttempts,
		MaxRiskDelta:        cfg.QueueMaxRiskDelta,
		AllowCrossTier:      cfg.QueueAllowCrossTier,
		StarvationThreshold: cfg.QueueStarvationThreshold,
		TierWeight:          cfg.Rules.QueuePriorityWeights.Tier,
		AgeWeight:           cfg.Rules.QueuePriorityWeights.Age,
		RiskWeight:          cfg.Rules.QueuePriorityWeights.Risk,
	})
	if err := a.Queue.Start(ctx); err != nil {
		return nil, fmt.Errorf("start matching queue: %w", err)
	}

	gateway := sse.New(a.Bus, logger, time.Duration(cfg.SSEHeartbeatMs)*time.Millisecond)

	a.sched = scheduler.New(logger)
	a.sched.Every(time.Duration(cfg.QueueSweepMs)*time.Millisecond, &scheduler.QueueSweep{Queue: a.Queue})
	a.sched.Every(time.Duration(cfg.SettleSweepMs)*time.Millisecond, &scheduler.SettlementSweep{
		Store:  a.Store,
		Wagers: wagers,
		Logger: logger,
	})
	a.sched.Every(time.Duration(cfg.MetricsRollupMs)*time.Millisecond, &scheduler.MetricsRollup{
		Store:   a.Store,
		Queue:   a.Queue,
		Bus:     a.Bus,
		Logger:  logger,
		Metrics: a.Metrics,
	})
	// Period boundaries are schedule-dependent; a nightly pass closes
	// whatever ended, idempotently.
	if err := a.sched.Cron("5 0 * * *", &scheduler.CommissionBatch{
		Store:       a.Store,
		Commissions: commissions,
		Bus:         a.Bus,
		Logger:      logger,
		Currency:    "USD",
	}); err != nil {
		return nil, fmt.Errorf("register commission batcher: %w", err)
	}

	if cfg.KafkaEnabled {
		a.relay = relay.New(a.Bus, a.Store, strings.Split(cfg.KafkaBrokers, ","), "wagerline", logger)
	}

	jwtMgr := auth.NewManager(cfg.JWTSecret, 24*time.Hour)
	limiter := guard.NewRateLimiter(50, 100)
	idem := guard.NewIdempotency(a.Store)

	h := &handler.Handlers{
		Graph:       graph,
		Wagers:      wagers,
		Commissions: commissions,
		Queue:       a.Queue,
		Stream:      gateway,
		Store:       a.Store,
	}

	r := chi.NewRouter()
	r.Use(handler.Recovery(logger))
	r.Use(handler.RequestID)
	r.Use(handler.RequestLogger(logger))
	r.Use(handler.Instrument(a.Metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSAllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "Idempotency-Key", "Last-Event-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(jwtMgr.Middleware)

	r.Get("/health", a.healthHandler())
	r.Method("GET", "/metrics", a.Metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(handler.JSONContentType)
		r.Use(limiter.Middleware)
		r.Use(idem.Middleware)
		h.Routes(r)
	})
	a.Router = r

	return a, nil
}

// Start launches the background loops.
func (a *App) Start(ctx context.Context) error {
	a.sched.Start(ctx)
	if a.relay != nil {
		if err := a.relay.Start(ctx); err != nil {
			return fmt.Errorf("start kafka relay: %w", err)
		}
		a.logger.Info("kafka relay started")
	}
	return nil
}

// Close tears the process down: loops first, then the bus, then storage.
func (a *App) Close() {
	a.sched.Stop()
	if a.relay != nil {
		if err := a.relay.Close(); err != nil {
			a.logger.Warn("relay close failed", "error", err)
		}
	}
	a.Queue.Close()
	a.Bus.Close()
	if a.pool != nil {
		a.pool.Close()
	}
}

// observeBus counts every bus event and subscriber overflow.
func (a *App) observeBus() {
	sub := a.Bus.Subscribe(domain.SubscriptionFilter{}, bus.DropOldest, 0)
	go func() {
		for ev := range sub.C() {
			a.Metrics.BusEventsTotal.Inc()
			if ev.Type == domain.EventSubscriberLagged {
				a.Metrics.BusLaggedTotal.Inc()
			}
		}
	}()
}

func (a *App) healthHandler() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.pool != nil {
			if err := infra.HealthCheck(r.Context(), a.pool); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"error","error":{"kind":"internal","message":"database unreachable"}}`))
				return
			}
		}
		w.Write([]byte(`{"status":"success","data":{"healthy":true}}`))
	}
}
