// Package app wires the margin engine together: stores, pricing, the
// position engine, the liquidation workflow on its bus, Kafka adapters and
// the ops HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/margin-engine/internal/accounts"
	"github.com/atmx/margin-engine/internal/broker"
	"github.com/atmx/margin-engine/internal/bus"
	"github.com/atmx/margin-engine/internal/config"
	"github.com/atmx/margin-engine/internal/liquidation"
	"github.com/atmx/margin-engine/internal/liquidity"
	"github.com/atmx/margin-engine/internal/positions"
	"github.com/atmx/margin-engine/internal/pricing"
	"github.com/atmx/margin-engine/internal/schedule"
	"github.com/atmx/margin-engine/internal/store"
	"github.com/atmx/margin-engine/internal/trading"
)

// outbound is everything the service writes to other services.
type outbound interface {
	positions.Publisher
	liquidation.ExternalPublisher
	SpecialLiquidationStarter
	Close() error
}

// App is a wired margin engine.
type App struct {
	Positions *store.MemoryPositionStore
	Accounts  *accounts.Cache
	Engine    *positions.Engine
	Bus       *bus.Bus
	Notifier  *liquidation.Notifier
	Repo      *liquidation.Repository

	cfg       *config.Config
	publisher outbound
	consumers []*broker.Consumer
	router    http.Handler
	cleanup   []func()
}

// New builds the application. Close releases what it opened, also when New
// fails part way.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg, Positions: store.NewMemoryPositionStore()}
	built := false
	defer func() {
		if !built {
			a.Close()
		}
	}()

	// --- Redis ---
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		a.cleanup = append(a.cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("app: redis ping: %w", err)
		}
		slog.Info("connected to Redis", "addr", cfg.Redis.Addr)
	}

	// --- Execution info store ---
	var execStore store.ExecutionInfoStore = store.NewMemoryExecutionInfoStore()
	if cfg.Postgres.DSN != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("app: postgres dsn: %w", err)
		}
		if cfg.Postgres.PoolMaxConns > 0 {
			poolCfg.MaxConns = int32(cfg.Postgres.PoolMaxConns)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("app: postgres connect: %w", err)
		}
		a.cleanup = append(a.cleanup, pool.Close)

		pg := store.NewPostgresExecutionInfoStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("app: postgres schema: %w", err)
		}
		execStore = pg
		if rdb != nil {
			execStore = store.NewCachedExecutionInfoStore(pg, rdb, cfg.Redis.CacheTTL.Duration)
		}
		slog.Info("execution info in PostgreSQL", "cached", rdb != nil)
	} else {
		slog.Warn("postgres dsn not set, liquidation state will not survive a restart")
	}

	// --- Accounts and quotes ---
	var books pricing.BookSource
	if rdb != nil {
		a.Accounts = accounts.NewCache(accounts.NewRedisLiquidationLock(rdb))
		books = pricing.NewRedisBooks(rdb)
	} else {
		a.Accounts = accounts.NewCache(nil)
		static := pricing.NewStaticBooks()
		for asset, q := range cfg.Quotes {
			static.Set(asset, "", pricing.Book{Bid: q.Bid, Ask: q.Ask, BidSize: q.BidSize, AskSize: q.AskSize, FxRate: q.FxRate})
		}
		books = static
	}

	sched, err := schedule.New(schedule.Config{
		Timezone: cfg.Schedule.Timezone,
		Default:  cfg.Schedule.Default,
		Assets:   cfg.Schedule.Assets,
		Holidays: cfg.Schedule.Holidays,
	})
	if err != nil {
		return nil, fmt.Errorf("app: schedule: %w", err)
	}

	// --- Outbound ---
	if len(cfg.Kafka.Brokers) > 0 {
		a.publisher = broker.NewPublisher(broker.NewWriter(cfg.Kafka.Brokers), broker.Topics{
			PositionHistory:    cfg.Kafka.PositionHistoryTopic,
			LiquidationEvents:  cfg.Kafka.LiquidationEventTopic,
			SpecialLiquidation: cfg.Kafka.SpecialLiquidationTopic,
		})
	} else {
		slog.Warn("kafka brokers not set, outbound events are only logged")
		a.publisher = broker.LogPublisher{}
	}

	// --- Position engine ---
	a.Engine = positions.NewEngine(a.Positions, positions.LinearPnL{}, a.publisher)

	// --- Liquidation ---
	router := pricing.NewRouter(books)
	margin := pricing.NewMarginCalculator(books, cfg.Margin.Rates, cfg.Margin.DefaultRate)
	checker := liquidity.NewChecker(router, pricing.NewConverter(books, cfg.Liquidation.ThresholdFxRates), cfg.Liquidation.MaxNetVolume)

	a.Repo = liquidation.NewRepository(execStore)
	a.Notifier = liquidation.NewNotifier()
	executor := liquidation.NewExecutor(a.Repo, a.Accounts, a.Positions, a.publisher, a.Notifier)

	dispatcher := &Dispatcher{special: a.publisher}
	a.Bus = bus.New(dispatcher.Handle, bus.Options{
		Partitions:      cfg.Liquidation.BusPartitions,
		MaxRetries:      cfg.Liquidation.MaxRedeliveries,
		InitialInterval: cfg.Liquidation.RetryInterval.Duration,
		MaxInterval:     cfg.Liquidation.MaxRetryInterval.Duration,
	})
	dispatcher.handler = liquidation.NewHandler(liquidation.HandlerDeps{
		Repository: a.Repo,
		Accounts:   a.Accounts,
		Positions:  a.Positions,
		Liquidity:  checker,
		Closer:     trading.NewCloser(a.Positions, router, a.Engine),
		Executor:   executor,
		Sender:     a.Bus,
	})
	dispatcher.saga = liquidation.NewSaga(liquidation.SagaDeps{
		Repository: a.Repo,
		Accounts:   a.Accounts,
		Positions:  a.Positions,
		Margin:     margin,
		DayOff:     sched,
		Sender:     a.Bus,
	})

	// --- Inbound ---
	if len(cfg.Kafka.Brokers) > 0 {
		k := cfg.Kafka
		a.consumers = []*broker.Consumer{
			broker.NewConsumer("accounts", broker.NewReader(k.Brokers, k.GroupID, k.AccountTopic), broker.AccountsHandler(a.Accounts), k.MaxRetries),
			broker.NewConsumer("executed-orders", broker.NewReader(k.Brokers, k.GroupID, k.ExecutedOrdersTopic), broker.OrdersHandler(a.Engine), k.MaxRetries),
			broker.NewConsumer("liquidation-commands", broker.NewReader(k.Brokers, k.GroupID, k.LiquidationCommandTopic), broker.CommandsHandler(a.Bus), k.MaxRetries),
		}
	}

	// --- Ops ---
	ops := NewOps(a.Repo, a.Accounts, a.Positions)
	a.Notifier.Subscribe(ops.record)
	a.router = NewRouter(ops)

	built = true
	return a, nil
}

// Router returns the ops HTTP handler.
func (a *App) Router() http.Handler {
	return a.router
}

// Send puts liquidation commands on the bus.
func (a *App) Send(ctx context.Context, msgs ...liquidation.Message) error {
	return a.Bus.Send(ctx, msgs...)
}

// Run serves until ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.Bus.Run(ctx) })
	for _, c := range a.consumers {
		g.Go(func() error { return c.Run(ctx) })
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:      a.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	g.Go(func() error {
		slog.Info("margin-engine listening", "port", a.cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		slog.Info("shutting down margin-engine...")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Close flushes outbound events and closes connections.
func (a *App) Close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			slog.Error("close publisher", "err", err)
		}
	}
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
