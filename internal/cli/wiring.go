package cli

import (
	"context"
	"fmt"

	"tradesync/config"
	"tradesync/internal/adapters/aiclient"
	"tradesync/internal/adapters/kafkasink"
	"tradesync/internal/adapters/logger"
	"tradesync/internal/adapters/sqlite"
	"tradesync/internal/app"
	"tradesync/internal/brokers"
	"tradesync/internal/merge"
	"tradesync/internal/ports"
	"tradesync/internal/ratelimit"
	"tradesync/internal/resilience"
)

// components is the wired application. Close releases what it opened.
type components struct {
	log      *logger.Logger
	events   ports.EventSink
	kafka    *kafkasink.Sink
	limiter  *ratelimit.Limiter
	breakers *resilience.Registry
	guard    *resilience.Guard
	repo     *sqlite.Repository
	engine   *merge.Engine
	sync     *app.SyncService
}

func newLogger(cfg *config.Config) *logger.Logger {
	return logger.New(cfg.LogLevel, cfg.LogFormat)
}

// build wires every component in dependency order.
func build(ctx context.Context, cfg *config.Config) (*components, error) {
	c := &components{}

	// 1. Logger
	c.log = newLogger(cfg)
	c.log.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 2. Event sinks: always the log, plus Kafka when brokers are configured
	fanout := app.Fanout{logger.NewEventLogger(c.log)}
	if len(cfg.KafkaBrokers) > 0 {
		c.kafka = kafkasink.New(kafkasink.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic), kafkasink.Config{}, c.log)
		fanout = append(fanout, c.kafka)
		c.log.Info(ctx, "Kafka event sink initialized", map[string]interface{}{"topic": cfg.KafkaTopic})
	}
	c.events = fanout

	// 3. Resilience: limiter, breakers and the guard every adapter calls through
	res := cfg.Resilience
	c.limiter = ratelimit.New(res.RateLimits, c.log,
		ratelimit.WithDefaults(res.DefaultLimits),
		ratelimit.WithEventSink(c.events),
	)
	c.breakers = resilience.NewRegistry(res.Breaker, res.BreakerOverrides, c.log, resilience.WithRegistryEvents(c.events))
	c.guard = resilience.NewGuard(c.limiter, c.breakers, res.Retry, c.log,
		resilience.WithRetryOverrides(res.RetryOverrides),
		resilience.WithGuardEvents(c.events),
	)

	// 4. Provider adapters
	adapters, err := brokers.NewRegistry(ctx, brokers.Settings{
		BinanceSymbols: cfg.BinanceSymbols,
		BinanceTestnet: cfg.BinanceTestnet,
		BinanceBaseURL: cfg.BinanceBaseURL,
		OandaBaseURL:   cfg.OandaBaseURL,
	}, c.guard, c.log)
	if err != nil {
		c.Close(ctx)
		return nil, fmt.Errorf("failed to initialize provider adapters: %w", err)
	}

	// 5. Repository and merge engine
	c.repo, err = sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: c.log})
	if err != nil {
		c.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database repository: %w", err)
	}
	c.engine = merge.NewEngine(c.repo, merge.Config{PriceTolerance: cfg.PriceTolerance}, c.log)

	// 6. Optional AI annotator
	var annotator ports.TradeAnnotator
	if cfg.AnnotateTrades {
		ai, err := aiclient.New(aiclient.Config{
			Providers: res.AIProviders,
			Guard:     c.guard,
			Logger:    c.log,
		})
		if err != nil {
			c.Close(ctx)
			return nil, fmt.Errorf("failed to initialize AI annotator: %w", err)
		}
		annotator = ai
	}

	// 7. Sync service
	c.sync, err = app.NewSyncService(app.SyncServiceConfig{
		Adapters:    adapters,
		Vault:       config.NewEnvVault(),
		Merger:      c.engine,
		Annotator:   annotator,
		Events:      c.events,
		Logger:      c.log,
		Concurrency: cfg.SyncConcurrency,
	})
	if err != nil {
		c.Close(ctx)
		return nil, fmt.Errorf("failed to initialize sync service: %w", err)
	}
	c.log.Info(ctx, "Sync service initialized", map[string]interface{}{"providers": adapters.Providers()})
	return c, nil
}

// Close flushes the event sink and closes the database.
func (c *components) Close(ctx context.Context) {
	if c.kafka != nil {
		if err := c.kafka.Close(); err != nil {
			c.log.Error(ctx, err, "Error closing Kafka sink")
		}
	}
	if c.repo != nil {
		if err := c.repo.Close(); err != nil {
			c.log.Error(ctx, err, "Error closing database repository")
		}
	}
}
