// Command collector launches the pricemesh collection service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/pricemesh/config"
	"github.com/coachpo/pricemesh/internal/bus/eventbus"
	"github.com/coachpo/pricemesh/internal/conductor"
	"github.com/coachpo/pricemesh/internal/kafka"
	"github.com/coachpo/pricemesh/internal/monitor"
	"github.com/coachpo/pricemesh/internal/observability"
	"github.com/coachpo/pricemesh/internal/persistence"
	"github.com/coachpo/pricemesh/internal/persistence/postgres"
	"github.com/coachpo/pricemesh/internal/ratelimit"
	"github.com/coachpo/pricemesh/internal/schema"
	httpserver "github.com/coachpo/pricemesh/internal/server/http"
	"github.com/coachpo/pricemesh/internal/snapshot"
	"github.com/coachpo/pricemesh/internal/source"
	"github.com/coachpo/pricemesh/internal/sources"
	"github.com/coachpo/pricemesh/internal/telemetry"
)

const (
	collectorLoggerPrefix = "collector "

	shutdownTimeout          = 30 * time.Second
	apiServerShutdownTimeout = 5 * time.Second
	monitorShutdownTimeout   = 10 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	busShutdownTimeout       = 2 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newCollectorLogger()
	observability.SetLogger(observability.NewStdLogger(logger))

	cfg, err := config.Load(ctx, cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, sources=%d", cfg.Environment, len(cfg.EnabledSources()))

	telemetryProvider, err := initTelemetry(ctx, logger, cfg.Environment)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	limits := ratelimit.NewRegistry(cfg.Limits)
	registry, catalog, err := buildSources(cfg, limits)
	if err != nil {
		logger.Fatalf("initialise sources: %v", err)
	}
	logger.Printf("sources instantiated: %d", catalog.Len())

	counters := observability.NewRuntimeMetrics()
	orchestrator := conductor.New(cfg.Collect.Config, limits, cfg.Retry, counters)

	var lifecycle conc.WaitGroup
	startStreamers(ctx, &lifecycle, logger, catalog)

	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{BufferSize: 0, FanoutWorkers: 0})

	publisher, err := kafka.NewPublisher(cfg.Kafka)
	if err != nil {
		logger.Fatalf("initialise kafka publisher: %v", err)
	}
	if cfg.Kafka.Enabled {
		logger.Printf("kafka publisher ready: topic=%s", cfg.Kafka.Topic)
	}
	relay := kafka.NewRelay(bus, publisher, nil)
	startRelay(ctx, &lifecycle, logger, relay)

	pool, history, err := openHistory(ctx, cfg)
	if err != nil {
		logger.Fatalf("initialise history store: %v", err)
	}
	if history != nil {
		logger.Print("history store connected")
	}

	snapshots := persistence.TapSnapshots(snapshot.NewMemoryStore(), history)

	scheduler, err := buildScheduler(cfg, orchestrator, catalog, bus, snapshots)
	if err != nil {
		logger.Fatalf("initialise monitor: %v", err)
	}
	if scheduler != nil && cfg.Monitor.Enabled {
		if err := scheduler.Start(ctx); err != nil {
			logger.Fatalf("start monitor: %v", err)
		}
		logger.Printf("monitor running: references=%d, interval=%s", scheduler.Status().References, cfg.Monitor.TickInterval)
	}

	apiServer := buildAPIServer(cfg, httpserver.Options{
		Environment:    cfg.Environment,
		Registry:       registry,
		Catalog:        catalog,
		Orchestrator:   orchestrator,
		Limits:         limits,
		Counters:       counters,
		Scheduler:      scheduler,
		Snapshots:      snapshots,
		History:        history,
		LimitPerSource: cfg.Collect.LimitPerSource,
	})
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("collector API listening on %s", apiServer.Addr)

	logger.Print("collector started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		serverWait: cfg.HTTP.ShutdownTimeout,
		scheduler:  scheduler,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		bus:        bus,
		publisher:  publisher,
		pool:       pool,
		telemetry:  telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", "Path to collector configuration file")
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newCollectorLogger() *log.Logger {
	return log.New(os.Stdout, collectorLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.Environment = string(env)

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Print("telemetry disabled")
	}
	return provider, nil
}

func buildSources(cfg config.AppConfig, limits *ratelimit.Registry) (*source.Registry, *source.Catalog, error) {
	registry := source.NewRegistry()
	sources.RegisterAll(registry)

	// One shared client; per-attempt deadlines come from the orchestrator.
	client := &http.Client{}
	catalog := source.NewCatalog()
	for _, sc := range cfg.EnabledSources() {
		src, err := registry.New(sc.Name, client, sc.Settings)
		if err != nil {
			return nil, nil, fmt.Errorf("build source %s: %w", sc.Name, err)
		}
		catalog.Add(src)
		if sc.Limits != nil {
			limits.Configure(src.Name(), *sc.Limits)
		}
	}
	if catalog.Len() == 0 {
		return nil, nil, fmt.Errorf("no sources enabled")
	}
	return registry, catalog, nil
}

func startStreamers(ctx context.Context, lifecycle *conc.WaitGroup, logger *log.Logger, catalog *source.Catalog) {
	for _, src := range catalog.All() {
		streamer, ok := src.(source.Streamer)
		if !ok {
			continue
		}
		name := src.Name()
		lifecycle.Go(func() {
			if err := streamer.Run(ctx); err != nil {
				logger.Printf("source feed %s: %v", name, err)
			}
		})
		logger.Printf("source feed started: %s", name)
	}
}

func startRelay(ctx context.Context, lifecycle *conc.WaitGroup, logger *log.Logger, relay *kafka.Relay) {
	lifecycle.Go(func() {
		if err := relay.Run(ctx); err != nil {
			logger.Printf("event relay: %v", err)
		}
	})
}

func openHistory(ctx context.Context, cfg config.AppConfig) (*pgxpool.Pool, persistence.HistoryStore, error) {
	if !cfg.Postgres.Enabled {
		return nil, nil, nil
	}
	pool, err := postgres.Open(ctx, postgres.Options{
		DSN:            cfg.Postgres.DSN,
		MaxConns:       cfg.Postgres.MaxConns,
		MinConns:       cfg.Postgres.MinConns,
		ConnectTimeout: cfg.Postgres.ConnectTimeout,
	})
	if err != nil {
		return nil, nil, err
	}
	postgres.ObservePoolMetrics(pool, "primary")
	return pool, postgres.NewHistoryStore(pool), nil
}

// buildScheduler resolves the configured references and assembles the monitor.
// It returns nil when nothing is monitored so the HTTP surface answers 503.
func buildScheduler(cfg config.AppConfig, orchestrator *conductor.Orchestrator, catalog *source.Catalog, bus eventbus.Bus, snapshots snapshot.Store) (*monitor.Scheduler, error) {
	refs, err := resolveReferences(cfg, catalog)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, nil
	}
	return monitor.New(cfg.Monitor.Config, orchestrator, refs, catalog, bus, snapshots, nil), nil
}

func resolveReferences(cfg config.AppConfig, catalog *source.Catalog) ([]schema.Reference, error) {
	refs := make([]schema.Reference, 0, len(cfg.Monitor.References))
	for _, rc := range cfg.Monitor.References {
		if rc.Direct() {
			ref := rc.Reference()
			if _, ok := catalog.Get(ref.Source); !ok {
				return nil, fmt.Errorf("reference %s: source %s not enabled", rc.Name, ref.Source)
			}
			refs = append(refs, ref)
			continue
		}
		src, id, ok := source.Resolve(catalog.All(), rc.URL)
		if !ok {
			return nil, fmt.Errorf("reference %s: no enabled source recognises %s", rc.Name, rc.URL)
		}
		refs = append(refs, schema.Reference{Name: rc.Name, Source: src.Name(), Ref: id})
	}
	return refs, nil
}

func buildAPIServer(cfg config.AppConfig, opts httpserver.Options) *http.Server {
	handler := httpserver.NewHandler(opts)

	return &http.Server{
		Addr:                         cfg.HTTP.Addr,
		Handler:                      handler,
		DisableGeneralOptionsHandler: false,
		TLSConfig:                    nil,
		ReadTimeout:                  0,
		WriteTimeout:                 0,
		IdleTimeout:                  0,
		MaxHeaderBytes:               0,
		TLSNextProto:                 nil,
		ConnState:                    nil,
		ErrorLog:                     nil,
		BaseContext:                  nil,
		ConnContext:                  nil,
		HTTP2:                        nil,
		Protocols:                    nil,
		ReadHeaderTimeout:            cfg.HTTP.ReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("collector server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	serverWait time.Duration
	scheduler  *monitor.Scheduler
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	bus        eventbus.Bus
	publisher  kafka.Publisher
	pool       *pgxpool.Pool
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		wait := cfg.serverWait
		if wait <= 0 {
			wait = apiServerShutdownTimeout
		}
		shutdownStep("stopping collector server", wait, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.scheduler != nil {
		shutdownStep("stopping monitor", monitorShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.scheduler.Stop()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for monitor: %w", stepCtx.Err())
			}
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.bus != nil {
		shutdownStep("closing event bus", busShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.bus.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.publisher != nil {
		shutdownStep("closing kafka publisher", busShutdownTimeout, func(context.Context) error {
			return cfg.publisher.Close()
		})
	}

	if cfg.pool != nil {
		shutdownStep("closing history store", busShutdownTimeout, func(context.Context) error {
			cfg.pool.Close()
			return nil
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}
