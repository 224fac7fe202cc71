// Command tapewire serves filtered order and execution streams over
// websockets, backed by an upstream message bus and the historical query API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/tapewire/tapewire/config"
	"github.com/tapewire/tapewire/internal/cache"
	"github.com/tapewire/tapewire/internal/engine"
	"github.com/tapewire/tapewire/internal/filter"
	"github.com/tapewire/tapewire/internal/hub"
	"github.com/tapewire/tapewire/internal/ingest"
	"github.com/tapewire/tapewire/internal/observability"
	"github.com/tapewire/tapewire/internal/query"
	"github.com/tapewire/tapewire/internal/server"
	"github.com/tapewire/tapewire/internal/telemetry"
)

const (
	shutdownTimeout          = 30 * time.Second
	serverShutdownTimeout    = 12 * time.Second
	hubShutdownTimeout       = 2 * time.Second
	lifecycleShutdownTimeout = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(ctx, cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tapewire: load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewZerolog(observability.ZerologConfig{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
	}, nil)
	observability.SetLogger(logger)
	logger.Info("configuration loaded",
		observability.Field{Key: "brokers", Value: len(cfg.Upstream.Brokers)},
		observability.Field{Key: "listen", Value: cfg.Server.ListenAddr})

	telemetryProvider, err := telemetry.NewProvider(ctx, telemetry.DefaultConfig())
	if err != nil {
		fail(logger, "initialize telemetry", err)
	}

	registry := filter.NewRegistry()

	events := hub.New(cfg.Stream.ReplayBufferSize, cfg.Stream.InboxCapacity)

	keyCache, err := cache.New(cfg.Cache.MaxEntries)
	if err != nil {
		fail(logger, "initialise cache", err)
	}

	machine := ingest.NewMachine()
	consumer := ingest.NewConsumer(ingest.ConsumerConfig{
		Brokers:         cfg.Upstream.Brokers,
		Group:           cfg.Upstream.ConsumerGroup,
		OrdersTopic:     cfg.Upstream.Orders.Topic,
		ExecutionsTopic: cfg.Upstream.Executions.Topic,
		PoisonAllowance: cfg.Upstream.PoisonAllowance,
		PoisonWindow:    cfg.Upstream.PoisonWindow(),
	}, events, keyCache, machine)
	supervisor := ingest.NewSupervisor(consumer, machine, ingest.BackoffConfig{
		Initial: cfg.Supervisor.BackoffInitial(),
		Ceiling: cfg.Supervisor.BackoffCeiling(),
		Jitter:  cfg.Supervisor.BackoffJitter,
	})

	snapshots := query.NewClient(query.Config{
		BaseURL:        cfg.Query.BaseURL,
		PageSize:       cfg.Query.PageSize,
		ConnectTimeout: cfg.Query.ConnectTimeout(),
		ReadTimeout:    cfg.Query.ReadTimeout(),
	})

	eng := engine.New(registry, events, snapshots, supervisor, engine.Options{
		SnapshotIDGrace: cfg.Subscription.SnapshotIDGrace(),
		UpstreamPolicy:  cfg.Subscription.UpstreamPolicy,
	})

	srv := server.New(cfg.Server, eng, snapshots, keyCache, registry)

	// The consumer and the server get their own contexts so shutdown can be
	// staged: clients drain before the consumer flushes its final commits.
	ingestCtx, ingestCancel := context.WithCancel(context.Background())
	defer ingestCancel()
	serveCtx, serveCancel := context.WithCancel(context.Background())
	defer serveCancel()

	var lifecycle conc.WaitGroup
	ingestDone := make(chan struct{})
	lifecycle.Go(func() {
		defer close(ingestDone)
		if err := supervisor.Run(ingestCtx); err != nil {
			logger.Error("consumer supervisor exited",
				observability.Field{Key: "error", Value: err.Error()})
		}
	})
	serveDone := make(chan struct{})
	lifecycle.Go(func() {
		defer close(serveDone)
		if err := srv.Run(serveCtx); err != nil {
			logger.Error("websocket server exited",
				observability.Field{Key: "error", Value: err.Error()})
			cancel()
		}
	})

	logger.Info("tapewire started; awaiting shutdown signal",
		observability.Field{Key: "listen", Value: cfg.Server.ListenAddr},
		observability.Field{Key: "group", Value: cfg.Upstream.ConsumerGroup})
	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		serveCancel:  serveCancel,
		serveDone:    serveDone,
		ingestCancel: ingestCancel,
		ingestDone:   ingestDone,
		ingestGrace:  cfg.Supervisor.ShutdownGrace(),
		events:       events,
		lifecycle:    &lifecycle,
		telemetry:    telemetryProvider,
	})
	logger.Info("shutdown completed",
		observability.Field{Key: "elapsed", Value: time.Since(shutdownStart).String()})
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to configuration file (default: %s)", config.DefaultPath))
	flag.Parse()
	return *cfgPath
}

func fail(logger observability.Logger, msg string, err error) {
	logger.Error(msg, observability.Field{Key: "error", Value: err.Error()})
	os.Exit(1)
}

type gracefulShutdownConfig struct {
	serveCancel  context.CancelFunc
	serveDone    <-chan struct{}
	ingestCancel context.CancelFunc
	ingestDone   <-chan struct{}
	ingestGrace  time.Duration
	events       *hub.Hub
	lifecycle    *conc.WaitGroup
	telemetry    *telemetry.Provider
}

// performGracefulShutdown runs the shutdown stages in dependency order: the
// websocket server drains its clients, the consumer gets its commit grace,
// the hub detaches remaining subscribers, and telemetry flushes last.
func performGracefulShutdown(ctx context.Context, logger observability.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown: " + name)
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown step failed",
				observability.Field{Key: "step", Value: name},
				observability.Field{Key: "error", Value: err.Error()})
		}
	}
	waitClosed := func(done <-chan struct{}) func(context.Context) error {
		return func(stepCtx context.Context) error {
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		}
	}

	cfg.serveCancel()
	shutdownStep("draining websocket server", serverShutdownTimeout, waitClosed(cfg.serveDone))

	cfg.ingestCancel()
	shutdownStep("stopping consumer", cfg.ingestGrace, waitClosed(cfg.ingestDone))

	shutdownStep("closing event hub", hubShutdownTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			cfg.events.Close()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return stepCtx.Err()
		}
	})

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

	shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
		return cfg.telemetry.Shutdown(stepCtx)
	})
}
