// Command sitebench runs the website benchmark service: it accepts
// benchmark submissions, fans each one out to the configured models via
// the execution backend, and serves live progress streams and results.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sitebench/sitebench/pkg/api"
	"github.com/sitebench/sitebench/pkg/benchmark"
	"github.com/sitebench/sitebench/pkg/bus"
	"github.com/sitebench/sitebench/pkg/catalog"
	"github.com/sitebench/sitebench/pkg/config"
	"github.com/sitebench/sitebench/pkg/logging"
	"github.com/sitebench/sitebench/pkg/relay"
	"github.com/sitebench/sitebench/pkg/runner"
	"github.com/sitebench/sitebench/pkg/storage"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to sitebench.yaml (optional)")
		bindAddr   = flag.String("bind", "", "listen address override")
		dbPath     = flag.String("db", "", "sqlite database path override")
		runnerURL  = flag.String("runner-url", "", "execution backend base URL override")
	)
	flag.Parse()

	if err := run(*configPath, *bindAddr, *dbPath, *runnerURL); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, bindAddr, dbPath, runnerURL string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if bindAddr != "" {
		cfg.Server.BindAddress = bindAddr
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if runnerURL != "" {
		cfg.Runner.BaseURL = runnerURL
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Logging.Dir)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer logger.Close()
	logger.SetMinLevel(logging.Level(strings.ToLower(cfg.Logging.Level)))

	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	messageBus, err := newBus(cfg, logger)
	if err != nil {
		return err
	}
	defer messageBus.Close()
	store.AddObserver(benchmark.NewPublisher(messageBus, logger))

	cat, err := catalog.New(cfg.Models)
	if err != nil {
		return fmt.Errorf("load model catalog: %w", err)
	}

	backend := runner.NewClient(cfg.Runner)
	orchestrator := benchmark.NewOrchestrator(store, backend, cat, logger)

	server := api.NewServer(api.ServerConfig{
		Address:        cfg.Server.BindAddress,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Orchestrator:   orchestrator,
		Streams:        backend,
		Relay:          relay.New(cfg.Runner.RelayIdle, logger),
		EventBus:       messageBus,
		Store:          store,
		Logger:         logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info(logging.CategoryAPI, "startup", "sitebench listening", map[string]any{
		"address": cfg.Server.BindAddress,
		"models":  cat.Len(),
		"bus":     cfg.Bus.Kind,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info(logging.CategoryAPI, "shutdown", "sitebench stopped", nil)
	return nil
}

// newBus builds the configured message bus. The NATS backend is for
// multi-process deployments; a bad connection falls back to the
// in-process bus so a missing broker never blocks local use.
func newBus(cfg *config.Config, logger *logging.Logger) (bus.MessageBus, error) {
	switch cfg.Bus.Kind {
	case config.BusKindNATS:
		natsBus, err := bus.NewNATSBus(bus.Config{
			URL:     cfg.Bus.URL,
			Name:    "sitebench",
			Timeout: 5 * time.Second,
		})
		if err != nil {
			logger.Warn(logging.CategoryAPI, "bus_fallback", "NATS unavailable, using in-memory bus", map[string]any{
				"url":   cfg.Bus.URL,
				"error": err.Error(),
			})
			return bus.NewMemoryBus(), nil
		}
		return natsBus, nil
	default:
		return bus.NewMemoryBus(), nil
	}
}
