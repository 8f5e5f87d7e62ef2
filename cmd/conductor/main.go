// Command conductor runs the turn orchestrator daemon: it wires the history
// store, streaming clients, and session manager together and serves metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"conductor/pkg/compact"
	"conductor/pkg/config"
	"conductor/pkg/history"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/model"
	"conductor/pkg/persona"
	"conductor/pkg/session"
	"conductor/pkg/stream"
	"conductor/pkg/stream/anthropic"
	"conductor/pkg/stream/openai"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dataDir     = flag.String("data-dir", defaultDataDir(), "directory for conductor state")
		metricsAddr = flag.String("metrics-addr", ":9090", "prometheus metrics listen address (empty disables)")
	)
	flag.Parse()

	logger := logx.NewLogger("conductor")

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	if err := config.LoadConfig(*dataDir); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg, err := config.GetConfig()
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	store, err := history.Open(filepath.Join(*dataDir, "history.db"))
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	defer store.Close()

	personas, err := persona.Load(cfg.PersonaFile)
	if err != nil {
		return fmt.Errorf("failed to load personas: %w", err)
	}

	bus := stream.NewBus()
	router := stream.NewRouter()
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		router.Register(model.ProviderAnthropic, anthropic.New(key, bus))
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		router.Register(model.ProviderOpenAI, openai.New(key, bus))
	}

	estimator, err := compact.NewEstimator()
	if err != nil {
		return fmt.Errorf("failed to build token estimator: %w", err)
	}

	mgr := session.NewManager(cfg.SessionDir, session.Deps{
		History:   store,
		Streamer:  router,
		Bus:       bus,
		Engine:    compact.NewDefaultEngine(),
		Personas:  personas,
		Config:    cfg,
		Metrics:   metrics.NewPrometheusRecorder(),
		Estimator: estimator,
	})

	addr := *metricsAddr
	if cfg.MetricsAddr != "" {
		addr = cfg.MetricsAddr
	}
	if addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("metrics listening on %s", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Warn("metrics server stopped: %v", err)
			}
		}()
	}

	logger.Info("conductor started, data dir %s", *dataDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mgr.TeardownAll(ctx)
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conductor"
	}
	return filepath.Join(home, ".conductor")
}
