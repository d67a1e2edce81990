// Command hived runs the hive agent runtime daemon: the session manager,
// its HTTP + SSE surface, and a Prometheus metrics endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/hivekit/hive/checkpoint"
	"github.com/hivekit/hive/config"
	"github.com/hivekit/hive/event"
	"github.com/hivekit/hive/graph"
	"github.com/hivekit/hive/metrics"
	"github.com/hivekit/hive/model"
	"github.com/hivekit/hive/model/anthropic"
	"github.com/hivekit/hive/model/google"
	"github.com/hivekit/hive/model/openai"
	"github.com/hivekit/hive/server"
	"github.com/hivekit/hive/session"
	"github.com/hivekit/hive/tool"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("hived exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	chat, err := buildModel(cfg)
	if err != nil {
		return err
	}
	limited := model.NewLimited(chat, model.NewLimiter(cfg.MaxConcurrentLLM))

	store, err := buildCheckpointStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := tool.NewRegistry()
	if err := registry.Register(tool.NewHTTPTool()); err != nil {
		return err
	}

	pool, err := ants.NewPool(64)
	if err != nil {
		return fmt.Errorf("create branch pool: %w", err)
	}
	defer pool.Release()

	eventLogDir := ""
	if cfg.EventLog {
		eventLogDir = cfg.EventLogsDir()
	}

	registryProm := prometheus.NewRegistry()
	runtime := metrics.New(registryProm)

	observers := []session.Observer{runtime.Observe}
	if cfg.Tracing {
		bridge := event.NewOTelBridge(otel.Tracer("hive"))
		observers = append(observers, bridge.Observe)
	}

	manager, err := session.NewManager(session.Config{
		Model:          limited,
		JudgeModel:     limited,
		Registry:       registry,
		Checkpoints:    store,
		Pool:           pool,
		Retry:          graph.DefaultRetryPolicy(),
		HealthInterval: cfg.HealthInterval,
		QueenRoot:      cfg.QueenDir(""),
		EventLogDir:    eventLogDir,
		Observers:      observers,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer manager.Shutdown()

	srv := server.New(manager,
		server.WithLogger(logger),
		server.WithMetrics(runtime),
	)

	mux := http.NewServeMux()
	mux.Handle("/api/", srv.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(registryProm, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("hived listening", "addr", cfg.Addr, "provider", cfg.Provider)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func buildModel(cfg config.Config) (model.ChatModel, error) {
	switch cfg.Provider {
	case config.ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, errors.New("ANTHROPIC_API_KEY is required for the anthropic provider")
		}
		return anthropic.New(cfg.AnthropicAPIKey, cfg.Model), nil
	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, errors.New("OPENAI_API_KEY is required for the openai provider")
		}
		return openai.New(cfg.OpenAIAPIKey, cfg.Model), nil
	case config.ProviderGoogle:
		if cfg.GeminiAPIKey == "" {
			return nil, errors.New("GEMINI_API_KEY is required for the google provider")
		}
		return google.New(cfg.GeminiAPIKey, cfg.Model), nil
	}
	return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
}

func buildCheckpointStore(cfg config.Config) (checkpoint.Store, error) {
	switch cfg.CheckpointBackend {
	case config.BackendFile:
		return checkpoint.NewFileStore(cfg.CheckpointsDir())
	case config.BackendSQLite:
		return checkpoint.NewSQLiteStore(cfg.SQLitePath())
	case config.BackendMySQL:
		return checkpoint.NewMySQLStore(cfg.MySQLDSN)
	}
	return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.CheckpointBackend)
}
