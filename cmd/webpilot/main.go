// Command webpilot runs the browser agent session server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/webpilot-ai/webpilot/pkg/agent"
	"github.com/webpilot-ai/webpilot/pkg/browser"
	"github.com/webpilot-ai/webpilot/pkg/config"
	openaigw "github.com/webpilot-ai/webpilot/pkg/llm/openai"
	"github.com/webpilot-ai/webpilot/pkg/server"
	"github.com/webpilot-ai/webpilot/pkg/session"
	"github.com/webpilot-ai/webpilot/pkg/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("Server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", config.DefaultConfigPath(), "path to YAML config file")
	flag.Parse()

	// Optional .env for local development.
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := browser.InitPlaywright(); err != nil {
		return fmt.Errorf("failed to initialize playwright driver: %w", err)
	}

	st, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer st.Close()
	slog.Info("Session store ready", "path", cfg.DBPath)

	provider, err := openaigw.NewProvider(cfg.OpenAIAPIKey,
		openaigw.WithModel(cfg.Model),
		openaigw.WithBaseURL(cfg.OpenAIBaseURL),
	)
	if err != nil {
		return fmt.Errorf("failed to create model provider: %w", err)
	}

	provisioner := browser.NewRemoteProvisioner(cfg.BrowserbaseAPIKey, cfg.BrowserbaseProjectID)

	executors := func(endpoint string) browser.Executor {
		return browser.NewClient(endpoint, browser.WithConnectionReuse(cfg.ReuseConnection))
	}

	policy, err := agent.NewSafetyPolicy(cfg.SensitiveURLPatterns)
	if err != nil {
		return fmt.Errorf("invalid sensitive URL patterns: %w", err)
	}

	driver := agent.NewDriver(provider, st, executors, session.BrowserReleaser(provisioner),
		agent.WithMaxTurns(cfg.MaxTurns),
		agent.WithImageRetention(cfg.ImageRetention),
		agent.WithLeaseTTL(cfg.LeaseTTL.Std()),
		agent.WithSafetyPolicy(policy),
	)

	controller := session.NewController(st, provisioner, driver, executors,
		session.WithStalenessThreshold(cfg.StalenessThreshold.Std()),
		session.WithLeaseTTL(cfg.LeaseTTL.Std()),
	)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(server.CORS([]string{"*"}))

	server.NewHandler(controller).RegisterRoutes(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
		// Turn execution can run for the length of a model call, so reads
		// get a generous ceiling and writes none.
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Server listening", "addr", srv.Addr, "model", cfg.Model)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()
	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("Server stopped")
	return nil
}
