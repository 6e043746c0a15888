// Entry point for the croquis whiteboard service: chi router, SQLite
// document store, WebSocket sessions, and the analysis pipeline.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/croquis/board"
	"github.com/hazyhaar/croquis/broadcast"
	"github.com/hazyhaar/croquis/dbopen"
	"github.com/hazyhaar/croquis/pipeline"
	"github.com/hazyhaar/croquis/session"
	"github.com/hazyhaar/croquis/vision"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg := DefaultConfig()
	if *configPath != "" {
		loaded, err := LoadConfig(*configPath)
		if err != nil {
			slog.Error("load config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Logging.
	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Document DB.
	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll(), dbopen.WithSchema(board.Schema))
	if err != nil {
		slog.Error("open db", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	store := board.NewStore(db, cfg.DataDir)
	hub := broadcast.NewHub(broadcast.WithLogger(logger))

	infer := vision.NewClient(vision.Config{
		APIKey:   cfg.Inference.APIKey,
		Endpoint: cfg.Inference.Endpoint,
		Model:    cfg.Inference.Model,
		Timeout:  cfg.InferenceTimeout(),
		Logger:   logger,
	})
	if !infer.Configured() {
		slog.Warn("no inference API key configured, analysis will return empty results")
	}

	pipe := pipeline.New(store, infer, hub, pipeline.WithLogger(logger))
	runner := pipeline.NewRunner(pipe.Run, pipeline.WithRunnerLogger(logger))
	defer runner.Close()

	// Router.
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	board.NewAPI(store, runner, board.WithAPILogger(logger)).Register(r)
	session.NewHandler(store, hub, runner, session.WithLogger(logger)).Register(r)

	// No WriteTimeout: WebSocket sessions are long-lived.
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	runner.Close()
	slog.Info("server stopped")
}
