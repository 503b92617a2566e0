// Package internal provides the main application initialization and runtime logic.
package internal

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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/kpq/internal/api"
	"github.com/starford/kpq/internal/envelope"
	"github.com/starford/kpq/internal/events"
	"github.com/starford/kpq/internal/mcpserver"
	"github.com/starford/kpq/internal/storage"
)

// Run starts the HTTP server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(os.Stdout, opts)
	if err != nil {
		return err
	}
	cfg := app.config
	logger := app.logger
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.Int("databases", len(cfg.Databases)),
		slog.Bool("audit", cfg.Audit.Enabled()),
		slog.Bool("sealer", cfg.Sealer.Enabled()),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// SSE broker.
	broker := events.NewBroker(30 * time.Second)
	defer broker.Close()

	rt, err := build(app, envelope.WithPublisher(broker))
	if err != nil {
		return err
	}
	defer rt.Close()

	apiOpts := api.Options{
		AuthEnabled: cfg.Auth.AuthEnabled(),
		Token:       cfg.Auth.Token,
		Reveal:      cfg.API.Reveal,
		Events:      broker,
	}
	if rt.journal != nil {
		apiOpts.Journal = rt.journal
	}
	apiRouter := api.NewRouter(rt.Executor, apiOpts)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		for _, db := range cfg.Databases {
			path, err := storage.ExpandPath(db.Location)
			if err == nil {
				_, err = os.Stat(path)
			}
			if err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = fmt.Fprintf(w, `{"status":"unavailable","database":%q}`, db.Name)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	var workers []func(context.Context) error
	// Drop cached sessions when a watched file changes on disk.
	if watched := cfg.Watched(); len(watched) > 0 {
		workers = append(workers, func(ctx context.Context) error {
			return storage.Watch(ctx, rt.Sessions, watched, logger, broker.PublishReload)
		})
	}

	if err := serve(ctx, logger, httpServer, workers...); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// serve runs srv and workers until ctx is cancelled, SIGINT or SIGTERM
// arrives, or one of them fails. Workers receive a context that is
// cancelled once shutdown begins.
func serve(ctx context.Context, logger *slog.Logger, srv *http.Server, workers ...func(context.Context) error) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	for _, work := range workers {
		g.Go(func() error { return work(gCtx) })
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Shut down once a signal arrives or anything above fails.
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	return g.Wait()
}

// RunMCP serves the MCP tools on stdin/stdout until stdin closes. Logs go
// to stderr so they never mix with the protocol stream.
func RunMCP(ctx context.Context, opts ...Option) error {
	app, err := newApplication(os.Stderr, opts)
	if err != nil {
		return err
	}
	rt, err := build(app)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)
	if watched := rt.Config.Watched(); len(watched) > 0 {
		g.Go(func() error {
			// ServeStdio cannot be interrupted, so a failed watcher only logs.
			if err := storage.Watch(gCtx, rt.Sessions, watched, rt.Logger, nil); err != nil {
				rt.Logger.Error("watcher failed", slog.String("error", err.Error()))
			}
			return nil
		})
	}
	g.Go(func() error {
		defer cancel()
		rt.Logger.Info("MCP server starting", slog.Int("databases", len(rt.Config.Databases)))
		return mcpserver.New(rt.Executor, rt.version, rt.Config.API.Reveal).ServeStdio()
	})
	return g.Wait()
}
