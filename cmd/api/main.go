package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/theme-pulse/backend/internal/config"
	"github.com/zhouzirui/theme-pulse/backend/internal/handler"
	"github.com/zhouzirui/theme-pulse/backend/internal/repository"
	"github.com/zhouzirui/theme-pulse/backend/internal/service/hub"
	"github.com/zhouzirui/theme-pulse/backend/internal/service/provider"
	"github.com/zhouzirui/theme-pulse/backend/internal/service/scheduler"
	"github.com/zhouzirui/theme-pulse/backend/internal/service/session"
	"github.com/zhouzirui/theme-pulse/backend/pkg/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Warn("failed to load .env file, continuing with system environment variables only", "err", err)
	}

	err := run(ctx)
	stop()
	if err != nil {
		log.Error("ThemePulse backend stopped", "err", err)
		os.Exit(1)
	}
}

// run wires every component and serves until ctx is cancelled.
func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := utils.NewLogger(cfg.Log.Level)

	sessionOpts := []session.Option{session.WithLogger(logger.WithPrefix("session"))}
	var archive *repository.Archive
	if cfg.Storage.Enabled() {
		archive, err = repository.Open(cfg.Storage.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open archive %q: %w", cfg.Storage.DatabasePath, err)
		}
		defer archive.Close()
		sessionOpts = append(sessionOpts, session.WithArchive(archive))
	} else {
		logger.Info("DATABASE_PATH not set, sessions are kept in memory only")
	}

	sessions := session.NewService(sessionOpts...)
	if archive != nil {
		records, err := archive.Load(ctx)
		if err != nil {
			return fmt.Errorf("failed to restore sessions: %w", err)
		}
		sessions.Restore(records)
		logger.Info("sessions restored", "count", len(records))
	}

	providers, err := provider.FromConfig(ctx, cfg.Providers, logger.WithPrefix("provider"))
	if err != nil {
		return fmt.Errorf("failed to initialize providers: %w", err)
	}
	if len(providers) == 0 {
		logger.Warn("no provider credentials configured, every summarization will fail - 请检查 OPENROUTER_API_KEY 或 PROVIDERS_FILE")
	}

	client, err := provider.NewClient(ctx, providers, logger.WithPrefix("provider"))
	if err != nil {
		return fmt.Errorf("failed to build provider chain: %w", err)
	}
	logger.Info("provider chain ready", "providers", client.Names())

	liveHub := hub.New(sessions, hub.Config{
		MinResponses: cfg.Summary.MinResponses,
		Buffer:       cfg.Summary.SubscriberBuffer,
	}, logger.WithPrefix("hub"))

	sched := scheduler.New(sessions, client, liveHub, scheduler.Config{
		Interval:     cfg.Summary.Interval,
		MinResponses: cfg.Summary.MinResponses,
		MaxThemes:    cfg.Summary.MaxThemes,
	}, scheduler.WithLogger(logger.WithPrefix("scheduler")))

	liveHub.SetLifecycle(sched)
	sessions.SetListener(sched)

	go sessions.RunJanitor(ctx, cfg.Session.TTL, cfg.Session.SweepInterval, liveHub.CloseSession)

	router := handler.NewRouter(cfg, sessions, liveHub, logger)

	serveErr := startServer(ctx, cfg.Server, router, logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sched.Shutdown(shutdownCtx); err != nil {
		logger.Warn("scheduler did not stop in time", "err", err)
	}
	return serveErr
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, logger *log.Logger) error {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("ThemePulse backend listening", "addr", addr)
	if err := runServer(ctx, srv); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
