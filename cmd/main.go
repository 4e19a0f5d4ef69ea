package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chatbit/realtime-service/config"
	"github.com/chatbit/realtime-service/internal/backplane"
	"github.com/chatbit/realtime-service/internal/postgres"
	"github.com/chatbit/realtime-service/internal/service"
	httpx "github.com/chatbit/realtime-service/internal/transport/http"
	"github.com/chatbit/realtime-service/internal/transport/ws"
	"github.com/chatbit/realtime-service/pkg/logger"
)

func main() {
	// --- config ---
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger.Init(logger.Config{
		Env:       logger.Env(cfg.Logging.Env),
		Service:   cfg.Logging.Service,
		Version:   cfg.Logging.Version,
		Backend:   logger.Backend(cfg.Logging.Backend),
		AddSource: cfg.Logging.AddSource,
		Debug:     cfg.Logging.Debug,
	})
	slog.Info("starting realtime-service",
		"env", cfg.Logging.Env, "version", cfg.Logging.Version)

	// --- postgres ---
	ctx := context.Background()
	db, err := postgres.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer db.Close()

	// --- repos ---
	partRepo := postgres.NewParticipantRepository(db.Pool)
	chatRepo := postgres.NewChatRepository(db.Pool)

	// --- services ---
	presenceSvc := service.NewPresenceService(partRepo)
	chatSvc := service.NewChatService(chatRepo)
	chatSvc.SetMaxMessageLen(cfg.Chat.MaxMessageLen)

	// --- WS Hub, typing state, backplane ---
	hub := ws.NewHub()
	typing := ws.NewTypingState(cfg.Chat.TypingLimit)

	var pub ws.Publisher
	var bp *backplane.Redis
	if cfg.Redis.Addr != "" {
		bp = backplane.New(cfg.Redis.Addr, hub)
		if err := bp.Start(ctx); err != nil {
			// комната живёт и без межпроцессного fan-out
			slog.Warn("backplane disabled", "addr", cfg.Redis.Addr, "err", err)
			bp = nil
		} else {
			pub = bp
		}
	}

	wsServer := ws.NewServer(hub, typing, presenceSvc, chatSvc, pub)

	// --- HTTP ---
	handler := httpx.NewHandler(presenceSvc, chatSvc)
	handler.SetHistoryLimit(cfg.Chat.HistoryLimit)
	router := httpx.NewRouter(handler, wsServer)
	httpSrv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http listen", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// --- graceful shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal", "sig", sig)
	case err := <-errCh:
		slog.Error("server error", "err", err)
	}

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = httpSrv.Shutdown(ctxShutdown)
	if bp != nil {
		_ = bp.Close()
	}
	slog.Info("stopped")
}
