package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"go-meet/internal/chat"
	"go-meet/internal/config"
	"go-meet/internal/db"
	myMiddleware "go-meet/internal/middleware"
	"go-meet/internal/user"
)

func main() {
	// 1. Config & Flags
	cfg, err := config.Load()
	if err != nil {
		slog.Error("❌ Invalid configuration", "error", err)
		os.Exit(1)
	}
	addr := flag.String("addr", cfg.Addr, "http service address")
	flag.Parse()

	logger := cfg.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *addr, logger); err != nil {
		logger.Error("❌ Server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, addr string, logger *slog.Logger) error {
	// 2. Connect to Redis (optional: without it fan-out stays in this process)
	var bus chat.Bus
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return err
		}
		logger.Info("✅ Connected to Redis", "addr", cfg.RedisAddr)
		bus = chat.NewRedisBus(redisClient, chat.DefaultChannel, logger)
	}

	// 3. Start the Hub
	hub := chat.NewHub(chat.Options{
		Bus:            bus,
		Logger:         logger,
		SendBuffer:     cfg.SendBuffer,
		MaxMessageSize: cfg.MaxMessageSize,
	})
	go hub.Run(ctx)
	chatHandler := chat.NewHandler(hub, logger)

	// 4. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/ws", chatHandler.ServeWs)
	r.Get("/healthz", chatHandler.Health)
	r.Get("/api/presence", chatHandler.Presence)

	// 5. Accounts (only with a database)
	if cfg.AccountsEnabled() {
		database, err := db.NewDatabase(ctx, cfg.DatabaseDSN)
		if err != nil {
			return err
		}
		defer database.Close()
		logger.Info("✅ Connected to PostgreSQL")

		if err := database.AutoMigrate(ctx); err != nil {
			return err
		}
		logger.Info("✅ Database Schema Initialized")

		userService := user.NewService(user.NewRepository(database.Conn), cfg.JWTSecret, logger)
		userHandler := user.NewHandler(userService, logger)
		authMiddleware := myMiddleware.NewAuthMiddleware(userService)

		r.Post("/register", userHandler.Register)
		r.Post("/login", userHandler.Login)
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Handle)
			r.Get("/api/users/search", userHandler.SearchUsers)
			r.Get("/api/me", userHandler.Me)
		})
	}

	// 6. Serve until a signal arrives
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("🚀 Server starting", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown; the hub
	// closes them when ctx ends.
	<-hub.Done()
	return srv.Shutdown(shutdownCtx)
}
