// docchat - PDF-grounded chat assistant server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/docchat/internal/api"
	"github.com/ashureev/docchat/internal/chat"
	"github.com/ashureev/docchat/internal/config"
	"github.com/ashureev/docchat/internal/document"
	"github.com/ashureev/docchat/internal/files"
	"github.com/ashureev/docchat/internal/grpchealth"
	"github.com/ashureev/docchat/internal/identity"
	"github.com/ashureev/docchat/internal/live"
	"github.com/ashureev/docchat/internal/llm"
	"github.com/ashureev/docchat/internal/middleware"
	"github.com/ashureev/docchat/internal/store"
	"github.com/ashureev/docchat/web"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "llm_provider", cfg.LLM.Provider)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	uploads, err := files.NewStore(cfg.UploadDir)
	if err != nil {
		slog.Error("Failed to initialize upload storage", "error", err)
		os.Exit(1)
	}
	slog.Info("Upload storage ready", "dir", uploads.Root())

	generator, err := llm.New(ctx, cfg.LLM)
	if err != nil {
		slog.Error("Failed to initialize model client", "error", err)
		os.Exit(1)
	}

	// Initialize services.
	svc := chat.NewService(repo, document.NewExtractor(cfg.MaxPDFPages), generator, uploads)
	sockets := live.NewRegistry()

	// Initialize handlers.
	healthHandler := api.NewHealthHandler(repo)
	chatHandler := api.NewChatHandler(svc, sockets, cfg.MaxUploadBytes)
	wsHandler := live.NewHandler(svc, sockets, cfg.AllowedOrigins, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Owner-scoped routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, !cfg.IsDevelopment()))
		chatHandler.RegisterRoutes(r)
		r.Get("/ws/chat", wsHandler.ServeHTTP)
		r.Handle("/*", web.Handler())
	})

	// No WriteTimeout: /ws/chat sockets are long lived and /chat waits on the model.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	var healthSrv *grpchealth.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			slog.Error("Failed to listen for gRPC", "addr", cfg.GRPCAddr, "error", err)
			os.Exit(1)
		}
		healthSrv = grpchealth.New()
		go healthSrv.Monitor(ctx, repo, 15*time.Second)
		go func() {
			if err := healthSrv.Serve(lis); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	if healthSrv != nil {
		healthSrv.Shutdown()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
