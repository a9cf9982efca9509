package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/autonomy-edge/edge-gateway/internal/agents"
	internalhttp "github.com/autonomy-edge/edge-gateway/internal/api/http"
	"github.com/autonomy-edge/edge-gateway/internal/auth"
	"github.com/autonomy-edge/edge-gateway/internal/cert"
	"github.com/autonomy-edge/edge-gateway/internal/db"
	"github.com/autonomy-edge/edge-gateway/internal/registry"
	"github.com/autonomy-edge/edge-gateway/internal/session"
	"github.com/autonomy-edge/edge-gateway/internal/users"
	"github.com/autonomy-edge/edge-gateway/internal/validator"
	"github.com/autonomy-edge/edge-gateway/internal/ws"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Edge Gateway Server", "version", AppVersion)

	ctx := context.Background()

	var pool *pgxpool.Pool
	if config.DB.URL != "" {
		if err := db.RunMigrations(config.DB.URL, config.DB.Schema); err != nil {
			slog.Error("Failed to run migrations", "error", err)
			os.Exit(1)
		}

		var err error
		pool, err = db.InitDB(ctx, config.DB.URL, config.DB.Schema)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
	}

	store, err := buildCertStore(pool)
	if err != nil {
		slog.Error("Failed to initialize certificate store", "error", err)
		os.Exit(1)
	}
	certRegistry := registry.New(store)

	mode, err := validator.ParseMode(config.Validator.Mode)
	if err != nil {
		slog.Error("Invalid validator mode", "error", err, "mode", config.Validator.Mode)
		os.Exit(1)
	}
	certValidator := validator.New(certRegistry, mode)
	slog.Info("Certificate validation configured", "mode", config.Validator.Mode)

	var authority *cert.Authority
	if config.CA.Enabled {
		authority, err = cert.NewAuthority(config.CA.CertFile, config.CA.KeyFile)
		if err != nil {
			slog.Error("Failed to initialize certificate authority", "error", err)
			os.Exit(1)
		}
	}

	var agentService *agents.Service
	var authService *auth.Service
	if pool != nil {
		agentService = agents.NewService(pool)
		authService = auth.NewService(users.NewService(pool), config.JWT)
	}

	sessions := session.NewManager(agentService, session.Options{
		StaleTimeout:    config.Session.StaleTimeout,
		CleanupInterval: config.Session.CleanupInterval,
	})
	defer sessions.Stop()

	services := &internalhttp.Services{
		Registry:     certRegistry,
		Authority:    authority,
		AgentService: agentService,
		Sessions:     sessions,
		AuthService:  authService,
		WSHandler:    ws.NewHandler(certValidator, sessions),
		JWTSecret:    config.JWT.Secret,
		Config:       config.Http,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, services)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	errChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down servers...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}

	sessions.Stop()
	slog.Info("Shutdown complete")
}

func buildCertStore(pool *pgxpool.Pool) (registry.Store, error) {
	switch config.CertStore.Backend {
	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("cert store backend is postgres but no database is configured")
		}
		return registry.NewPGStore(pool), nil
	case "file", "":
		dir := config.CertStore.Dir
		if dir == "" {
			dir = "./certs/agents"
		}
		return registry.NewFileStore(dir)
	default:
		return nil, fmt.Errorf("unknown cert store backend: %s", config.CertStore.Backend)
	}
}
