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

	internalhttp "github.com/EternisAI/silo-fleet/internal/api/http"
	"github.com/EternisAI/silo-fleet/internal/db"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane API and background tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func serve() error {
	slog.Info("Silo Fleet Server", "version", AppVersion)

	if config.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}

	if config.Database.Driver != DriverBolt {
		if err := db.RunMigrations(config.Database.Url, config.Database.Schema); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, config)
	if err != nil {
		return err
	}
	defer app.Close()

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
	internalhttp.SetupRoute(engine, &internalhttp.Services{
		Provisioning:     app.provisioning,
		Registry:         app.registry,
		Reservations:     app.reservations,
		Authority:        app.authority,
		Agents:           app.agents,
		Heartbeats:       app.heartbeats,
		AuthConfig:       config.Auth,
		ClientCertHeader: config.Http.TLS.ClientCertHeader,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Http.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if config.Http.TLS.Enabled {
		tlsConfig, err := internalhttp.NewServerTLSConfig(ctx, app.authority, app.authority, config.Http.TLS)
		if err != nil {
			return fmt.Errorf("failed to configure TLS: %w", err)
		}
		httpServer.TLSConfig = tlsConfig
	}

	tasksCtx, cancelTasks := context.WithCancel(ctx)
	defer cancelTasks()
	runner := app.backgroundTasks(config.Reaper, config.Enrollment)
	runner.Start(tasksCtx)

	errChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr, "tls", config.Http.TLS.Enabled)
		var err error
		if httpServer.TLSConfig != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	var serveErr error
	select {
	case serveErr = <-errChan:
		slog.Error("Server error", "error", serveErr)
	case <-ctx.Done():
		slog.Info("Received shutdown signal")
	}

	slog.Info("Shutting down...")

	cancelTasks()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}

	runner.Wait()
	slog.Info("Shutdown complete")
	return serveErr
}
