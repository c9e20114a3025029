// Command server is the entry point for the FireFrame backend server.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fireframe/internal/bootstrap"
	"fireframe/internal/server"
)

// @title FireFrame API
// @version 1.0
// @description Photo feed API with accounts, profiles, posts and a live websocket feed

// @host localhost:8375
// @BasePath /api
// @schemes http https

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name apikey

func main() {
	rt, err := bootstrap.Init(bootstrap.Options{Service: "fireframe-api", LogLevel: os.Getenv("LOG_LEVEL")})
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}

	ctx := context.Background()
	srv, err := server.NewServer(ctx, rt.Config)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		rt.Log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			rt.Log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		if err := rt.Close(shutdownCtx); err != nil {
			rt.Log.Error("tracing shutdown error", slog.String("error", err.Error()))
		}
	}()

	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Server stopped: %v", err)
	}
}
