package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/chatsync/internal/config"
	"github.com/dgnsrekt/chatsync/internal/event"
	"github.com/dgnsrekt/chatsync/internal/server"
	"github.com/dgnsrekt/chatsync/internal/store"
	"github.com/dgnsrekt/chatsync/internal/store/sqlite"
	"github.com/dgnsrekt/chatsync/internal/ws"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Setup logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	// Load config
	cfg, err := config.LoadServerConfig()
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		return 1
	}

	logger.Info("configuration loaded",
		zap.String("port", cfg.Port),
		zap.Duration("tokenTTL", cfg.TokenTTL),
		zap.Bool("wsBinary", cfg.WSBinary),
		zap.Int("pageSize", cfg.PageSize),
		zap.String("storePath", cfg.StorePath),
	)

	// Open history store
	var history store.Store
	if cfg.StorePath != "" {
		history, err = sqlite.Open(cfg.StorePath, sqlite.DefaultConfig(), logger.Named("sqlite"))
		if err != nil {
			logger.Error("failed to open store", zap.Error(err))
			return 1
		}
	} else {
		history = store.NewMemory()
	}
	defer history.Close()

	srv := server.NewServer(history, server.NewIssuer(cfg.TokenSecret, cfg.TokenTTL), cfg, logger)

	// Binary frames are optional
	var encoder *event.Encoder
	if cfg.WSBinary {
		encoder, err = event.NewEncoder()
		if err != nil {
			logger.Error("failed to create frame encoder", zap.Error(err))
			return 1
		}
		defer encoder.Close()
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := ws.NewHub("chat", srv.Authenticate, encoder, logger)
	hubDone := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(hubDone)
	}()

	// Setup HTTP server
	httpServer := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     server.NewRouter(srv, hub, logger),
		ReadTimeout: 30 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
		}
	}()

	// Wait for interrupt
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Stop the hub so websocket clients are closed
	cancel()
	<-hubDone

	// Graceful HTTP server shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return 1
	}

	logger.Info("server stopped")
	return 0
}
