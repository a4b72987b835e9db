package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hackgods/clinic-appointments/internal/api"
	"github.com/hackgods/clinic-appointments/internal/app"
	"github.com/hackgods/clinic-appointments/internal/config"
	"github.com/hackgods/clinic-appointments/internal/logging"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	logger := logging.New(cfg.LogLevel).With("service", "api-server")
	logger.Info("api-server starting up", "env", cfg.Env, "http_port", cfg.HTTPPort, "version", cfg.AppVersion)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(rootCtx, cfg, logger)
	if err != nil {
		log.Fatalf("startup error: %v", err)
	}
	defer a.Close()

	var workers sync.WaitGroup
	if cfg.NotifyInProcess {
		pub := a.Publisher()
		if pub == nil {
			logger.Warn("NOTIFY_INPROCESS set but Redis is not configured; events stay in the outbox")
		} else {
			workers.Add(1)
			go func() {
				defer workers.Done()
				a.Dispatcher(pub).Run(rootCtx, cfg.NotifyInterval)
			}()
		}
	}

	router := api.NewRouter(api.RouterConfig{
		Service:    a.Service,
		StaffLocks: a.StaffLocks(),
		Checks:     a.Checks(),
		JWTSecret:  cfg.JWTSecret,
		Metrics:    a.Metrics,
		Gatherer:   a.Registry,
		Logger:     logger,
		Env:        cfg.Env,
		Version:    cfg.AppVersion,
	})
	if cfg.JWTSecret == "" {
		logger.Warn("AUTH_JWT_SECRET is empty; trusting X-User-ID / X-User-Role headers")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("http server failed", "error", err)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	workers.Wait()

	logger.Info("api-server stopped")
}
