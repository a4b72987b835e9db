package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/hackgods/clinic-appointments/internal/app"
	"github.com/hackgods/clinic-appointments/internal/config"
	"github.com/hackgods/clinic-appointments/internal/logging"
)

// notify-worker drains the booking outbox into the Redis notification
// channel. Several workers may run; a fetched batch is claimed by one of them.
func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	logger := logging.New(cfg.LogLevel).With("service", "notify-worker")
	logger.Info("notify-worker starting up",
		"env", cfg.Env,
		"interval", cfg.NotifyInterval,
		"channel", cfg.NotifyChannel,
	)

	if cfg.StoreBackend == config.StoreBackendMemory {
		log.Fatal("notify-worker needs STORE_BACKEND=postgres; the memory outbox lives inside api-server (use NOTIFY_INPROCESS=true)")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(rootCtx, cfg, logger)
	if err != nil {
		log.Fatalf("startup error: %v", err)
	}
	defer a.Close()

	pub := a.Publisher()
	if pub == nil {
		log.Fatal("notify-worker needs REDIS_URL or REDIS_ADDR")
	}

	a.Dispatcher(pub).Run(rootCtx, cfg.NotifyInterval)
	logger.Info("notify-worker stopped")
}
