package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"conveyor/internal/alert"
	"conveyor/internal/config"
	"conveyor/internal/dispatch"
	"conveyor/internal/lifecycle"
	"conveyor/internal/selector"
	"conveyor/internal/store"
	"conveyor/internal/telemetry"
	"conveyor/internal/webhook"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if cfg.Env == "dev" {
		log.SetFormatter(&logrus.TextFormatter{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.WithError(err).Fatal("migrations")
	}

	hooks := webhook.NewDispatcher(st, cfg.WebhookTimeout, log)
	alerts := alert.NewThrottler(st, cfg.WebhookTimeout, log)
	manager := lifecycle.New(st, hooks, alerts, log)
	loop := dispatch.NewLoop(cfg, st, selector.New(st), manager, log)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	log.WithFields(logrus.Fields{
		"interval": cfg.DispatchInterval,
		"batch":    cfg.DispatchBatchSize,
		"workers":  cfg.WorkerCount,
	}).Info("dispatcher started")

	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("dispatcher stopped")
	}
	manager.Wait()
}
