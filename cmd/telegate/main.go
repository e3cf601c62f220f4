package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"telegate/internal/api"
	"telegate/internal/cep"
	"telegate/internal/config"
	"telegate/internal/deadletter"
	"telegate/internal/logging"
	"telegate/internal/metrics"
	"telegate/internal/model"
	"telegate/internal/pipeline"
	"telegate/internal/publish"
	"telegate/internal/ratelimit"
	"telegate/internal/rules"
	"telegate/internal/storage"
	"telegate/internal/transport"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", "", "path to config file (yaml or json)")
	flag.Parse()

	var manager *config.Manager
	if *configPath != "" {
		m, err := config.NewManager(config.ResolvePath(*configPath))
		if err != nil {
			fmt.Fprintf(os.Stderr, "config error: %v\n", err)
			os.Exit(1)
		}
		manager = m
	} else {
		manager = config.NewStaticManager(nil)
	}
	cfg := manager.Get()

	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("telegate starting", "version", version, "config", manager.Path())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("storage open failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()
	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = store.Init(initCtx)
	cancel()
	if err != nil {
		logger.Error("storage init failed", "err", err)
		os.Exit(1)
	}

	metricsStore := metrics.NewStore(cfg.Metrics.LatencySamples)
	deadletters := deadletter.NewStore(cfg.DeadLetters.StoreLimit)
	limiter := ratelimit.NewLimiter(cfg.Pipeline.RateLimit.PerMinute, cfg.Pipeline.RateLimit.PerHour)
	engine := rules.NewEngine(store, cfg.Pipeline.Rules.CacheTTL, logger, metricsStore)

	var publisher pipeline.Publisher
	var kafkaPublisher *publish.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaPublisher = publish.NewKafkaPublisher(cfg.Kafka, deadletters, metricsStore, logger)
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
	} else {
		logger.Warn("no kafka brokers configured, events are logged only")
		publisher = logPublisher{logger: logger}
	}

	buffer := cep.NewBuffer(cfg.Pipeline.CEP.BufferSize, cfg.Pipeline.CEP.BufferAge)
	cepEngine := cep.NewEngine(store, buffer, publisher, cfg.Pipeline.CEP.Interval, cfg.Pipeline.CEP.Cooldown, logger)
	go cepEngine.Run(ctx)

	gateway := pipeline.NewGateway(cfg.Pipeline, store, limiter, engine, buffer, publisher, metricsStore, logger)

	transport.StartTCP(ctx, manager, gateway, metricsStore, logging.Component(logger, "tcp"))
	transport.StartModbus(ctx, manager, gateway, logging.Component(logger, "modbus"))
	transport.StartMQTT(ctx, manager, gateway, logging.Component(logger, "mqtt"))
	transport.StartWebhook(ctx, manager, gateway, logging.Component(logger, "webhook"))
	api.Start(ctx, manager, metricsStore, limiter, deadletters, store, engine, logging.Component(logger, "api"), version)

	if manager.Path() != "" {
		go manager.Watch(3*time.Second,
			func(next *config.Config) {
				logger.Info("config reloaded")
				limiter.SetLimits(next.Pipeline.RateLimit.PerMinute, next.Pipeline.RateLimit.PerHour)
				engine.SetTTL(next.Pipeline.Rules.CacheTTL)
				engine.InvalidateAll()
			},
			func(err error) {
				logger.Warn("config reload failed", "err", err)
			},
			ctx.Done())
	}

	<-ctx.Done()
	logger.Info("telegate stopped")
}

// logPublisher stands in for the event log when no brokers are configured,
// for local development.
type logPublisher struct {
	logger *slog.Logger
}

func (p logPublisher) Publish(_ context.Context, env model.Envelope) error {
	p.logger.Info("event", "device_id", env.DeviceID, "message_id", env.MessageID, "payload", env.Payload)
	return nil
}
