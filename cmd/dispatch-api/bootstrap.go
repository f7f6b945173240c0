package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldcall/callbox/config"
	"github.com/fieldcall/callbox/internal/broker/kafka"
	"github.com/fieldcall/callbox/internal/cache/rediscache"
	"github.com/fieldcall/callbox/internal/services/dispatches"
	"github.com/fieldcall/callbox/internal/storage/pgdispatch"
)

type dispatchAPIApp struct {
	ctx      context.Context
	cancel   context.CancelFunc
	opts     dispatchAPIOpts
	svc      *dispatches.Service
	consumer *kafka.Consumer
	closeDB  func()
}

func mustBootstrapDispatchAPI() *dispatchAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	httpAddr := cfg.CallBox.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := cfg.CallBox.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "dispatch-api"
	}
	requestedTopic := cfg.Kafka.DispatchRequestedTopicName
	if requestedTopic == "" {
		requestedTopic = "dispatch.requested"
	}
	settledTopic := cfg.Kafka.BatchSettledTopicName
	if settledTopic == "" {
		settledTopic = "dispatch.batch.settled"
	}

	cacheTTL := time.Duration(cfg.CallBox.TrackingTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}

	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
	st := mustOpenPostgresWithRetry(connString, 60*time.Second)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	producer := kafka.NewProducer(brokers)
	consumer := kafka.NewConsumer(brokers, settledTopic, consumerGroup)

	svc := dispatches.New(st, rc, producer, requestedTopic, cacheTTL)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &dispatchAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: dispatchAPIOpts{
			httpAddr:      httpAddr,
			swaggerPath:   os.Getenv("swaggerPath"),
			topic:         settledTopic,
			consumerGroup: consumerGroup,
		},
		svc:      svc,
		consumer: consumer,
		closeDB:  st.Close,
	}
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgdispatch.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgdispatch.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *dispatchAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.closeDB != nil {
		a.closeDB()
	}
}

func (a *dispatchAPIApp) Run() error {
	return runDispatchAPI(a.ctx, a.opts, a.svc, a.consumer)
}
