package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fieldcall/callbox/config"
	"github.com/fieldcall/callbox/internal/broker/kafka"
	"github.com/fieldcall/callbox/internal/cache/rediscache"
	"github.com/fieldcall/callbox/internal/integrations/callgw"
	"github.com/fieldcall/callbox/internal/integrations/callgw/fake"
	"github.com/fieldcall/callbox/internal/integrations/callgw/twiliohttp"
	"github.com/fieldcall/callbox/internal/integrations/callgw/vapihttp"
	"github.com/fieldcall/callbox/internal/services/dispatcher"
	"github.com/fieldcall/callbox/internal/storage/pgdispatch"
)

// dispatchStorage объединяет обе роли Postgres-хранилища, которые нужны воркеру.
type dispatchStorage interface {
	dispatcher.TrackingRepo
	dispatcher.MechanicQueue
}

type workerFactories struct {
	newStorage     func(cfg *config.Config) (repo dispatchStorage, closeFn func(), err error)
	newProducer    func(cfg *config.Config) dispatcher.Producer
	newRateLimiter func(cfg *config.Config) dispatcher.RateLimiter
	newCallClient  func(cfg *config.Config) (callgw.Client, error)
	newConsumer    func(cfg *config.Config) *kafka.Consumer
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (dispatchStorage, func(), error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := pgdispatch.New(connString)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) dispatcher.Producer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers)
		},
		newRateLimiter: func(cfg *config.Config) dispatcher.RateLimiter {
			redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			return rediscache.NewRateLimiter(redisAddr)
		},
		newCallClient: func(cfg *config.Config) (callgw.Client, error) {
			// Боевой шлюз включаем только явным режимом, иначе — локальный fake.
			switch cfg.CallBox.CallGatewayMode {
			case "vapi":
				return vapihttp.New(cfg.CallBox.CallGatewayBaseURL, cfg.CallBox.CallGatewayAPIKey, cfg.CallBox.CallGatewayPhoneNumberID)
			case "twilio":
				return twiliohttp.New(cfg.CallBox.CallGatewayBaseURL, cfg.CallBox.TwilioAccountSID, cfg.CallBox.TwilioAuthToken, cfg.CallBox.TwilioFromNumber)
			default:
				return fake.New(), nil
			}
		},
		newConsumer: func(cfg *config.Config) *kafka.Consumer {
			topic := cfg.Kafka.DispatchRequestedTopicName
			if topic == "" {
				topic = "dispatch.requested"
			}
			group := cfg.CallBox.KafkaConsumerGroup
			if group == "" {
				group = "dispatch-worker"
			}
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewConsumer(brokers, topic, group)
		},
	}
}

func RunDispatchWorker(ctx context.Context, cfg *config.Config, f workerFactories) error {
	settledTopic := cfg.Kafka.BatchSettledTopicName
	if settledTopic == "" {
		settledTopic = "dispatch.batch.settled"
	}

	batchInterval := time.Duration(cfg.CallBox.WorkerBatchIntervalSeconds) * time.Second
	cleanupInterval := time.Duration(cfg.CallBox.WorkerCleanupIntervalSeconds) * time.Second
	interestWindow := time.Duration(cfg.CallBox.WorkerInterestWindowSeconds) * time.Second

	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	producer := f.newProducer(cfg)
	rl := f.newRateLimiter(cfg)
	callClient, err := f.newCallClient(cfg)
	if err != nil {
		return err
	}

	d := dispatcher.New(repo, repo, callClient, producer, rl, settledTopic).
		WithSettings(batchInterval, cleanupInterval,
			cfg.CallBox.WorkerBatchSize, cfg.CallBox.WorkerConcurrency,
			interestWindow, int64(cfg.CallBox.WorkerCallRateLimitPerMinute))

	runErr := make(chan error, 1)
	go func() {
		runErr <- d.Run(ctx)
	}()

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr:    cfg.CallBox.WorkerHTTPAddr,
			swaggerPath: "docs/worker-swagger.json",
			dispatcher:  d,
		})
	}()

	// Событие dispatch.requested будит воркер раньше ближайшего тика.
	if f.newConsumer != nil {
		consumer := f.newConsumer(cfg)
		defer consumer.Close()
		go func() {
			_ = consumer.Consume(ctx, func(key, value []byte) error {
				slog.Info("dispatch requested, triggering cycle", "ticket_id", string(key))
				d.Trigger()
				return nil
			})
		}()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-runErr:
		return err
	case err := <-httpErr:
		return err
	}
}
