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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	"dsprocessor/internal/consumer"
	"dsprocessor/internal/deadletter"
	"dsprocessor/internal/fdo"
	"dsprocessor/internal/platform/config"
	"dsprocessor/internal/platform/httpserver"
	"dsprocessor/internal/platform/kafka"
	kconsumer "dsprocessor/internal/platform/kafka/consumer"
	"dsprocessor/internal/platform/logger"
	"dsprocessor/internal/platform/metrics"
	"dsprocessor/internal/platform/postgres"
	"dsprocessor/internal/platform/rabbitmq"
	"dsprocessor/internal/platform/redis"
	"dsprocessor/internal/processor"
	"dsprocessor/internal/publisher"
	"dsprocessor/internal/registrar"
	"dsprocessor/internal/search"
	pgstore "dsprocessor/internal/store/postgres"
	"dsprocessor/pkg/platform/circuit"
)

const (
	shutdownTimeout = 15 * time.Second
	tokenCacheKey   = "dsprocessor:registrar:token"
)

// main wires the stores, the registrar, the bus and the admin server, then
// consumes until SIGINT or SIGTERM.
func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("processor stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	m := metrics.New()

	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()
	store := pgstore.New(pool)
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	checks := []httpserver.Check{{Name: "postgres", Checker: store}}

	redisClient, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	tokenOpts := []registrar.TokenCacheOption{
		registrar.WithTokenLogger(log),
		registrar.WithTokenMetrics(m),
	}
	if redisClient != nil {
		defer redisClient.Close()
		tokenOpts = append(tokenOpts, registrar.WithSharedStore(registrar.NewRedisTokenStore(redisClient, tokenCacheKey)))
		checks = append(checks, httpserver.Check{Name: "redis", Checker: redisClient})
	}
	httpClient := &http.Client{Timeout: cfg.Registrar.Timeout}
	tokens := registrar.NewTokenCache(&registrar.ClientCredentials{
		Endpoint:     cfg.Registrar.TokenEndpoint,
		ClientID:     cfg.Registrar.ClientID,
		ClientSecret: cfg.Registrar.ClientSecret,
		HTTPClient:   httpClient,
	}, tokenOpts...)
	handles := registrar.New(cfg.Registrar.Endpoint, tokens,
		registrar.WithHTTPClient(httpClient),
		registrar.WithMaxAttempts(cfg.Registrar.MaxAttempts),
		registrar.WithRetryDelay(cfg.Registrar.RetryDelay),
		registrar.WithLogger(log),
		registrar.WithMetrics(m),
	)

	esClient, err := search.NewClient(cfg.Search, nil)
	if err != nil {
		return err
	}
	index, err := search.New(esClient, cfg.Search.SpecimenIndex, cfg.Search.MediaIndex,
		search.WithLogger(log),
		search.WithMetrics(m),
		search.WithBreaker(circuit.New("search",
			circuit.WithFailureThreshold(cfg.Search.BreakerFailures),
			circuit.WithCooldown(cfg.Search.BreakerCooldown))),
	)
	if err != nil {
		return err
	}
	checks = append(checks, httpserver.Check{Name: "search", Checker: index})

	producerClient, err := kafka.NewProducerClient(cfg.Kafka)
	if err != nil {
		return err
	}
	defer producerClient.Close()
	if cfg.Kafka.EnsureTopics {
		if err := kafka.EnsureTopics(ctx, producerClient, cfg.Kafka, log); err != nil {
			return err
		}
	}
	producer := kafka.NewProducer(producerClient)

	var transport publisher.Transport = producer
	notificationDst, annotationDst := cfg.Kafka.NotificationTopic, cfg.Kafka.AnnotationTopic
	if cfg.Publisher == "rabbitmq" {
		rabbit, err := rabbitmq.Dial(cfg.RabbitMQ)
		if err != nil {
			return err
		}
		defer rabbit.Close()
		transport = rabbit
		notificationDst, annotationDst = cfg.RabbitMQ.NotificationRoutingKey, cfg.RabbitMQ.AnnotationRoutingKey
		checks = append(checks, httpserver.Check{Name: "rabbitmq", Checker: rabbit})
	}
	pub, err := publisher.New(transport, notificationDst, annotationDst, publisher.WithLogger(log))
	if err != nil {
		return err
	}

	sink, closeSink, err := deadLetterSink(ctx, cfg, producer)
	if err != nil {
		return err
	}
	defer closeSink()

	proc, err := processor.New(store, store, index, handles, pub, sink,
		processor.WithConfig(processor.Config{
			AgentID:             cfg.Processor.AgentID,
			StageRetries:        cfg.Processor.StageRetries,
			StageRetryDelay:     cfg.Processor.StageRetryDelay,
			AnnotationBatching:  cfg.Processor.AnnotationBatching,
			RegisterSecondaryID: cfg.Registrar.RegisterSecondaryID,
			Concurrency:         cfg.Processor.Concurrency,
		}),
		processor.WithBuilder(fdo.NewBuilder(fdo.WithIssuingAgent(cfg.Registrar.IssuingAgent))),
		processor.WithLogger(log),
		processor.WithMetrics(m),
	)
	if err != nil {
		return err
	}

	handler, err := consumer.NewHandler(proc, sink, consumer.Topics{
		Specimen: cfg.Kafka.SpecimenTopic,
		Media:    cfg.Kafka.MediaTopic,
		Delete:   cfg.Kafka.DeleteTopic,
	}, consumer.WithLogger(log), consumer.WithMetrics(m))
	if err != nil {
		return err
	}
	consumerClient, err := kafka.NewConsumerClient(cfg.Kafka)
	if err != nil {
		return err
	}
	defer consumerClient.Close()
	checks = append(checks, httpserver.Check{Name: "kafka", Checker: httpserver.HealthFunc(consumerClient.Ping)})
	loop := kconsumer.New(consumerClient, handler,
		kconsumer.WithLogger(log),
		kconsumer.WithMetrics(m),
		kconsumer.WithMaxRecords(cfg.Kafka.MaxPollRecords),
	)

	srv := httpserver.New(cfg.AdminAddr, httpserver.NewAdminRouter(log, promhttp.Handler(), checks...))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("admin server listening", "addr", cfg.AdminAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info("consuming", "topics", []string{cfg.Kafka.SpecimenTopic, cfg.Kafka.MediaTopic, cfg.Kafka.DeleteTopic})
		return loop.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// deadLetterSink picks the configured sink. The returned close func is never nil.
func deadLetterSink(ctx context.Context, cfg config.Config, producer *kafka.Producer) (processor.DeadLetterSink, func(), error) {
	switch cfg.DeadLetter.Sink {
	case "postgres":
		db, err := postgres.OpenDB(ctx, cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		sink := deadletter.NewPostgresSink(db)
		if err := sink.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return sink, func() { _ = db.Close() }, nil
	case "s3":
		sink, err := deadletter.NewS3Sink(ctx, deadletter.S3Config{
			Bucket:    cfg.DeadLetter.Bucket,
			Region:    cfg.DeadLetter.Region,
			Prefix:    cfg.DeadLetter.Prefix,
			Endpoint:  cfg.DeadLetter.Endpoint,
			AccessKey: cfg.DeadLetter.AccessKey,
			SecretKey: cfg.DeadLetter.SecretKey,
		})
		if err != nil {
			return nil, nil, err
		}
		return sink, func() {}, nil
	default:
		return deadletter.NewKafkaSink(producer, cfg.Kafka.DeadLetterTopic), func() {}, nil
	}
}

var _ kconsumer.Poller = (*kgo.Client)(nil)
