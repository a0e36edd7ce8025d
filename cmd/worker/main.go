package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/baymingyih/KR7/internal/app"
	"github.com/baymingyih/KR7/internal/config"
	"github.com/baymingyih/KR7/internal/consumer"
	"github.com/baymingyih/KR7/internal/importer"
	"github.com/baymingyih/KR7/internal/observability"
	"github.com/baymingyih/KR7/internal/outbox"
)

const defaultDLQBatchSize = 50

var version = "dev"

func main() {
	cfg := config.Load()

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := observability.InitSentry(observability.SentryConfig{
		DSN:         cfg.SentryDSN,
		Environment: cfg.Environment,
		Release:     version,
	}, logger); err != nil {
		logger.Warn("sentry disabled", zap.Error(err))
	}
	defer observability.FlushSentry(2 * time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to assemble worker", zap.Error(err))
		observability.CaptureException(err, map[string]string{"stage": "startup"})
		observability.FlushSentry(2 * time.Second)
		os.Exit(1)
	}
	defer func() { _ = a.Close() }()

	g, ctx := errgroup.WithContext(ctx)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddress))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:         cfg.KafkaBrokers,
		GroupID:         cfg.ConsumerGroupID,
		Topic:           cfg.ImportTopic,
		MinBytes:        1,
		MaxBytes:        10e6,
		CommitInterval:  time.Second,
		ReadLagInterval: -1,
	})
	handler := importer.NewHandler(a.Importer, logger.Named("import-handler"))
	proc := consumer.NewProcessor(reader, reportErrors(handler),
		consumer.WithLogger(logger.Named("consumer")),
		consumer.WithRetryBackoff(cfg.ImportRetryBase, cfg.ImportRetryMax),
	)
	g.Go(func() error {
		defer reader.Close()
		logger.Info("import consumer started", zap.String("topic", cfg.ImportTopic), zap.String("group", cfg.ConsumerGroupID))
		if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if a.Pool != nil {
		producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
		defer func() { _ = producer.Close() }()

		dispatcher := outbox.NewDispatcher(a.Pool, producer, cfg.OutboxPollInterval, cfg.OutboxBatchSize, logger.Named("outbox"))
		g.Go(func() error {
			dispatcher.Start(ctx)
			return nil
		})

		dlq := outbox.NewDLQManager(a.Pool, cfg.DLQMaxRetries, cfg.DLQBaseDelay, logger.Named("dlq"))
		g.Go(func() error {
			dlq.Run(ctx, cfg.DLQPollInterval, defaultDLQBatchSize)
			return nil
		})
	} else {
		logger.Info("outbox disabled for backend", zap.String("backend", cfg.StoreBackend))
	}

	if err := g.Wait(); err != nil {
		logger.Error("worker stopped with error", zap.Error(err))
		observability.CaptureException(err, map[string]string{"stage": "run"})
		return
	}
	logger.Info("worker stopped")
}

// reportErrors forwards handler failures to Sentry before the processor logs them.
func reportErrors(next consumer.Handler) consumer.Handler {
	return consumer.HandlerFunc(func(ctx context.Context, msg consumer.Message) error {
		err := next.Handle(ctx, msg)
		if err != nil && !errors.Is(err, context.Canceled) {
			observability.CaptureException(err, map[string]string{
				"event_type": msg.EventType,
				"owner_id":   msg.OwnerID,
				"topic":      msg.Topic,
			})
		}
		return err
	})
}
