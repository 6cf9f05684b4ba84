// Command batchmanagerd runs the batch manager: the ingress API, the durable
// job queue workers and the periodic schedulers, all against one Postgres.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/api"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/builder"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/capacity"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/config"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/delivery"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/jobs"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/logging"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/provider/openai"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/scheduler"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/store"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/tokens"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/workflow"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("config", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		fatal("logger", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("batchmanagerd exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := store.Open(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	st := store.New(pool, logger)
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	var providerOpts []openai.Option
	if cfg.OpenAI.BaseURL != "" {
		providerOpts = append(providerOpts, openai.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	if cfg.OpenAI.DownloadDir != "" {
		providerOpts = append(providerOpts, openai.WithDownloadDir(cfg.OpenAI.DownloadDir))
	}
	providerClient := openai.New(cfg.OpenAI.APIKey, providerOpts...)

	queue := jobs.New(pool, logger, map[string]int{
		jobs.QueueDefault:    cfg.Queues.Default,
		jobs.QueueUploads:    cfg.Queues.Uploads,
		jobs.QueueProcessing: cfg.Queues.Processing,
		jobs.QueueDelivery:   cfg.Queues.Delivery,
	})

	capacityProvider := tokens.NewConfigCapacityProvider(cfg.Capacity)
	admission := capacity.NewAdmission(st, capacityProvider, logger)

	engine := workflow.NewEngine(st, providerClient, queue, admission, logger)
	dispatcher := capacity.NewDispatcher(st, capacityProvider, engine, logger)
	engine.SetDispatcher(dispatcher)

	var amqpSink *delivery.AMQPSink
	if cfg.RabbitMQ.URL != "" {
		amqpSink = delivery.NewAMQPSink(cfg.RabbitMQ.URL, logger)
		defer amqpSink.Close()
	}
	deliveryWorker := delivery.NewWorker(st, delivery.NewWebhookSink(logger), amqpSink, engine, logger)
	engine.SetDeliverer(deliveryWorker)

	engine.Register(queue)

	estimator := tokens.NewTiktokenEstimator()
	submitBuilder := builder.New(st, engine, estimator, capacityProvider, logger)

	// Abandoned jobs first, then the per-batch triggers.
	if recovered, err := queue.RecoverStuck(ctx); err != nil {
		return err
	} else if recovered > 0 {
		logger.Info("recovered stuck jobs", zap.Int64("count", recovered))
	}
	if err := engine.Recovery(ctx); err != nil {
		return err
	}

	queue.Start(ctx)
	defer queue.Stop()

	sched, err := scheduler.New(ctx, engine, dispatcher, logger)
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.NewServer(st, submitBuilder, engine, logger).Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func fatal(what string, err error) {
	os.Stderr.WriteString(what + ": " + err.Error() + "\n")
	os.Exit(1)
}
