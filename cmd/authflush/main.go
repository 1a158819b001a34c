package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	apisonator "github.com/3scale/3scale-go-client/threescale/http"
	"github.com/redis/go-redis/v9"

	"github.com/3scale/authflush/internal/config"
	"github.com/3scale/authflush/internal/logging"
	"github.com/3scale/authflush/pkg/authflush/authorizer"
	"github.com/3scale/authflush/pkg/authflush/metrics"
	"github.com/3scale/authflush/pkg/authflush/renewer"
	"github.com/3scale/authflush/pkg/authflush/storage"
	"github.com/3scale/authflush/pkg/authflush/threescaleupstream"
)

var version string

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "authflush: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "authflush: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if version == "" {
		version = "undefined"
	}
	logger.Infow("starting authflush", "version", version)

	reporter := metrics.NewReporter(cfg.ReportMetrics, cfg.MetricsPort, logger)
	if cfg.ReportMetrics {
		if err := reporter.Serve(); err != nil {
			logger.Errorw("failed to start metrics server", "error", err)
		}
	}

	storageClient := redis.NewClient(&redis.Options{Addr: cfg.StorageRedisAddr})
	publisherClient := redis.NewClient(&redis.Options{Addr: cfg.PublisherRedisAddr})
	subscriberClient := redis.NewClient(&redis.Options{Addr: cfg.SubscriberRedisAddr})
	defer storageClient.Close()
	defer publisherClient.Close()
	defer subscriberClient.Close()

	backendClient, err := apisonator.NewClient(cfg.BackendURL, &http.Client{})
	if err != nil {
		logger.Errorw("unable to build backend client", "error", err)
		os.Exit(1)
	}

	upstream := threescaleupstream.New(backendClient, cfg.BackendAuthType, cfg.BackendAuthKey)
	az := authorizer.New(upstream)
	st := storage.New(storageClient, logger, time.Duration(cfg.AuthValidSecs)*time.Second).WithMetrics(reporter)

	r := renewer.New(renewer.Config{
		Authorizer: az,
		Storage:    st,
		Publisher:  publisherClient,
		Subscriber: subscriberClient,
		Logger:     logger,
		Metrics:    reporter,
		ThreadsMin: cfg.Threads.Min,
		ThreadsMax: cfg.Threads.Max,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- r.Start(ctx)
	}()

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGTERM, syscall.SIGINT)

	select {
	case <-sigC:
		logger.Infow("signal received, shutting down")
		r.Shutdown()
		r.WaitForTermination()
	case err := <-runErr:
		if err != nil {
			logger.Errorw("subscription loop failed", "error", err)
			os.Exit(1)
		}
	}
}
