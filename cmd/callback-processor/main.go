package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"storefront/internal/awsutil"
	"storefront/internal/config"
	"storefront/internal/httpserver"
	"storefront/internal/logging"
	"storefront/internal/observability"
	sqsqueue "storefront/internal/queue/sqs"
	"storefront/internal/reconcile"
	"storefront/internal/store/pg"
)

func main() {
	cfg := config.LoadCallbackProcessor()
	logging.Init("callback-processor", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())

	observability.Register(prometheus.DefaultRegisterer)

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPool.MaxConns,
		MinConns:          cfg.DBPool.MinConns,
		MaxConnLifetime:   cfg.DBPool.MaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPool.MaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPool.HealthCheckPeriod,
	})
	if err != nil {
		slog.Error("callback-processor db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	reconciler := &reconcile.Reconciler{Store: pg.New(db)}

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("callback-processor sqs client init failed", "err", err)
		os.Exit(1)
	}

	consumer := &sqsqueue.CallbackConsumer{
		SQS:               sqsClient,
		QueueURL:          cfg.CallbackQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}

	health := httpserver.New(nil)
	health.RegisterHealth(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
		awsutil.QueueCheck(sqsClient, cfg.CallbackQueueURL),
	)

	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: health.Mux, ReadHeaderTimeout: 10 * time.Second}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: httpserver.MetricsHandler(prometheus.DefaultGatherer)}

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("callback-processor health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()
	metricsErrCh := make(chan error, 1)
	go func() {
		slog.Info("callback-processor metrics listening", "port", cfg.MetricsPort)
		metricsErrCh <- metricsSrv.ListenAndServe()
	}()

	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("callback-processor starting poll", "queue_url", cfg.CallbackQueueURL)
		pollErrCh <- consumer.PollConcurrent(ctx, cfg.ProcessorConcurrency, func(ctx context.Context, ev sqsqueue.CallbackEvent) error {
			return processCallback(ctx, reconciler, ev)
		})
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("callback-processor poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("callback-processor health server failed", "err", err)
			os.Exit(1)
		}
	case err := <-metricsErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("callback-processor metrics server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("callback-processor shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("callback-processor shutdown timeout waiting for poll loop")
	}
}

// checkoutGrace is how long a callback for an unknown checkout id stays on
// the queue. The api may not have recorded the acceptance yet.
const checkoutGrace = 2 * time.Minute

func processCallback(ctx context.Context, r *reconcile.Reconciler, ev sqsqueue.CallbackEvent) error {
	// Bounded db work. Errors leave the message for redrive.
	dbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	outcome, err := r.HandleCallback(dbCtx, ev.Body())
	if err != nil {
		return err
	}
	if outcome == reconcile.OutcomeUnknownCheckout && time.Since(ev.ReceivedAt) < checkoutGrace {
		return errors.New("intent not found for checkout_request_id")
	}
	return nil
}
