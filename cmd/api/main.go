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
	"golang.org/x/time/rate"

	"storefront/internal/awsutil"
	"storefront/internal/chat"
	"storefront/internal/config"
	"storefront/internal/gateway"
	"storefront/internal/httpserver"
	"storefront/internal/logging"
	"storefront/internal/observability"
	"storefront/internal/providers/mpesa"
	sqsqueue "storefront/internal/queue/sqs"
	"storefront/internal/reconcile"
	"storefront/internal/service"
	"storefront/internal/store/memory"
	"storefront/internal/store/pg"
	"storefront/internal/util"
)

// intentStore is what the api binary needs from either store.
type intentStore interface {
	service.Store
	gateway.Store
	reconcile.Store
	reconcile.SweepStore
	Ping(ctx context.Context) error
}

func main() {
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	observability.Register(prometheus.DefaultRegisterer)

	var st intentStore
	if cfg.DBDSN == "" {
		slog.Warn("DB_DSN not set, payment intents are kept in memory")
		st = memory.New()
	} else {
		if cfg.DBMigrate {
			if err := pg.Migrate(ctx, cfg.DBDSN); err != nil {
				slog.Error("api db migrate failed", "err", err)
				os.Exit(1)
			}
		}
		db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
			MaxConns:          cfg.DBPool.MaxConns,
			MinConns:          cfg.DBPool.MinConns,
			MaxConnLifetime:   cfg.DBPool.MaxConnLifetime,
			MaxConnIdleTime:   cfg.DBPool.MaxConnIdleTime,
			HealthCheckPeriod: cfg.DBPool.HealthCheckPeriod,
		})
		if err != nil {
			slog.Error("api db connect failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()
		st = pg.New(db)
	}

	provider := &mpesa.Client{
		ConsumerKey:     cfg.MPesa.ConsumerKey,
		ConsumerSecret:  cfg.MPesa.ConsumerSecret,
		ShortCode:       cfg.MPesa.ShortCode,
		Passkey:         cfg.MPesa.Passkey,
		CallbackURL:     cfg.MPesa.CallbackURL,
		BaseURL:         cfg.MPesa.BaseURL,
		TransactionType: cfg.MPesa.TransactionType,
		TransactionDesc: cfg.MPesa.TransactionDesc,
		HTTP:            &http.Client{Timeout: cfg.MPesa.HTTPTimeout},
		ExpiryMargin:    cfg.MPesa.TokenMargin,
	}
	gw := &gateway.Gateway{
		Store:       st,
		Provider:    provider,
		Limiter:     rate.NewLimiter(rate.Limit(cfg.MPesa.RPS), cfg.MPesa.Burst),
		Breaker:     gateway.NewBreaker("mpesa-stk-push"),
		CallTimeout: cfg.MPesa.HTTPTimeout,
	}
	payments := &service.PaymentService{Store: st, Gateway: gw, IDGen: util.NewIntentID}
	reconciler := &reconcile.Reconciler{Store: st}

	callback := &httpserver.Callback{Reconciler: reconciler, Token: cfg.CallbackToken}
	checks := []httpserver.ReadyzCheck{st.Ping}
	if cfg.CallbackQueueURL != "" {
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
		if err != nil {
			slog.Error("api sqs client init failed", "err", err)
			os.Exit(1)
		}
		callback.Queue = &sqsqueue.CallbackProducer{
			SQS:          sqsClient,
			QueueURL:     cfg.CallbackQueueURL,
			GroupBuckets: cfg.SQSGroupBuckets,
		}
		checks = append(checks, awsutil.QueueCheck(sqsClient, cfg.CallbackQueueURL))
		slog.Info("payment callbacks are queued", "queue_url", cfg.CallbackQueueURL)
	}

	hub := chat.NewHub(chat.HubOptions{SendBuffer: cfg.ChatSendBuffer, AllowedOrigins: cfg.Origins()})
	defer hub.Close()

	s := httpserver.New(observability.APIRequests)
	(&httpserver.API{Payments: payments}).Register(s.Mux)
	callback.Register(s.Mux)
	s.Mux.Handle("/chat/ws", hub).Methods(http.MethodGet)
	s.RegisterHealth(2*time.Second, checks...)

	sweeper := &reconcile.Sweeper{
		Store:     st,
		Timeout:   cfg.PaymentTimeout,
		Interval:  cfg.SweepInterval,
		BatchSize: cfg.SweepBatchSize,
	}
	go sweeper.Run(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: httpserver.MetricsHandler(prometheus.DefaultGatherer),
	}

	go func() {
		slog.Info("api metrics listening", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api metrics server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("api shutdown", "signal", sig.String())
		cancel()
		hub.Close()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}
}
