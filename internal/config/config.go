package config

import (
	"errors"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type DBPool struct {
	MaxConns          int32         `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	MinConns          int32         `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	MaxConnLifetime   time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	MaxConnIdleTime   time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"30s"`
}

type MPesa struct {
	ConsumerKey     string        `envconfig:"MPESA_CONSUMER_KEY" required:"true"`
	ConsumerSecret  string        `envconfig:"MPESA_CONSUMER_SECRET" required:"true"`
	ShortCode       string        `envconfig:"MPESA_SHORTCODE" required:"true"`
	Passkey         string        `envconfig:"MPESA_PASSKEY" required:"true"`
	CallbackURL     string        `envconfig:"MPESA_CALLBACK_URL" required:"true"`
	BaseURL         string        `envconfig:"MPESA_BASE_URL" default:"https://sandbox.safaricom.co.ke"`
	TransactionType string        `envconfig:"MPESA_TRANSACTION_TYPE" default:"CustomerPayBillOnline"`
	TransactionDesc string        `envconfig:"MPESA_TRANSACTION_DESC" default:"Order Payment"`
	HTTPTimeout     time.Duration `envconfig:"MPESA_HTTP_TIMEOUT" default:"15s"`
	TokenMargin     time.Duration `envconfig:"MPESA_TOKEN_MARGIN" default:"60s"`
	RPS             float64       `envconfig:"MPESA_RPS" default:"5"`
	Burst           int           `envconfig:"MPESA_BURST" default:"10"`
}

type APIConfig struct {
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Empty DB_DSN runs on the in-memory store.
	DBDSN     string `envconfig:"DB_DSN"`
	DBMigrate bool   `envconfig:"DB_MIGRATE" default:"true"`
	DBPool

	MPesa

	CallbackToken  string        `envconfig:"CALLBACK_TOKEN"`
	PaymentTimeout time.Duration `envconfig:"PAYMENT_TIMEOUT" default:"2m"`
	SweepInterval  time.Duration `envconfig:"SWEEP_INTERVAL" default:"15s"`
	SweepBatchSize int           `envconfig:"SWEEP_BATCH_SIZE" default:"100"`

	// AWS / SQS; callbacks are reconciled inline when no queue is set.
	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	CallbackQueueURL   string `envconfig:"CALLBACK_QUEUE_URL"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSGroupBuckets    int    `envconfig:"SQS_GROUP_BUCKETS" default:"256"`

	ChatSendBuffer     int    `envconfig:"CHAT_SEND_BUFFER" default:"64"`
	ChatAllowedOrigins string `envconfig:"CHAT_ALLOWED_ORIGINS"`
}

type CallbackProcessorConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	DBPool

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	CallbackQueueURL   string `envconfig:"CALLBACK_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`

	ProcessorConcurrency int `envconfig:"PROCESSOR_CONCURRENCY" default:"10"`
}

type MockProviderConfig struct {
	Port          string        `envconfig:"PORT" default:"8089"`
	LogFormat     string        `envconfig:"LOG_FORMAT" default:"text"`
	LogLevel      string        `envconfig:"LOG_LEVEL" default:"info"`
	Outcome       string        `envconfig:"MOCK_OUTCOME" default:"paid"`
	CallbackDelay time.Duration `envconfig:"MOCK_CALLBACK_DELAY" default:"3s"`
	MaxRetries    int           `envconfig:"MOCK_CALLBACK_RETRIES" default:"3"`
	TokenTTL      time.Duration `envconfig:"MOCK_TOKEN_TTL" default:"1h"`
}

// Origins splits CHAT_ALLOWED_ORIGINS on commas.
func (c APIConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.ChatAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// ErrQueueWithoutDB rejects a queued callback path on the memory store:
// the callback processor reconciles against postgres and would never see
// the api's intents.
var ErrQueueWithoutDB = errors.New("CALLBACK_QUEUE_URL requires DB_DSN")

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	if cfg.CallbackQueueURL != "" && cfg.DBDSN == "" {
		panic(ErrQueueWithoutDB)
	}
	return cfg
}

func LoadCallbackProcessor() CallbackProcessorConfig {
	var cfg CallbackProcessorConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadMockProvider() MockProviderConfig {
	var cfg MockProviderConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
