package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "storefront_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	PaymentPushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "storefront_stk_push_total", Help: "STK push outcomes"},
		[]string{"result", "http_status"},
	)
	PaymentPushLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "storefront_stk_push_latency_seconds", Help: "STK push latency"},
	)
	ProviderTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "storefront_provider_token_total", Help: "Provider token fetches"},
		[]string{"result"},
	)
	Callbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "storefront_payment_callbacks_total", Help: "Payment callbacks by outcome"},
		[]string{"outcome"},
	)
	CallbackEnqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "storefront_callback_enqueue_total", Help: "Callback SQS enqueue results"},
		[]string{"result"},
	)
	Anomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "storefront_payment_anomalies_total", Help: "Callbacks that could not be applied"},
		[]string{"kind"},
	)
	Sweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "storefront_timeout_sweeps_total", Help: "Timeout sweep passes"},
		[]string{"result"},
	)
	TimedOut = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "storefront_payments_timed_out_total", Help: "Intents moved to timed_out"},
	)
	ChatMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "storefront_chat_messages_total", Help: "Chat messages by result"},
		[]string{"result"},
	)
	ChatOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "storefront_chat_online", Help: "Participants currently online"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, PaymentPushes, PaymentPushLatency, ProviderTokens, Callbacks,
		CallbackEnqueues, Anomalies, Sweeps, TimedOut, ChatMessages, ChatOnline)
}
