package httpserver

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	Mux *mux.Router
}

// New returns a router with access logging and request metrics applied to
// every matched route.
func New(requests *prometheus.CounterVec) *Server {
	m := mux.NewRouter()
	m.Use(Logging)
	if requests != nil {
		m.Use(Metrics(requests))
	}
	return &Server{Mux: m}
}

// MetricsHandler serves the registry on the metrics port.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	m.Handle("/healthz", Healthz())
	return m
}
