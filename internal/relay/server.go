// Package relay implements the small notification relay: a host that holds
// the real chat credentials so the unattended sync machines only need a
// shared secret.
package relay

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/harunari/chotatsu-sync/internal/notify"
	"github.com/harunari/chotatsu-sync/internal/portal"
)

// Server validates relayed messages and forwards them to the configured
// downstream transport.
type Server struct {
	secret   string
	forward  portal.Notifier
	logger   *zap.Logger
	registry *prometheus.Registry
	requests *prometheus.CounterVec
}

// New builds a relay server forwarding to downstream.
func New(secret string, downstream portal.Notifier, logger *zap.Logger) *Server {
	registry := prometheus.NewRegistry()
	return &Server{
		secret:   secret,
		forward:  downstream,
		logger:   logger,
		registry: registry,
		requests: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "relay_notify_requests_total",
			Help: "Relay notification requests by outcome.",
		}, []string{"outcome"}),
	}
}

// Router builds the HTTP surface.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Post("/notify", s.handleNotify)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return r
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(notify.RelayHeader) != s.secret {
		s.requests.WithLabelValues("unauthorized").Inc()
		http.Error(w, "invalid secret", http.StatusUnauthorized)
		return
	}

	var msg notify.RelayMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil || msg.Subject == "" || msg.Body == "" {
		s.requests.WithLabelValues("bad_request").Inc()
		http.Error(w, "subject and body are required", http.StatusBadRequest)
		return
	}

	if err := s.forward.Send(r.Context(), msg.Subject, msg.Body); err != nil {
		s.requests.WithLabelValues("forward_failed").Inc()
		s.logger.Error("relay forward failed", zap.Error(err))
		http.Error(w, "forward failed", http.StatusInternalServerError)
		return
	}

	s.requests.WithLabelValues("ok").Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
