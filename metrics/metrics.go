// Package metrics provides Prometheus metrics for the chat relay.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// ActiveConnections tracks open client connections.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_active_connections",
			Help: "Number of currently open client connections",
		},
	)

	// AuthenticatedSessions tracks sessions in the authenticated state.
	AuthenticatedSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_authenticated_sessions",
			Help: "Number of sessions that completed authentication and are still open",
		},
	)

	// StanzasReceived counts decoded stanzas by root tag.
	StanzasReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_stanzas_received_total",
			Help: "Total number of stanzas received, by kind",
		},
		[]string{"kind"},
	)

	// DecodeErrors counts lines that failed to parse.
	DecodeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_decode_errors_total",
			Help: "Total number of lines that could not be decoded",
		},
	)

	// MessagesRouted counts chat messages by delivery outcome.
	MessagesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_messages_routed_total",
			Help: "Total number of chat messages, by delivery outcome",
		},
		[]string{"outcome"},
	)

	// AuthAttempts counts authentication attempts by result.
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_auth_attempts_total",
			Help: "Total number of authentication attempts, by result",
		},
		[]string{"result"},
	)

	// GatewayErrors counts persistence failures surfaced to clients.
	GatewayErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_gateway_errors_total",
			Help: "Total number of persistence errors mapped to a server error reply",
		},
	)
)

// known kinds keep label cardinality bounded for arbitrary client tags.
var knownKinds = map[string]bool{
	"auth": true, "register": true, "message": true, "presence": true,
	"contacts": true, "search": true, "loadChatHistory": true,
}

// RecordConnectionOpened increments connection metrics.
func RecordConnectionOpened() {
	ActiveConnections.Inc()
}

// RecordConnectionClosed decrements connection metrics.
func RecordConnectionClosed() {
	ActiveConnections.Dec()
}

// RecordStanza counts one received stanza. Unrecognized tags share one label.
func RecordStanza(kind string) {
	if !knownKinds[kind] {
		kind = "unknown"
	}
	StanzasReceived.WithLabelValues(kind).Inc()
}

// RecordRouted counts one chat message as delivered live or stored only.
func RecordRouted(delivered bool) {
	outcome := "offline"
	if delivered {
		outcome = "delivered"
	}
	MessagesRouted.WithLabelValues(outcome).Inc()
}

// RecordAuth counts one authentication attempt.
func RecordAuth(result string) {
	AuthAttempts.WithLabelValues(result).Inc()
}

// Server exposes /metrics over HTTP.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

func NewServer(addr string, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Serve blocks serving metrics on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("metrics server starting", zap.String("addr", ln.Addr().String()))
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("metrics server stopping")
	return s.httpServer.Shutdown(ctx)
}
