// Package metrics exposes Prometheus counters for transport traffic.
package metrics

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	messagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpwire",
			Subsystem: "transport",
			Name:      "messages_received_total",
			Help:      "Messages delivered to transport handlers.",
		},
		[]string{"transport", "kind"},
	)
	messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpwire",
			Subsystem: "transport",
			Name:      "messages_sent_total",
			Help:      "Messages written to peers.",
		},
		[]string{"transport", "kind"},
	)
	transportErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpwire",
			Subsystem: "transport",
			Name:      "errors_total",
			Help:      "Errors reported to transport handlers.",
		},
		[]string{"transport", "code"},
	)
	postsHandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpwire",
			Subsystem: "sse",
			Name:      "posts_total",
			Help:      "POSTed messages by response status.",
		},
		[]string{"transport", "status"},
	)
	activeSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mcpwire",
			Subsystem: "sse",
			Name:      "active_sessions",
			Help:      "Open event streams.",
		},
		[]string{"transport"},
	)
)

// RegisterMetrics registers the collectors with the default registry.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(messagesReceived, messagesSent, transportErrors, postsHandled, activeSessions)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func MessageReceived(transport, kind string) {
	RegisterMetrics()
	messagesReceived.WithLabelValues(transport, kind).Inc()
}

func MessageSent(transport, kind string) {
	RegisterMetrics()
	messagesSent.WithLabelValues(transport, kind).Inc()
}

// TransportError counts one reported error. An empty code is recorded as
// "UNKNOWN".
func TransportError(transport, code string) {
	RegisterMetrics()
	if code == "" {
		code = "UNKNOWN"
	}
	transportErrors.WithLabelValues(transport, code).Inc()
}

func PostHandled(transport string, status int) {
	RegisterMetrics()
	postsHandled.WithLabelValues(transport, strconv.Itoa(status)).Inc()
}

func SessionOpened(transport string) {
	RegisterMetrics()
	activeSessions.WithLabelValues(transport).Inc()
}

func SessionClosed(transport string) {
	RegisterMetrics()
	activeSessions.WithLabelValues(transport).Dec()
}
