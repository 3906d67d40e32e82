package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ConnectionState  prometheus.Gauge
	ConnectionEvents *prometheus.CounterVec
	Reconnects       *prometheus.CounterVec
	CredentialSaves  *prometheus.CounterVec

	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	TurnsAppended  prometheus.Counter
	AppendFailures prometheus.Counter
	PendingFlush   prometheus.Gauge
	CleanupRemoved prometheus.Counter

	MessagesHandled *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ConnectionState: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current transport connection state (0=disconnected 1=connecting 2=authenticating 3=connected).",
		}),
		ConnectionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_events_total",
			Help:      "Transport connection events by type.",
		}, []string{"event"}),
		Reconnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnect attempts by disconnect classification.",
		}, []string{"class"}),
		CredentialSaves: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_saves_total",
			Help:      "Credential persistence outcomes.",
		}, []string{"result"}),
		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_cache_hits_total",
			Help:      "Conversation cache hits.",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_cache_misses_total",
			Help:      "Conversation cache misses that fell back to the store.",
		}),
		TurnsAppended: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_turns_appended_total",
			Help:      "Turns appended to conversations.",
		}),
		AppendFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_append_failures_total",
			Help:      "Appends whose durable write failed after retries.",
		}),
		PendingFlush: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "history_pending_flush",
			Help:      "Conversations waiting for a durable flush.",
		}),
		CleanupRemoved: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_cleanup_removed_total",
			Help:      "Conversations removed by the retention sweep.",
		}),
		MessagesHandled: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_handled_total",
			Help:      "Inbound messages by handling result.",
		}, []string{"result"}),
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
