package chat

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "chat_sync"

// Metrics are the synchronization counters exported on /metrics.
type Metrics struct {
	FramesReceived  prometheus.Counter
	DecodeErrors    prometheus.Counter
	CommandsSent    *prometheus.CounterVec
	Outcomes        *prometheus.CounterVec
	Reconnects      prometheus.Counter
	DialFailures    prometheus.Counter
	SessionState    prometheus.Gauge
	PendingCommands prometheus.Gauge
	StoredMessages  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil
// reg leaves them unregistered, which tests rely on.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_received_total",
			Help:      "Text frames read from the websocket.",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "decode_errors_total",
			Help:      "Inbound frames dropped because they could not be decoded.",
		}),
		CommandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commands_sent_total",
			Help:      "Outbound commands written to the websocket.",
		}, []string{"kind"}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "mutation_outcomes_total",
			Help:      "Optimistic mutations settled, by kind and result.",
		}, []string{"kind", "result"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconnects_total",
			Help:      "Sessions opened after the first.",
		}),
		DialFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dial_failures_total",
			Help:      "Failed connection attempts.",
		}),
		SessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "session_state",
			Help:      "Current session state: 0 connecting, 1 open, 2 closed, 3 failed.",
		}),
		PendingCommands: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pending_mutations",
			Help:      "Optimistic mutations awaiting confirmation.",
		}),
		StoredMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "stored_messages",
			Help:      "Messages currently held in the store.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.FramesReceived,
			m.DecodeErrors,
			m.CommandsSent,
			m.Outcomes,
			m.Reconnects,
			m.DialFailures,
			m.SessionState,
			m.PendingCommands,
			m.StoredMessages,
		)
	}

	return m
}
