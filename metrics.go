package chatsync

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_connection_transitions_total",
			Help: "Connection state transitions by channel and target state.",
		},
		[]string{"channel", "state"},
	)

	reconnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_reconnect_attempts_total",
			Help: "Automatic reconnect attempts scheduled by channel.",
		},
		[]string{"channel"},
	)

	droppedPayloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_dropped_payloads_total",
			Help: "Inbound payloads dropped by component and reason.",
		},
		[]string{"component", "reason"},
	)

	reconciled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_reconciled_messages_total",
			Help: "Message reconciliation outcomes.",
		},
		[]string{"outcome"},
	)
)

// RegisterMetrics registers the package collectors with r. Registering the
// same collectors twice is not an error.
func RegisterMetrics(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{stateTransitions, reconnectAttempts, droppedPayloads, reconciled} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
