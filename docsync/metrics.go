package docsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the namespace all docsync metrics are defined under.
	Namespace = "docsync"
)

func NewCounter(name, subsystem, help string, labels []string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
}

func NewGauge(name, subsystem, help string, labels []string) *prometheus.GaugeVec {
	return promauto.NewGaugeVec(prometheus.GaugeOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
}

func NewHistogramWithBuckets(name, subsystem, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	return promauto.NewHistogramVec(prometheus.HistogramOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets}, labels)
}

var (
	connectionsGauge = NewGauge("connections", "server", "Open websocket connections", []string{})

	messagesReceived = NewCounter("messages_received_total", "server", "Inbound patch messages", []string{})

	protocolErrors = NewCounter("protocol_errors_total", "server", "Dropped malformed messages", []string{"reason"})

	transportErrors = NewCounter("transport_errors_total", "server", "Failed or dropped writes", []string{"reason"})

	deltasSent = NewCounter("deltas_sent_total", "", "Deltas pushed to consumers", []string{"origin"})

	applyErrors = NewCounter("apply_errors_total", "", "Patch sets that failed to apply", []string{"direction"})

	panics = NewCounter("panics_total", "", "Panics trapped in tasks and callbacks", []string{"tag"})

	rejectedEdits = NewCounter("rejected_edits_total", "", "Consumer edits the source did not accept", []string{"origin"})

	tickDuration = NewHistogramWithBuckets(
		"tick_duration_seconds",
		"",
		"Duration of one reconciliation tick",
		[]string{"origin"},
		prometheus.ExponentialBuckets(0.0001, 2, 14),
	)
)

// label values
const (
	originSynchronizer = "synchronizer"
	originServer       = "server"
	originCorrection   = "correction"
	originFanout       = "fanout"

	directionInbound  = "inbound"
	directionOutbound = "outbound"
)
