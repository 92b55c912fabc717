// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsTotal counts packets handed to the engine by source
	PacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "applayer_packets_total",
			Help: "Total number of packets received by the engine",
		},
		[]string{"source"},
	)

	// DecodeErrorsTotal counts packets that could not be decoded to L4
	DecodeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "applayer_decode_errors_total",
			Help: "Total number of packets dropped before the application layer",
		},
		[]string{"reason"},
	)

	// ProbeVerdictsTotal counts probe outcomes by protocol
	ProbeVerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "applayer_probe_verdicts_total",
			Help: "Total number of probe verdicts",
		},
		[]string{"proto", "verdict"},
	)

	// ParseResultsTotal counts parse calls by protocol, direction and status
	ParseResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "applayer_parse_results_total",
			Help: "Total number of parse calls by result status",
		},
		[]string{"proto", "direction", "status"},
	)

	// ParseBytesTotal counts bytes consumed by parsers
	ParseBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "applayer_parse_bytes_total",
			Help: "Total number of bytes consumed by parsers",
		},
		[]string{"proto", "direction"},
	)

	// EventsTotal counts anomaly events raised on transactions
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "applayer_events_total",
			Help: "Total number of protocol events raised",
		},
		[]string{"proto", "event"},
	)

	// TransactionsTotal counts transactions reported and freed
	TransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "applayer_transactions_total",
			Help: "Total number of transactions handled",
		},
		[]string{"proto", "stage"},
	)

	// PendingBytes tracks unconsumed bytes held for parsers awaiting more data
	PendingBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "applayer_pending_bytes",
			Help: "Bytes retained for incomplete messages",
		},
	)

	// FlowsActive tracks the current number of flows in the flow table
	FlowsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "applayer_flows_active",
			Help: "Current number of flows tracked",
		},
		[]string{"worker"},
	)

	// FlowsExpiredTotal counts flows removed from the flow table
	FlowsExpiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "applayer_flows_expired_total",
			Help: "Total number of flows removed from the flow table",
		},
		[]string{"reason"},
	)

	// SinkErrorsTotal counts sink errors by name
	SinkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "applayer_sink_errors_total",
			Help: "Total number of sink errors",
		},
		[]string{"sink"},
	)

	// SinkBatchSize tracks Kafka batch size distribution
	SinkBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "applayer_sink_batch_size",
			Help:    "Number of records sent per sink batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1, 2, 4, ..., 2048
		},
		[]string{"sink"},
	)

	// IPFragmentsTotal counts IPv4 fragments by outcome
	IPFragmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "applayer_ip_fragments_total",
			Help: "Total number of IPv4 fragments seen by the defragmenter",
		},
		[]string{"result"},
	)
)
