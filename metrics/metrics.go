// Package metrics defines prometheus metric types and provides convenience
// methods to add accounting to various parts of the pipeline.
//
// When defining new operations or metrics, these are helpful values to track:
//  - things coming into or go out of the system: datagrams, fragments, connections.
//  - the success or error status of any of the above.
//  - the distribution of processing latency.
package metrics

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DispatchErrors counts frames and datagrams dropped on the daemon's
	// receive and transmit paths, by reason: dispatch classification,
	// fragment parsing, reassembly, IPv6/IPHC/TCP/UDP decoding, and ingress.
	//
	// Provides metrics:
	//   lowpan_dispatch_errors_total
	DispatchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lowpan_dispatch_errors_total",
			Help: "Number of frames or datagrams dropped on the receive or transmit path, by reason.",
		}, []string{"reason"})

	// ReassemblyTimeouts counts reassembly-table entries reaped for sitting
	// idle past the reassembly timeout without completing.
	ReassemblyTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lowpan_reassembly_timeouts_total",
			Help: "Number of incomplete datagrams dropped after timing out.",
		},
	)

	// ReassemblyEvictions counts reassembly-table entries dropped to make
	// room for a new fragment because the table was at capacity.
	ReassemblyEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lowpan_reassembly_evictions_total",
			Help: "Number of reassembly entries evicted for table capacity.",
		},
	)

	// FragmentsDropped counts fragments rejected without starting or
	// advancing a reassembly, by reason (overlap, bad length, duplicate).
	FragmentsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lowpan_fragments_dropped_total",
			Help: "Number of fragments dropped, by reason.",
		}, []string{"reason"})

	// ContextMisses counts IPHC decodes that referenced a stateful
	// compression context the buffer didn't have.
	ContextMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lowpan_hccb_context_misses_total",
			Help: "Number of IPHC decodes that referenced an unknown compression context.",
		},
	)

	// ChecksumFailures counts TCP segments whose checksum did not verify
	// against the IPv6 pseudo-header.
	ChecksumFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tcpstack_checksum_failures_total",
			Help: "Number of TCP segments with an invalid checksum.",
		},
	)

	// Retransmissions counts segments the engine resent after their RTO
	// elapsed without an ACK.
	Retransmissions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tcpstack_retransmissions_total",
			Help: "Number of segments retransmitted after RTO expiry.",
		},
	)

	// SynRetriesExhausted counts connection attempts abandoned after
	// MaxSynRetries unanswered SYNs.
	SynRetriesExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tcpstack_syn_retries_exhausted_total",
			Help: "Number of connection attempts given up on after exhausting SYN retries.",
		},
	)

	// RTOHistogram tracks the current retransmission timeout estimate at
	// each sweep, across all connections.
	RTOHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "tcpstack_rto_seconds_histogram",
			Help: "Distribution of per-connection RTO estimates (seconds).",
			Buckets: []float64{
				0.05, 0.1, 0.2, 0.4, 0.8, 1.6, 3.2, 6.4, 12.8, 25.6, 51.2,
			},
		},
	)

	// CacheSizeHistogram tracks the number of connections in the saver's
	// per-round snapshot cache.
	CacheSizeHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "lowpan_cache_count_histogram",
			Help: "Cache connection count histogram.",
			Buckets: []float64{
				1, 2, 3, 4, 5, 6, 8,
				10, 12.5, 16, 20, 25, 32, 40, 50, 63, 79,
				100, 125, 160, 200, 250, 320, 400, 500, 630, 790,
				1000,
			},
		})

	// ActiveConnections tracks the number of TCBs the engine currently
	// holds, independent of state.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tcpstack_active_connections",
			Help: "Number of TCBs currently tracked by the engine.",
		},
	)

	// FlowEventsCounter counts open/close notifications published on the
	// event socket, by event kind.
	FlowEventsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lowpan_flow_events_total",
			Help: "Number of flow open/close events published, by kind.",
		}, []string{"event"})

	// SnapshotCount counts the total number of snapshots collected across
	// all connections.
	SnapshotCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lowpan_snapshot_total",
			Help: "Number of snapshots taken.",
		},
	)

	// NewFileCount counts the number of archive files written.
	//
	// Provides metrics:
	//   lowpan_new_file_total
	// Example usage:
	//   metrics.NewFileCount.Inc()
	NewFileCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lowpan_new_file_total",
			Help: "Number of archive files created.",
		},
	)

	// ErrorCount measures the number of errors.
	// Provides metrics:
	//    lowpan_error_total
	// Example usage:
	//    metrics.ErrorCount.With(prometheus.Labels{"type": "foobar"}).Inc()
	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lowpan_error_total",
			Help: "The total number of errors encountered.",
		}, []string{"type"})
)

// init() prints a log message to let the user know that the package has been
// loaded and the metrics registered. The metrics are auto-registered, which
// means they are registered as soon as this package is loaded, and the exact
// time this occurs (and whether this occurs at all in a given context) can be
// opaque.
func init() {
	log.Println("Prometheus metrics in lowpan-stack.metrics are registered.")
}
