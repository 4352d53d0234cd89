// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsDecodedTotal counts packets delivered by trace sources
	PacketsDecodedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pktt_packets_decoded_total",
			Help: "Total number of packets decoded from capture records",
		},
	)

	// RecordsFilteredTotal counts capture records rejected by the BPF prefilter
	RecordsFilteredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pktt_records_filtered_total",
			Help: "Total number of capture records dropped by the record filter",
		},
	)

	// LayerDecodeErrorsTotal counts leaf decoders that failed or panicked, by dispatch table
	LayerDecodeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pktt_layer_decode_errors_total",
			Help: "Total number of layer decode failures degraded to an absent layer",
		},
		[]string{"table"},
	)

	// TraceEventsTotal counts trace source events: rewind, reset, file_switch, truncated, poll
	TraceEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pktt_trace_events_total",
			Help: "Total number of trace source events",
		},
		[]string{"event"},
	)

	// StreamsActive tracks TCP connection directions with reassembly state
	StreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pktt_streams_active",
			Help: "Number of TCP stream reassembly entries",
		},
	)

	// StreamGapsTotal counts forward gaps opened by out-of-order segments
	StreamGapsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pktt_stream_gaps_total",
			Help: "Total number of sequence gaps opened in TCP streams",
		},
	)

	// StreamRetransmissionsTotal counts segments ignored as duplicates
	StreamRetransmissionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pktt_stream_retransmissions_total",
			Help: "Total number of retransmitted TCP segments",
		},
	)

	// StreamDesyncsTotal counts buffers dropped to resynchronize a stream
	StreamDesyncsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pktt_stream_desyncs_total",
			Help: "Total number of TCP stream resynchronizations",
		},
	)

	// ReassemblyActiveFragments tracks IPv4 datagrams awaiting fragments
	ReassemblyActiveFragments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pktt_reassembly_active_fragments",
			Help: "Number of IPv4 datagrams in the fragment reassembly table",
		},
	)

	// RDMASegmentsCompleted counts RDMA segments whose data fully arrived
	RDMASegmentsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pktt_rdma_segments_completed_total",
			Help: "Total number of reassembled RDMA segments",
		},
	)

	// RPCOrphansTotal counts replies without a call and calls without a reply
	RPCOrphansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pktt_rpc_orphans_total",
			Help: "Total number of uncorrelated RPC messages",
		},
		[]string{"kind"},
	)

	// MatchPacketsScannedTotal counts packets evaluated by match predicates
	MatchPacketsScannedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pktt_match_packets_scanned_total",
			Help: "Total number of packets evaluated against match expressions",
		},
	)
)

// Orphan kinds for RPCOrphansTotal.
const (
	OrphanReply = "reply"
	OrphanCall  = "call"
)
