// Package metrics collects the counters the core's error-handling design
// (spec.md section 7) calls out by name: bad senders, ring-buffer overflow,
// cementation throughput, and bootstrap requeue volume.
package metrics

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const Namespace = "nanod"

// Metrics is the full set of counters/gauges shared across subsystems.
// Subsystems hold only the fields they need.
type Metrics struct {
	// C: channel layer
	ErrorBadSender metrics.Counter
	UDPOverflow    metrics.Counter
	HandshakeFail  metrics.Counter

	// D: codec
	ParseErrors metrics.Counter

	// E: bootstrap puller
	PullsRequeued  metrics.Counter
	PullsDropped   metrics.Counter
	LazyDuplicates metrics.Counter

	// G: block processor
	BlocksProcessed metrics.Counter
	BlocksGapped    metrics.Counter

	// H: confirmation height tracker
	BlocksConfirmed          metrics.Counter
	BlocksConfirmedBounded   metrics.Counter
	BlocksConfirmedUnbounded metrics.Counter

	// I: frontier prioritizer
	PrioritizedFrontiers metrics.Gauge
}

// New builds Prometheus-backed metrics registered under Namespace/subsystem.
func New(subsystem string) *Metrics {
	labels := []string{}
	return &Metrics{
		ErrorBadSender: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: Namespace, Subsystem: subsystem, Name: "error_bad_sender",
			Help: "messages discarded because the sender endpoint equals our own",
		}, labels),
		UDPOverflow: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: Namespace, Subsystem: subsystem, Name: "udp_overflow",
			Help: "message buffer ring overflow events",
		}, labels),
		HandshakeFail: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: Namespace, Subsystem: subsystem, Name: "handshake_failures",
			Help: "node_id_handshake failures",
		}, labels),
		ParseErrors: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: Namespace, Subsystem: subsystem, Name: "parse_errors",
			Help: "message frames dropped for failing to parse",
		}, labels),
		PullsRequeued: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: Namespace, Subsystem: subsystem, Name: "bootstrap_pulls_requeued",
			Help: "bootstrap pulls requeued after a network error",
		}, labels),
		PullsDropped: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: Namespace, Subsystem: subsystem, Name: "bootstrap_pulls_dropped",
			Help: "bootstrap pulls dropped after exceeding retry_limit",
		}, labels),
		LazyDuplicates: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: Namespace, Subsystem: subsystem, Name: "bootstrap_lazy_duplicates",
			Help: "blocks returned during lazy bootstrap that were already seen",
		}, labels),
		BlocksProcessed: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: Namespace, Subsystem: subsystem, Name: "blocks_processed",
			Help: "blocks admitted by the block processor",
		}, labels),
		BlocksGapped: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: Namespace, Subsystem: subsystem, Name: "blocks_gapped",
			Help: "blocks parked in unchecked for a missing dependency",
		}, labels),
		BlocksConfirmed: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: Namespace, Subsystem: subsystem, Name: "blocks_confirmed",
			Help: "blocks cemented by the confirmation height tracker",
		}, labels),
		BlocksConfirmedBounded: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: Namespace, Subsystem: subsystem, Name: "blocks_confirmed_bounded",
			Help: "cementations performed by the bounded walker",
		}, labels),
		BlocksConfirmedUnbounded: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: Namespace, Subsystem: subsystem, Name: "blocks_confirmed_unbounded",
			Help: "cementations performed by the unbounded walker",
		}, labels),
		PrioritizedFrontiers: kitprometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: subsystem, Name: "prioritized_frontiers",
			Help: "accounts currently held in the frontier prioritizer",
		}, labels),
	}
}

// NewDiscard returns a Metrics whose members all discard, for tests and
// other callers that don't want a Prometheus registration side effect.
func NewDiscard() *Metrics {
	return &Metrics{
		ErrorBadSender:           discard.NewCounter(),
		UDPOverflow:              discard.NewCounter(),
		HandshakeFail:            discard.NewCounter(),
		ParseErrors:              discard.NewCounter(),
		PullsRequeued:            discard.NewCounter(),
		PullsDropped:             discard.NewCounter(),
		LazyDuplicates:           discard.NewCounter(),
		BlocksProcessed:          discard.NewCounter(),
		BlocksGapped:             discard.NewCounter(),
		BlocksConfirmed:          discard.NewCounter(),
		BlocksConfirmedBounded:   discard.NewCounter(),
		BlocksConfirmedUnbounded: discard.NewCounter(),
		PrioritizedFrontiers:     discard.NewGauge(),
	}
}
