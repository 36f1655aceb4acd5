package rpcmux

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the multiplexer core: package-level vars,
// MustRegister'd from init(), with small free functions wrapping the
// handful of call sites that need to touch them.
var (
	callsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rpcmux_calls_total",
		Help: "Total calls routed to an upstream node, by outcome.",
	}, []string{"outcome"})

	callDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rpcmux_call_duration_seconds",
		Help:    "Round-trip latency of calls routed to upstream nodes.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"node_id"})

	nodeSelections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rpcmux_node_selections_total",
		Help: "Times a node was chosen by the selector.",
	}, []string{"node_id"})

	nodeErroring = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rpcmux_node_erroring",
		Help: "Whether a node is currently marked erroring (1) or healthy (0).",
	}, []string{"node_id"})

	workerStateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rpcmux_worker_state",
		Help: "Current worker lifecycle state, one gauge per node set to 1 when active.",
	}, []string{"node_id", "state"})

	outboundDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rpcmux_outbound_dropped_total",
		Help: "Frames dropped because an outbound queue was full.",
	}, []string{"queue"})

	subscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rpcmux_subscriptions_active",
		Help: "Distinct upstream subscriptions currently registered.",
	})

	usersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rpcmux_users_connected",
		Help: "Currently connected downstream users.",
	})

	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rpcmux_errors_total",
		Help: "Errors observed, by sentinel kind.",
	}, []string{"kind"})

	processMemoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rpcmux_process_memory_bytes",
		Help: "Resident set size of this process, sampled periodically.",
	})

	processCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rpcmux_process_cpu_percent",
		Help: "Process CPU usage percent since the last sample.",
	})
)

func init() {
	prometheus.MustRegister(
		callsTotal,
		callDuration,
		nodeSelections,
		nodeErroring,
		workerStateGauge,
		outboundDropped,
		subscriptionsActive,
		usersConnected,
		errorsTotal,
		processMemoryBytes,
		processCPUPercent,
	)
}

// RecordCall observes one completed call's outcome and, on success, its
// latency against the node that answered it.
func RecordCall(nodeID int, outcome string, d time.Duration) {
	callsTotal.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		callDuration.WithLabelValues(strconv.Itoa(nodeID)).Observe(d.Seconds())
	}
}

// RecordSelection marks that nodeID was chosen by the selector for one
// outbound frame.
func RecordSelection(nodeID int) {
	nodeSelections.WithLabelValues(strconv.Itoa(nodeID)).Inc()
}

// RecordNodeHealth reflects a node's current erroring state into the
// gauge, so dashboards can show the same view the selector acts on.
func RecordNodeHealth(nodeID int, erroring bool) {
	v := 0.0
	if erroring {
		v = 1.0
	}
	nodeErroring.WithLabelValues(strconv.Itoa(nodeID)).Set(v)
}

// RecordWorkerState zeroes every other known state for nodeID and sets
// the current one, so a Grafana panel summed across the "state" label
// always totals 1 per node.
func RecordWorkerState(nodeID int, current workerState) {
	for _, s := range []workerState{stateConnecting, stateOpen, stateDraining, stateBroken, stateClosed} {
		v := 0.0
		if s == current {
			v = 1.0
		}
		workerStateGauge.WithLabelValues(strconv.Itoa(nodeID), s.String()).Set(v)
	}
}

// RecordOutboundDrop counts a frame dropped because queue was full.
func RecordOutboundDrop(queue string) {
	outboundDropped.WithLabelValues(queue).Inc()
}

// SetSubscriptionsActive and SetUsersConnected publish point-in-time
// gauges; callers sample these periodically rather than on every event.
func SetSubscriptionsActive(n int) { subscriptionsActive.Set(float64(n)) }
func SetUsersConnected(n int)      { usersConnected.Set(float64(n)) }

// SetProcessResourceUsage publishes this process's current memory (bytes)
// and CPU usage (percent since the last sample), as reported by the
// caller's resource monitor.
func SetProcessResourceUsage(rssBytes uint64, cpuPercent float64) {
	processMemoryBytes.Set(float64(rssBytes))
	processCPUPercent.Set(cpuPercent)
}

// RecordErrorKind increments the counter for err's sentinel kind, whether
// the error was surfaced to a caller or recovered locally (dial failures,
// broken connections, dropped notifications).
func RecordErrorKind(err error) {
	errorsTotal.WithLabelValues(errorKindLabel(err)).Inc()
}

func errorKindLabel(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrConnectFailed):
		return "connect_failed"
	case errors.Is(err, ErrIoBroken):
		return "io_broken"
	case errors.Is(err, ErrParseError):
		return "parse_error"
	case errors.Is(err, ErrUnknownSubscription):
		return "unknown_subscription"
	case errors.Is(err, ErrMisroutedCall):
		return "misrouted_call"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrSendFailed):
		return "send_failed"
	default:
		return "other"
	}
}
