// Package aegismetrics provides the Prometheus metrics surface for the
// coordination core. Each Sink owns its own prometheus.Registry instead of
// registering into the global default registry, since each ServiceRuntime
// owns its own metrics sink; this package never exposes an HTTP handler —
// exporting metrics is an external collaborator's job, not this core's.
package aegismetrics

import "github.com/prometheus/client_golang/prometheus"

// Sink bundles every counter/gauge a ServiceRuntime reports. Counters are
// monotonic; gauges are last-writer-wins, matching the concurrency model's
// statement that metrics may be eventually consistent.
type Sink struct {
	Registry *prometheus.Registry

	HeartbeatsSent   prometheus.Counter
	HeartbeatsFailed prometheus.Counter

	ElectionsWon            prometheus.Counter
	ElectionsLost           prometheus.Counter
	LeadershipTransitions   prometheus.Counter
	LeadershipRenewFailures prometheus.Counter
	IsActive                prometheus.Gauge

	RpcCallsTotal    *prometheus.CounterVec
	RpcCallDuration  *prometheus.HistogramVec
	EventsPublished  prometheus.Counter
	EventsHandled    prometheus.Counter
	CommandsHandled  *prometheus.CounterVec
	CommandRetries   prometheus.Counter
	CommandsDeadLettered prometheus.Counter

	WatchRestarts prometheus.Counter
	TaskRestarts  *prometheus.CounterVec
}

// NewSink builds and registers a fresh metrics sink under its own registry.
func NewSink(namespace string) *Sink {
	reg := prometheus.NewRegistry()
	s := &Sink{
		Registry: reg,
		HeartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "heartbeats_sent_total", Help: "Registry heartbeats sent.",
		}),
		HeartbeatsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "heartbeats_failed_total", Help: "Registry heartbeats that failed.",
		}),
		ElectionsWon: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "elections_won_total", Help: "Leader elections won.",
		}),
		ElectionsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "elections_lost_total", Help: "Leader elections lost.",
		}),
		LeadershipTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "leadership_transitions_total", Help: "Transitions between ACTIVE and STANDBY.",
		}),
		LeadershipRenewFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "leadership_renew_failures_total", Help: "Leader key renewal failures.",
		}),
		IsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "is_active", Help: "1 if this instance currently holds leadership of its group.",
		}),
		RpcCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rpc_calls_total", Help: "RPC calls by method and outcome.",
		}, []string{"method", "outcome"}),
		RpcCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "rpc_call_duration_seconds", Help: "RPC call duration.", Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_published_total", Help: "Events published.",
		}),
		EventsHandled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_handled_total", Help: "Events delivered to a handler.",
		}),
		CommandsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "commands_handled_total", Help: "Commands handled by outcome.",
		}, []string{"command", "outcome"}),
		CommandRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "command_retries_total", Help: "Command redeliveries after nak.",
		}),
		CommandsDeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "commands_dead_lettered_total", Help: "Commands dead-lettered after exhausting retries.",
		}),
		WatchRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "watch_restarts_total", Help: "KV watch consumer restarts.",
		}),
		TaskRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "task_restarts_total", Help: "Supervised background task restarts by task name.",
		}, []string{"task"}),
	}

	reg.MustRegister(
		s.HeartbeatsSent, s.HeartbeatsFailed,
		s.ElectionsWon, s.ElectionsLost, s.LeadershipTransitions, s.LeadershipRenewFailures, s.IsActive,
		s.RpcCallsTotal, s.RpcCallDuration, s.EventsPublished, s.EventsHandled,
		s.CommandsHandled, s.CommandRetries, s.CommandsDeadLettered,
		s.WatchRestarts, s.TaskRestarts,
	)
	return s
}
