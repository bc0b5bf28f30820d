// Package metrics holds the Prometheus collectors of the broker.
//
// Counters and histograms are updated inline by the manager and the file
// façade. Point-in-time gauges (connections by status, running commands,
// live sessions) are pulled from a StateSource at scrape time.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sshbroker"

// Registry is the broker's private registry; /metrics serves only this.
var Registry = prometheus.NewRegistry()

var (
	ConnectionAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connection_attempts_total",
		Help:      "SSH connection attempts by result (connected, failed, rate_limited).",
	}, []string{"result"})

	Commands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_total",
		Help:      "Remote commands by kind (sync, async) and outcome.",
	}, []string{"kind", "outcome"})

	CommandDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "command_duration_seconds",
		Help:      "Wall time of remote commands.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
	}, []string{"kind"})

	HealthChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "health_checks_total",
		Help:      "Health probes by result (healthy, unhealthy).",
	}, []string{"result"})

	FileOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "file_operations_total",
		Help:      "SFTP operations by operation and result.",
	}, []string{"op", "result"})

	TransferBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transfer_bytes_total",
		Help:      "Bytes moved over SFTP by direction (upload, download).",
	}, []string{"direction"})

	ToolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_calls_total",
		Help:      "Agent tool calls by tool and result.",
	}, []string{"tool", "result"})
)

func init() {
	Registry.MustRegister(
		ConnectionAttempts,
		Commands,
		CommandDuration,
		HealthChecks,
		FileOperations,
		TransferBytes,
		ToolCalls,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Result labels a boolean outcome.
func Result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// State is a point-in-time view of the broker's entity maps.
type State struct {
	ConnectionsByStatus map[string]int
	CommandsByStatus    map[string]int
	SessionsByStatus    map[string]int
}

// StateSource supplies State at scrape time.
type StateSource interface {
	MetricsState() State
}

var (
	connectionsDesc = prometheus.NewDesc(namespace+"_connections", "Tracked connections by status.", []string{"status"}, nil)
	commandsDesc    = prometheus.NewDesc(namespace+"_async_commands", "Tracked async commands by status.", []string{"status"}, nil)
	sessionsDesc    = prometheus.NewDesc(namespace+"_interactive_sessions", "Tracked interactive sessions by status.", []string{"status"}, nil)
)

type stateCollector struct {
	src StateSource
}

func (c stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- connectionsDesc
	ch <- commandsDesc
	ch <- sessionsDesc
}

func (c stateCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.MetricsState()
	emit := func(desc *prometheus.Desc, counts map[string]int) {
		for status, n := range counts {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(n), status)
		}
	}
	emit(connectionsDesc, st.ConnectionsByStatus)
	emit(commandsDesc, st.CommandsByStatus)
	emit(sessionsDesc, st.SessionsByStatus)
}

var (
	stateMu  sync.Mutex
	stateCol prometheus.Collector
)

// RegisterStateSource installs src as the gauge source, replacing any
// previously registered one.
func RegisterStateSource(src StateSource) {
	stateMu.Lock()
	defer stateMu.Unlock()
	if stateCol != nil {
		Registry.Unregister(stateCol)
	}
	stateCol = stateCollector{src: src}
	Registry.MustRegister(stateCol)
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
