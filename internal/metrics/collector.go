// Package metrics exposes flow-control observations to Prometheus and
// keeps the hourly mail aggregate in Valkey.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relayctl"

// Collector holds all Prometheus metrics for relayctl. It satisfies the
// metrics interfaces of the policy, release, abuse and logwatch packages.
type Collector struct {
	registry *prometheus.Registry

	// Policy metrics
	Decisions      *prometheus.CounterVec
	DecisionErrors prometheus.Counter
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	ResyncFailures prometheus.Counter
	CounterHour    prometheus.Gauge
	CounterDay     prometheus.Gauge

	// Release metrics
	ReleaseCycles   *prometheus.CounterVec
	ReleasedTotal   *prometheus.CounterVec
	ReleaseCapacity prometheus.Gauge

	// Abuse metrics
	Failures   *prometheus.CounterVec
	BansTotal  *prometheus.CounterVec
	BansLifted *prometheus.CounterVec
	BansActive prometheus.Gauge

	// Log watcher metrics
	LogEvents *prometheus.CounterVec
}

// NewCollector registers all metrics on a fresh registry, along with the Go
// and process collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return newCollector(reg)
}

func newCollector(reg *prometheus.Registry) *Collector {
	f := promauto.With(reg)
	return &Collector{
		registry: reg,

		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_decisions_total",
			Help:      "Policy verdicts by action and blocking cap",
		}, []string{"verdict", "cap"}),
		DecisionErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_decision_errors_total",
			Help:      "Decisions that failed open after an error",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "policy_sessions_active",
			Help:      "Open policy connections",
		}),
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_sessions_total",
			Help:      "Policy connections accepted",
		}),
		ResyncFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "counter_resync_failures_total",
			Help:      "Failed volume counter resyncs",
		}),
		CounterHour: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "counter_hour",
			Help:      "Messages admitted in the current hour",
		}),
		CounterDay: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "counter_day",
			Help:      "Messages admitted in the current day",
		}),

		ReleaseCycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "release_cycles_total",
			Help:      "Release cycles by mode and result",
		}, []string{"mode", "result"}),
		ReleasedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "released_messages_total",
			Help:      "Held messages released",
		}, []string{"mode"}),
		ReleaseCapacity: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "release_capacity",
			Help:      "Remaining capacity computed by the last throttled release cycle",
		}),

		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "abuse_failures_total",
			Help:      "Failures recorded per reason",
		}, []string{"reason"}),
		BansTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bans_total",
			Help:      "Bans activated by kind",
		}, []string{"kind"}),
		BansLifted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bans_lifted_total",
			Help:      "Bans lifted by kind",
		}, []string{"kind"}),
		BansActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bans_active",
			Help:      "Active bans in the deny list",
		}),

		LogEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_events_total",
			Help:      "Classified MTA log lines",
		}, []string{"kind"}),
	}
}

// Registry returns the registry the metrics are registered on
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the HTTP handler serving the registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Decision records a policy verdict
func (c *Collector) Decision(verdict, cap string) {
	c.Decisions.WithLabelValues(verdict, cap).Inc()
}

// DecisionError records a decision that failed open
func (c *Collector) DecisionError() {
	c.DecisionErrors.Inc()
}

// SessionOpened records a new policy connection
func (c *Collector) SessionOpened() {
	c.SessionsTotal.Inc()
	c.SessionsActive.Inc()
}

// SessionClosed records a closed policy connection
func (c *Collector) SessionClosed() {
	c.SessionsActive.Dec()
}

// ResyncFailed records a failed counter resync
func (c *Collector) ResyncFailed() {
	c.ResyncFailures.Inc()
}

// CounterState records the counter values after an admission
func (c *Collector) CounterState(hour, day int64) {
	c.CounterHour.Set(float64(hour))
	c.CounterDay.Set(float64(day))
}

// ReleaseCycle records one release cycle
func (c *Collector) ReleaseCycle(mode string, capacity, released int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	if mode == "" {
		mode = "unknown"
	}
	c.ReleaseCycles.WithLabelValues(mode, result).Inc()
	if released > 0 {
		c.ReleasedTotal.WithLabelValues(mode).Add(float64(released))
	}
	if capacity >= 0 {
		c.ReleaseCapacity.Set(float64(capacity))
	}
}

// FailureRecorded records an abuse failure
func (c *Collector) FailureRecorded(reason string) {
	c.Failures.WithLabelValues(reason).Inc()
}

// BanActivated records a new ban
func (c *Collector) BanActivated(kind string) {
	c.BansTotal.WithLabelValues(kind).Inc()
}

// BanLifted records a ban being lifted
func (c *Collector) BanLifted(kind string) {
	c.BansLifted.WithLabelValues(kind).Inc()
}

// ActiveBans records the number of active bans
func (c *Collector) ActiveBans(n int) {
	c.BansActive.Set(float64(n))
}

// LogEvent records a classified log line
func (c *Collector) LogEvent(kind string) {
	c.LogEvents.WithLabelValues(kind).Inc()
}
