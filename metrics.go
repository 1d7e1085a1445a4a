package unitmgr

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "unitmgr"

// metrics holds the counters the Manager updates while serving requests
type metrics struct {
	denied           *prometheus.CounterVec
	deliveryFailures prometheus.Counter
	unitFileChanges  prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		denied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "access_denied_total",
			Help:      "Requests rejected by the access gate, by action",
		}, []string{"action"}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "notification_failures_total",
			Help:      "Notifications that could not be delivered to every channel",
		}),
		unitFileChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "unit_file_changes_total",
			Help:      "File system changes made by unit-file operations",
		}),
	}
}

// Collectors returns the Manager's metrics. Gauges are read under the
// request serialization at scrape time.
func (m *Manager) Collectors() []prometheus.Collector {
	gauge := func(name, help string, f func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		}, f)
	}

	return []prometheus.Collector{
		m.metrics.denied,
		m.metrics.deliveryFailures,
		m.metrics.unitFileChanges,
		gauge("names", "Unit names known to the registry, aliases included", func() float64 {
			return float64(m.NNames())
		}),
		gauge("jobs", "Outstanding jobs", func() float64 {
			return float64(m.NJobs())
		}),
		gauge("jobs_installed", "Jobs installed since start", func() float64 {
			return float64(m.NInstalledJobs())
		}),
		gauge("jobs_failed", "Jobs that did not finish successfully", func() float64 {
			return float64(m.NFailedJobs())
		}),
		gauge("progress", "Share of installed jobs no longer pending", m.Progress),
		gauge("subscribers", "Endpoints subscribed to notifications", func() float64 {
			m.mu.Lock()
			defer m.mu.Unlock()
			return float64(m.subs.size())
		}),
		gauge("exit_code", "Latched exit code, 0 while running", func() float64 {
			return float64(m.ExitCode())
		}),
	}
}

// RegisterMetrics registers the Manager's metrics with r
func (m *Manager) RegisterMetrics(r prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
