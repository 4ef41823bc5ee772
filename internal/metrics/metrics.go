// Package metrics exposes agent counters on a private Prometheus registry.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hostagent"

type Metrics struct {
	registry *prometheus.Registry

	executions  *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	drained     prometheus.Counter
	reauths     prometheus.Counter
	reconciles  *prometheus.CounterVec
	activities  prometheus.Gauge
	pushUp      prometheus.Gauge
	pushRetries prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	_ = reg.Register(prometheus.NewGoCollector())
	_ = reg.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "executions_total",
			Help: "Activity command executions by outcome.",
		}, []string{"outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "deliveries_total",
			Help: "Result deliveries by path and action taken.",
		}, []string{"path", "action"}),
		drained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "drained_rows_total",
			Help: "Stored rows removed by the drain.",
		}),
		reauths: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reauthentications_total",
			Help: "Reauthentications started after a session was invalidated.",
		}),
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconciles_total",
			Help: "Config fetches by result.",
		}, []string{"result"}),
		activities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "activities",
			Help: "Activities currently scheduled.",
		}),
		pushUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "push_connected",
			Help: "1 while the push channel is connected.",
		}),
		pushRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "push_reconnects_total",
			Help: "Push channel reconnect attempts.",
		}),
	}
	reg.MustRegister(m.executions, m.deliveries, m.drained, m.reauths, m.reconciles, m.activities, m.pushUp, m.pushRetries)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Execution(code int) {
	if m == nil {
		return
	}
	outcome := "ok"
	switch {
	case code < 0:
		outcome = "spawn_error"
	case code > 0:
		outcome = "nonzero"
	}
	m.executions.WithLabelValues(outcome).Inc()
}

// Delivery counts one send attempt. path is "live" or "drain".
func (m *Metrics) Delivery(path, action string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(path, action).Inc()
}

func (m *Metrics) Drained(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.drained.Add(float64(n))
}

func (m *Metrics) Reauthenticated() {
	if m == nil {
		return
	}
	m.reauths.Inc()
}

func (m *Metrics) Reconciled(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.reconciles.WithLabelValues(result).Inc()
}

func (m *Metrics) SetActivities(n int) {
	if m == nil {
		return
	}
	m.activities.Set(float64(n))
}

func (m *Metrics) SetPushConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.pushUp.Set(1)
	} else {
		m.pushUp.Set(0)
	}
}

func (m *Metrics) PushReconnect() {
	if m == nil {
		return
	}
	m.pushRetries.Inc()
}
