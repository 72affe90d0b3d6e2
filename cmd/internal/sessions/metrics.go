package sessions

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// managerMetrics is nil-safe: a Manager without a registerer records nothing.
type managerMetrics struct {
	active      prometheus.GaugeFunc
	started     prometheus.Counter
	revives     *prometheus.CounterVec
	reconnects  *prometheus.CounterVec
	disconnects *prometheus.CounterVec
	sends       *prometheus.CounterVec
}

func newManagerMetrics(reg prometheus.Registerer, active func() float64) *managerMetrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)

	return &managerMetrics{
		active: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "linkgate",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Sessions currently held in the registry.",
		}, active),
		started: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "linkgate",
			Subsystem: "sessions",
			Name:      "started_total",
			Help:      "Interactive logins started.",
		}),
		revives: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linkgate",
			Subsystem: "sessions",
			Name:      "revives_total",
			Help:      "Sessions revived from the store, by result.",
		}, []string{"result"}),
		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linkgate",
			Subsystem: "sessions",
			Name:      "reconnects_total",
			Help:      "Reconnects scheduled after transient disconnects, by cause.",
		}, []string{"cause"}),
		disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linkgate",
			Subsystem: "sessions",
			Name:      "disconnects_total",
			Help:      "Connection closes reported by the transport.",
		}, []string{"cause", "terminal"}),
		sends: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linkgate",
			Subsystem: "sessions",
			Name:      "messages_sent_total",
			Help:      "Send operations by result.",
		}, []string{"result"}),
	}
}

func (m *managerMetrics) sessionStarted() {
	if m == nil {
		return
	}
	m.started.Inc()
}

func (m *managerMetrics) revived(ok bool) {
	if m == nil {
		return
	}
	m.revives.WithLabelValues(result(ok)).Inc()
}

func (m *managerMetrics) reconnectScheduled(cause string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(cause).Inc()
}

func (m *managerMetrics) disconnected(cause string, terminal bool) {
	if m == nil {
		return
	}
	t := "false"
	if terminal {
		t = "true"
	}
	m.disconnects.WithLabelValues(cause, t).Inc()
}

func (m *managerMetrics) sent(ok bool) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(result(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
