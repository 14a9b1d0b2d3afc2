package kernel

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the kernel's Prometheus collectors on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	freePages   prometheus.Gauge
	processes   prometheus.Gauge
	switches    prometheus.Counter
	messages    *prometheus.CounterVec
	delivered   prometheus.Counter
	mailboxFull prometheus.Counter
	interrupts  *prometheus.CounterVec
	violations  prometheus.Counter
	halts       prometheus.Counter
}

// NewMetrics creates the collectors and registers them on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		freePages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ward", Subsystem: "mem", Name: "free_pages",
			Help: "Frames in the global free pool.",
		}),
		processes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ward", Subsystem: "proc", Name: "processes",
			Help: "Live processes.",
		}),
		switches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ward", Subsystem: "sched", Name: "context_switches_total",
			Help: "Threads dispatched onto a core.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ward", Subsystem: "ipc", Name: "messages_sent_total",
			Help: "Messages accepted for sending, by kind.",
		}, []string{"kind"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ward", Subsystem: "ipc", Name: "messages_delivered_total",
			Help: "Messages handed to a receiver.",
		}),
		mailboxFull: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ward", Subsystem: "ipc", Name: "mailbox_full_total",
			Help: "Non-blocking sends rejected by a full mailbox.",
		}),
		interrupts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ward", Subsystem: "irq", Name: "interrupts_total",
			Help: "Interrupts fired, by outcome.",
		}, []string{"outcome"}),
		violations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ward", Subsystem: "proc", Name: "isolation_violations_total",
			Help: "Forged handles or foreign addresses presented by processes.",
		}),
		halts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ward", Name: "halts_total",
			Help: "Kernel halts.",
		}),
	}
	m.reg.MustRegister(
		m.freePages, m.processes, m.switches, m.messages, m.delivered,
		m.mailboxFull, m.interrupts, m.violations, m.halts,
	)
	return m
}

// Registry returns the registry to expose, e.g. with promhttp.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) setFreePages(n int) { m.freePages.Set(float64(n)) }
