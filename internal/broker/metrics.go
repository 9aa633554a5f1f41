package broker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons recorded by Metrics.
const (
	DropMalformed = "malformed"
	DropUnknown   = "unknown_event"
	DropVetoed    = "vetoed"
	DropQuit      = "session_quit"
)

// Error stages recorded by Metrics.
const (
	StageMiddleware = "middleware"
	StageValidation = "validation"
	StageResolver   = "resolver"
)

// Metrics collects broker statistics. A nil *Metrics records nothing, and
// one instance may be shared by many brokers.
type Metrics struct {
	mu sync.Mutex

	sessions      prometheus.Gauge
	messagesTotal *prometheus.CounterVec
	droppedTotal  *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
	broadcasts    prometheus.Counter
	deliveries    prometheus.Counter
	sendFailures  prometheus.Counter

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaynet",
			Subsystem: "broker",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relaynet",
		Subsystem: "broker",
		Name:      name,
		Help:      help,
	})
}

// NewMetrics creates broker collectors for registerer, or the default
// registerer when nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer: registerer,
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relaynet",
			Subsystem: "broker",
			Name:      "sessions",
			Help:      "Number of live sessions",
		}),
		messagesTotal: newCounterVec("messages_total", "Messages dispatched to a registered event", []string{"event"}),
		droppedTotal:  newCounterVec("dropped_total", "Inbound messages dropped without a reply", []string{"reason"}),
		errorsTotal:   newCounterVec("errors_total", "Errors reported to peers as $ERROR", []string{"stage"}),
		broadcasts:    newCounter("broadcasts_total", "Broadcasts started"),
		deliveries:    newCounter("deliveries_total", "Frames handed to transports by broadcasts"),
		sendFailures:  newCounter("send_failures_total", "Broadcast sends that failed"),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.sessions,
		m.messagesTotal,
		m.droppedTotal,
		m.errorsTotal,
		m.broadcasts,
		m.deliveries,
		m.sendFailures,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			// Check if it's already registered (not an error)
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *Metrics) dispatched(event string) {
	if m != nil {
		m.messagesTotal.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) dropped(reason string) {
	if m != nil {
		m.droppedTotal.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) failed(stage string) {
	if m != nil {
		m.errorsTotal.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) broadcast(delivered, failed int) {
	if m != nil {
		m.broadcasts.Inc()
		m.deliveries.Add(float64(delivered))
		m.sendFailures.Add(float64(failed))
	}
}
