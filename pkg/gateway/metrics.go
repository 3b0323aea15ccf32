package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics экспортирует счетчики контрольного канала в Prometheus
type Metrics struct {
	stateTransitions *prometheus.CounterVec
	heartbeatsSent   prometheus.Counter
	heartbeatErrors  prometheus.Counter
	resumesTotal     prometheus.Counter
	epochTransitions *prometheus.CounterVec
	binaryMessages   *prometheus.CounterVec
}

// MetricsConfig конфигурация системы метрик
type MetricsConfig struct {
	// Namespace префикс для Prometheus метрик
	Namespace string

	// Subsystem подсистема для Prometheus метрик
	Subsystem string

	// Registerer реестр метрик (nil - реестр по умолчанию)
	Registerer prometheus.Registerer
}

// DefaultMetricsConfig возвращает конфигурацию по умолчанию
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "voice",
		Subsystem: "gateway",
	}
}

// NewMetrics создает и регистрирует счетчики сессии
func NewMetrics(config MetricsConfig) *Metrics {
	reg := config.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "state_transitions_total",
			Help:      "Total number of session state transitions",
		}, []string{"from", "to"}),
		heartbeatsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "heartbeats_sent_total",
			Help:      "Total number of heartbeats sent",
		}),
		heartbeatErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "heartbeat_errors_total",
			Help:      "Total number of heartbeat send failures",
		}),
		resumesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "resumes_total",
			Help:      "Total number of reconnect-with-resume attempts",
		}),
		epochTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "epoch_transitions_total",
			Help:      "Total number of encryption epoch transition events",
		}, []string{"event"}),
		binaryMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "binary_messages_total",
			Help:      "Total number of binary control messages processed",
		}, []string{"op"}),
	}
}

func (m *Metrics) recordTransition(from, to string) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) recordHeartbeat(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.heartbeatErrors.Inc()
		return
	}
	m.heartbeatsSent.Inc()
}

func (m *Metrics) recordResume() {
	if m == nil {
		return
	}
	m.resumesTotal.Inc()
}

func (m *Metrics) recordEpochEvent(event string) {
	if m == nil {
		return
	}
	m.epochTransitions.WithLabelValues(event).Inc()
}

func (m *Metrics) recordBinary(op string) {
	if m == nil {
		return
	}
	m.binaryMessages.WithLabelValues(op).Inc()
}
