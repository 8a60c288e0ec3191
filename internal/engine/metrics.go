package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/xela07ax/ledger-orchestrator/internal/domain"
	"github.com/xela07ax/ledger-orchestrator/internal/resilience"
)

type Metrics struct {
	// Latency: сколько времени заняло исполнение задачи агентом (включая коннекторы)
	TaskDuration *prometheus.HistogramVec

	// Traffic: общее кол-во задач
	TasksTotal *prometheus.CounterVec

	// Errors: классификация отказов по таксономии (MissingCapability, CircuitOpen, ...)
	ErrorTotal *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - closed, 1 - open, 2 - half_open)
	CircuitBreakerState *prometheus.GaugeVec

	// Throttling: отказы лимитера по области (tenant, dependency)
	RateLimited *prometheus.CounterVec

	// Orchestration: итоговые статусы запусков
	Orchestrations *prometheus.CounterVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		TaskDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_task_duration_seconds",
			Help:    "Histogram of agent task latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"agent_id", "status"}),

		TasksTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_tasks_total",
			Help: "Total number of executed agent tasks.",
		}, []string{"agent_id", "status"}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_task_errors_total",
			Help: "Total number of failed tasks by error kind.",
		}, []string{"kind"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "ledger_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open, 2=half_open).",
		}, []string{"breaker"}),

		RateLimited: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_rate_limited_total",
			Help: "Total number of requests rejected by a rate limiter.",
		}, []string{"scope"}),

		Orchestrations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_orchestrations_total",
			Help: "Total number of orchestration runs by outcome.",
		}, []string{"status"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "ledger_audit_buffer_utilization",
			Help: "Current number of entries in audit buffer.",
		}),
	}
}

// ObserveTask фиксирует завершение попытки исполнения задачи.
func (m *Metrics) ObserveTask(agentID domain.AgentID, res domain.TaskResult, d time.Duration) {
	status := "success"
	if !res.Success {
		status = "failed"
		m.ErrorTotal.WithLabelValues(res.ErrorKind).Inc()
	}
	m.TasksTotal.WithLabelValues(string(agentID), status).Inc()
	m.TaskDuration.WithLabelValues(string(agentID), status).Observe(d.Seconds())
}

// ObserveBreaker подходит как resilience.StateObserver.
func (m *Metrics) ObserveBreaker(name string, _, to resilience.BreakerState) {
	var v float64
	switch to {
	case resilience.StateOpen:
		v = 1
	case resilience.StateHalfOpen:
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

func (m *Metrics) ObserveRateLimited(scope string) {
	m.RateLimited.WithLabelValues(scope).Inc()
}

func (m *Metrics) ObserveOrchestration(status string) {
	m.Orchestrations.WithLabelValues(status).Inc()
}
