package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the orchestrator's Prometheus metrics. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	TasksDetected   prometheus.Counter
	TaskTransitions *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
	StepDuration    *prometheus.HistogramVec
	StepFailures    *prometheus.CounterVec
	Retries         *prometheus.CounterVec
	PollErrors      prometheus.Counter
	LastPoll        prometheus.Gauge
	FeesCollected   *prometheus.CounterVec
	NotifyFailures  prometheus.Counter
}

// NewMetrics creates and registers all metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TasksDetected: f.NewCounter(prometheus.CounterOpts{
			Name: "graduator_tasks_detected_total",
			Help: "Graduation tasks created from ledger events",
		}),
		TaskTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "graduator_task_transitions_total",
			Help: "Persisted task status transitions",
		}, []string{"status"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "graduator_queue_depth",
			Help: "Tasks waiting for the executor, including the active one",
		}),
		StepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "graduator_step_duration_seconds",
			Help:    "Wall time of one saga step including retries",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"step"}),
		StepFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "graduator_step_failures_total",
			Help: "Steps that ended the task as FAILED",
		}, []string{"step"}),
		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "graduator_retries_total",
			Help: "Retried ledger writes",
		}, []string{"op"}),
		PollErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "graduator_poll_errors_total",
			Help: "Event poll ticks that ended with an error",
		}),
		LastPoll: f.NewGauge(prometheus.GaugeOpts{
			Name: "graduator_last_poll_timestamp_seconds",
			Help: "Unix time of the last successful poll",
		}),
		FeesCollected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "graduator_fee_collections_total",
			Help: "Fee collection attempts per position",
		}, []string{"result"}),
		NotifyFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "graduator_notify_failures_total",
			Help: "Indexer notifications that failed",
		}),
	}
}

func (m *Metrics) Detected() {
	if m != nil {
		m.TasksDetected.Inc()
	}
}

func (m *Metrics) Transition(status string) {
	if m != nil {
		m.TaskTransitions.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) Queue(n int) {
	if m != nil {
		m.QueueDepth.Set(float64(n))
	}
}

func (m *Metrics) ObserveStep(step string, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(step).Observe(d.Seconds())
	if failed {
		m.StepFailures.WithLabelValues(step).Inc()
	}
}

func (m *Metrics) Retry(op string) {
	if m != nil {
		m.Retries.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) Polled(at time.Time, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.PollErrors.Inc()
		return
	}
	m.LastPoll.Set(float64(at.Unix()))
}

func (m *Metrics) FeeCollection(result string) {
	if m != nil {
		m.FeesCollected.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) NotifyFailed() {
	if m != nil {
		m.NotifyFailures.Inc()
	}
}
