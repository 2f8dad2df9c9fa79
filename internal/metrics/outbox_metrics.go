package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OutboxMetrics — метрики публикации outbox в брокер. Безопасны для nil.
type OutboxMetrics struct {
	attempts     *prometheus.CounterVec
	pending      prometheus.Gauge
	oldestAge    prometheus.Gauge
	batchLatency prometheus.Histogram

	cleanupRuns    *prometheus.CounterVec
	cleanupDeleted prometheus.Counter
}

// NewOutboxMetrics регистрирует метрики в DefaultRegisterer.
func NewOutboxMetrics() *OutboxMetrics {
	return NewOutboxMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewOutboxMetricsWithRegisterer регистрирует метрики в переданном registerer.
func NewOutboxMetricsWithRegisterer(registerer prometheus.Registerer) *OutboxMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &OutboxMetrics{
		attempts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "cartsync_outbox_publish_attempts_total",
			Help: "Total number of outbox publish attempts grouped by result.",
		}, []string{"result"}),
		pending: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "cartsync_outbox_pending_records",
			Help: "Current number of pending records in the outbox.",
		}),
		oldestAge: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "cartsync_outbox_oldest_pending_age_seconds",
			Help: "Age in seconds of the oldest pending outbox record.",
		}),
		batchLatency: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "cartsync_outbox_batch_duration_seconds",
			Help:    "Duration of one outbox polling cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		cleanupRuns: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "cartsync_outbox_cleanup_runs_total",
			Help: "Total number of outbox cleanup runs grouped by result.",
		}, []string{"result"}),
		cleanupDeleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "cartsync_outbox_cleanup_deleted_total",
			Help: "Total number of processed outbox records removed by retention cleanup.",
		}),
	}
}

// RecordAttempt учитывает результат попытки: sent, retry_error, failed, dlq_failed.
func (m *OutboxMetrics) RecordAttempt(result string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(result).Inc()
}

// SetBacklog обновляет размер и возраст backlog.
func (m *OutboxMetrics) SetBacklog(pending int, oldestAge time.Duration) {
	if m == nil {
		return
	}
	m.pending.Set(float64(pending))
	if oldestAge < 0 {
		oldestAge = 0
	}
	m.oldestAge.Set(oldestAge.Seconds())
}

// ObserveBatch учитывает длительность цикла опроса.
func (m *OutboxMetrics) ObserveBatch(d time.Duration) {
	if m == nil {
		return
	}
	m.batchLatency.Observe(d.Seconds())
}

// PendingGauge возвращает gauge размера backlog.
func (m *OutboxMetrics) PendingGauge() prometheus.Gauge {
	return m.pending
}

// RecordCleanup учитывает результат прогона очистки: ok или error.
func (m *OutboxMetrics) RecordCleanup(result string) {
	if m == nil {
		return
	}
	m.cleanupRuns.WithLabelValues(result).Inc()
}

// AddCleanupDeleted учитывает удалённые при очистке записи.
func (m *OutboxMetrics) AddCleanupDeleted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cleanupDeleted.Add(float64(n))
}

// CleanupDeletedCounter возвращает счётчик удалённых записей.
func (m *OutboxMetrics) CleanupDeletedCounter() prometheus.Counter {
	return m.cleanupDeleted
}
