package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SyncMetrics содержит метрики шины событий и моделей представления.
// Все методы безопасны для nil-получателя.
type SyncMetrics struct {
	// Шина
	published      *prometheus.CounterVec
	delivered      *prometheus.CounterVec
	handlerFailed  *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	remoteReceived *prometheus.CounterVec

	// Изменения заказа
	mergeOps           *prometheus.CounterVec
	coalesced          prometheus.Counter
	mutationsInFlight  prometheus.Gauge
	activations        *prometheus.CounterVec
	rejectedSelections *prometheus.CounterVec

	// Коллаборатор
	collaboratorDuration *prometheus.HistogramVec

	activeSessions prometheus.Gauge
}

// NewSyncMetrics регистрирует метрики в DefaultRegisterer.
func NewSyncMetrics() *SyncMetrics {
	return NewSyncMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewSyncMetricsWithRegisterer регистрирует метрики в переданном registerer.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewSyncMetricsWithRegisterer(registerer prometheus.Registerer) *SyncMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &SyncMetrics{
		published: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "cartsync_bus_published_total",
			Help: "Total number of messages published on the event bus",
		}, []string{"channel"}),
		delivered: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "cartsync_bus_delivered_total",
			Help: "Total number of handler invocations on the event bus",
		}, []string{"channel"}),
		handlerFailed: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "cartsync_bus_handler_failures_total",
			Help: "Total number of handler errors and panics caught by the event bus",
		}, []string{"channel"}),
		dropped: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "cartsync_bus_dropped_total",
			Help: "Total number of messages published without subscribers",
		}, []string{"channel"}),
		remoteReceived: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "cartsync_bridge_received_total",
			Help: "Total number of remote messages received by the Kafka bridge grouped by result",
		}, []string{"channel", "result"}),
		mergeOps: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "cartsync_merge_operations_total",
			Help: "Total number of acknowledged line mutations grouped by operation",
		}, []string{"op"}),
		coalesced: registerCounter(registerer, prometheus.CounterOpts{
			Name: "cartsync_selections_coalesced_total",
			Help: "Total number of selections merged into an in-flight mutation",
		}),
		mutationsInFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "cartsync_mutations_in_flight",
			Help: "Number of line mutations currently waiting for the data collaborator",
		}),
		activations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "cartsync_order_activations_total",
			Help: "Total number of order activation attempts grouped by result",
		}, []string{"result"}),
		rejectedSelections: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "cartsync_selections_rejected_total",
			Help: "Total number of selections rejected before reaching the data collaborator",
		}, []string{"reason"}),
		collaboratorDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "cartsync_collaborator_call_duration_seconds",
			Help:    "Duration of data collaborator calls in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"operation", "result"}),
		activeSessions: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "cartsync_active_sessions",
			Help: "Number of open order sessions",
		}),
	}
}

// RecordPublished учитывает публикацию сообщения.
func (m *SyncMetrics) RecordPublished(channel string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(channel).Inc()
}

// RecordDelivered учитывает вызов обработчика.
func (m *SyncMetrics) RecordDelivered(channel string) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(channel).Inc()
}

// RecordHandlerFailure учитывает ошибку или панику обработчика.
func (m *SyncMetrics) RecordHandlerFailure(channel string) {
	if m == nil {
		return
	}
	m.handlerFailed.WithLabelValues(channel).Inc()
}

// RecordDropped учитывает сообщение без подписчиков.
func (m *SyncMetrics) RecordDropped(channel string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(channel).Inc()
}

// RecordRemoteReceived учитывает сообщение из Kafka: republished, echo или failed.
func (m *SyncMetrics) RecordRemoteReceived(channel, result string) {
	if m == nil {
		return
	}
	m.remoteReceived.WithLabelValues(channel, result).Inc()
}

// RecordMergeOp учитывает подтверждённое изменение строки.
func (m *SyncMetrics) RecordMergeOp(op string) {
	if m == nil {
		return
	}
	m.mergeOps.WithLabelValues(op).Inc()
}

// RecordCoalesced учитывает выбор, добавленный к ожидающему изменению.
func (m *SyncMetrics) RecordCoalesced() {
	if m == nil {
		return
	}
	m.coalesced.Inc()
}

// RecordMutationStarted увеличивает число изменений в полёте.
func (m *SyncMetrics) RecordMutationStarted() {
	if m == nil {
		return
	}
	m.mutationsInFlight.Inc()
}

// RecordMutationFinished уменьшает число изменений в полёте.
func (m *SyncMetrics) RecordMutationFinished() {
	if m == nil {
		return
	}
	m.mutationsInFlight.Dec()
}

// RecordActivation учитывает попытку активации: activated, failed или rejected.
func (m *SyncMetrics) RecordActivation(result string) {
	if m == nil {
		return
	}
	m.activations.WithLabelValues(result).Inc()
}

// RecordRejectedSelection учитывает отклонённый выбор товара.
func (m *SyncMetrics) RecordRejectedSelection(reason string) {
	if m == nil {
		return
	}
	m.rejectedSelections.WithLabelValues(reason).Inc()
}

// RecordCollaboratorCall записывает длительность вызова коллаборатора.
func (m *SyncMetrics) RecordCollaboratorCall(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.collaboratorDuration.WithLabelValues(operation, result).Observe(duration.Seconds())
}

// RecordSessionOpened увеличивает число открытых сессий.
func (m *SyncMetrics) RecordSessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

// RecordSessionClosed уменьшает число открытых сессий.
func (m *SyncMetrics) RecordSessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}
