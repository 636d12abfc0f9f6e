// Package metrics provides Prometheus metrics for the sync server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "syncserver_connections_active",
			Help: "Number of open editor connections",
		},
	)

	connectionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncserver_connections_closed_total",
			Help: "Closed editor connections by reason",
		},
		[]string{"reason"},
	)

	documentsLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "syncserver_documents_loaded",
			Help: "Number of documents held in memory",
		},
	)

	messagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncserver_messages_received_total",
			Help: "Inbound protocol messages by kind",
		},
		[]string{"kind"},
	)

	updateAppends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncserver_update_log_appends_total",
			Help: "Update log appends by result",
		},
		[]string{"result"},
	)

	flushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncserver_flushes_total",
			Help: "Snapshot flushes by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	flushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "syncserver_flush_duration_seconds",
			Help:    "Time spent writing snapshot rows",
			Buckets: prometheus.DefBuckets,
		},
	)

	rollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncserver_rollbacks_total",
			Help: "Rollback reconciliations by result",
		},
		[]string{"result"},
	)

	notifyEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncserver_notify_events_total",
			Help: "Worker notifications by broadcast type",
		},
		[]string{"type"},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}

func ConnectionOpened() {
	connectionsActive.Inc()
}

func ConnectionClosed(reason string) {
	connectionsActive.Dec()
	connectionsClosed.WithLabelValues(reason).Inc()
}

func DocumentLoaded() {
	documentsLoaded.Inc()
}

func DocumentEvicted() {
	documentsLoaded.Dec()
}

func RecordMessage(kind string) {
	messagesReceived.WithLabelValues(kind).Inc()
}

func RecordAppend(err error) {
	updateAppends.WithLabelValues(result(err)).Inc()
}

func RecordFlush(trigger string, started time.Time, err error) {
	flushesTotal.WithLabelValues(trigger, result(err)).Inc()
	flushDuration.Observe(time.Since(started).Seconds())
}

func RecordRollback(err error) {
	rollbacksTotal.WithLabelValues(result(err)).Inc()
}

func RecordNotify(eventType string) {
	notifyEvents.WithLabelValues(eventType).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
