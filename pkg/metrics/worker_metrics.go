// Package metrics exposes Prometheus collectors for the sync pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	syncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailsync_sync_runs_total",
		Help: "Sync runs by mode and result",
	}, []string{"mode", "result"})

	syncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mailsync_sync_duration_seconds",
		Help:    "Sync run duration by mode",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})

	messagesSynced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailsync_messages_total",
		Help: "Messages applied by sync, by outcome",
	}, []string{"outcome"})

	cursorAdvances = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailsync_cursor_advances_total",
		Help: "History cursor advances",
	})

	watchRenewals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailsync_watch_renewals_total",
		Help: "Watch registrations by result",
	}, []string{"result"})

	phase2Batches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailsync_phase2_batches_total",
		Help: "Phase-2 classification batches by result",
	}, []string{"result"})

	categoryChanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailsync_category_changes_total",
		Help: "Messages whose category changed in phase 2",
	})

	cacheOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailsync_cache_operations_total",
		Help: "Cache coordinator operations",
	}, []string{"op"})

	realtimeDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailsync_realtime_events_total",
		Help: "Realtime events by delivery outcome",
	}, []string{"outcome"})

	realtimeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mailsync_realtime_connections",
		Help: "Attached realtime connections",
	})

	webhookNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailsync_webhook_notifications_total",
		Help: "Provider push notifications by outcome",
	}, []string{"outcome"})

	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailsync_jobs_total",
		Help: "Worker jobs by type and result",
	}, []string{"type", "result"})
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveSync(mode, result string, d time.Duration) {
	syncRuns.WithLabelValues(mode, result).Inc()
	syncDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func AddMessages(synced, failed int) {
	messagesSynced.WithLabelValues("synced").Add(float64(synced))
	messagesSynced.WithLabelValues("failed").Add(float64(failed))
}

func IncCursorAdvance() { cursorAdvances.Inc() }

func IncWatchRenewal(result string) { watchRenewals.WithLabelValues(result).Inc() }

func IncPhase2Batch(result string, changed int) {
	phase2Batches.WithLabelValues(result).Inc()
	categoryChanges.Add(float64(changed))
}

func IncCache(op string) { cacheOps.WithLabelValues(op).Inc() }

func IncRealtime(outcome string) { realtimeDeliveries.WithLabelValues(outcome).Inc() }

func SetRealtimeConnections(n int) { realtimeConnections.Set(float64(n)) }

func IncWebhook(outcome string) { webhookNotifications.WithLabelValues(outcome).Inc() }

func IncJob(jobType, result string) { jobsProcessed.WithLabelValues(jobType, result).Inc() }
