// Package metrics exposes Prometheus instruments for the tracking pipeline.
// All recording helpers are no-ops until Init has run.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	metricPrefix = "tracked_"

	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultOffline = "offline"
)

// Backlog reports on events waiting in the durable store.
type Backlog interface {
	CountUnsent(ctx context.Context) (int, error)
	OldestUnsent(ctx context.Context) (time.Time, bool, error)
}

var (
	registerOnce sync.Once

	fixesTotal      *prometheus.CounterVec
	deliveriesTotal *prometheus.CounterVec
	deliveryLatency *prometheus.HistogramVec
	queuedTotal     *prometheus.CounterVec
	syncedTotal     *prometheus.CounterVec
	syncPassesTotal *prometheus.CounterVec
	activityTotal   *prometheus.CounterVec
	attendanceTotal *prometheus.CounterVec
	sessionRunning  prometheus.Gauge
)

// Init registers the instruments with the default registry. backlog may be
// nil, in which case the store-backed gauges are not registered.
func Init(backlog Backlog, logger *zap.Logger) {
	registerOnce.Do(func() {
		fixesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "fixes_total",
				Help: "Raw fixes processed by gate result",
			},
			[]string{"result"},
		)
		deliveriesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "delivery_attempts_total",
				Help: "Delivery attempts by stream and result",
			},
			[]string{"stream", "result"},
		)
		deliveryLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "delivery_latency_seconds",
				Help:    "Delivery request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stream"},
		)
		queuedTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "events_queued_total",
				Help: "Events committed to the durable store",
			},
			[]string{"stream"},
		)
		syncedTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "events_synced_total",
				Help: "Queued events delivered and deleted",
			},
			[]string{"stream"},
		)
		syncPassesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "sync_passes_total",
				Help: "Sync passes by outcome",
			},
			[]string{"outcome"},
		)
		activityTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "activity_events_total",
				Help: "Activity events emitted by kind",
			},
			[]string{"kind"},
		)
		attendanceTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "attendance_requests_total",
				Help: "Attendance requests by action and outcome",
			},
			[]string{"action", "outcome"},
		)
		sessionRunning = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "session_running",
			Help: "1 while a tracking session is running",
		})

		prometheus.MustRegister(
			fixesTotal,
			deliveriesTotal,
			deliveryLatency,
			queuedTotal,
			syncedTotal,
			syncPassesTotal,
			activityTotal,
			attendanceTotal,
			sessionRunning,
		)

		if backlog != nil {
			registerBacklogMetrics(backlog, logger)
		}
	})
}

func registerBacklogMetrics(b Backlog, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "pending_events",
			Help: "Events waiting in the durable store",
		},
		func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			n, err := b.CountUnsent(ctx)
			if err != nil {
				logger.Warn("metrics query failed", zap.Error(err))
				return 0
			}
			return float64(n)
		},
	))
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "oldest_pending_age_seconds",
			Help: "Age of the oldest event waiting in the durable store",
		},
		func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			oldest, ok, err := b.OldestUnsent(ctx)
			if err != nil {
				logger.Warn("metrics query failed", zap.Error(err))
				return 0
			}
			if !ok {
				return 0
			}
			return time.Since(oldest).Seconds()
		},
	))
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncFix counts a gate decision.
func IncFix(result string) {
	if result == "" {
		result = "accepted"
	}
	if fixesTotal != nil {
		fixesTotal.WithLabelValues(result).Inc()
	}
}

// ObserveDelivery records one delivery attempt.
func ObserveDelivery(stream, result string, d time.Duration) {
	if deliveriesTotal != nil {
		deliveriesTotal.WithLabelValues(stream, result).Inc()
	}
	if deliveryLatency != nil && result != ResultOffline {
		deliveryLatency.WithLabelValues(stream).Observe(d.Seconds())
	}
}

// AddQueued counts events written to the durable store.
func AddQueued(stream string, n int) {
	if queuedTotal != nil && n > 0 {
		queuedTotal.WithLabelValues(stream).Add(float64(n))
	}
}

// AddSynced counts queued events delivered and removed.
func AddSynced(stream string, n int) {
	if syncedTotal != nil && n > 0 {
		syncedTotal.WithLabelValues(stream).Add(float64(n))
	}
}

// IncSyncPass counts a sync pass by outcome (skipped, complete, partial).
func IncSyncPass(outcome string) {
	if syncPassesTotal != nil {
		syncPassesTotal.WithLabelValues(outcome).Inc()
	}
}

// IncActivity counts an emitted activity event.
func IncActivity(kind string) {
	if activityTotal != nil {
		activityTotal.WithLabelValues(kind).Inc()
	}
}

// IncAttendance counts an attendance request.
func IncAttendance(action, outcome string) {
	if attendanceTotal != nil {
		attendanceTotal.WithLabelValues(action, outcome).Inc()
	}
}

// SetSessionRunning flags whether a session is running.
func SetSessionRunning(running bool) {
	if sessionRunning == nil {
		return
	}
	if running {
		sessionRunning.Set(1)
	} else {
		sessionRunning.Set(0)
	}
}
