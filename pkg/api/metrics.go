package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sitebench/sitebench/pkg/storage"
)

var (
	metricSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sitebench",
		Name:      "sessions_active",
		Help:      "Number of benchmark sessions currently running.",
	})
	metricSessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sitebench",
		Name:      "sessions_created_total",
		Help:      "Benchmark sessions created.",
	})
	metricSessionsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sitebench",
		Name:      "sessions_completed_total",
		Help:      "Benchmark sessions that resolved every model.",
	})
	metricSessionsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sitebench",
		Name:      "sessions_failed_total",
		Help:      "Benchmark sessions marked failed.",
	})
	metricRecordsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitebench",
		Name:      "records_resolved_total",
		Help:      "Per-model benchmark records resolved, by outcome.",
	}, []string{"outcome"})
)

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// newMetricsObserver tracks session and record lifecycle counters off
// storage events.
func newMetricsObserver() storage.Observer {
	return storage.ObserverFunc(func(event storage.Event) {
		switch event.Type {
		case storage.EventSessionCreated:
			metricSessionsCreated.Inc()
			metricSessionsActive.Inc()
		case storage.EventSessionCompleted:
			metricSessionsCompleted.Inc()
			metricSessionsActive.Dec()
		case storage.EventSessionUpdated:
			if data, ok := event.Data.(map[string]any); ok {
				if status, ok := data["status"].(string); ok && status == storage.SessionStatusFailed {
					metricSessionsFailed.Inc()
					metricSessionsActive.Dec()
				}
			}
		case storage.EventRecordUpdated:
			if record, ok := event.Data.(storage.Record); ok && record.Resolved() {
				metricRecordsResolved.WithLabelValues(record.Status).Inc()
			}
		}
	})
}
