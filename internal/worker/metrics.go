package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry         *prometheus.Registry
	tasksTotal       *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
	activeTasks      prometheus.Gauge
	avatarsTotal     *prometheus.CounterVec
	avatarBytesTotal prometheus.Counter
	webhookFailures  prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "avatarflow_worker_tasks_total",
			Help: "Total avatar processing tasks by final status.",
		}, []string{"status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "avatarflow_worker_task_duration_seconds",
			Help:    "Processing duration for each avatar task.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "avatarflow_worker_active_tasks",
			Help: "Current number of avatar tasks being processed.",
		}),
		avatarsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "avatarflow_worker_avatars_total",
			Help: "Avatars produced by the worker, by source format.",
		}, []string{"source_format"}),
		avatarBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avatarflow_worker_avatar_bytes_total",
			Help: "Total encoded avatar bytes written by the worker.",
		}),
		webhookFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avatarflow_worker_webhook_failures_total",
			Help: "Webhook deliveries that failed after all attempts.",
		}),
	}

	registry.MustRegister(
		m.tasksTotal,
		m.taskDuration,
		m.activeTasks,
		m.avatarsTotal,
		m.avatarBytesTotal,
		m.webhookFailures,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
