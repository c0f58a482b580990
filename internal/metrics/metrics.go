package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	FetchLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketdash_fetch_latency_seconds",
		Help:    "Upstream request latency by endpoint",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"endpoint"})
	FetchErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketdash_fetch_errors_total",
		Help: "Upstream request failures by task and kind",
	}, []string{"task", "kind"})
	TaskRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketdash_task_runs_total",
		Help: "Refresh task executions by task",
	}, []string{"task"})
	TaskSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketdash_task_skipped_total",
		Help: "Ticks dropped because the previous run was still in flight",
	}, []string{"task"})
	UpstreamOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketdash_upstream_online",
		Help: "1 when the order book service answers the probe",
	})
	ConnectionChangesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketdash_connection_changes_total",
		Help: "Online/offline transitions",
	}, []string{"state"})
	HistorySize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketdash_history_size",
		Help: "Samples currently held in the price history",
	})
	LatestSpread = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketdash_spread",
		Help: "Spread of the most recent price sample",
	})
	OrdersSubmittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketdash_orders_submitted_total",
		Help: "Orders accepted by the upstream",
	})
	OrdersRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketdash_orders_rejected_total",
		Help: "Orders that failed by kind",
	}, []string{"kind"})
	PublishErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketdash_publish_errors_total",
		Help: "Sink publish failures by sink",
	}, []string{"sink"})
	WSClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketdash_ws_clients",
		Help: "Connected dashboard WebSocket clients",
	})
	WSDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketdash_ws_dropped_total",
		Help: "Messages dropped for slow WebSocket clients",
	})
)

// Init 创建独立的 Registry 并注册全部指标
func Init(log *zap.Logger) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	toRegister := []prometheus.Collector{
		FetchLatency, FetchErrorsTotal, TaskRunsTotal, TaskSkippedTotal,
		UpstreamOnline, ConnectionChangesTotal,
		HistorySize, LatestSpread,
		OrdersSubmittedTotal, OrdersRejectedTotal,
		PublishErrorsTotal, WSClients, WSDroppedTotal,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range toRegister {
		_ = reg.Register(c)
	}
	log.Info("prometheus metrics initialized", zap.Int("collectors", len(toRegister)))
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
