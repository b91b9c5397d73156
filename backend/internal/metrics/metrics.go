// Package metrics 暴露互动引擎的 Prometheus 指标
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder 同步器、后台任务和对账器共用的指标接口
type Recorder interface {
	ObserveFastPath(op string, d time.Duration, err error)
	RecordFallback(op string)
	RecordSeed(field string)
	RecordTaskRetry(dispatcher string)
	RecordTaskDropped(dispatcher string)
	RecordDeadLetter(dispatcher string)
	RecordDrift(field string, corrected bool)
	RecordReconcileFailure()
	RecordBroadcastFailure(sink string)
}

type Collector struct {
	fastPathLatency *prometheus.HistogramVec
	fastPathErrors  *prometheus.CounterVec
	fallbacks       *prometheus.CounterVec
	seeds           *prometheus.CounterVec
	taskRetries     *prometheus.CounterVec
	taskDropped     *prometheus.CounterVec
	deadLetters     *prometheus.CounterVec
	drift           *prometheus.CounterVec
	reconcileFail   prometheus.Counter
	broadcastFail   *prometheus.CounterVec
}

var _ Recorder = (*Collector)(nil)

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		fastPathLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "social_fast_path_seconds",
			Help:    "Latency of counter store operations on the request path.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
		}, []string{"op"}),
		fastPathErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "social_fast_path_errors_total",
			Help: "Counter store operations that failed or timed out.",
		}, []string{"op"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "social_fast_path_fallback_total",
			Help: "Requests served by the synchronous durable fallback.",
		}, []string{"op"}),
		seeds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "social_counter_seed_total",
			Help: "Counters rehydrated from the durable store.",
		}, []string{"field"}),
		taskRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "social_task_retry_total",
			Help: "Background task attempts that failed and were retried.",
		}, []string{"dispatcher"}),
		taskDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "social_task_dropped_total",
			Help: "Background tasks dropped without dead letter.",
		}, []string{"dispatcher"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "social_dead_letter_total",
			Help: "Background tasks handed to the reconciler after exhausting retries.",
		}, []string{"dispatcher"}),
		drift: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "social_drift_total",
			Help: "Drift observations between counter store and durable store.",
		}, []string{"field", "corrected"}),
		reconcileFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "social_reconcile_failure_total",
			Help: "Per-item reconciliation failures.",
		}),
		broadcastFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "social_broadcast_failure_total",
			Help: "Real-time publish failures.",
		}, []string{"sink"}),
	}
	reg.MustRegister(
		c.fastPathLatency,
		c.fastPathErrors,
		c.fallbacks,
		c.seeds,
		c.taskRetries,
		c.taskDropped,
		c.deadLetters,
		c.drift,
		c.reconcileFail,
		c.broadcastFail,
	)
	return c
}

func (c *Collector) ObserveFastPath(op string, d time.Duration, err error) {
	c.fastPathLatency.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		c.fastPathErrors.WithLabelValues(op).Inc()
	}
}

func (c *Collector) RecordFallback(op string)            { c.fallbacks.WithLabelValues(op).Inc() }
func (c *Collector) RecordSeed(field string)             { c.seeds.WithLabelValues(field).Inc() }
func (c *Collector) RecordTaskRetry(dispatcher string)   { c.taskRetries.WithLabelValues(dispatcher).Inc() }
func (c *Collector) RecordTaskDropped(dispatcher string) { c.taskDropped.WithLabelValues(dispatcher).Inc() }
func (c *Collector) RecordDeadLetter(dispatcher string)  { c.deadLetters.WithLabelValues(dispatcher).Inc() }
func (c *Collector) RecordReconcileFailure()             { c.reconcileFail.Inc() }
func (c *Collector) RecordBroadcastFailure(sink string)  { c.broadcastFail.WithLabelValues(sink).Inc() }

func (c *Collector) RecordDrift(field string, corrected bool) {
	label := "false"
	if corrected {
		label = "true"
	}
	c.drift.WithLabelValues(field, label).Inc()
}

// Handler Prometheus 抓取入口
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop 不记录任何指标，测试和未配置时使用
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) ObserveFastPath(string, time.Duration, error) {}
func (Nop) RecordFallback(string)                        {}
func (Nop) RecordSeed(string)                            {}
func (Nop) RecordTaskRetry(string)                       {}
func (Nop) RecordTaskDropped(string)                     {}
func (Nop) RecordDeadLetter(string)                      {}
func (Nop) RecordDrift(string, bool)                     {}
func (Nop) RecordReconcileFailure()                      {}
func (Nop) RecordBroadcastFailure(string)                {}
