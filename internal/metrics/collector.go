package metrics

import (
	"time"

	"github.com/BaSui01/qaforge/llm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// 调度指标
	attemptsTotal   *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec

	// 凭证指标
	credentials           *prometheus.GaugeVec
	credentialTransitions *prometheus.CounterVec

	// 批次指标
	batchesCommitted prometheus.Counter
	itemsTotal       *prometheus.CounterVec
	batchDuration    prometheus.Histogram
	itemsDone        prometheus.Gauge
	itemsPlanned     prometheus.Gauge

	logger *zap.Logger
}

// NewCollector 创建指标收集器，reg 为 nil 时注册到默认 Registry
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 调度指标
	c.attemptsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_attempts_total",
			Help:      "Total number of generation attempts",
		},
		[]string{"provider", "credential", "outcome"},
	)

	c.attemptDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_attempt_duration_seconds",
			Help:      "Generation attempt duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	c.retriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_retries_total",
			Help:      "Total number of retried attempts by failure kind",
		},
		[]string{"provider", "kind"},
	)

	// 凭证指标
	c.credentials = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "credentials",
			Help:      "Number of credentials by status",
		},
		[]string{"status"},
	)

	c.credentialTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_transitions_total",
			Help:      "Total number of credential status transitions",
		},
		[]string{"provider", "to"},
	)

	// 批次指标
	c.batchesCommitted = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_committed_total",
			Help:      "Total number of committed batches",
		},
	)

	c.itemsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_total",
			Help:      "Total number of committed work items by result",
		},
		[]string{"result"},
	)

	c.batchDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time spent generating one batch",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)

	c.itemsDone = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "items_done",
			Help:      "Work items committed in this run",
		},
	)

	c.itemsPlanned = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "items_planned",
			Help:      "Work items scheduled in this run",
		},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// =============================================================================
// 🎯 记录方法
// =============================================================================

// ObserveAttempt 实现 llm.DispatchObserver
func (c *Collector) ObserveAttempt(provider, credentialID, outcome string, latency time.Duration) {
	c.attemptsTotal.WithLabelValues(provider, credentialID, outcome).Inc()
	c.attemptDuration.WithLabelValues(provider).Observe(latency.Seconds())
}

// ObserveRetry 实现 llm.DispatchObserver
func (c *Collector) ObserveRetry(provider, kind string) {
	c.retriesTotal.WithLabelValues(provider, kind).Inc()
}

// ObserveBatch 实现 batch.Observer
func (c *Collector) ObserveBatch(succeeded, failed int, elapsed time.Duration) {
	c.batchesCommitted.Inc()
	c.itemsTotal.WithLabelValues("succeeded").Add(float64(succeeded))
	c.itemsTotal.WithLabelValues("failed").Add(float64(failed))
	c.batchDuration.Observe(elapsed.Seconds())
}

// ObserveProgress 实现 batch.Observer
func (c *Collector) ObserveProgress(done, total int) {
	c.itemsDone.Set(float64(done))
	c.itemsPlanned.Set(float64(total))
}

// ObservePool 用凭证池快照刷新凭证 Gauge
func (c *Collector) ObservePool(stats llm.PoolStats) {
	c.credentials.WithLabelValues(string(llm.StatusHealthy)).Set(float64(stats.Healthy))
	c.credentials.WithLabelValues(string(llm.StatusRateLimited)).Set(float64(stats.RateLimited))
	c.credentials.WithLabelValues(string(llm.StatusExhausted)).Set(float64(stats.Exhausted))
	c.credentials.WithLabelValues(string(llm.StatusInvalid)).Set(float64(stats.Invalid))
}

// TrackPool 订阅凭证池状态变化
func (c *Collector) TrackPool(pool *llm.CredentialPool) {
	c.ObservePool(pool.Stats())
	pool.OnStateChange(func(ch llm.StateChange) {
		c.credentialTransitions.WithLabelValues(ch.Provider, string(ch.To)).Inc()
		c.ObservePool(pool.Stats())
	})
}
