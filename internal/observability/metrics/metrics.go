// Package metrics 基于 Prometheus 暴露撮合引擎的运行指标。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "market"

// Metrics 汇总运行结果、阶段耗时、预算与 HTTP 请求指标。
// 零值不可用，请使用 New 创建；nil 接收者上的方法均为空操作。
type Metrics struct {
	registry *prometheus.Registry

	runs          *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	negotiation   *prometheus.HistogramVec
	budget        *prometheus.GaugeVec
	sessions      prometheus.Gauge
	httpRequests  *prometheus.CounterVec
	httpErrors    *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
}

// New 创建独立注册表的指标集合，并附带 Go 运行时采集器。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of pipeline runs by outcome and mode.",
		}, []string{"outcome", "mode"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each pipeline stage.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage"}),
		negotiation: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "negotiation_rounds",
			Help:      "Number of rounds used by finished negotiations.",
			Buckets:   []float64{1, 2, 3, 4, 5, 6, 8},
		}, []string{"accepted"}),
		budget: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "budget_usdc",
			Help:      "Budget ledger amounts in USDC.",
		}, []string{"kind"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_sessions",
			Help:      "Runs currently waiting for a confirm or cancel action.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}
	m.registry.MustRegister(
		m.runs,
		m.stageDuration,
		m.negotiation,
		m.budget,
		m.sessions,
		m.httpRequests,
		m.httpErrors,
		m.httpLatency,
		collectors.NewGoCollector(),
	)
	return m
}

// ObserveRun 记录一次运行的最终结果。
func (m *Metrics) ObserveRun(outcome, mode string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome, mode).Inc()
}

// ObserveStage 记录阶段耗时。
func (m *Metrics) ObserveStage(stage string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// ObserveNegotiation 记录议价轮数。
func (m *Metrics) ObserveNegotiation(rounds int, accepted bool) {
	if m == nil {
		return
	}
	m.negotiation.WithLabelValues(strconv.FormatBool(accepted)).Observe(float64(rounds))
}

// SetBudget 刷新预算台账的三个读数。
func (m *Metrics) SetBudget(total, pending, remaining float64) {
	if m == nil {
		return
	}
	m.budget.WithLabelValues("total").Set(total)
	m.budget.WithLabelValues("pending").Set(pending)
	m.budget.WithLabelValues("remaining").Set(remaining)
}

// SetPendingSessions 更新等待确认的会话数。
func (m *Metrics) SetPendingSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= http.StatusInternalServerError {
		m.httpErrors.WithLabelValues(handler, method).Inc()
	}
	m.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Registry 返回底层注册表，便于测试与额外采集器注册。
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler exposes the metrics in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
