// Package metrics 定义缓存代理的 Prometheus 指标，所有指标注册在独立 Registry 上，
// 便于测试隔离并通过 /-/metrics 暴露。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "media_cache"

// 请求结果标签取值
const (
	OutcomeHit         = "hit"
	OutcomePartial     = "partial"
	OutcomeMiss        = "miss"
	OutcomePassthrough = "passthrough"
	OutcomeError       = "error"
)

// Metrics 聚合全部指标。
type Metrics struct {
	Registry *prometheus.Registry

	Requests         *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	OriginFetches    *prometheus.CounterVec
	DedupAttachments prometheus.Counter
	BytesFetched     prometheus.Counter
	BytesServed      *prometheus.CounterVec
	ActiveSessions   prometheus.Gauge
	Evictions        prometheus.Counter
}

// New 在给定 Registry 上注册指标；reg 为 nil 时创建新的 Registry。
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "proxy",
				Name:      "requests_total",
				Help:      "Player requests by data type and cache outcome",
			},
			[]string{"data_type", "outcome"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "proxy",
				Name:      "first_byte_seconds",
				Help:      "Time until a reader is ready to stream",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"data_type"},
		),
		OriginFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fetch",
				Name:      "sessions_total",
				Help:      "Origin fetch sessions by data type and result",
			},
			[]string{"data_type", "result"},
		),
		DedupAttachments: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "dedup_attachments_total",
			Help:      "Requests that attached to an in-flight fetch instead of starting one",
		}),
		BytesFetched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "bytes_total",
			Help:      "Bytes written to the cache from origins",
		}),
		BytesServed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "proxy",
				Name:      "served_bytes_total",
				Help:      "Bytes delivered to players",
			},
			[]string{"data_type"},
		),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "active_sessions",
			Help:      "Origin fetch sessions currently in flight",
		}),
		Evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Cache entries removed through the diagnostics API",
		}),
	}
}

// NewDefault 额外注册 Go 运行时与进程指标，供主程序使用。
func NewDefault() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return New(reg)
}

// Handler 返回 Prometheus 文本格式的 HTTP 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
