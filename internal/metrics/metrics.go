// Package metrics 汇总缓存、存储与扩展生命周期的 Prometheus 指标，使用私有 Registry。
package metrics

import (
	"database/sql"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ghast"

// Metrics 持有全部指标；方法对 nil 接收者安全，未注入指标的组件可直接调用。
type Metrics struct {
	Registry *prometheus.Registry

	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions *prometheus.CounterVec
	CacheSections  prometheus.Gauge
	StorageErrors  *prometheus.CounterVec

	ExtensionEvents   *prometheus.CounterVec
	ExtensionsActive  prometheus.Gauge
	ExtensionsPending prometheus.Gauge
}

// New 创建指标集合并注册 Go/进程采集器。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		Registry: reg,
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Entity data reads served from the cache.",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Entity data reads that fell through to storage.",
		}),
		CacheEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Cache sections dropped, by reason.",
		}, []string{"reason"}),
		CacheSections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "sections",
			Help:      "Entities currently holding a cache section.",
		}),
		StorageErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "errors_total",
			Help:      "Failed storage operations, by operation.",
		}, []string{"op"}),
		ExtensionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extensions",
			Name:      "events_total",
			Help:      "Extension lifecycle events, by event and reason.",
		}, []string{"event", "reason"}),
		ExtensionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "extensions",
			Name:      "active",
			Help:      "Extensions currently loaded.",
		}),
		ExtensionsPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "extensions",
			Name:      "pending",
			Help:      "Validated extensions waiting to be loaded.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RegisterDB 暴露连接池统计，返回的函数用于在连接池重建前注销采集器。
func (m *Metrics) RegisterDB(db *sql.DB, name string) (func(), error) {
	if m == nil || db == nil {
		return func() {}, nil
	}
	collector := collectors.NewDBStatsCollector(db, name)
	if err := m.Registry.Register(collector); err != nil {
		return func() {}, err
	}
	return func() { m.Registry.Unregister(collector) }, nil
}

// Handler 返回 Prometheus 文本暴露格式的 HTTP handler。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.CacheMisses.Inc()
	}
}

// CacheEvicted 记录 n 个 section 因 reason（ttl/invalidate）被移除。
func (m *Metrics) CacheEvicted(reason string, n int) {
	if m != nil && n > 0 {
		m.CacheEvictions.WithLabelValues(reason).Add(float64(n))
	}
}

func (m *Metrics) SetCacheSections(n int) {
	if m != nil {
		m.CacheSections.Set(float64(n))
	}
}

func (m *Metrics) StorageError(op string) {
	if m != nil {
		m.StorageErrors.WithLabelValues(op).Inc()
	}
}

// ExtensionEvent 记录 load/unload/fail 等生命周期事件。
func (m *Metrics) ExtensionEvent(event, reason string) {
	if m != nil {
		m.ExtensionEvents.WithLabelValues(event, reason).Inc()
	}
}

func (m *Metrics) SetExtensionCounts(active, pending int) {
	if m != nil {
		m.ExtensionsActive.Set(float64(active))
		m.ExtensionsPending.Set(float64(pending))
	}
}
