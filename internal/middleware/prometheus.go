package middleware

import (
	"strconv"
	"time"

	"github.com/apk-analysis/apk-risk/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct {
	logger *logrus.Logger

	// HTTP 请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 扫描指标
	scansTotal         *prometheus.CounterVec
	scanFailuresTotal  *prometheus.CounterVec
	scanDuration       prometheus.Histogram
	scanTotalScore     prometheus.Histogram
	findingsTotal      *prometheus.CounterVec
	falsePositiveTotal prometheus.Counter

	// 白名单指标
	allowlistRefreshTotal *prometheus.CounterVec
	allowlistSize         prometheus.Gauge

	// 系统指标
	memoryUsage     prometheus.Gauge
	goroutinesCount prometheus.Gauge
	gcCount         prometheus.Gauge

	// Worker Pool 指标
	workerPoolSize      prometheus.Gauge
	workerPoolQueueSize prometheus.Gauge
}

// NewPrometheusMetrics 创建 Prometheus 指标收集器
func NewPrometheusMetrics(logger *logrus.Logger, namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "apk_risk"
	}

	pm := &PrometheusMetrics{
		logger: logger,

		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"method", "path"},
		),

		scansTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scans_total",
				Help:      "Total number of completed scans by risk level",
			},
			[]string{"risk"},
		),
		scanFailuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scan_failures_total",
				Help:      "Total number of scans that produced no report",
			},
			[]string{"reason"}, // not_found, unreadable, missing_package, internal
		),
		scanDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scan_duration_seconds",
				Help:      "Scan duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		),
		scanTotalScore: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scan_total_score",
				Help:      "Distribution of reported total risk scores",
				Buckets:   []float64{0, 50, 100, 200, 350, 500, 750, 1000, 2000},
			},
		),
		findingsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "findings_total",
				Help:      "Total number of findings by signal",
			},
			[]string{"signal"}, // permission, domain, pattern
		),
		falsePositiveTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "false_positive_reports_total",
				Help:      "Total number of false positive reports",
			},
		),

		allowlistRefreshTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "allowlist_refresh_total",
				Help:      "Total number of allowlist refresh attempts",
			},
			[]string{"source", "result"}, // result: success/failure
		),
		allowlistSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "allowlist_size",
				Help:      "Number of packages in the current allowlist",
			},
		),

		memoryUsage: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		goroutinesCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_count",
				Help:      "Current number of goroutines",
			},
		),
		gcCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gc_count",
				Help:      "Number of completed GC cycles",
			},
		),

		workerPoolSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_size",
				Help:      "Total number of workers in the pool",
			},
		),
		workerPoolQueueSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_queue_size",
				Help:      "Number of scans waiting in queue",
			},
		),
	}

	logger.Info("Prometheus metrics initialized")
	return pm
}

// HTTPMiddleware HTTP 请求监控中间件
func (pm *PrometheusMetrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		pm.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		pm.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// Handler 返回 Prometheus HTTP Handler
func (pm *PrometheusMetrics) Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordScan 记录一次成功扫描
func (pm *PrometheusMetrics) RecordScan(report *domain.ScanReport, duration time.Duration) {
	pm.scansTotal.WithLabelValues(string(report.OverallRisk)).Inc()
	pm.scanDuration.Observe(duration.Seconds())
	pm.scanTotalScore.Observe(float64(report.TotalScore))
	pm.findingsTotal.WithLabelValues("permission").Add(float64(len(report.HighRiskPermissions)))
	pm.findingsTotal.WithLabelValues("domain").Add(float64(len(report.SuspiciousDomains)))
	pm.findingsTotal.WithLabelValues("pattern").Add(float64(len(report.SuspiciousPatterns)))
}

// RecordScanFailure 记录扫描失败
func (pm *PrometheusMetrics) RecordScanFailure(reason string) {
	pm.scanFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordFalsePositive 记录误报上报
func (pm *PrometheusMetrics) RecordFalsePositive() {
	pm.falsePositiveTotal.Inc()
}

// AllowlistRefreshed 白名单刷新成功
func (pm *PrometheusMetrics) AllowlistRefreshed(source string, size int) {
	pm.allowlistRefreshTotal.WithLabelValues(source, "success").Inc()
	pm.allowlistSize.Set(float64(size))
}

// AllowlistRefreshFailed 白名单刷新失败
func (pm *PrometheusMetrics) AllowlistRefreshFailed(source string, err error) {
	pm.allowlistRefreshTotal.WithLabelValues(source, "failure").Inc()
}

// UpdateMemoryStats 更新内存统计
func (pm *PrometheusMetrics) UpdateMemoryStats(stats MemoryStats) {
	pm.memoryUsage.Set(float64(stats.Alloc))
	pm.goroutinesCount.Set(float64(stats.Goroutines))
	pm.gcCount.Set(float64(stats.NumGC))
}

// UpdateWorkerPoolStats 更新 Worker Pool 统计
func (pm *PrometheusMetrics) UpdateWorkerPoolStats(size, queueSize int) {
	pm.workerPoolSize.Set(float64(size))
	pm.workerPoolQueueSize.Set(float64(queueSize))
}
