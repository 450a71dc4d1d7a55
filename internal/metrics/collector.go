package metrics

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/objectfs/graphfs/pkg/errors"
	"github.com/objectfs/graphfs/pkg/health"
	"github.com/objectfs/graphfs/pkg/utils"
)

const component = "metrics"

// Collector exports cache and allocator metrics through a private
// Prometheus registry
type Collector struct {
	mu       sync.Mutex
	config   *Config
	registry *prometheus.Registry
	logger   *utils.StructuredLogger

	// Cache metrics
	cacheInUse          *prometheus.GaugeVec
	cacheCapacity       *prometheus.GaugeVec
	cacheFlushes        *prometheus.CounterVec
	cacheEvictions      *prometheus.CounterVec
	cacheCallbackErrors *prometheus.CounterVec

	// Allocator metrics
	allocatorOps      *prometheus.CounterVec
	allocatorDuration *prometheus.HistogramVec
	allocatorReserved prometheus.Gauge

	// HTTP server for metrics endpoint
	server   *http.Server
	listener net.Listener
	health   HealthReporter
}

// HealthReporter supplies the body of the /health endpoint
type HealthReporter interface {
	Report() health.Report
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Addr      string            `yaml:"addr"`
	Path      string            `yaml:"path"`
	Namespace string            `yaml:"namespace"`
	Labels    map[string]string `yaml:"labels"`
}

// DefaultConfig returns the configuration used when NewCollector gets nil
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Addr:      ":9090",
		Path:      "/metrics",
		Namespace: "graphfs",
		Labels:    make(map[string]string),
	}
}

// NewCollector creates a new metrics collector. A disabled collector
// accepts every Record call and exports nothing.
func NewCollector(config *Config, logger *utils.StructuredLogger) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if logger == nil {
		logger = utils.NopLogger()
	}

	collector := &Collector{
		config: config,
		logger: logger.WithComponent(component),
	}
	if !config.Enabled {
		return collector, nil
	}

	collector.registry = prometheus.NewRegistry()
	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, errors.NewError(errors.ErrCodeInternalError, "failed to register metrics").
			WithComponent(component).WithOperation("new_collector").WithCause(err)
	}

	return collector, nil
}

// Registry returns the private registry, nil when disabled
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the /metrics HTTP handler
func (c *Collector) Handler() http.Handler {
	if c.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Start serves the metrics endpoint on config.Addr until Stop
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server != nil {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "metrics server already running").
			WithComponent(component).WithOperation("start")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", c.config.Addr)
	if err != nil {
		return errors.Newf(errors.ErrCodeNetworkError, "listen on %s", c.config.Addr).
			WithComponent(component).WithOperation("start").WithCause(err).WithRetryable(false)
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())
	mux.HandleFunc("/health", c.healthHandler)

	c.listener = ln
	c.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	server := c.server
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server error", map[string]interface{}{"error": err})
		}
	}()

	c.logger.Info("metrics server started", map[string]interface{}{
		"addr": ln.Addr().String(),
		"path": c.config.Path,
	})
	return nil
}

// Addr returns the address the server listens on, empty when not started
func (c *Collector) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	server := c.server
	c.server = nil
	c.listener = nil
	c.mu.Unlock()

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// SetHealth makes /health serve h's report
func (c *Collector) SetHealth(h HealthReporter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health = h
}

// RecordFlush counts a write-back of a dirty cache element
func (c *Collector) RecordFlush(cache string, err error) {
	if c.registry == nil {
		return
	}
	c.cacheFlushes.WithLabelValues(cache, result(err)).Inc()
}

// RecordEviction counts an element leaving the cache
func (c *Collector) RecordEviction(cache, reason string) {
	if c.registry == nil {
		return
	}
	c.cacheEvictions.WithLabelValues(cache, reason).Inc()
}

// RecordCallbackError counts a failed map/flush/evict callback
func (c *Collector) RecordCallbackError(cache, callback string) {
	if c.registry == nil {
		return
	}
	c.cacheCallbackErrors.WithLabelValues(cache, callback).Inc()
}

// SetOccupancy updates the slot gauges of a cache
func (c *Collector) SetOccupancy(cache string, inUse, capacity int) {
	if c.registry == nil {
		return
	}
	c.cacheInUse.WithLabelValues(cache).Set(float64(inUse))
	c.cacheCapacity.WithLabelValues(cache).Set(float64(capacity))
}

// RecordAllocatorOp records one free-space operation
func (c *Collector) RecordAllocatorOp(op string, duration time.Duration, err error) {
	if c.registry == nil {
		return
	}
	c.allocatorOps.WithLabelValues(op, result(err)).Inc()
	c.allocatorDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// SetReservedBits updates the number of reserved allocator bits
func (c *Collector) SetReservedBits(bits uint64) {
	if c.registry == nil {
		return
	}
	c.allocatorReserved.Set(float64(bits))
}

// result maps an error to a low-cardinality label value
func result(err error) string {
	if err == nil {
		return "success"
	}
	switch errors.CodeOf(err) {
	case errors.ErrCodeNoGap, errors.ErrCodeCacheFull:
		return "exhausted"
	case errors.ErrCodeOperationTimeout, errors.ErrCodeOperationCanceled:
		return "timeout"
	case errors.ErrCodeStorageRead, errors.ErrCodeStorageWrite, errors.ErrCodeNetworkError,
		errors.ErrCodeRetryExhausted:
		return "storage_error"
	default:
		return "error"
	}
}

// Helper methods

func (c *Collector) initMetrics() {
	ns := c.config.Namespace
	labels := prometheus.Labels(c.config.Labels)

	c.cacheInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   ns,
			Name:        "cache_in_use",
			Help:        "Number of occupied cache slots",
			ConstLabels: labels,
		},
		[]string{"cache"},
	)

	c.cacheCapacity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   ns,
			Name:        "cache_capacity",
			Help:        "Number of cache slots",
			ConstLabels: labels,
		},
		[]string{"cache"},
	)

	c.cacheFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "cache_flushes_total",
			Help:        "Total number of dirty element write-backs",
			ConstLabels: labels,
		},
		[]string{"cache", "result"},
	)

	c.cacheEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "cache_evictions_total",
			Help:        "Total number of evicted elements by reason",
			ConstLabels: labels,
		},
		[]string{"cache", "reason"},
	)

	c.cacheCallbackErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "cache_callback_errors_total",
			Help:        "Total number of failed cache callbacks",
			ConstLabels: labels,
		},
		[]string{"cache", "callback"},
	)

	c.allocatorOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "allocator_operations_total",
			Help:        "Total number of free-space operations",
			ConstLabels: labels,
		},
		[]string{"op", "result"},
	)

	c.allocatorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Name:        "allocator_operation_duration_seconds",
			Help:        "Duration of free-space operations in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.00001, 4, 10), // 10µs to ~2.6s
			ConstLabels: labels,
		},
		[]string{"op"},
	)

	c.allocatorReserved = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   ns,
			Name:        "allocator_reserved_bits",
			Help:        "Number of reserved bits in the free-space bitmap",
			ConstLabels: labels,
		},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.cacheInUse,
		c.cacheCapacity,
		c.cacheFlushes,
		c.cacheEvictions,
		c.cacheCallbackErrors,
		c.allocatorOps,
		c.allocatorDuration,
		c.allocatorReserved,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	h := c.health
	c.mu.Unlock()

	report := health.Report{Status: health.StateHealthy.String()}
	if h != nil {
		report = h.Report()
	}

	w.Header().Set("Content-Type", "application/json")
	if report.Status == health.StateUnavailable.String() {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if err := json.NewEncoder(w).Encode(report); err != nil {
		c.logger.Warn("failed to encode health report", map[string]interface{}{"error": err})
	}
}
