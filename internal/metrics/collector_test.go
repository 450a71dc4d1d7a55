package metrics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/objectfs/graphfs/internal/blockdev"
	"github.com/objectfs/graphfs/internal/cache"
	"github.com/objectfs/graphfs/internal/freespace"
	"github.com/objectfs/graphfs/pkg/errors"
	"github.com/objectfs/graphfs/pkg/health"
)

var (
	_ cache.MetricsRecorder     = (*Collector)(nil)
	_ freespace.MetricsRecorder = (*Collector)(nil)
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	collector, err := NewCollector(&Config{
		Enabled:   true,
		Addr:      "127.0.0.1:0",
		Namespace: "test",
	}, nil)
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	return collector
}

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("with nil config uses defaults", func(t *testing.T) {
		collector, err := NewCollector(nil, nil)
		if err != nil {
			t.Fatalf("NewCollector(nil) error = %v, want nil", err)
		}
		if collector.config.Path != "/metrics" {
			t.Errorf("default path = %q, want %q", collector.config.Path, "/metrics")
		}
		if collector.config.Namespace != "graphfs" {
			t.Errorf("default namespace = %q, want %q", collector.config.Namespace, "graphfs")
		}
		if collector.Registry() == nil {
			t.Error("collector.registry is nil")
		}
	})

	t.Run("with disabled config", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: false}, nil)
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}
		if collector.Registry() != nil {
			t.Error("disabled collector should not have registry")
		}

		// Should not panic
		collector.RecordFlush("pages", nil)
		collector.RecordEviction("pages", "sweep")
		collector.RecordCallbackError("pages", "flush")
		collector.SetOccupancy("pages", 1, 2)
		collector.RecordAllocatorOp("reserve", time.Millisecond, nil)
		collector.SetReservedBits(10)

		if err := collector.Start(context.Background()); err != nil {
			t.Errorf("Start() on disabled collector error = %v", err)
		}
	})
}

func TestCacheMetrics(t *testing.T) {
	t.Parallel()
	collector := newTestCollector(t)

	collector.SetOccupancy("pages", 3, 8)
	collector.RecordFlush("pages", nil)
	collector.RecordFlush("pages", nil)
	collector.RecordFlush("pages", errors.NewError(errors.ErrCodeStorageWrite, "disk gone"))
	collector.RecordEviction("pages", "sweep")
	collector.RecordEviction("pages", "victim")
	collector.RecordEviction("pages", "victim")
	collector.RecordCallbackError("pages", "flush")

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"in use", testutil.ToFloat64(collector.cacheInUse.WithLabelValues("pages")), 3},
		{"capacity", testutil.ToFloat64(collector.cacheCapacity.WithLabelValues("pages")), 8},
		{"successful flushes", testutil.ToFloat64(collector.cacheFlushes.WithLabelValues("pages", "success")), 2},
		{"failed flushes", testutil.ToFloat64(collector.cacheFlushes.WithLabelValues("pages", "storage_error")), 1},
		{"sweep evictions", testutil.ToFloat64(collector.cacheEvictions.WithLabelValues("pages", "sweep")), 1},
		{"victim evictions", testutil.ToFloat64(collector.cacheEvictions.WithLabelValues("pages", "victim")), 2},
		{"callback errors", testutil.ToFloat64(collector.cacheCallbackErrors.WithLabelValues("pages", "flush")), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestAllocatorMetrics(t *testing.T) {
	t.Parallel()
	collector := newTestCollector(t)

	collector.RecordAllocatorOp("reserve", 2*time.Millisecond, nil)
	collector.RecordAllocatorOp("reserve", time.Millisecond, errors.NewError(errors.ErrCodeNoGap, "full"))
	collector.RecordAllocatorOp("release", time.Millisecond, nil)
	collector.SetReservedBits(4096)

	if got := testutil.ToFloat64(collector.allocatorOps.WithLabelValues("reserve", "success")); got != 1 {
		t.Errorf("reserve success = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.allocatorOps.WithLabelValues("reserve", "exhausted")); got != 1 {
		t.Errorf("reserve exhausted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.allocatorReserved); got != 4096 {
		t.Errorf("reserved bits = %v, want 4096", got)
	}
	if n := testutil.CollectAndCount(collector.allocatorDuration); n != 2 {
		t.Errorf("duration series = %d, want 2", n)
	}
}

func TestResultLabel(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "success"},
		{errors.NewError(errors.ErrCodeNoGap, ""), "exhausted"},
		{errors.NewError(errors.ErrCodeCacheFull, ""), "exhausted"},
		{errors.NewError(errors.ErrCodeOperationTimeout, ""), "timeout"},
		{errors.NewError(errors.ErrCodeRetryExhausted, ""), "storage_error"},
		{errors.NewError(errors.ErrCodeOutOfRange, ""), "error"},
		{io.EOF, "error"},
	}
	for _, tt := range tests {
		if got := result(tt.err); got != tt.want {
			t.Errorf("result(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestCacheReportsThroughCollector(t *testing.T) {
	t.Parallel()
	collector := newTestCollector(t)

	c, err := cache.New(&cache.Config{Name: "pages", Capacity: 1}, nil, cache.Callbacks{}, cache.WithMetrics(collector))
	if err != nil {
		t.Fatalf("cache.New() error = %v", err)
	}
	defer c.Destroy(context.Background())

	first, err := c.Map(8)
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}
	if err := first.MarkDirty(); err != nil {
		t.Fatalf("MarkDirty() error = %v", err)
	}
	if _, err := c.Map(8); err != nil {
		t.Fatalf("Map() error = %v", err)
	}

	if got := testutil.ToFloat64(collector.cacheEvictions.WithLabelValues("pages", "victim")); got != 1 {
		t.Errorf("victim evictions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.cacheFlushes.WithLabelValues("pages", "success")); got != 1 {
		t.Errorf("flushes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.cacheInUse.WithLabelValues("pages")); got != 1 {
		t.Errorf("in use = %v, want 1", got)
	}
}

func TestMetricsServer(t *testing.T) {
	t.Parallel()
	collector := newTestCollector(t)
	ctx := context.Background()

	if err := collector.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer collector.Stop(ctx)

	if err := collector.Start(ctx); !errors.IsCode(err, errors.ErrCodeAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ALREADY_STARTED", err)
	}

	collector.SetReservedBits(17)

	resp, err := http.Get("http://" + collector.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), "test_allocator_reserved_bits 17") {
		t.Errorf("metrics body missing reserved bits gauge:\n%s", body)
	}

	resp, err = http.Get("http://" + collector.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}

	if err := collector.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if collector.Addr() != "" {
		t.Error("Addr() should be empty after Stop")
	}
}

func TestFreeSpaceReportsThroughCollector(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	collector := newTestCollector(t)

	dev, err := blockdev.NewMemDevice(64)
	if err != nil {
		t.Fatalf("NewMemDevice() error = %v", err)
	}
	m, err := freespace.Open(ctx, dev, freespace.Options{
		TotalBits:    2048,
		Cache:        cache.Config{Name: "bitmap", Capacity: 1, SweepInterval: 5 * time.Millisecond},
		Metrics:      collector,
		CacheMetrics: collector,
	})
	if err != nil {
		t.Fatalf("freespace.Open() error = %v", err)
	}
	defer m.Close(ctx)

	if _, err := m.Reserve(ctx, 600); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if _, err := m.Reserve(ctx, 4096); err == nil {
		t.Fatal("Reserve() beyond capacity succeeded")
	}

	if got := testutil.ToFloat64(collector.allocatorOps.WithLabelValues("reserve", "success")); got != 1 {
		t.Errorf("reserve success = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.allocatorOps.WithLabelValues("reserve", "exhausted")); got != 1 {
		t.Errorf("reserve exhausted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.allocatorReserved); got != 600 {
		t.Errorf("reserved bits = %v, want 600", got)
	}
	if got := testutil.ToFloat64(collector.cacheCapacity.WithLabelValues("bitmap")); got != 1 {
		t.Errorf("cache capacity = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.cacheEvictions.WithLabelValues("bitmap", "victim")); got < 1 {
		t.Errorf("victim evictions = %v, want at least 1", got)
	}
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	collector := newTestCollector(t)
	ctx := context.Background()

	tracker := health.NewTracker(health.Config{ErrorThreshold: 1, UnavailableThreshold: 2})
	tracker.RegisterComponent(freespace.DeviceComponent)
	collector.SetHealth(tracker)

	if err := collector.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer collector.Stop(ctx)

	get := func() (int, health.Report) {
		t.Helper()
		resp, err := http.Get("http://" + collector.Addr() + "/health")
		if err != nil {
			t.Fatalf("GET /health error = %v", err)
		}
		defer resp.Body.Close()
		var report health.Report
		if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
			t.Fatalf("decode health report: %v", err)
		}
		return resp.StatusCode, report
	}

	code, report := get()
	if code != http.StatusOK || report.Status != "healthy" {
		t.Errorf("healthy: status = %d %q", code, report.Status)
	}
	if len(report.Components) != 1 || report.Components[0].Name != freespace.DeviceComponent {
		t.Errorf("components = %+v", report.Components)
	}

	failure := errors.NewError(errors.ErrCodeStorageRead, "get failed")
	tracker.Record(freespace.DeviceComponent, failure)
	tracker.Record(freespace.DeviceComponent, failure)

	code, report = get()
	if code != http.StatusServiceUnavailable || report.Status != "unavailable" {
		t.Errorf("unavailable: status = %d %q", code, report.Status)
	}
	if report.Components[0].LastError == "" {
		t.Error("last error missing from report")
	}
}
