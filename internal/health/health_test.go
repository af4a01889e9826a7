package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwestall/aquawatch/internal/models"
	"github.com/dwestall/aquawatch/internal/store"
)

type fakePinger struct {
	latency time.Duration
	err     error
	size    int64
}

func (f *fakePinger) Ping(_ context.Context) (time.Duration, error) { return f.latency, f.err }
func (f *fakePinger) StorageSize() int64                            { return f.size }

func newTestCollector(db *fakePinger, cpuPct, memPct, diskPct float64) *Collector {
	c := NewCollector(db, "/tmp")
	c.cpuPercentFn = func(context.Context) (float64, error) { return cpuPct, nil }
	c.cpuCoresFn = func(context.Context) (int, error) { return 8, nil }
	c.memUsageFn = func(context.Context) (usageSample, error) {
		return usageSample{used: 6 << 30, total: 16 << 30, usedPercent: memPct}, nil
	}
	c.diskUsageFn = func(context.Context, string) (usageSample, error) {
		return usageSample{used: 40 << 30, total: 100 << 30, usedPercent: diskPct}, nil
	}
	return c
}

func TestSampleAllHealthy(t *testing.T) {
	c := newTestCollector(&fakePinger{latency: 2 * time.Millisecond, size: 4096}, 30, 40, 50)

	h := c.Sample(context.Background())

	assert.Equal(t, StatusOK, h.Overall)
	assert.Equal(t, StatusOK, h.CPU.Status)
	assert.Equal(t, 30.0, h.CPU.Metrics["usedPercent"])
	assert.Equal(t, 8.0, h.CPU.Metrics["cores"])
	assert.Equal(t, 6.0, h.Memory.Metrics["usedGB"])
	assert.Equal(t, 16.0, h.Memory.Metrics["totalGB"])
	assert.Equal(t, 40.0, h.Storage.Metrics["usedGB"])
	assert.Equal(t, 100.0, h.Storage.Metrics["totalGB"])
	assert.Equal(t, 4096.0, h.Database.Metrics["sizeBytes"])
	assert.False(t, h.SampledAt.IsZero())
}

func TestSampleOverallIsWorstComponent(t *testing.T) {
	tests := []struct {
		name    string
		cpu     float64
		disk    float64
		overall string
	}{
		{"warning cpu", 90, 50, StatusWarning},
		{"critical cpu", 96, 50, StatusCritical},
		{"critical disk wins over warning cpu", 90, 95, StatusCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCollector(&fakePinger{}, tt.cpu, 40, tt.disk)
			h := c.Sample(context.Background())
			assert.Equal(t, tt.overall, h.Overall)
		})
	}
}

func TestSampleDatabaseFailure(t *testing.T) {
	c := newTestCollector(&fakePinger{err: errors.New("locked")}, 10, 10, 10)

	h := c.Sample(context.Background())

	assert.Equal(t, StatusError, h.Database.Status)
	assert.Equal(t, StatusError, h.Overall)
	assert.Contains(t, h.Database.Detail, "locked")
}

func TestSampleSlowDatabase(t *testing.T) {
	c := newTestCollector(&fakePinger{latency: 400 * time.Millisecond}, 10, 10, 10)
	assert.Equal(t, StatusWarning, c.Sample(context.Background()).Database.Status)

	c = newTestCollector(&fakePinger{latency: 2 * time.Second}, 10, 10, 10)
	assert.Equal(t, StatusCritical, c.Sample(context.Background()).Database.Status)
}

func TestSampleUnknownComponent(t *testing.T) {
	c := newTestCollector(&fakePinger{}, 10, 10, 10)
	c.cpuPercentFn = func(context.Context) (float64, error) { return 0, errors.New("no procfs") }

	h := c.Sample(context.Background())

	assert.Equal(t, StatusUnknown, h.CPU.Status)
	assert.Equal(t, StatusUnknown, h.Overall, "unknown outranks ok")
}

type fakeAnalyticsStore struct {
	devices []*models.Device
}

func (f *fakeAnalyticsStore) ListDevices(_ context.Context, _ store.DeviceFilter) ([]*models.Device, error) {
	return f.devices, nil
}

func (f *fakeAnalyticsStore) CountAlertsSince(_ context.Context, _ time.Time) (map[models.Severity]int, map[models.AlertStatus]int, error) {
	return map[models.Severity]int{models.SeverityCritical: 2},
		map[models.AlertStatus]int{models.AlertActive: 1, models.AlertResolved: 1}, nil
}

func (f *fakeAnalyticsStore) ParameterWindowStats(_ context.Context, param models.Parameter, _ time.Time) (models.ParameterStats, error) {
	v := 7.0
	if param == models.ParameterPH {
		return models.ParameterStats{Latest: &v, Average: &v}, nil
	}
	return models.ParameterStats{}, nil
}

func TestSummarize(t *testing.T) {
	s := NewSummarizer(&fakeAnalyticsStore{devices: []*models.Device{
		{ID: "a", Status: models.DeviceOnline},
		{ID: "b", Status: models.DeviceOnline},
		{ID: "c", Status: models.DeviceOffline},
	}})

	summary, err := s.Summarize(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 24, summary.WindowHours)
	assert.Equal(t, 2, summary.DevicesByStatus[models.DeviceOnline])
	assert.Equal(t, 1, summary.DevicesByStatus[models.DeviceOffline])
	assert.Equal(t, 2, summary.AlertsBySeverity[models.SeverityCritical])
	require.Contains(t, summary.Parameters, models.ParameterPH)
	assert.NotNil(t, summary.Parameters[models.ParameterPH].Latest)
	assert.Nil(t, summary.Parameters[models.ParameterTDS].Latest)
	assert.False(t, summary.GeneratedAt.IsZero())
}

type recordingSchedulerHub struct {
	mu        sync.Mutex
	health    int
	analytics int
}

func (r *recordingSchedulerHub) BroadcastSystemHealth(models.SystemHealth) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health++
}

func (r *recordingSchedulerHub) BroadcastAnalytics(models.AnalyticsSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.analytics++
}

func (r *recordingSchedulerHub) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.health, r.analytics
}

func TestSchedulerBroadcastsOnTicks(t *testing.T) {
	collector := newTestCollector(&fakePinger{}, 10, 10, 10)
	summarizer := NewSummarizer(&fakeAnalyticsStore{})
	hub := &recordingSchedulerHub{}

	s := NewScheduler(collector, summarizer, hub, 20*time.Millisecond, 30*time.Millisecond)
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		h, a := hub.counts()
		return h >= 2 && a >= 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSchedulerStartTwiceAndStop(t *testing.T) {
	s := NewScheduler(newTestCollector(&fakePinger{}, 1, 1, 1), NewSummarizer(&fakeAnalyticsStore{}), &recordingSchedulerHub{}, time.Hour, time.Hour)
	s.Start()
	s.Start()
	assert.NotPanics(t, s.Stop)
	assert.NotPanics(t, s.Stop)
}
