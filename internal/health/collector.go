// Package health samples host and database health and builds the rolling
// analytics summary, both broadcast to operator clients on fixed ticks.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/dwestall/aquawatch/internal/models"
)

// Component status values, ordered from best to worst.
const (
	StatusOK       = "ok"
	StatusWarning  = "warning"
	StatusCritical = "critical"
	StatusError    = "error"
	StatusUnknown  = "unknown"
)

// DatabasePinger is the store surface the collector needs.
type DatabasePinger interface {
	Ping(ctx context.Context) (time.Duration, error)
	StorageSize() int64
}

// usageSample is one capacity sample: absolute usage plus the percentage.
type usageSample struct {
	used        uint64
	total       uint64
	usedPercent float64
}

// Collector samples CPU, memory, disk, and database health.
type Collector struct {
	db      DatabasePinger
	dataDir string

	// sampling seams for tests
	cpuPercentFn func(ctx context.Context) (float64, error)
	cpuCoresFn   func(ctx context.Context) (int, error)
	memUsageFn   func(ctx context.Context) (usageSample, error)
	diskUsageFn  func(ctx context.Context, path string) (usageSample, error)
	nowFn        func() time.Time
}

// NewCollector builds a collector sampling the given data directory's
// volume.
func NewCollector(db DatabasePinger, dataDir string) *Collector {
	return &Collector{
		db:      db,
		dataDir: dataDir,
		cpuPercentFn: func(ctx context.Context) (float64, error) {
			percents, err := cpu.PercentWithContext(ctx, 0, false)
			if err != nil {
				return 0, err
			}
			if len(percents) == 0 {
				return 0, fmt.Errorf("no cpu sample")
			}
			return percents[0], nil
		},
		cpuCoresFn: func(ctx context.Context) (int, error) {
			return cpu.CountsWithContext(ctx, true)
		},
		memUsageFn: func(ctx context.Context) (usageSample, error) {
			vm, err := mem.VirtualMemoryWithContext(ctx)
			if err != nil {
				return usageSample{}, err
			}
			return usageSample{used: vm.Used, total: vm.Total, usedPercent: vm.UsedPercent}, nil
		},
		diskUsageFn: func(ctx context.Context, path string) (usageSample, error) {
			usage, err := disk.UsageWithContext(ctx, path)
			if err != nil {
				return usageSample{}, err
			}
			return usageSample{used: usage.Used, total: usage.Total, usedPercent: usage.UsedPercent}, nil
		},
		nowFn: time.Now,
	}
}

// Sample collects one health snapshot. Individual component failures are
// reported as that component's status, never as a sampling error.
func (c *Collector) Sample(ctx context.Context) models.SystemHealth {
	health := models.SystemHealth{
		CPU:       c.sampleCPU(ctx),
		Memory:    c.sampleMemory(ctx),
		Storage:   c.sampleStorage(ctx),
		Database:  c.sampleDatabase(ctx),
		SampledAt: c.nowFn().UTC(),
	}
	health.Overall = worstOf(health.CPU.Status, health.Memory.Status, health.Storage.Status, health.Database.Status)
	return health
}

func (c *Collector) sampleCPU(ctx context.Context) models.ComponentHealth {
	percent, err := c.cpuPercentFn(ctx)
	if err != nil {
		return models.ComponentHealth{Status: StatusUnknown, Detail: err.Error()}
	}
	metrics := map[string]float64{"usedPercent": percent}
	if cores, err := c.cpuCoresFn(ctx); err == nil {
		metrics["cores"] = float64(cores)
	}
	return models.ComponentHealth{
		Status:  classifyUsage(percent, 85, 95),
		Metrics: metrics,
	}
}

func (c *Collector) sampleMemory(ctx context.Context) models.ComponentHealth {
	sample, err := c.memUsageFn(ctx)
	if err != nil {
		return models.ComponentHealth{Status: StatusUnknown, Detail: err.Error()}
	}
	return models.ComponentHealth{
		Status: classifyUsage(sample.usedPercent, 85, 95),
		Metrics: map[string]float64{
			"usedPercent": sample.usedPercent,
			"usedGB":      toGB(sample.used),
			"totalGB":     toGB(sample.total),
		},
	}
}

func (c *Collector) sampleStorage(ctx context.Context) models.ComponentHealth {
	sample, err := c.diskUsageFn(ctx, c.dataDir)
	if err != nil {
		return models.ComponentHealth{Status: StatusUnknown, Detail: err.Error()}
	}
	return models.ComponentHealth{
		Status: classifyUsage(sample.usedPercent, 80, 90),
		Metrics: map[string]float64{
			"usedPercent": sample.usedPercent,
			"usedGB":      toGB(sample.used),
			"totalGB":     toGB(sample.total),
		},
	}
}

func toGB(bytes uint64) float64 {
	return float64(bytes) / (1024 * 1024 * 1024)
}

func (c *Collector) sampleDatabase(ctx context.Context) models.ComponentHealth {
	latency, err := c.db.Ping(ctx)
	if err != nil {
		return models.ComponentHealth{Status: StatusError, Detail: err.Error()}
	}
	status := StatusOK
	if latency > time.Second {
		status = StatusCritical
	} else if latency > 250*time.Millisecond {
		status = StatusWarning
	}
	return models.ComponentHealth{
		Status: status,
		Metrics: map[string]float64{
			"pingMillis": float64(latency.Milliseconds()),
			"sizeBytes":  float64(c.db.StorageSize()),
		},
	}
}

func classifyUsage(percent, warnAt, criticalAt float64) string {
	switch {
	case percent >= criticalAt:
		return StatusCritical
	case percent >= warnAt:
		return StatusWarning
	default:
		return StatusOK
	}
}

var statusRank = map[string]int{
	StatusOK:       0,
	StatusUnknown:  1,
	StatusWarning:  2,
	StatusCritical: 3,
	StatusError:    4,
}

func worstOf(statuses ...string) string {
	worst := StatusOK
	for _, s := range statuses {
		if statusRank[s] > statusRank[worst] {
			worst = s
		}
	}
	return worst
}
