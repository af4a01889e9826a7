package health

import (
	"context"
	"time"

	"github.com/dwestall/aquawatch/internal/models"
	"github.com/dwestall/aquawatch/internal/store"
)

// analyticsWindow is the trailing window summarized on each tick.
const analyticsWindow = 24 * time.Hour

// AnalyticsStore is the store surface the summarizer needs.
type AnalyticsStore interface {
	ListDevices(ctx context.Context, filter store.DeviceFilter) ([]*models.Device, error)
	CountAlertsSince(ctx context.Context, since time.Time) (map[models.Severity]int, map[models.AlertStatus]int, error)
	ParameterWindowStats(ctx context.Context, param models.Parameter, since time.Time) (models.ParameterStats, error)
}

// Summarizer builds the rolling analytics summary.
type Summarizer struct {
	store AnalyticsStore
	nowFn func() time.Time
}

// NewSummarizer builds a summarizer over the 24 hour window.
func NewSummarizer(s AnalyticsStore) *Summarizer {
	return &Summarizer{store: s, nowFn: time.Now}
}

// Summarize aggregates device states, alert counts, and per-parameter
// stats for the trailing window.
func (s *Summarizer) Summarize(ctx context.Context) (models.AnalyticsSummary, error) {
	now := s.nowFn().UTC()
	since := now.Add(-analyticsWindow)

	summary := models.AnalyticsSummary{
		WindowHours:     int(analyticsWindow.Hours()),
		DevicesByStatus: make(map[models.DeviceStatus]int),
		Parameters:      make(map[models.Parameter]models.ParameterStats),
		GeneratedAt:     now,
	}

	devices, err := s.store.ListDevices(ctx, store.DeviceFilter{})
	if err != nil {
		return summary, err
	}
	for _, d := range devices {
		summary.DevicesByStatus[d.Status]++
	}

	bySeverity, byStatus, err := s.store.CountAlertsSince(ctx, since)
	if err != nil {
		return summary, err
	}
	summary.AlertsBySeverity = bySeverity
	summary.AlertsByStatus = byStatus

	for _, param := range models.Parameters {
		stats, err := s.store.ParameterWindowStats(ctx, param, since)
		if err != nil {
			return summary, err
		}
		summary.Parameters[param] = stats
	}

	return summary, nil
}
