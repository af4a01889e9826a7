package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dwestall/aquawatch/internal/metrics"
	"github.com/dwestall/aquawatch/internal/models"
	"github.com/dwestall/aquawatch/internal/store"
)

// AlertStore is the persistence surface the engine needs.
type AlertStore interface {
	FindOpenAlert(ctx context.Context, deviceID string, param models.Parameter) (*models.Alert, error)
	CreateAlert(ctx context.Context, alert *models.Alert) (*models.Alert, error)
	IncrementAlertOccurrence(ctx context.Context, alertID string, currentValue float64, severity models.Severity) error
	TransitionAlert(ctx context.Context, alertID string, to models.AlertStatus, notes string) error
	ResolveAll(ctx context.Context, filter store.AlertFilter, notes string) ([]*models.Alert, error)
	GetAlertByID(ctx context.Context, alertID string) (*models.Alert, error)
	GetDeviceByID(ctx context.Context, id string) (*models.Device, error)
}

// Notifier receives newly created alerts for email fan-out. Called exactly
// once per alert creation, never on occurrence increments.
type Notifier interface {
	NotifyAlert(alert *models.Alert, device *models.Device)
}

// Broadcaster pushes alert lifecycle events to connected clients.
type Broadcaster interface {
	BroadcastAlert(alert *models.Alert)
	BroadcastAlertResolved(alert *models.Alert)
}

// Engine evaluates readings against the threshold bands. Readings for one
// device arrive on that device's ingest slot, so evaluations for a given
// (device, parameter) pair are naturally serialized.
type Engine struct {
	store    AlertStore
	notifier Notifier
	hub      Broadcaster

	autoResolveIdle    time.Duration
	autoResolveEnabled bool

	mu         sync.RWMutex
	thresholds *Thresholds

	// nominalSince tracks, per (device, parameter), when the current streak
	// of nominal readings began while an alert is open.
	nominalMu    sync.Mutex
	nominalSince map[string]time.Time
}

// NewEngine builds an engine with the given band table (nil means
// defaults).
func NewEngine(alertStore AlertStore, notifier Notifier, hub Broadcaster, thresholds *Thresholds, autoResolveIdle time.Duration, autoResolveEnabled bool) *Engine {
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}
	if autoResolveIdle <= 0 {
		autoResolveIdle = 10 * time.Minute
	}
	return &Engine{
		store:              alertStore,
		notifier:           notifier,
		hub:                hub,
		autoResolveIdle:    autoResolveIdle,
		autoResolveEnabled: autoResolveEnabled,
		thresholds:         thresholds,
		nominalSince:       make(map[string]time.Time),
	}
}

// SetThresholds swaps the band table, e.g. on a thresholds.json reload.
func (e *Engine) SetThresholds(th *Thresholds) error {
	if err := th.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.thresholds = th
	e.mu.Unlock()
	log.Info().Msg("Alert thresholds updated")
	return nil
}

// Thresholds returns the active band table.
func (e *Engine) Thresholds() *Thresholds {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.thresholds
}

// Evaluate checks every valid parameter in the reading. Invalid (null)
// parameters are skipped entirely.
func (e *Engine) Evaluate(ctx context.Context, reading *models.SensorReading) {
	th := e.Thresholds()
	for _, p := range []struct {
		param models.Parameter
		value *float64
	}{
		{models.ParameterPH, reading.PH},
		{models.ParameterTDS, reading.TDS},
		{models.ParameterTurbidity, reading.Turbidity},
	} {
		if p.value == nil {
			continue
		}
		if b, breached := th.classify(p.param, *p.value); breached {
			e.clearNominalStreak(reading.DeviceID, p.param)
			e.raise(ctx, reading, p.param, *p.value, b)
		} else {
			e.observeNominal(ctx, reading, p.param)
		}
	}
}

// raise creates the alert for the pair or folds the firing into the open
// one. Unregistered devices produce no alerts; email goes out on creation
// only.
func (e *Engine) raise(ctx context.Context, reading *models.SensorReading, param models.Parameter, value float64, b breach) {
	device, err := e.store.GetDeviceByID(ctx, reading.DeviceID)
	if err != nil {
		log.Error().Err(err).Str("deviceId", reading.DeviceID).Msg("Failed to load device for alert")
		return
	}
	if !device.Registered {
		log.Debug().
			Str("deviceId", reading.DeviceID).
			Str("parameter", string(param)).
			Msg("Skipping alert for unregistered device")
		return
	}

	existing, err := e.store.FindOpenAlert(ctx, reading.DeviceID, param)
	if err == nil {
		if b.severity.Rank() >= existing.Severity.Rank() {
			if ierr := e.store.IncrementAlertOccurrence(ctx, existing.ID, value, b.severity); ierr != nil {
				log.Error().Err(ierr).Str("alertId", existing.ID).Msg("Failed to record alert occurrence")
			}
		}
		return
	}
	if !store.IsNotFound(err) {
		log.Error().Err(err).
			Str("deviceId", reading.DeviceID).
			Str("parameter", string(param)).
			Msg("Failed to look up open alert")
		return
	}

	alert, err := e.store.CreateAlert(ctx, &models.Alert{
		DeviceID:     reading.DeviceID,
		DeviceName:   device.Name,
		Parameter:    param,
		Severity:     b.severity,
		CurrentValue: value,
		Threshold:    b.threshold,
		Message:      alertMessage(param, b.severity, value, b.threshold),
		CreatedAt:    reading.Timestamp,
	})
	if err != nil {
		log.Error().Err(err).
			Str("deviceId", reading.DeviceID).
			Str("parameter", string(param)).
			Msg("Failed to create alert")
		return
	}

	if alert.OccurrenceCount > 1 {
		// A conflict fold returns the survivor with count > 1; that path is
		// an occurrence, not a creation. No metric, broadcast, or email.
		return
	}

	metrics.AlertsFired.WithLabelValues(string(alert.Severity)).Inc()
	log.Warn().
		Str("alertId", alert.ID).
		Str("deviceId", alert.DeviceID).
		Str("parameter", string(param)).
		Str("severity", string(alert.Severity)).
		Float64("value", value).
		Msg("Alert created")

	e.hub.BroadcastAlert(alert)
	e.notifier.NotifyAlert(alert, device)
}

// observeNominal tracks a nominal streak for a pair with an open alert and
// auto-resolves once the streak outlasts the idle window.
func (e *Engine) observeNominal(ctx context.Context, reading *models.SensorReading, param models.Parameter) {
	alert, err := e.store.FindOpenAlert(ctx, reading.DeviceID, param)
	if err != nil {
		if !store.IsNotFound(err) {
			log.Error().Err(err).Str("deviceId", reading.DeviceID).Msg("Failed to look up open alert")
		}
		return
	}

	key := streakKey(reading.DeviceID, param)
	e.nominalMu.Lock()
	since, ok := e.nominalSince[key]
	if !ok {
		e.nominalSince[key] = reading.Timestamp
		e.nominalMu.Unlock()
		return
	}
	expired := reading.Timestamp.Sub(since) >= e.autoResolveIdle
	if expired {
		delete(e.nominalSince, key)
	}
	e.nominalMu.Unlock()

	if !expired || !e.autoResolveEnabled {
		return
	}
	e.resolve(ctx, alert.ID, fmt.Sprintf("auto-resolved after %s of nominal readings", e.autoResolveIdle))
}

// Acknowledge transitions an active alert to acknowledged.
func (e *Engine) Acknowledge(ctx context.Context, alertID string) (*models.Alert, error) {
	if err := e.store.TransitionAlert(ctx, alertID, models.AlertAcknowledged, ""); err != nil {
		return nil, err
	}
	alert, err := e.store.GetAlertByID(ctx, alertID)
	if err != nil {
		return nil, err
	}
	log.Info().Str("alertId", alertID).Msg("Alert acknowledged")
	return alert, nil
}

// Resolve transitions an open alert to resolved on operator request.
func (e *Engine) Resolve(ctx context.Context, alertID, notes string) error {
	e.resolve(ctx, alertID, notes)
	return nil
}

func (e *Engine) resolve(ctx context.Context, alertID, notes string) {
	if err := e.store.TransitionAlert(ctx, alertID, models.AlertResolved, notes); err != nil {
		if store.IsNotFound(err) {
			return
		}
		log.Error().Err(err).Str("alertId", alertID).Msg("Failed to resolve alert")
		return
	}
	alert, err := e.store.GetAlertByID(ctx, alertID)
	if err != nil {
		log.Error().Err(err).Str("alertId", alertID).Msg("Failed to load resolved alert")
		return
	}
	metrics.AlertsResolved.Inc()
	log.Info().Str("alertId", alertID).Str("notes", notes).Msg("Alert resolved")
	e.hub.BroadcastAlertResolved(alert)
}

// ResolveAll resolves every open alert matching the filter, broadcasting
// each resolution, and returns the resolved count.
func (e *Engine) ResolveAll(ctx context.Context, filter store.AlertFilter, notes string) (int, error) {
	resolved, err := e.store.ResolveAll(ctx, filter, notes)
	for _, alert := range resolved {
		metrics.AlertsResolved.Inc()
		e.hub.BroadcastAlertResolved(alert)
		e.clearNominalStreak(alert.DeviceID, alert.Parameter)
	}
	if len(resolved) > 0 {
		log.Info().Int("count", len(resolved)).Str("notes", notes).Msg("Batch alert resolution")
	}
	return len(resolved), err
}

func (e *Engine) clearNominalStreak(deviceID string, param models.Parameter) {
	e.nominalMu.Lock()
	delete(e.nominalSince, streakKey(deviceID, param))
	e.nominalMu.Unlock()
}

func streakKey(deviceID string, param models.Parameter) string {
	return deviceID + "/" + string(param)
}

func alertMessage(param models.Parameter, severity models.Severity, value, threshold float64) string {
	var name, unit string
	switch param {
	case models.ParameterPH:
		name, unit = "pH", ""
	case models.ParameterTDS:
		name, unit = "TDS", " ppm"
	case models.ParameterTurbidity:
		name, unit = "Turbidity", " NTU"
	}
	return fmt.Sprintf("%s reading %g%s crossed the %s threshold (%g%s)",
		name, value, unit, severity, threshold, unit)
}
