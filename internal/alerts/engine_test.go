package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwestall/aquawatch/internal/models"
	"github.com/dwestall/aquawatch/internal/store"
)

// memAlertStore is an in-memory AlertStore mirroring the SQLite semantics
// the engine relies on: one open alert per pair, idempotent resolution.
type memAlertStore struct {
	alerts  map[string]*models.Alert
	devices map[string]*models.Device
}

func newMemAlertStore() *memAlertStore {
	return &memAlertStore{
		alerts: map[string]*models.Alert{},
		devices: map[string]*models.Device{
			"tank-1": {ID: "tank-1", Name: "Tank 1", Registered: true},
		},
	}
}

func (m *memAlertStore) FindOpenAlert(_ context.Context, deviceID string, param models.Parameter) (*models.Alert, error) {
	for _, a := range m.alerts {
		if a.DeviceID == deviceID && a.Parameter == param && a.Status != models.AlertResolved {
			copied := *a
			return &copied, nil
		}
	}
	return nil, &store.Error{Kind: store.KindNotFound, Op: "find_open_alert"}
}

func (m *memAlertStore) CreateAlert(_ context.Context, alert *models.Alert) (*models.Alert, error) {
	for _, a := range m.alerts {
		if a.DeviceID == alert.DeviceID && a.Parameter == alert.Parameter && a.Status != models.AlertResolved {
			// Unique-index conflict folds into an occurrence on the survivor.
			a.OccurrenceCount++
			a.CurrentValue = alert.CurrentValue
			if alert.Severity.Rank() > a.Severity.Rank() {
				a.Severity = alert.Severity
			}
			copied := *a
			return &copied, nil
		}
	}
	stored := *alert
	stored.ID = uuid.NewString()
	stored.Status = models.AlertActive
	stored.OccurrenceCount = 1
	m.alerts[stored.ID] = &stored
	copied := stored
	return &copied, nil
}

func (m *memAlertStore) IncrementAlertOccurrence(_ context.Context, alertID string, currentValue float64, severity models.Severity) error {
	a, ok := m.alerts[alertID]
	if !ok || a.Status == models.AlertResolved {
		return &store.Error{Kind: store.KindNotFound, Op: "increment_alert"}
	}
	a.OccurrenceCount++
	a.CurrentValue = currentValue
	if severity.Rank() > a.Severity.Rank() {
		a.Severity = severity
	}
	return nil
}

func (m *memAlertStore) TransitionAlert(_ context.Context, alertID string, to models.AlertStatus, notes string) error {
	a, ok := m.alerts[alertID]
	if !ok {
		return &store.Error{Kind: store.KindNotFound, Op: "transition_alert"}
	}
	switch to {
	case models.AlertAcknowledged:
		if a.Status != models.AlertActive {
			return &store.Error{Kind: store.KindNotFound, Op: "transition_alert"}
		}
	case models.AlertResolved:
		if a.Status == models.AlertResolved {
			return &store.Error{Kind: store.KindNotFound, Op: "transition_alert"}
		}
	}
	a.Status = to
	a.ResolutionNotes = notes
	return nil
}

func (m *memAlertStore) ResolveAll(ctx context.Context, filter store.AlertFilter, notes string) ([]*models.Alert, error) {
	var resolved []*models.Alert
	for _, a := range m.alerts {
		if a.Status == models.AlertResolved {
			continue
		}
		if filter.Severity != "" && a.Severity != filter.Severity {
			continue
		}
		if filter.Parameter != "" && a.Parameter != filter.Parameter {
			continue
		}
		if filter.DeviceID != "" && a.DeviceID != filter.DeviceID {
			continue
		}
		a.Status = models.AlertResolved
		a.ResolutionNotes = notes
		copied := *a
		resolved = append(resolved, &copied)
	}
	return resolved, nil
}

func (m *memAlertStore) GetAlertByID(_ context.Context, alertID string) (*models.Alert, error) {
	a, ok := m.alerts[alertID]
	if !ok {
		return nil, &store.Error{Kind: store.KindNotFound, Op: "get_alert"}
	}
	copied := *a
	return &copied, nil
}

func (m *memAlertStore) GetDeviceByID(_ context.Context, id string) (*models.Device, error) {
	d, ok := m.devices[id]
	if !ok {
		return nil, &store.Error{Kind: store.KindNotFound, Op: "get_device"}
	}
	return d, nil
}

func (m *memAlertStore) open(deviceID string, param models.Parameter) *models.Alert {
	for _, a := range m.alerts {
		if a.DeviceID == deviceID && a.Parameter == param && a.Status != models.AlertResolved {
			return a
		}
	}
	return nil
}

type recordingNotifier struct {
	alerts []*models.Alert
}

func (r *recordingNotifier) NotifyAlert(alert *models.Alert, _ *models.Device) {
	r.alerts = append(r.alerts, alert)
}

type recordingAlertHub struct {
	created  []*models.Alert
	resolved []*models.Alert
}

func (r *recordingAlertHub) BroadcastAlert(a *models.Alert)         { r.created = append(r.created, a) }
func (r *recordingAlertHub) BroadcastAlertResolved(a *models.Alert) { r.resolved = append(r.resolved, a) }

var engineNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func phReading(deviceID string, ph float64, at time.Time) *models.SensorReading {
	return &models.SensorReading{DeviceID: deviceID, PH: &ph, PHValid: true, Timestamp: at}
}

func newTestEngine(t *testing.T) (*Engine, *memAlertStore, *recordingNotifier, *recordingAlertHub) {
	t.Helper()
	ms := newMemAlertStore()
	n := &recordingNotifier{}
	hub := &recordingAlertHub{}
	e := NewEngine(ms, n, hub, nil, 10*time.Minute, true)
	return e, ms, n, hub
}

func TestBreachCreatesAlertAndNotifiesOnce(t *testing.T) {
	e, ms, n, hub := newTestEngine(t)

	e.Evaluate(context.Background(), phReading("tank-1", 9.7, engineNow))

	alert := ms.open("tank-1", models.ParameterPH)
	require.NotNil(t, alert)
	assert.Equal(t, models.SeverityCritical, alert.Severity)
	assert.Equal(t, 9.5, alert.Threshold)
	assert.Equal(t, 9.7, alert.CurrentValue)
	assert.Equal(t, "Tank 1", alert.DeviceName)
	assert.Contains(t, alert.Message, "pH")
	require.Len(t, hub.created, 1)
	require.Len(t, n.alerts, 1)
}

func TestRepeatedBreachDebounces(t *testing.T) {
	e, ms, n, hub := newTestEngine(t)

	e.Evaluate(context.Background(), phReading("tank-1", 9.7, engineNow))
	e.Evaluate(context.Background(), phReading("tank-1", 9.8, engineNow.Add(time.Minute)))
	e.Evaluate(context.Background(), phReading("tank-1", 9.9, engineNow.Add(2*time.Minute)))

	assert.Len(t, n.alerts, 1, "email only on creation")
	assert.Len(t, hub.created, 1, "no duplicate alert broadcasts")

	alert := ms.open("tank-1", models.ParameterPH)
	require.NotNil(t, alert)
	assert.Equal(t, 3, alert.OccurrenceCount)
	assert.Equal(t, 9.9, alert.CurrentValue)
	assert.Len(t, ms.alerts, 1, "one open alert per pair")
}

func TestBreachUpgradesSeverity(t *testing.T) {
	e, ms, _, _ := newTestEngine(t)

	e.Evaluate(context.Background(), phReading("tank-1", 8.7, engineNow)) // advisory
	e.Evaluate(context.Background(), phReading("tank-1", 9.7, engineNow.Add(time.Minute)))

	alert := ms.open("tank-1", models.ParameterPH)
	require.NotNil(t, alert)
	assert.Equal(t, models.SeverityCritical, alert.Severity)
	assert.Equal(t, 2, alert.OccurrenceCount)
}

func TestMilderBreachDoesNotIncrement(t *testing.T) {
	e, ms, _, _ := newTestEngine(t)

	e.Evaluate(context.Background(), phReading("tank-1", 9.7, engineNow)) // critical
	e.Evaluate(context.Background(), phReading("tank-1", 8.7, engineNow.Add(time.Minute)))

	alert := ms.open("tank-1", models.ParameterPH)
	require.NotNil(t, alert)
	assert.Equal(t, models.SeverityCritical, alert.Severity, "severity never lowers")
	assert.Equal(t, 1, alert.OccurrenceCount)
}

func TestAbsentParameterSkipped(t *testing.T) {
	e, ms, _, _ := newTestEngine(t)

	high := 1500.0
	e.Evaluate(context.Background(), &models.SensorReading{
		DeviceID:  "tank-1",
		TDS:       nil, // not reported in this frame
		Turbidity: &high,
		Timestamp: engineNow,
	})

	assert.Nil(t, ms.open("tank-1", models.ParameterTDS))
	assert.NotNil(t, ms.open("tank-1", models.ParameterTurbidity))
}

func TestUnregisteredDeviceProducesNoAlerts(t *testing.T) {
	e, ms, n, hub := newTestEngine(t)
	ms.devices["intruder"] = &models.Device{ID: "intruder", Name: "intruder"}

	e.Evaluate(context.Background(), phReading("intruder", 9.7, engineNow))

	assert.Nil(t, ms.open("intruder", models.ParameterPH), "alert fired for an unregistered device")
	assert.Empty(t, hub.created)
	assert.Empty(t, n.alerts)

	// Registration approval opens the gate.
	ms.devices["intruder"].Registered = true
	e.Evaluate(context.Background(), phReading("intruder", 9.7, engineNow.Add(time.Minute)))
	assert.NotNil(t, ms.open("intruder", models.ParameterPH))
}

// racingAlertStore simulates losing the creation race: the lookup misses but
// the insert hits the open-alert unique index.
type racingAlertStore struct {
	*memAlertStore
}

func (r *racingAlertStore) FindOpenAlert(_ context.Context, _ string, _ models.Parameter) (*models.Alert, error) {
	return nil, &store.Error{Kind: store.KindNotFound, Op: "find_open_alert"}
}

func TestLostCreationRaceEmitsNoCreationEvents(t *testing.T) {
	ms := newMemAlertStore()
	n := &recordingNotifier{}
	hub := &recordingAlertHub{}
	e := NewEngine(&racingAlertStore{ms}, n, hub, nil, 10*time.Minute, true)

	e.Evaluate(context.Background(), phReading("tank-1", 9.7, engineNow))
	e.Evaluate(context.Background(), phReading("tank-1", 9.8, engineNow.Add(time.Second)))

	assert.Len(t, hub.created, 1, "a fold is an occurrence, not a creation")
	assert.Len(t, n.alerts, 1, "a fold sends no email")
	alert := ms.open("tank-1", models.ParameterPH)
	require.NotNil(t, alert)
	assert.Equal(t, 2, alert.OccurrenceCount)
	assert.Equal(t, 9.8, alert.CurrentValue)
}

func TestAutoResolveAfterNominalWindow(t *testing.T) {
	e, ms, _, hub := newTestEngine(t)

	e.Evaluate(context.Background(), phReading("tank-1", 9.7, engineNow))
	require.NotNil(t, ms.open("tank-1", models.ParameterPH))

	// Nominal streak starts; alert stays open inside the window.
	e.Evaluate(context.Background(), phReading("tank-1", 7.0, engineNow.Add(time.Minute)))
	e.Evaluate(context.Background(), phReading("tank-1", 7.1, engineNow.Add(5*time.Minute)))
	assert.NotNil(t, ms.open("tank-1", models.ParameterPH))

	// Streak reaches the idle window.
	e.Evaluate(context.Background(), phReading("tank-1", 7.2, engineNow.Add(12*time.Minute)))
	assert.Nil(t, ms.open("tank-1", models.ParameterPH))
	require.Len(t, hub.resolved, 1)
	assert.Contains(t, hub.resolved[0].ResolutionNotes, "auto-resolved")
}

func TestBreachResetsNominalStreak(t *testing.T) {
	e, ms, _, _ := newTestEngine(t)

	e.Evaluate(context.Background(), phReading("tank-1", 9.7, engineNow))
	e.Evaluate(context.Background(), phReading("tank-1", 7.0, engineNow.Add(time.Minute)))
	// Breach resets the streak before the window elapses.
	e.Evaluate(context.Background(), phReading("tank-1", 9.6, engineNow.Add(8*time.Minute)))
	// Ten minutes after the original streak start, but only two after the
	// new one.
	e.Evaluate(context.Background(), phReading("tank-1", 7.0, engineNow.Add(9*time.Minute)))
	e.Evaluate(context.Background(), phReading("tank-1", 7.0, engineNow.Add(11*time.Minute)))

	assert.NotNil(t, ms.open("tank-1", models.ParameterPH), "streak must restart after a breach")
}

func TestAutoResolveDisabled(t *testing.T) {
	ms := newMemAlertStore()
	e := NewEngine(ms, &recordingNotifier{}, &recordingAlertHub{}, nil, 10*time.Minute, false)

	e.Evaluate(context.Background(), phReading("tank-1", 9.7, engineNow))
	e.Evaluate(context.Background(), phReading("tank-1", 7.0, engineNow.Add(time.Minute)))
	e.Evaluate(context.Background(), phReading("tank-1", 7.0, engineNow.Add(30*time.Minute)))

	assert.NotNil(t, ms.open("tank-1", models.ParameterPH), "auto-resolve is gated off")
}

func TestResolveAllWithSeverityFilter(t *testing.T) {
	e, ms, _, hub := newTestEngine(t)
	ms.devices["tank-2"] = &models.Device{ID: "tank-2", Name: "Tank 2", Registered: true}

	e.Evaluate(context.Background(), phReading("tank-1", 9.7, engineNow)) // critical
	e.Evaluate(context.Background(), phReading("tank-2", 8.7, engineNow)) // advisory

	count, err := e.ResolveAll(context.Background(), store.AlertFilter{Severity: models.SeverityCritical}, "maintenance window")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Nil(t, ms.open("tank-1", models.ParameterPH))
	assert.NotNil(t, ms.open("tank-2", models.ParameterPH))
	require.Len(t, hub.resolved, 1)

	// Idempotent on an already clean state.
	count, err = e.ResolveAll(context.Background(), store.AlertFilter{Severity: models.SeverityCritical}, "again")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestAcknowledgeThenOperatorResolve(t *testing.T) {
	e, ms, _, hub := newTestEngine(t)

	e.Evaluate(context.Background(), phReading("tank-1", 9.7, engineNow))
	alert := ms.open("tank-1", models.ParameterPH)
	require.NotNil(t, alert)

	acked, err := e.Acknowledge(context.Background(), alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertAcknowledged, acked.Status)

	require.NoError(t, e.Resolve(context.Background(), alert.ID, "flushed the tank"))
	assert.Nil(t, ms.open("tank-1", models.ParameterPH))
	require.Len(t, hub.resolved, 1)
	assert.Equal(t, "flushed the tank", hub.resolved[0].ResolutionNotes)
}

func TestSetThresholdsRejectsInvalid(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	bad := DefaultThresholds()
	bad.TDS.Warning = 100
	assert.Error(t, e.SetThresholds(bad))

	good := DefaultThresholds()
	good.TDS.Advisory = 400
	require.NoError(t, e.SetThresholds(good))
	assert.Equal(t, 400.0, e.Thresholds().TDS.Advisory)
}
