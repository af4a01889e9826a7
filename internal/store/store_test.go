package store

import (
	"context"
	"testing"
	"time"

	"github.com/dwestall/aquawatch/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func registerDevice(t *testing.T, s *Store, id string) *models.Device {
	t.Helper()
	device, _, err := s.UpsertDeviceOnRegistration(context.Background(), Registration{DeviceID: id})
	require.NoError(t, err)
	return device
}

func floatp(v float64) *float64 { return &v }

func TestUpsertDeviceOnRegistration_CreatesOfflineUnregistered(t *testing.T) {
	s := newTestStore(t)

	device, created, err := s.UpsertDeviceOnRegistration(context.Background(), Registration{
		DeviceID: "tank-1",
		Name:     "Tank 1",
		Sensors:  []string{"ph", "tds"},
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "tank-1", device.ID)
	assert.Equal(t, "Tank 1", device.Name)
	assert.Equal(t, models.DeviceOffline, device.Status)
	assert.False(t, device.Registered)
	assert.Equal(t, []string{"ph", "tds"}, device.Sensors)
}

func TestUpsertDeviceOnRegistration_SecondUpsertKeepsExistingFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, created, err := s.UpsertDeviceOnRegistration(ctx, Registration{DeviceID: "tank-1", Name: "Tank 1"})
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, s.UpdateDeviceStatus(ctx, "tank-1", models.DeviceOnline))

	device, created, err := s.UpsertDeviceOnRegistration(ctx, Registration{DeviceID: "tank-1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "Tank 1", device.Name, "empty registration name must not clobber the stored name")
	assert.Equal(t, models.DeviceOnline, device.Status, "re-registration must not reset status")

	device, _, err = s.UpsertDeviceOnRegistration(ctx, Registration{DeviceID: "tank-1", Name: "Tank 1B"})
	require.NoError(t, err)
	assert.Equal(t, "Tank 1B", device.Name, "a non-empty registration name still renames")
}

func TestUpsertDeviceOnRegistration_DefaultsSensors(t *testing.T) {
	s := newTestStore(t)

	device, _, err := s.UpsertDeviceOnRegistration(context.Background(), Registration{DeviceID: "bare"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ph", "tds", "turbidity"}, device.Sensors)
	assert.Equal(t, "bare", device.Name, "first insert defaults the name to the device id")
}

func TestUpdateLastSeenOnly_DoesNotTouchStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	registerDevice(t, s, "tank-1")

	seen := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.UpdateLastSeenOnly(ctx, "tank-1", seen))

	device, err := s.GetDeviceByID(ctx, "tank-1")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceOffline, device.Status)
	assert.Equal(t, seen, device.LastSeen)
}

func TestGetDeviceByID_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetDeviceByID(context.Background(), "ghost")
	assert.True(t, IsNotFound(err))
}

func TestListDevices_Filtered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	registerDevice(t, s, "a")
	registerDevice(t, s, "b")
	require.NoError(t, s.UpdateDeviceStatus(ctx, "b", models.DeviceOnline))

	online, err := s.ListDevices(ctx, DeviceFilter{Status: models.DeviceOnline})
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, "b", online[0].ID)

	all, err := s.ListDevices(ctx, DeviceFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestAppendSensorReading_AppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	registerDevice(t, s, "tank-1")

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendSensorReading(ctx, &models.SensorReading{
			DeviceID:       "tank-1",
			PH:             floatp(7.0 + float64(i)*0.1),
			TDS:            floatp(300),
			Turbidity:      nil,
			PHValid:        true,
			TDSValid:       true,
			TurbidityValid: false,
			Timestamp:      base.Add(time.Duration(i) * time.Second),
		}))
	}

	n, err := s.CountReadings(ctx, "tank-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	latest, err := s.GetLatestReading(ctx, "tank-1")
	require.NoError(t, err)
	require.NotNil(t, latest.PH)
	assert.InDelta(t, 7.2, *latest.PH, 0.0001)
	assert.Nil(t, latest.Turbidity, "invalid sensor stores null")
	assert.False(t, latest.TurbidityValid)
	assert.Equal(t, base.Add(2*time.Second), latest.Timestamp)
}

func TestCreateAlert_OpenPairUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.CreateAlert(ctx, &models.Alert{
		DeviceID:     "tank-1",
		Parameter:    models.ParameterPH,
		Severity:     models.SeverityWarning,
		CurrentValue: 5.8,
		Threshold:    6.0,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, first.OccurrenceCount)
	assert.Equal(t, models.AlertActive, first.Status)

	// A second create for the same open pair folds into the first alert.
	second, err := s.CreateAlert(ctx, &models.Alert{
		DeviceID:     "tank-1",
		Parameter:    models.ParameterPH,
		Severity:     models.SeverityCritical,
		CurrentValue: 5.2,
		Threshold:    5.5,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.OccurrenceCount)
	assert.Equal(t, models.SeverityCritical, second.Severity, "severity upgrades on conflict")
	assert.InDelta(t, 5.2, second.CurrentValue, 0.0001)

	// A different parameter still gets its own alert.
	other, err := s.CreateAlert(ctx, &models.Alert{
		DeviceID:     "tank-1",
		Parameter:    models.ParameterTDS,
		Severity:     models.SeverityAdvisory,
		CurrentValue: 600,
		Threshold:    500,
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestIncrementAlertOccurrence_NeverLowersSeverity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alert, err := s.CreateAlert(ctx, &models.Alert{
		DeviceID:     "tank-1",
		Parameter:    models.ParameterTurbidity,
		Severity:     models.SeverityCritical,
		CurrentValue: 12,
		Threshold:    10,
	})
	require.NoError(t, err)

	require.NoError(t, s.IncrementAlertOccurrence(ctx, alert.ID, 6, models.SeverityWarning))

	updated, err := s.GetAlertByID(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SeverityCritical, updated.Severity)
	assert.InDelta(t, 6.0, updated.CurrentValue, 0.0001)
	assert.Equal(t, 2, updated.OccurrenceCount)
}

func TestTransitionAlert_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alert, err := s.CreateAlert(ctx, &models.Alert{
		DeviceID:     "tank-1",
		Parameter:    models.ParameterPH,
		Severity:     models.SeverityAdvisory,
		CurrentValue: 6.2,
		Threshold:    6.5,
	})
	require.NoError(t, err)

	require.NoError(t, s.TransitionAlert(ctx, alert.ID, models.AlertAcknowledged, ""))
	require.NoError(t, s.TransitionAlert(ctx, alert.ID, models.AlertResolved, "flushed the line"))

	resolved, err := s.GetAlertByID(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertResolved, resolved.Status)
	assert.NotNil(t, resolved.AcknowledgedAt)
	assert.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, "flushed the line", resolved.ResolutionNotes)

	// Resolving twice reports not found; the row is already terminal.
	err = s.TransitionAlert(ctx, alert.ID, models.AlertResolved, "again")
	assert.True(t, IsNotFound(err))
}

func TestResolveAll_FilterAndIdempotence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mk := func(device string, param models.Parameter, severity models.Severity) {
		_, err := s.CreateAlert(ctx, &models.Alert{
			DeviceID: device, Parameter: param, Severity: severity,
			CurrentValue: 1, Threshold: 1,
		})
		require.NoError(t, err)
	}
	mk("d1", models.ParameterPH, models.SeverityCritical)
	mk("d2", models.ParameterPH, models.SeverityCritical)
	mk("d3", models.ParameterPH, models.SeverityCritical)
	mk("d4", models.ParameterTDS, models.SeverityWarning)
	mk("d5", models.ParameterTDS, models.SeverityWarning)

	resolved, err := s.ResolveAll(ctx, AlertFilter{Severity: models.SeverityCritical}, "bulk resolve")
	require.NoError(t, err)
	assert.Len(t, resolved, 3)

	again, err := s.ResolveAll(ctx, AlertFilter{Severity: models.SeverityCritical}, "bulk resolve")
	require.NoError(t, err)
	assert.Empty(t, again)

	warnings, err := s.ListAlerts(ctx, AlertFilter{Status: models.AlertActive})
	require.NoError(t, err)
	assert.Len(t, warnings, 2)
}

func TestListActiveStaffWithEmailNotifications(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mk := func(email string, status models.UserStatus, notify bool) {
		_, err := s.CreateUser(ctx, &models.User{
			Email: email, Role: models.RoleStaff, Status: status,
			EmailNotifications: notify,
		})
		require.NoError(t, err)
	}
	mk("a@example.com", models.UserActive, true)
	mk("b@example.com", models.UserActive, false)
	mk("c@example.com", models.UserPending, true)
	mk("d@example.com", models.UserSuspended, true)

	users, err := s.ListActiveStaffWithEmailNotifications(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "a@example.com", users[0].Email)
}

func TestParameterWindowStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	registerDevice(t, s, "tank-1")

	now := time.Now().UTC()
	for i, v := range []float64{7.0, 7.2, 7.4} {
		require.NoError(t, s.AppendSensorReading(ctx, &models.SensorReading{
			DeviceID: "tank-1",
			PH:       floatp(v),
			PHValid:  true, TDSValid: true, TurbidityValid: true,
			Timestamp: now.Add(time.Duration(i) * time.Minute),
		}))
	}

	stats, err := s.ParameterWindowStats(ctx, models.ParameterPH, now.Add(-time.Hour))
	require.NoError(t, err)
	require.NotNil(t, stats.Latest)
	require.NotNil(t, stats.Average)
	assert.InDelta(t, 7.4, *stats.Latest, 0.0001)
	assert.InDelta(t, 7.2, *stats.Average, 0.0001)
}
