package notifications

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwestall/aquawatch/internal/models"
)

type fakeUsers struct {
	users []*models.User
	err   error
}

func (f *fakeUsers) ListActiveStaffWithEmailNotifications(_ context.Context) ([]*models.User, error) {
	return f.users, f.err
}

func testAlert() *models.Alert {
	return &models.Alert{
		ID:           "a-1",
		DeviceID:     "tank-1",
		DeviceName:   "Tank 1",
		Parameter:    models.ParameterPH,
		Severity:     models.SeverityCritical,
		Status:       models.AlertActive,
		CurrentValue: 9.7,
		Threshold:    9.5,
		Message:      "pH reading 9.7 crossed the critical threshold (9.5)",
		CreatedAt:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNotifyAlertEnqueuesPerRecipient(t *testing.T) {
	q := NewQueue(&fakeSender{}, fastQueueConfig())
	users := &fakeUsers{users: []*models.User{
		{Email: "ops1@example.com"},
		{Email: "ops2@example.com"},
	}}
	n := NewAlertNotifier(q, users, time.Second)

	n.NotifyAlert(testAlert(), &models.Device{ID: "tank-1", Name: "Tank 1"})

	assert.Equal(t, 2, q.Pending())
}

func TestNotifyAlertNoRecipients(t *testing.T) {
	q := NewQueue(&fakeSender{}, fastQueueConfig())
	n := NewAlertNotifier(q, &fakeUsers{}, time.Second)

	n.NotifyAlert(testAlert(), nil)

	assert.Equal(t, 0, q.Pending())
}

func TestNotifyAlertLookupFailure(t *testing.T) {
	q := NewQueue(&fakeSender{}, fastQueueConfig())
	n := NewAlertNotifier(q, &fakeUsers{err: errors.New("db down")}, time.Second)

	n.NotifyAlert(testAlert(), nil)

	assert.Equal(t, 0, q.Pending())
}

func TestRenderAlertEmailContent(t *testing.T) {
	device := &models.Device{
		ID:       "tank-1",
		Name:     "Tank 1",
		Location: &models.Location{Building: "Plant A", Floor: "2"},
	}

	subject, body, err := renderAlertEmail(testAlert(), device)
	require.NoError(t, err)

	assert.Equal(t, "[CRITICAL] pH alert on Tank 1", subject)
	assert.Contains(t, body, "Tank 1")
	assert.Contains(t, body, "Plant A, floor 2")
	assert.Contains(t, body, "9.7")
	assert.Contains(t, body, "9.5")
	assert.Contains(t, body, "WHO guideline")
	assert.Contains(t, body, "Recommended actions")
}

func TestRenderAlertEmailUnitsPerParameter(t *testing.T) {
	alert := testAlert()
	alert.Parameter = models.ParameterTDS
	alert.CurrentValue = 1350
	alert.Threshold = 1200

	_, body, err := renderAlertEmail(alert, nil)
	require.NoError(t, err)
	assert.Contains(t, body, "1350 ppm")
	assert.Contains(t, body, "1200 ppm")
}
