package notifications

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dwestall/aquawatch/internal/models"
)

// UserLookup resolves the recipients for alert emails.
type UserLookup interface {
	ListActiveStaffWithEmailNotifications(ctx context.Context) ([]*models.User, error)
}

// AlertNotifier renders alert emails and enqueues one per recipient. It is
// called by the alert engine exactly once per alert creation.
type AlertNotifier struct {
	queue     *Queue
	users     UserLookup
	opTimeout time.Duration
}

// NewAlertNotifier wires the notifier to the queue and the user directory.
func NewAlertNotifier(queue *Queue, users UserLookup, opTimeout time.Duration) *AlertNotifier {
	if opTimeout <= 0 {
		opTimeout = 3 * time.Second
	}
	return &AlertNotifier{queue: queue, users: users, opTimeout: opTimeout}
}

// NotifyAlert fans one new alert out to every active user with email
// notifications enabled.
func (n *AlertNotifier) NotifyAlert(alert *models.Alert, device *models.Device) {
	subject, body, err := renderAlertEmail(alert, device)
	if err != nil {
		log.Error().Err(err).Str("alertId", alert.ID).Msg("Failed to render alert email")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.opTimeout)
	defer cancel()
	recipients, err := n.users.ListActiveStaffWithEmailNotifications(ctx)
	if err != nil {
		log.Error().Err(err).Str("alertId", alert.ID).Msg("Failed to resolve alert email recipients")
		return
	}
	if len(recipients) == 0 {
		log.Debug().Str("alertId", alert.ID).Msg("No alert email recipients configured")
		return
	}

	queued := 0
	for _, user := range recipients {
		if n.queue.Enqueue(Message{To: user.Email, Subject: subject, HTMLBody: body}) {
			queued++
		}
	}
	log.Info().
		Str("alertId", alert.ID).
		Int("recipients", len(recipients)).
		Int("queued", queued).
		Msg("Alert emails enqueued")
}
