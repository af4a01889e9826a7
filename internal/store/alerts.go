package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/dwestall/aquawatch/internal/models"
	"github.com/google/uuid"
)

// AlertFilter narrows ListAlerts and ResolveAll. Zero values match
// everything.
type AlertFilter struct {
	DeviceID  string
	Parameter models.Parameter
	Severity  models.Severity
	Status    models.AlertStatus
}

// FindOpenAlert returns the single non-resolved alert for the pair, or a
// NotFound error.
func (s *Store) FindOpenAlert(ctx context.Context, deviceID string, param models.Parameter) (*models.Alert, error) {
	row := s.db.QueryRowContext(ctx, alertSelect+`
		WHERE device_id = ? AND parameter = ? AND status != 'resolved'`,
		deviceID, string(param))
	return scanAlert(row)
}

// CreateAlert inserts a new active alert. The partial unique index on
// (device_id, parameter) serializes racing creators; a conflict is resolved
// by upgrading to an occurrence increment on the surviving row.
func (s *Store) CreateAlert(ctx context.Context, alert *models.Alert) (*models.Alert, error) {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Status == "" {
		alert.Status = models.AlertActive
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	if alert.OccurrenceCount == 0 {
		alert.OccurrenceCount = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (alert_id, device_id, device_name, parameter, severity, status, current_value, threshold, message, occurrence_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, alert.DeviceID, alert.DeviceName, string(alert.Parameter),
		string(alert.Severity), string(alert.Status), alert.CurrentValue,
		alert.Threshold, alert.Message, alert.OccurrenceCount,
		alert.CreatedAt.UnixMilli())
	if err != nil {
		cerr := classify("create_alert", err)
		if IsConflict(cerr) {
			// Lost the race: another writer holds the open slot for this
			// pair. Fold this firing into the surviving alert.
			existing, ferr := s.FindOpenAlert(ctx, alert.DeviceID, alert.Parameter)
			if ferr != nil {
				return nil, cerr
			}
			if ierr := s.IncrementAlertOccurrence(ctx, existing.ID, alert.CurrentValue, alert.Severity); ierr != nil {
				return nil, ierr
			}
			return s.getAlert(ctx, existing.ID)
		}
		return nil, cerr
	}
	return s.getAlert(ctx, alert.ID)
}

// IncrementAlertOccurrence bumps the occurrence count, refreshes the
// observed value, and raises severity when the new firing is worse.
func (s *Store) IncrementAlertOccurrence(ctx context.Context, alertID string, currentValue float64, severity models.Severity) error {
	existing, err := s.getAlert(ctx, alertID)
	if err != nil {
		return err
	}
	newSeverity := existing.Severity
	if severity.Rank() > existing.Severity.Rank() {
		newSeverity = severity
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts
		SET occurrence_count = occurrence_count + 1, current_value = ?, severity = ?
		WHERE alert_id = ? AND status != 'resolved'`,
		currentValue, string(newSeverity), alertID)
	if err != nil {
		return classify("increment_alert", err)
	}
	return requireRow(res, "increment_alert")
}

// TransitionAlert moves an alert to the target status. Transitions to
// resolved are idempotent; re-resolving an already resolved alert is a
// NotFound condition surfaced to the caller.
func (s *Store) TransitionAlert(ctx context.Context, alertID string, to models.AlertStatus, notes string) error {
	now := time.Now().UTC().UnixMilli()
	var res sql.Result
	var err error
	switch to {
	case models.AlertAcknowledged:
		res, err = s.db.ExecContext(ctx, `
			UPDATE alerts SET status = 'acknowledged', acknowledged_at = ?
			WHERE alert_id = ? AND status = 'active'`, now, alertID)
	case models.AlertResolved:
		res, err = s.db.ExecContext(ctx, `
			UPDATE alerts SET status = 'resolved', resolved_at = ?, resolution_notes = ?
			WHERE alert_id = ? AND status != 'resolved'`, now, notes, alertID)
	default:
		return &Error{Kind: KindPermanent, Op: "transition_alert"}
	}
	if err != nil {
		return classify("transition_alert", err)
	}
	return requireRow(res, "transition_alert")
}

// ResolveAll resolves every open alert matching the filter and returns the
// resolved alerts. Already-resolved alerts never match, which makes the
// operation idempotent.
func (s *Store) ResolveAll(ctx context.Context, filter AlertFilter, notes string) ([]*models.Alert, error) {
	query := alertSelect + ` WHERE status != 'resolved'`
	var args []interface{}
	if filter.DeviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, filter.DeviceID)
	}
	if filter.Parameter != "" {
		query += ` AND parameter = ?`
		args = append(args, string(filter.Parameter))
	}
	if filter.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(filter.Severity))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("resolve_all", err)
	}
	open, err := collectAlerts(rows)
	if err != nil {
		return nil, err
	}

	resolved := make([]*models.Alert, 0, len(open))
	for _, a := range open {
		if err := s.TransitionAlert(ctx, a.ID, models.AlertResolved, notes); err != nil {
			if IsNotFound(err) {
				continue
			}
			return resolved, err
		}
		updated, err := s.getAlert(ctx, a.ID)
		if err != nil {
			return resolved, err
		}
		resolved = append(resolved, updated)
	}
	return resolved, nil
}

// ListAlerts returns alerts matching the filter, newest first.
func (s *Store) ListAlerts(ctx context.Context, filter AlertFilter) ([]*models.Alert, error) {
	query := alertSelect + ` WHERE 1=1`
	var args []interface{}
	if filter.DeviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, filter.DeviceID)
	}
	if filter.Parameter != "" {
		query += ` AND parameter = ?`
		args = append(args, string(filter.Parameter))
	}
	if filter.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(filter.Severity))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list_alerts", err)
	}
	return collectAlerts(rows)
}

// CountAlertsSince aggregates alert counts by severity and by status for
// alerts created within the analytics window.
func (s *Store) CountAlertsSince(ctx context.Context, since time.Time) (map[models.Severity]int, map[models.AlertStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT severity, status, COUNT(*) FROM alerts
		WHERE created_at >= ? GROUP BY severity, status`, since.UTC().UnixMilli())
	if err != nil {
		return nil, nil, classify("count_alerts", err)
	}
	defer rows.Close()

	bySeverity := make(map[models.Severity]int)
	byStatus := make(map[models.AlertStatus]int)
	for rows.Next() {
		var severity, status string
		var n int
		if err := rows.Scan(&severity, &status, &n); err != nil {
			return nil, nil, classify("count_alerts", err)
		}
		bySeverity[models.Severity(severity)] += n
		byStatus[models.AlertStatus(status)] += n
	}
	if err := rows.Err(); err != nil {
		return nil, nil, classify("count_alerts", err)
	}
	return bySeverity, byStatus, nil
}

const alertSelect = `
	SELECT alert_id, device_id, device_name, parameter, severity, status, current_value, threshold, message, occurrence_count, created_at, acknowledged_at, resolved_at, resolution_notes
	FROM alerts`

func (s *Store) getAlert(ctx context.Context, alertID string) (*models.Alert, error) {
	row := s.db.QueryRowContext(ctx, alertSelect+` WHERE alert_id = ?`, alertID)
	return scanAlert(row)
}

// GetAlertByID fetches a single alert.
func (s *Store) GetAlertByID(ctx context.Context, alertID string) (*models.Alert, error) {
	return s.getAlert(ctx, alertID)
}

func collectAlerts(rows *sql.Rows) ([]*models.Alert, error) {
	defer rows.Close()
	var alerts []*models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("scan_alerts", err)
	}
	return alerts, nil
}

func scanAlert(row rowScanner) (*models.Alert, error) {
	var (
		a              models.Alert
		parameter      string
		severity       string
		status         string
		createdAt      int64
		acknowledgedAt sql.NullInt64
		resolvedAt     sql.NullInt64
	)
	err := row.Scan(&a.ID, &a.DeviceID, &a.DeviceName, &parameter, &severity,
		&status, &a.CurrentValue, &a.Threshold, &a.Message, &a.OccurrenceCount,
		&createdAt, &acknowledgedAt, &resolvedAt, &a.ResolutionNotes)
	if err != nil {
		return nil, classify("scan_alert", err)
	}
	a.Parameter = models.Parameter(parameter)
	a.Severity = models.Severity(severity)
	a.Status = models.AlertStatus(status)
	a.CreatedAt = time.UnixMilli(createdAt).UTC()
	a.AcknowledgedAt = nullTime(acknowledgedAt)
	a.ResolvedAt = nullTime(resolvedAt)
	return &a, nil
}
