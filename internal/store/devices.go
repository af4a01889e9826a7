package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/dwestall/aquawatch/internal/models"
)

// DeviceFilter narrows ListDevices results. Zero values match everything.
type DeviceFilter struct {
	Status     models.DeviceStatus
	Registered *bool
}

// Registration carries the fields a device (or operator) supplies when a
// device first appears.
type Registration struct {
	DeviceID string
	Name     string
	Type     string
	Firmware string
	MAC      string
	IP       string
	Sensors  []string
	Location *models.Location
}

// UpsertDeviceOnRegistration creates the device if it is new, or refreshes
// the registration metadata if it already exists. New devices start
// unregistered and offline. Returns the stored device and whether it was
// newly created.
func (s *Store) UpsertDeviceOnRegistration(ctx context.Context, reg Registration) (*models.Device, bool, error) {
	now := time.Now().UTC()
	sensors := reg.Sensors
	if len(sensors) == 0 {
		sensors = []string{"ph", "tds", "turbidity"}
	}
	sensorsJSON, err := json.Marshal(sensors)
	if err != nil {
		return nil, false, &Error{Kind: KindPermanent, Op: "upsert_device", Err: err}
	}
	var locationJSON interface{}
	if reg.Location != nil {
		b, err := json.Marshal(reg.Location)
		if err != nil {
			return nil, false, &Error{Kind: KindPermanent, Op: "upsert_device", Err: err}
		}
		locationJSON = string(b)
	}

	// Default the name to the device ID on first insert only; an empty name
	// on re-registration must never clobber an operator-assigned one.
	insertName := reg.Name
	if insertName == "" {
		insertName = reg.DeviceID
	}

	created := false
	if _, err := s.GetDeviceByID(ctx, reg.DeviceID); err != nil {
		if !IsNotFound(err) {
			return nil, false, err
		}
		created = true
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO devices (device_id, name, type, firmware, mac, ip, sensors, status, registered, location, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'offline', 0, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			name       = CASE WHEN ? != '' THEN ? ELSE devices.name END,
			type       = CASE WHEN excluded.type != '' THEN excluded.type ELSE devices.type END,
			firmware   = CASE WHEN excluded.firmware != '' THEN excluded.firmware ELSE devices.firmware END,
			mac        = CASE WHEN excluded.mac != '' THEN excluded.mac ELSE devices.mac END,
			ip         = CASE WHEN excluded.ip != '' THEN excluded.ip ELSE devices.ip END,
			sensors    = excluded.sensors,
			location   = COALESCE(excluded.location, devices.location),
			updated_at = excluded.updated_at`,
		reg.DeviceID, insertName, reg.Type, reg.Firmware, reg.MAC, reg.IP,
		string(sensorsJSON), locationJSON, now.UnixMilli(), now.UnixMilli(),
		reg.Name, reg.Name)
	if err != nil {
		return nil, false, classify("upsert_device", err)
	}

	device, err := s.GetDeviceByID(ctx, reg.DeviceID)
	if err != nil {
		return nil, false, err
	}
	return device, created, nil
}

// SetDeviceRegistered flips the registration flag after operator approval.
func (s *Store) SetDeviceRegistered(ctx context.Context, deviceID string, registered bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET registered = ?, updated_at = ? WHERE device_id = ?`,
		boolInt(registered), time.Now().UTC().UnixMilli(), deviceID)
	if err != nil {
		return classify("set_device_registered", err)
	}
	return requireRow(res, "set_device_registered")
}

// UpdateDeviceStatus records a lifecycle transition.
func (s *Store) UpdateDeviceStatus(ctx context.Context, deviceID string, status models.DeviceStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET status = ?, updated_at = ? WHERE device_id = ?`,
		string(status), time.Now().UTC().UnixMilli(), deviceID)
	if err != nil {
		return classify("update_device_status", err)
	}
	return requireRow(res, "update_device_status")
}

// UpdateLastSeenOnly refreshes last_seen without touching status.
func (s *Store) UpdateLastSeenOnly(ctx context.Context, deviceID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_seen = ?, updated_at = ? WHERE device_id = ?`,
		at.UTC().UnixMilli(), time.Now().UTC().UnixMilli(), deviceID)
	if err != nil {
		return classify("update_last_seen", err)
	}
	return requireRow(res, "update_last_seen")
}

// GetDeviceByID fetches a single device.
func (s *Store) GetDeviceByID(ctx context.Context, deviceID string) (*models.Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT device_id, name, type, firmware, mac, ip, sensors, status, registered, location, last_seen, created_at, updated_at
		FROM devices WHERE device_id = ?`, deviceID)
	return scanDevice(row)
}

// ListDevices returns devices matching the filter, newest first.
func (s *Store) ListDevices(ctx context.Context, filter DeviceFilter) ([]*models.Device, error) {
	query := `
		SELECT device_id, name, type, firmware, mac, ip, sensors, status, registered, location, last_seen, created_at, updated_at
		FROM devices WHERE 1=1`
	var args []interface{}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Registered != nil {
		query += ` AND registered = ?`
		args = append(args, boolInt(*filter.Registered))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list_devices", err)
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list_devices", err)
	}
	return devices, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row rowScanner) (*models.Device, error) {
	var (
		d           models.Device
		sensorsJSON string
		status      string
		registered  int
		location    sql.NullString
		lastSeen    sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)
	err := row.Scan(&d.ID, &d.Name, &d.Type, &d.Firmware, &d.MAC, &d.IP,
		&sensorsJSON, &status, &registered, &location, &lastSeen, &createdAt, &updatedAt)
	if err != nil {
		return nil, classify("scan_device", err)
	}
	d.Status = models.DeviceStatus(status)
	d.Registered = registered != 0
	if err := json.Unmarshal([]byte(sensorsJSON), &d.Sensors); err != nil {
		d.Sensors = nil
	}
	if location.Valid && location.String != "" {
		var loc models.Location
		if err := json.Unmarshal([]byte(location.String), &loc); err == nil {
			d.Location = &loc
		}
	}
	if ls := nullTime(lastSeen); ls != nil {
		d.LastSeen = *ls
	}
	d.CreatedAt = time.UnixMilli(createdAt).UTC()
	d.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &d, nil
}

func requireRow(res sql.Result, op string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return classify(op, err)
	}
	if affected == 0 {
		return &Error{Kind: KindNotFound, Op: op}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
