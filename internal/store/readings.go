package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/dwestall/aquawatch/internal/models"
)

// AppendSensorReading stores one immutable reading.
func (s *Store) AppendSensorReading(ctx context.Context, r *models.SensorReading) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sensor_readings (device_id, ph, tds, turbidity, ph_valid, tds_valid, turbidity_valid, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.DeviceID, nullFloat(r.PH), nullFloat(r.TDS), nullFloat(r.Turbidity),
		boolInt(r.PHValid), boolInt(r.TDSValid), boolInt(r.TurbidityValid),
		r.Timestamp.UTC().UnixMilli())
	if err != nil {
		return classify("append_reading", err)
	}
	return nil
}

// GetLatestReading fetches the most recent reading for a device.
func (s *Store) GetLatestReading(ctx context.Context, deviceID string) (*models.SensorReading, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT device_id, ph, tds, turbidity, ph_valid, tds_valid, turbidity_valid, ts
		FROM sensor_readings WHERE device_id = ?
		ORDER BY ts DESC, id DESC LIMIT 1`, deviceID)
	return scanReading(row)
}

// CountReadings reports how many readings a device has stored. Used by tests
// and analytics.
func (s *Store) CountReadings(ctx context.Context, deviceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sensor_readings WHERE device_id = ?`, deviceID).Scan(&n)
	if err != nil {
		return 0, classify("count_readings", err)
	}
	return n, nil
}

// ParameterWindowStats returns the latest value and average for one
// parameter across all devices within the trailing window.
func (s *Store) ParameterWindowStats(ctx context.Context, param models.Parameter, since time.Time) (models.ParameterStats, error) {
	column, ok := parameterColumn(param)
	if !ok {
		return models.ParameterStats{}, &Error{Kind: KindPermanent, Op: "parameter_stats"}
	}
	var stats models.ParameterStats

	var latest sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT `+column+` FROM sensor_readings
		 WHERE `+column+` IS NOT NULL AND ts >= ?
		 ORDER BY ts DESC, id DESC LIMIT 1`, since.UTC().UnixMilli()).Scan(&latest)
	if err != nil && err != sql.ErrNoRows {
		return stats, classify("parameter_stats", err)
	}
	if latest.Valid {
		v := latest.Float64
		stats.Latest = &v
	}

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		`SELECT AVG(`+column+`) FROM sensor_readings
		 WHERE `+column+` IS NOT NULL AND ts >= ?`, since.UTC().UnixMilli()).Scan(&avg)
	if err != nil {
		return stats, classify("parameter_stats", err)
	}
	if avg.Valid {
		v := avg.Float64
		stats.Average = &v
	}
	return stats, nil
}

func parameterColumn(param models.Parameter) (string, bool) {
	switch param {
	case models.ParameterPH:
		return "ph", true
	case models.ParameterTDS:
		return "tds", true
	case models.ParameterTurbidity:
		return "turbidity", true
	default:
		return "", false
	}
}

func scanReading(row rowScanner) (*models.SensorReading, error) {
	var (
		r         models.SensorReading
		ph        sql.NullFloat64
		tds       sql.NullFloat64
		turbidity sql.NullFloat64
		phValid   int
		tdsValid  int
		turbValid int
		ts        int64
	)
	err := row.Scan(&r.DeviceID, &ph, &tds, &turbidity, &phValid, &tdsValid, &turbValid, &ts)
	if err != nil {
		return nil, classify("scan_reading", err)
	}
	r.PH = floatPtr(ph)
	r.TDS = floatPtr(tds)
	r.Turbidity = floatPtr(turbidity)
	r.PHValid = phValid != 0
	r.TDSValid = tdsValid != 0
	r.TurbidityValid = turbValid != 0
	r.Timestamp = time.UnixMilli(ts).UTC()
	return &r, nil
}

func nullFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
