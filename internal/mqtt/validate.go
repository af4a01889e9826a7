package mqtt

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/dwestall/aquawatch/internal/models"
)

// Accepted parameter ranges. Frames outside these are rejected whole.
const (
	phMin        = 0
	phMax        = 14
	tdsMin       = 0
	tdsMax       = 2000
	turbidityMin = 0
	turbidityMax = 1000
)

// earliestTimestamp is the oldest device clock we accept; anything before
// it is a cold-boot epoch default, not a real reading time.
var earliestTimestamp = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// maxClockSkew bounds how far ahead of server time a device clock may run.
const maxClockSkew = time.Hour

// Drop reasons used as metric labels and log fields.
const (
	DropMalformed = "malformed"
	DropNotFinite = "not_finite"
	DropRange     = "out_of_range"
	DropTimestamp = "bad_timestamp"
	DropOverflow  = "queue_overflow"
)

// FrameError describes a rejected sensor frame.
type FrameError struct {
	Reason string
	Detail string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("invalid sensor frame (%s): %s", e.Reason, e.Detail)
}

// sensorFrame is the wire shape published on devices/<id>/data. Validity
// flags default to true when absent; timestamps are epoch seconds.
type sensorFrame struct {
	PH             *float64 `json:"pH"`
	TDS            *float64 `json:"tds"`
	Turbidity      *float64 `json:"turbidity"`
	PHValid        *bool    `json:"pH_valid"`
	TDSValid       *bool    `json:"tds_valid"`
	TurbidityValid *bool    `json:"turbidity_valid"`
	Timestamp      *float64 `json:"timestamp"`
	DeviceName     string   `json:"deviceName"`
}

// ParseSensorFrame validates a raw data payload and converts it into a
// reading. The returned device name is the optional self-declared name for
// synthetic registration of unknown devices.
func ParseSensorFrame(deviceID string, payload []byte, now time.Time) (*models.SensorReading, string, error) {
	var frame sensorFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil, "", &FrameError{Reason: DropMalformed, Detail: err.Error()}
	}

	ts := now.UTC()
	if frame.Timestamp != nil {
		if !isFinite(*frame.Timestamp) {
			return nil, "", &FrameError{Reason: DropTimestamp, Detail: "timestamp is not a finite number"}
		}
		sec := int64(*frame.Timestamp)
		ts = time.Unix(sec, 0).UTC()
		if ts.Before(earliestTimestamp) || ts.After(now.Add(maxClockSkew)) {
			return nil, "", &FrameError{Reason: DropTimestamp,
				Detail: fmt.Sprintf("timestamp %s outside accepted window", ts.Format(time.RFC3339))}
		}
	}

	reading := &models.SensorReading{
		DeviceID:       deviceID,
		Timestamp:      ts,
		FlaggedInvalid: flaggedFalse(frame.PHValid) || flaggedFalse(frame.TDSValid) || flaggedFalse(frame.TurbidityValid),
	}

	var err error
	reading.PH, reading.PHValid, err = checkParameter("pH", frame.PH, frame.PHValid, phMin, phMax)
	if err != nil {
		return nil, "", err
	}
	reading.TDS, reading.TDSValid, err = checkParameter("tds", frame.TDS, frame.TDSValid, tdsMin, tdsMax)
	if err != nil {
		return nil, "", err
	}
	reading.Turbidity, reading.TurbidityValid, err = checkParameter("turbidity", frame.Turbidity, frame.TurbidityValid, turbidityMin, turbidityMax)
	if err != nil {
		return nil, "", err
	}

	return reading, frame.DeviceName, nil
}

// checkParameter applies the validity flag and range check for one sensor.
// A false flag (or an absent value) stores null and skips range checks.
func checkParameter(name string, value *float64, valid *bool, min, max float64) (*float64, bool, error) {
	if valid != nil && !*valid {
		return nil, false, nil
	}
	if value == nil {
		return nil, false, nil
	}
	if !isFinite(*value) {
		return nil, false, &FrameError{Reason: DropNotFinite,
			Detail: fmt.Sprintf("%s is not a finite number", name)}
	}
	if *value < min || *value > max {
		return nil, false, &FrameError{Reason: DropRange,
			Detail: fmt.Sprintf("%s=%g outside [%g, %g]", name, *value, min, max)}
	}
	v := *value
	return &v, true, nil
}

// flaggedFalse reports an explicit false validity flag, as opposed to an
// absent one.
func flaggedFalse(valid *bool) bool {
	return valid != nil && !*valid
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// payloadPreview truncates a payload for log fields so a hostile or broken
// publisher cannot flood the log.
func payloadPreview(payload []byte) string {
	const max = 500
	if len(payload) <= max {
		return string(payload)
	}
	return string(payload[:max]) + "...(truncated)"
}
