// Package models defines the shared data types for the AquaWatch server:
// devices, sensor readings, alerts, users, and the event payloads that the
// WebSocket hub fans out to clients.
package models

import "time"

// DeviceStatus is the lifecycle state of a device.
type DeviceStatus string

const (
	DeviceOnline      DeviceStatus = "online"
	DeviceOffline     DeviceStatus = "offline"
	DeviceMaintenance DeviceStatus = "maintenance"
	DeviceError       DeviceStatus = "error"
)

// Parameter identifies one of the monitored water-quality parameters.
type Parameter string

const (
	ParameterPH        Parameter = "ph"
	ParameterTDS       Parameter = "tds"
	ParameterTurbidity Parameter = "turbidity"
)

// Parameters lists every monitored parameter in evaluation order.
var Parameters = []Parameter{ParameterPH, ParameterTDS, ParameterTurbidity}

// Severity is the severity level of an alert.
type Severity string

const (
	SeverityAdvisory Severity = "advisory"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so they can be compared. Higher is worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityAdvisory:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Role is a user's access role.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleStaff Role = "staff"
)

// UserStatus is the account state of a user.
type UserStatus string

const (
	UserActive    UserStatus = "active"
	UserPending   UserStatus = "pending"
	UserSuspended UserStatus = "suspended"
)

// Location describes where a device is installed.
type Location struct {
	Building string `json:"building,omitempty"`
	Floor    string `json:"floor,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// Device is a registered or auto-discovered monitoring device.
type Device struct {
	ID         string       `json:"deviceId"`
	Name       string       `json:"name"`
	Type       string       `json:"type,omitempty"`
	Firmware   string       `json:"firmware,omitempty"`
	MAC        string       `json:"mac,omitempty"`
	IP         string       `json:"ip,omitempty"`
	Sensors    []string     `json:"sensors,omitempty"`
	Status     DeviceStatus `json:"status"`
	Registered bool         `json:"isRegistered"`
	Location   *Location    `json:"location,omitempty"`
	LastSeen   time.Time    `json:"lastSeen,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// SensorReading is one immutable telemetry sample. A nil value means the
// sensor was absent from the frame or flagged invalid by the device.
type SensorReading struct {
	DeviceID       string    `json:"deviceId"`
	PH             *float64  `json:"pH"`
	TDS            *float64  `json:"tds"`
	Turbidity      *float64  `json:"turbidity"`
	PHValid        bool      `json:"pHValid"`
	TDSValid       bool      `json:"tdsValid"`
	TurbidityValid bool      `json:"turbidityValid"`
	Timestamp      time.Time `json:"timestamp"`

	// FlaggedInvalid records that the device explicitly marked at least one
	// sensor invalid in this frame. Such frames are stored and fanned out
	// but never evaluated against alert thresholds.
	FlaggedInvalid bool `json:"-"`
}

// Alert is a persisted threshold breach for one (device, parameter) pair.
type Alert struct {
	ID              string      `json:"alertId"`
	DeviceID        string      `json:"deviceId"`
	DeviceName      string      `json:"deviceName"`
	Parameter       Parameter   `json:"parameter"`
	Severity        Severity    `json:"severity"`
	Status          AlertStatus `json:"status"`
	CurrentValue    float64     `json:"currentValue"`
	Threshold       float64     `json:"threshold"`
	Message         string      `json:"message"`
	OccurrenceCount int         `json:"occurrenceCount"`
	CreatedAt       time.Time   `json:"createdAt"`
	AcknowledgedAt  *time.Time  `json:"acknowledgedAt,omitempty"`
	ResolvedAt      *time.Time  `json:"resolvedAt,omitempty"`
	ResolutionNotes string      `json:"resolutionNotes,omitempty"`
}

// User is an operator account.
type User struct {
	ID                 string     `json:"id"`
	Email              string     `json:"email"`
	Name               string     `json:"name,omitempty"`
	Role               Role       `json:"role"`
	Status             UserStatus `json:"status"`
	EmailNotifications bool       `json:"emailNotifications"`
	CreatedAt          time.Time  `json:"createdAt"`
}

// DeviceStatusEvent is pushed to clients when a device changes state.
type DeviceStatusEvent struct {
	DeviceID string       `json:"deviceId"`
	Name     string       `json:"name,omitempty"`
	Status   DeviceStatus `json:"status"`
	LastSeen time.Time    `json:"lastSeen"`
}

// HeartbeatEvent is pushed to clients on every presence signal.
type HeartbeatEvent struct {
	DeviceID string    `json:"deviceId"`
	LastSeen time.Time `json:"lastSeen"`
}

// ComponentHealth is the classified state of one system component.
type ComponentHealth struct {
	Status  string             `json:"status"` // ok, warning, critical, error, unknown
	Metrics map[string]float64 `json:"metrics,omitempty"`
	Detail  string             `json:"detail,omitempty"`
}

// SystemHealth is the periodic health sample broadcast to staff and admins.
type SystemHealth struct {
	Overall   string          `json:"overall"`
	CPU       ComponentHealth `json:"cpu"`
	Memory    ComponentHealth `json:"memory"`
	Storage   ComponentHealth `json:"storage"`
	Database  ComponentHealth `json:"database"`
	SampledAt time.Time       `json:"sampledAt"`
}

// ParameterStats summarizes one parameter over the analytics window.
type ParameterStats struct {
	Latest  *float64 `json:"latest"`
	Average *float64 `json:"average"`
}

// AnalyticsSummary is the periodic rolling summary broadcast to staff and
// admins.
type AnalyticsSummary struct {
	WindowHours      int                          `json:"windowHours"`
	DevicesByStatus  map[DeviceStatus]int         `json:"devicesByStatus"`
	AlertsBySeverity map[Severity]int             `json:"alertsBySeverity"`
	AlertsByStatus   map[AlertStatus]int          `json:"alertsByStatus"`
	Parameters       map[Parameter]ParameterStats `json:"parameters"`
	GeneratedAt      time.Time                    `json:"generatedAt"`
}
