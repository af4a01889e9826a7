// Package notifications turns alert creations into emails: a bounded queue
// drained in rate-limited batches over a pooled SMTP transport.
package notifications

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/dwestall/aquawatch/internal/models"
)

// guidance is the per-parameter advisory content embedded in alert emails.
type guidance struct {
	Standard     string
	HealthImpact string
	Actions      []string
}

var guidanceByParameter = map[models.Parameter]guidance{
	models.ParameterPH: {
		Standard:     "WHO guideline: pH 6.5 - 8.5 for drinking water",
		HealthImpact: "Water outside the safe pH range can corrode pipes, leach metals, and irritate skin and eyes.",
		Actions: []string{
			"Verify the sensor against a calibrated handheld meter",
			"Check recent chemical dosing and filtration media",
			"Isolate the supply if the reading is critical and persists",
		},
	},
	models.ParameterTDS: {
		Standard:     "WHO guideline: TDS below 500 ppm is good; above 1200 ppm is unacceptable",
		HealthImpact: "High dissolved solids affect taste and can indicate contamination from runoff or aging infrastructure.",
		Actions: []string{
			"Flush the line and re-sample",
			"Inspect reverse-osmosis or softener stages",
			"Trace upstream sources if levels keep climbing",
		},
	},
	models.ParameterTurbidity: {
		Standard:     "WHO guideline: turbidity below 1 NTU; never above 5 NTU for treated water",
		HealthImpact: "Turbid water can shield microorganisms from disinfection and carries particulates into the supply.",
		Actions: []string{
			"Backwash or replace the filtration media",
			"Check for disturbed sediment after maintenance or heavy rain",
			"Boil-water advisory if the critical level persists",
		},
	},
}

var alertEmailTmpl = template.Must(template.New("alert").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #1a1a2e;">
  <h2 style="color: {{.AccentColor}};">{{.SeverityLabel}} water quality alert</h2>
  <p>{{.Message}}</p>
  <table cellpadding="6" style="border-collapse: collapse;">
    <tr><td><b>Device</b></td><td>{{.DeviceName}} ({{.DeviceID}})</td></tr>
    {{if .Location}}<tr><td><b>Location</b></td><td>{{.Location}}</td></tr>{{end}}
    <tr><td><b>Parameter</b></td><td>{{.Parameter}}</td></tr>
    <tr><td><b>Measured value</b></td><td>{{.Value}}</td></tr>
    <tr><td><b>Threshold crossed</b></td><td>{{.Threshold}}</td></tr>
    <tr><td><b>Detected at</b></td><td>{{.DetectedAt}}</td></tr>
  </table>
  <h3>Reference</h3>
  <p>{{.Standard}}</p>
  <p>{{.HealthImpact}}</p>
  <h3>Recommended actions</h3>
  <ul>
  {{range .Actions}}<li>{{.}}</li>
  {{end}}</ul>
  <p style="color: #666; font-size: 12px;">You receive this because alert emails are enabled on your account.</p>
</body>
</html>`))

type emailData struct {
	SeverityLabel string
	AccentColor   string
	Message       string
	DeviceName    string
	DeviceID      string
	Location      string
	Parameter     string
	Value         string
	Threshold     string
	DetectedAt    string
	Standard      string
	HealthImpact  string
	Actions       []string
}

// renderAlertEmail produces the subject and HTML body for a new alert.
func renderAlertEmail(alert *models.Alert, device *models.Device) (subject, body string, err error) {
	g := guidanceByParameter[alert.Parameter]

	data := emailData{
		SeverityLabel: titleCase(string(alert.Severity)),
		AccentColor:   severityColor(alert.Severity),
		Message:       alert.Message,
		DeviceName:    alert.DeviceName,
		DeviceID:      alert.DeviceID,
		Parameter:     parameterLabel(alert.Parameter),
		Value:         formatValue(alert.Parameter, alert.CurrentValue),
		Threshold:     formatValue(alert.Parameter, alert.Threshold),
		DetectedAt:    alert.CreatedAt.UTC().Format(time.RFC1123),
		Standard:      g.Standard,
		HealthImpact:  g.HealthImpact,
		Actions:       g.Actions,
	}
	if device != nil && device.Location != nil {
		data.Location = formatLocation(device.Location)
	}

	var buf bytes.Buffer
	if err := alertEmailTmpl.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render alert email: %w", err)
	}

	subject = fmt.Sprintf("[%s] %s alert on %s", strings.ToUpper(string(alert.Severity)),
		parameterLabel(alert.Parameter), alert.DeviceName)
	return subject, buf.String(), nil
}

func formatLocation(loc *models.Location) string {
	parts := make([]string, 0, 2)
	if loc.Building != "" {
		parts = append(parts, loc.Building)
	}
	if loc.Floor != "" {
		parts = append(parts, "floor "+loc.Floor)
	}
	return strings.Join(parts, ", ")
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func severityColor(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return "#c0392b"
	case models.SeverityWarning:
		return "#e67e22"
	default:
		return "#2980b9"
	}
}

func parameterLabel(p models.Parameter) string {
	switch p {
	case models.ParameterPH:
		return "pH"
	case models.ParameterTDS:
		return "TDS"
	case models.ParameterTurbidity:
		return "Turbidity"
	}
	return string(p)
}

func formatValue(p models.Parameter, v float64) string {
	switch p {
	case models.ParameterTDS:
		return fmt.Sprintf("%g ppm", v)
	case models.ParameterTurbidity:
		return fmt.Sprintf("%g NTU", v)
	}
	return fmt.Sprintf("%g", v)
}
