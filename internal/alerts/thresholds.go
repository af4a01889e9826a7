// Package alerts evaluates sensor readings against severity bands and owns
// the alert lifecycle: creation, debounce, auto-resolve, and batch
// resolution.
package alerts

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dwestall/aquawatch/internal/models"
)

// PHBands holds the two-sided pH cut points. Values inside
// [NominalLow, NominalHigh] are nominal; each step outward raises the
// severity.
type PHBands struct {
	NominalLow   float64 `json:"nominalLow"`
	NominalHigh  float64 `json:"nominalHigh"`
	WarningLow   float64 `json:"warningLow"`
	WarningHigh  float64 `json:"warningHigh"`
	CriticalLow  float64 `json:"criticalLow"`
	CriticalHigh float64 `json:"criticalHigh"`
}

// StepBands holds one-sided cut points for parameters where only high
// values are a problem. Values below Advisory are nominal.
type StepBands struct {
	Advisory float64 `json:"advisory"`
	Warning  float64 `json:"warning"`
	Critical float64 `json:"critical"`
}

// Thresholds is the full band table, loadable from thresholds.json.
type Thresholds struct {
	PH        PHBands   `json:"ph"`
	TDS       StepBands `json:"tds"`
	Turbidity StepBands `json:"turbidity"`
}

// DefaultThresholds returns the WHO-derived defaults.
func DefaultThresholds() *Thresholds {
	return &Thresholds{
		PH: PHBands{
			NominalLow:   6.5,
			NominalHigh:  8.5,
			WarningLow:   6.0,
			WarningHigh:  9.0,
			CriticalLow:  5.5,
			CriticalHigh: 9.5,
		},
		TDS:       StepBands{Advisory: 500, Warning: 900, Critical: 1200},
		Turbidity: StepBands{Advisory: 1, Warning: 5, Critical: 10},
	}
}

// LoadThresholdsFile reads a band table from disk, validating ordering so a
// bad edit cannot invert the bands.
func LoadThresholdsFile(path string) (*Thresholds, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read thresholds %s: %w", path, err)
	}
	th := DefaultThresholds()
	if err := json.Unmarshal(data, th); err != nil {
		return nil, fmt.Errorf("parse thresholds %s: %w", path, err)
	}
	if err := th.Validate(); err != nil {
		return nil, fmt.Errorf("thresholds %s: %w", path, err)
	}
	return th, nil
}

// Validate checks that the bands are properly ordered.
func (t *Thresholds) Validate() error {
	p := t.PH
	if !(p.CriticalLow < p.WarningLow && p.WarningLow < p.NominalLow &&
		p.NominalLow < p.NominalHigh &&
		p.NominalHigh < p.WarningHigh && p.WarningHigh < p.CriticalHigh) {
		return fmt.Errorf("pH bands are not strictly ordered")
	}
	for name, s := range map[string]StepBands{"tds": t.TDS, "turbidity": t.Turbidity} {
		if !(s.Advisory < s.Warning && s.Warning < s.Critical) {
			return fmt.Errorf("%s bands are not strictly ordered", name)
		}
	}
	return nil
}

// breach is the outcome of classifying one value: the severity and the
// nearest crossed threshold. A zero severity means the value is nominal.
type breach struct {
	severity  models.Severity
	threshold float64
}

// classify maps a value to its severity band for the parameter.
func (t *Thresholds) classify(param models.Parameter, value float64) (breach, bool) {
	switch param {
	case models.ParameterPH:
		return t.classifyPH(value)
	case models.ParameterTDS:
		return classifyStep(t.TDS, value)
	case models.ParameterTurbidity:
		return classifyStep(t.Turbidity, value)
	}
	return breach{}, false
}

func (t *Thresholds) classifyPH(v float64) (breach, bool) {
	p := t.PH
	switch {
	case v < p.CriticalLow:
		return breach{models.SeverityCritical, p.CriticalLow}, true
	case v < p.WarningLow:
		return breach{models.SeverityWarning, p.WarningLow}, true
	case v < p.NominalLow:
		return breach{models.SeverityAdvisory, p.NominalLow}, true
	case v <= p.NominalHigh:
		return breach{}, false
	case v <= p.WarningHigh:
		return breach{models.SeverityAdvisory, p.NominalHigh}, true
	case v <= p.CriticalHigh:
		return breach{models.SeverityWarning, p.WarningHigh}, true
	default:
		return breach{models.SeverityCritical, p.CriticalHigh}, true
	}
}

func classifyStep(s StepBands, v float64) (breach, bool) {
	switch {
	case v >= s.Critical:
		return breach{models.SeverityCritical, s.Critical}, true
	case v >= s.Warning:
		return breach{models.SeverityWarning, s.Warning}, true
	case v >= s.Advisory:
		return breach{models.SeverityAdvisory, s.Advisory}, true
	default:
		return breach{}, false
	}
}
