package config

import (
	"fmt"
	"os"

	"github.com/selfkey/settlement/internal/domain"
	"github.com/selfkey/settlement/internal/money"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Thresholds grade a discrepancy by the absolute amount involved. A
// difference above CriticalAbove is CRITICAL, above HighAbove HIGH, above
// MediumAbove MEDIUM, anything else LOW.
type Thresholds struct {
	MediumAbove   decimal.Decimal
	HighAbove     decimal.Decimal
	CriticalAbove decimal.Decimal
}

// Severity grades amount against the thresholds.
func (t Thresholds) Severity(amount decimal.Decimal) domain.Severity {
	abs := amount.Abs()
	switch {
	case abs.GreaterThan(t.CriticalAbove):
		return domain.SeverityCritical
	case abs.GreaterThan(t.HighAbove):
		return domain.SeverityHigh
	case abs.GreaterThan(t.MediumAbove):
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

// Reconcile is the reconciliation section: default thresholds plus
// per-establishment thresholds keyed by establishment ID. Establishment
// entries are complete; fields a file leaves out are filled from the
// defaults when it is parsed.
type Reconcile struct {
	Defaults       Thresholds
	Establishments map[string]Thresholds
}

func DefaultReconcile() Reconcile {
	return Reconcile{
		Defaults: Thresholds{
			MediumAbove:   money.FromMinorUnits(100),
			HighAbove:     money.FromMinorUnits(10_000),
			CriticalAbove: money.FromMinorUnits(50_000),
		},
	}
}

// ThresholdsFor returns the thresholds for an establishment, or the
// defaults when it has none.
func (r Reconcile) ThresholdsFor(establishmentID string) Thresholds {
	if t, ok := r.Establishments[establishmentID]; ok {
		return t
	}
	return r.Defaults
}

// thresholdOverride holds the fields a file sets. Nil inherits, so an
// explicit "0" is kept.
type thresholdOverride struct {
	MediumAbove   *decimal.Decimal
	HighAbove     *decimal.Decimal
	CriticalAbove *decimal.Decimal
}

func (o thresholdOverride) apply(base Thresholds) Thresholds {
	if o.MediumAbove != nil {
		base.MediumAbove = *o.MediumAbove
	}
	if o.HighAbove != nil {
		base.HighAbove = *o.HighAbove
	}
	if o.CriticalAbove != nil {
		base.CriticalAbove = *o.CriticalAbove
	}
	return base
}

type thresholdsFile struct {
	MediumAbove   string `yaml:"medium_above"`
	HighAbove     string `yaml:"high_above"`
	CriticalAbove string `yaml:"critical_above"`
}

type reconcileFile struct {
	Defaults       thresholdsFile            `yaml:"defaults"`
	Establishments map[string]thresholdsFile `yaml:"establishments"`
}

// LoadReconcile reads thresholds from a YAML file such as:
//
//	defaults:
//	  medium_above: "1.00"
//	  high_above: "100.00"
//	  critical_above: "500.00"
//	establishments:
//	  est-123:
//	    high_above: "20.00"
func LoadReconcile(path string) (Reconcile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Reconcile{}, err
	}
	return ParseReconcile(data)
}

func ParseReconcile(data []byte) (Reconcile, error) {
	var raw reconcileFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Reconcile{}, fmt.Errorf("parse yaml: %w", err)
	}

	cfg := DefaultReconcile()
	defaults, err := raw.Defaults.parse()
	if err != nil {
		return Reconcile{}, fmt.Errorf("defaults: %w", err)
	}
	cfg.Defaults = defaults.apply(cfg.Defaults)
	if err := cfg.Defaults.validate(); err != nil {
		return Reconcile{}, fmt.Errorf("defaults: %w", err)
	}

	if len(raw.Establishments) > 0 {
		cfg.Establishments = make(map[string]Thresholds, len(raw.Establishments))
	}
	for id, t := range raw.Establishments {
		parsed, err := t.parse()
		if err != nil {
			return Reconcile{}, fmt.Errorf("establishment %s: %w", id, err)
		}
		merged := parsed.apply(cfg.Defaults)
		if err := merged.validate(); err != nil {
			return Reconcile{}, fmt.Errorf("establishment %s: %w", id, err)
		}
		cfg.Establishments[id] = merged
	}
	return cfg, nil
}

func (f thresholdsFile) parse() (thresholdOverride, error) {
	var t thresholdOverride
	fields := []struct {
		name string
		raw  string
		dst  **decimal.Decimal
	}{
		{"medium_above", f.MediumAbove, &t.MediumAbove},
		{"high_above", f.HighAbove, &t.HighAbove},
		{"critical_above", f.CriticalAbove, &t.CriticalAbove},
	}
	for _, field := range fields {
		if field.raw == "" {
			continue
		}
		v, err := money.Parse(field.raw)
		if err != nil {
			return thresholdOverride{}, fmt.Errorf("%s: %w", field.name, err)
		}
		if v.IsNegative() {
			return thresholdOverride{}, fmt.Errorf("%s: %w: must not be negative", field.name, money.ErrInvalidAmount)
		}
		*field.dst = &v
	}
	return t, nil
}

func (t Thresholds) validate() error {
	if t.MediumAbove.GreaterThan(t.HighAbove) || t.HighAbove.GreaterThan(t.CriticalAbove) {
		return fmt.Errorf("thresholds must be ordered medium <= high <= critical, got %s/%s/%s",
			t.MediumAbove, t.HighAbove, t.CriticalAbove)
	}
	return nil
}
