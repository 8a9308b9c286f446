package pki

import (
	"time"

	"github.com/coral-mesh/certrotor/internal/errors"
)

// DurationPolicy bounds leaf certificate lifetimes.
type DurationPolicy struct {
	Default time.Duration `json:"default"`
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
}

// Validate returns a ConfigError unless 0 < Min <= Default <= Max.
func (p DurationPolicy) Validate() error {
	switch {
	case p.Min <= 0:
		return errors.Configf("min_lifetime", "must be positive, got %s", p.Min)
	case p.Max < p.Min:
		return errors.Configf("min_lifetime", "%s exceeds max_lifetime %s", p.Min, p.Max)
	case p.Default < p.Min || p.Default > p.Max:
		return errors.Configf("default_lifetime", "%s outside [%s, %s]", p.Default, p.Min, p.Max)
	}
	return nil
}

// Clamp returns d bounded to [Min, Max]. A zero d yields Default.
func (p DurationPolicy) Clamp(d time.Duration) time.Duration {
	if d <= 0 {
		return p.Default
	}
	if d < p.Min {
		return p.Min
	}
	if d > p.Max {
		return p.Max
	}
	return d
}
