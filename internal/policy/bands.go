// Package policy turns health indices into published capability tuples.
package policy

import (
	"fmt"

	"adaptivx/internal/config"
	"adaptivx/internal/model"
)

// Band applies its tuple to every health index >= MinHealth that no
// higher band claims.
type Band struct {
	MinHealth int         `json:"min_health"`
	Tuple     model.Tuple `json:"tuple"`
}

// Policy is an ordered, non-hysteretic threshold table.
type Policy struct {
	bands []Band
}

func NewPolicy(cfg []config.BandConfig) (*Policy, error) {
	if err := config.ValidateBands(cfg); err != nil {
		return nil, err
	}
	bands := make([]Band, 0, len(cfg))
	for i, b := range cfg {
		a, err := model.ParseAssurance(b.Assurance)
		if err != nil {
			return nil, fmt.Errorf("band %d: %w", i, err)
		}
		g, err := model.ParseGrade(b.Grade)
		if err != nil {
			return nil, fmt.Errorf("band %d: %w", i, err)
		}
		bands = append(bands, Band{
			MinHealth: b.MinHealth,
			Tuple: model.Tuple{
				Assurance:         a,
				Grade:             g,
				EnergyCostPerPart: b.EnergyCost,
				ToleranceClass:    b.ToleranceClass,
			},
		})
	}
	return &Policy{bands: bands}, nil
}

// Derive returns the tuple for health index h. Out-of-range indices are
// clamped to [0,100].
func (p *Policy) Derive(h int) model.Tuple {
	h = max(0, min(100, h))
	for _, b := range p.bands {
		if h >= b.MinHealth {
			return b.Tuple
		}
	}
	return p.bands[len(p.bands)-1].Tuple
}

func (p *Policy) Bands() []Band {
	out := make([]Band, len(p.bands))
	copy(out, p.bands)
	return out
}
