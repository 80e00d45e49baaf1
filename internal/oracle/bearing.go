package oracle

import (
	"context"

	"adaptivx/internal/config"
)

// BearingModel is the analytic bearing-wear model used when no calibrated
// simulation unit is available.
type BearingModel struct {
	c       config.BearingCoefficient
	version string
}

func NewBearingModel(c config.BearingCoefficient, version string) *BearingModel {
	if version == "" {
		version = "bearing-wear-1.0"
	}
	return &BearingModel{c: c, version: version}
}

func (m *BearingModel) Version() string { return m.version }

func (m *BearingModel) Simulate(ctx context.Context, omega, load, wear float64) (Simulation, error) {
	if err := ctx.Err(); err != nil {
		return Simulation{}, err
	}
	c := m.c
	vib := c.VibBase + c.K1*omega + c.K2*load + c.K3*wear + c.K4*wear*omega
	power := c.PowerBase + c.C1*load*omega + c.C2*wear*load
	return Simulation{
		VibExpected:       vib,
		PowerLossExpected: power,
		TempRiseExpected:  c.ThermalResistance * power,
	}, nil
}
