package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"adaptivx/internal/artifacts"
	"adaptivx/internal/config"
)

// Calibration is the JSON model file published to the artifact store.
// Absent fields keep their configured values.
type Calibration struct {
	SimulationVersion string `json:"simulation_version"`
	ModelVersion      string `json:"model_version"`
	Thresholds        struct {
		VibRMS     *float64 `json:"vib_rms"`
		Factor     *float64 `json:"factor"`
		ZScore     *float64 `json:"zscore"`
		MinSamples *int     `json:"min_samples"`
		WindowSize *int     `json:"window_size"`
	} `json:"thresholds"`
	Coefficients struct {
		Base *float64 `json:"base"`
		K1   *float64 `json:"k1"`
		K2   *float64 `json:"k2"`
	} `json:"coefficients"`
	Bearing *config.BearingCoefficient `json:"bearing"`
}

// ErrNoCalibration is returned when the store has no file under the key.
var ErrNoCalibration = errors.New("no calibration artifact")

func LoadCalibration(ctx context.Context, store artifacts.Store, key string) (*Calibration, error) {
	if store == nil || key == "" {
		return nil, ErrNoCalibration
	}
	data, err := store.Get(ctx, key)
	if errors.Is(err, artifacts.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoCalibration, key)
	}
	if err != nil {
		return nil, err
	}
	var c Calibration
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode calibration %s: %w", key, err)
	}
	return &c, nil
}

// Apply overlays the calibration onto copies of the configured sections. A
// nil calibration returns them unchanged.
func (c *Calibration) Apply(det config.DetectorConfig, sim config.SimulationConfig, fusion config.FusionConfig) (config.DetectorConfig, config.SimulationConfig, config.FusionConfig) {
	if c == nil {
		return det, sim, fusion
	}
	t := c.Thresholds
	if t.VibRMS != nil {
		det.VibRMSLimit = *t.VibRMS
	}
	if t.Factor != nil {
		det.LimitFactor = *t.Factor
	}
	if t.ZScore != nil {
		det.ZScoreThreshold = *t.ZScore
	}
	if t.MinSamples != nil {
		det.MinSamples = *t.MinSamples
	}
	if t.WindowSize != nil && *t.WindowSize > 0 {
		det.WindowSize = *t.WindowSize
	}
	k := c.Coefficients
	if k.Base != nil {
		det.Base = *k.Base
	}
	if k.K1 != nil {
		det.K1 = *k.K1
	}
	if k.K2 != nil {
		det.K2 = *k.K2
	}
	if c.Bearing != nil {
		sim.Coefficients = *c.Bearing
	}
	if c.SimulationVersion != "" {
		sim.Version = c.SimulationVersion
	}
	if c.ModelVersion != "" {
		fusion.ModelVersion = c.ModelVersion
	}
	return det, sim, fusion
}
