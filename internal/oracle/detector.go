package oracle

import (
	"context"
	"math"

	"adaptivx/internal/config"
	"adaptivx/internal/model"
)

// StatDetector scores a vibration window against a linear baseline in
// omega and load. The score blends the latest residual's size relative to
// the baseline with its z-score against the rest of the window, and is
// floored at 0.8 once the hard vibration limit is exceeded.
type StatDetector struct {
	cfg     config.DetectorConfig
	version string
}

func NewStatDetector(cfg config.DetectorConfig, version string) *StatDetector {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 200
	}
	if version == "" {
		version = "stat-detector-1.0"
	}
	return &StatDetector{cfg: cfg, version: version}
}

func (d *StatDetector) Version() string { return d.version }

func (d *StatDetector) Expected(cond model.OperatingConditions) float64 {
	return d.cfg.Base + d.cfg.K1*cond.Omega + d.cfg.K2*cond.Load
}

func (d *StatDetector) Score(ctx context.Context, window model.SensorWindow, cond model.OperatingConditions) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	samples := window.VibRMS
	if len(samples) == 0 {
		return 0, nil
	}
	if len(samples) > d.cfg.WindowSize {
		samples = samples[len(samples)-d.cfg.WindowSize:]
	}
	expected := d.Expected(cond)
	latest := samples[len(samples)-1]
	residual := latest - expected

	z := d.zscore(samples, expected, residual)
	ratio := math.Abs(residual) / math.Max(expected, 0.5)
	zScore := math.Min(1, z/math.Max(d.cfg.ZScoreThreshold, 0.1))
	score := math.Min(1, 0.5*math.Min(1, ratio)+0.5*zScore)

	if latest > d.cfg.VibRMSLimit*d.cfg.LimitFactor {
		score = math.Max(score, 0.8)
	}
	return score, nil
}

func (d *StatDetector) zscore(samples []float64, expected, residual float64) float64 {
	n := len(samples)
	if n < max(d.cfg.MinSamples, 2) {
		return 0
	}
	var sum, sumSq float64
	for _, v := range samples {
		r := v - expected
		sum += r
		sumSq += r * r
	}
	mean := sum / float64(n)
	variance := math.Max(0, sumSq/float64(n)-mean*mean)
	std := 1e-6
	if variance > 1e-9 {
		std = math.Sqrt(variance)
	}
	return math.Abs(residual-mean) / std
}
