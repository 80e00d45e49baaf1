// Package fusion combines the anomaly estimate and the physics residual
// into a health record.
package fusion

import (
	"fmt"
	"math"
	"strings"

	"adaptivx/internal/config"
	"adaptivx/internal/model"
)

// Result is the deterministic part of a health record.
type Result struct {
	HealthIndex      int
	HealthConfidence float64
	AnomalyScore     float64
	PhysicsResidual  float64
	Explanation      model.Explanation
}

func Method(cfg config.FusionConfig) string {
	return fmt.Sprintf("weighted_v1(ml=%g, physics=%g)", cfg.WeightAnomaly, cfg.WeightPhysics)
}

// Fuse maps an anomaly score and physics residual to health. It is a pure
// function of its arguments; versions are copied into the explanation only.
func Fuse(cfg config.FusionConfig, anomaly, residual float64) Result {
	a := clamp01(anomaly)
	r := clamp01(residual)
	confidence := clamp01(1 - (cfg.WeightAnomaly*a + cfg.WeightPhysics*r))
	health := int(math.Round(100 * confidence))
	pattern := Pattern(a, r, cfg.ElevatedThreshold)
	return Result{
		HealthIndex:      health,
		HealthConfidence: round3(confidence),
		AnomalyScore:     a,
		PhysicsResidual:  r,
		Explanation: model.Explanation{
			Rationale:          Rationale(a, r, health),
			DetectedPattern:    pattern,
			FusionMethod:       Method(cfg),
			WeightAnomaly:      cfg.WeightAnomaly,
			WeightPhysics:      cfg.WeightPhysics,
			ConfidenceInterval: ConfidenceInterval(confidence),
		},
	}
}

// Residual is |measured - expected| / max(expected, eps), clamped to [0,1].
func Residual(measured, expected, eps float64) float64 {
	if eps <= 0 {
		eps = 0.1
	}
	return clamp01(math.Abs(measured-expected) / math.Max(expected, eps))
}

func Pattern(anomaly, residual, elevated float64) model.Pattern {
	n := 0
	if anomaly >= elevated {
		n++
	}
	if residual >= elevated {
		n++
	}
	switch n {
	case 0:
		return model.PatternNormal
	case 1:
		return model.PatternMinorAnomaly
	}
	return model.PatternMajorAnomaly
}

func Rationale(anomaly, residual float64, health int) string {
	parts := make([]string, 0, 3)
	switch {
	case anomaly < 0.2:
		parts = append(parts, "ML model detected normal vibration patterns")
	case anomaly < 0.5:
		parts = append(parts, "ML model detected minor anomalies in vibration")
	default:
		parts = append(parts, "ML model detected significant anomalies in vibration")
	}
	switch {
	case residual < 0.2:
		parts = append(parts, "Physics model confirms expected behavior")
	case residual < 0.5:
		parts = append(parts, "Physics model shows moderate deviation from expected")
	default:
		parts = append(parts, "Physics model shows significant deviation from expected (possible wear)")
	}
	switch {
	case health >= 90:
		parts = append(parts, "Asset is in healthy condition")
	case health >= 80:
		parts = append(parts, "Asset shows early signs of degradation")
	default:
		parts = append(parts, "Asset requires attention - capability may be compromised")
	}
	return strings.Join(parts, ". ") + "."
}

func ConfidenceInterval(confidence float64) string {
	margin := math.Max(0, math.Min(100, (1-confidence)*100))
	return fmt.Sprintf("±%.1f%%", margin)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
