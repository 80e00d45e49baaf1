package oracle

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"adaptivx/internal/apperr"
	"adaptivx/internal/artifacts"
	"adaptivx/internal/config"
	"adaptivx/internal/model"
)

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestBearingModelEquations(t *testing.T) {
	m := NewBearingModel(config.DefaultConfig().Simulation.Coefficients, "")
	sim, err := m.Simulate(context.Background(), 100, 500, 0.2)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	// 0.5 + 0.1 + 1.0 + 0.6 + 0.1
	if !near(sim.VibExpected, 2.3) {
		t.Fatalf("vib: %v", sim.VibExpected)
	}
	// 50 + 5 + 50
	if !near(sim.PowerLossExpected, 105) {
		t.Fatalf("power: %v", sim.PowerLossExpected)
	}
	if !near(sim.TempRiseExpected, 2.1) {
		t.Fatalf("temp: %v", sim.TempRiseExpected)
	}
	if m.Version() != "bearing-wear-1.0" {
		t.Fatalf("version: %s", m.Version())
	}
}

func constant(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestStatDetector(t *testing.T) {
	d := NewStatDetector(config.DefaultConfig().Detector, "")
	cond := model.OperatingConditions{Omega: 100, Load: 500}
	ctx := context.Background()

	score, err := d.Score(ctx, model.SensorWindow{VibRMS: constant(30, 1.6)}, cond)
	if err != nil || score > 1e-9 {
		t.Fatalf("baseline window: score=%v err=%v", score, err)
	}

	short := append(constant(4, 1.6), 2.4)
	score, _ = d.Score(ctx, model.SensorWindow{VibRMS: short}, cond)
	if !near(score, 0.25) {
		t.Fatalf("short window should ignore z-score, got %v", score)
	}

	noisy := make([]float64, 0, 30)
	for i := 0; i < 29; i++ {
		noisy = append(noisy, 1.6+0.01*float64(i%2*2-1))
	}
	noisy = append(noisy, 2.4)
	score, _ = d.Score(ctx, model.SensorWindow{VibRMS: noisy}, cond)
	if score < 0.7 || score > 1 {
		t.Fatalf("spike should score high, got %v", score)
	}

	hard := append(constant(10, 1.6), 7.0)
	score, _ = d.Score(ctx, model.SensorWindow{VibRMS: hard}, cond)
	if score < 0.8 {
		t.Fatalf("hard limit must floor score at 0.8, got %v", score)
	}
}

func TestStatDetectorIsPure(t *testing.T) {
	d := NewStatDetector(config.DefaultConfig().Detector, "")
	w := model.SensorWindow{VibRMS: append(constant(25, 1.7), 1.9)}
	cond := model.OperatingConditions{Omega: 120, Load: 450}
	first, _ := d.Score(context.Background(), w, cond)
	for i := 0; i < 5; i++ {
		again, _ := d.Score(context.Background(), w, cond)
		if again != first {
			t.Fatalf("score changed between calls: %v vs %v", first, again)
		}
	}
}

type slowOracle struct{ delay time.Duration }

func (s slowOracle) Version() string { return "slow" }

func (s slowOracle) Simulate(ctx context.Context, omega, load, wear float64) (Simulation, error) {
	time.Sleep(s.delay)
	return Simulation{VibExpected: 1}, nil
}

type failingEstimator struct{}

func (failingEstimator) Version() string { return "broken" }

func (failingEstimator) Score(context.Context, model.SensorWindow, model.OperatingConditions) (float64, error) {
	return 0, errors.New("model server returned 502")
}

func TestTimeoutWrappers(t *testing.T) {
	o := OracleWithTimeout(slowOracle{delay: 200 * time.Millisecond}, 20*time.Millisecond)
	start := time.Now()
	_, err := o.Simulate(context.Background(), 100, 500, 0.1)
	if !errors.Is(err, apperr.ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if time.Since(start) > 150*time.Millisecond {
		t.Fatalf("timeout not enforced")
	}

	fast := OracleWithTimeout(slowOracle{}, time.Second)
	if sim, err := fast.Simulate(context.Background(), 1, 1, 0); err != nil || sim.VibExpected != 1 {
		t.Fatalf("fast oracle: %v %v", sim, err)
	}

	e := EstimatorWithTimeout(failingEstimator{}, time.Second)
	if _, err := e.Score(context.Background(), model.SensorWindow{VibRMS: []float64{1}}, model.OperatingConditions{}); apperr.KindOf(err) != apperr.KindUpstream {
		t.Fatalf("expected upstream kind, got %v", err)
	}
}

func TestLoadCalibration(t *testing.T) {
	dir, err := artifacts.NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("dir: %v", err)
	}
	ctx := context.Background()
	if _, err := LoadCalibration(ctx, dir, "models/bearing.json"); !errors.Is(err, ErrNoCalibration) {
		t.Fatalf("expected ErrNoCalibration, got %v", err)
	}
	body := `{"simulation_version":"bearing-wear-2.1","thresholds":{"zscore":2.5,"min_samples":10},"coefficients":{"base":0.45}}`
	if err := dir.Put(ctx, "models/bearing.json", []byte(body), "application/json"); err != nil {
		t.Fatalf("put: %v", err)
	}
	cal, err := LoadCalibration(ctx, dir, "models/bearing.json")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := config.DefaultConfig()
	det, sim, fusion := cal.Apply(def.Detector, def.Simulation, def.Fusion)
	if det.ZScoreThreshold != 2.5 || det.MinSamples != 10 || det.Base != 0.45 {
		t.Fatalf("detector overlay: %+v", det)
	}
	if det.K1 != def.Detector.K1 || det.WindowSize != def.Detector.WindowSize {
		t.Fatalf("absent fields must keep defaults: %+v", det)
	}
	if sim.Version != "bearing-wear-2.1" || sim.Coefficients != def.Simulation.Coefficients {
		t.Fatalf("simulation overlay: %+v", sim)
	}
	if fusion.ModelVersion != def.Fusion.ModelVersion {
		t.Fatalf("model version should be unchanged")
	}
}

func TestNilCalibrationLeavesConfigUnchanged(t *testing.T) {
	def := config.DefaultConfig()
	var cal *Calibration
	det, sim, fusion := cal.Apply(def.Detector, def.Simulation, def.Fusion)
	if det != def.Detector || sim != def.Simulation || fusion != def.Fusion {
		t.Fatalf("nil calibration changed config")
	}
}
