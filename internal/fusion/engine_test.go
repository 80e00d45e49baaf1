package fusion

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"adaptivx/internal/apperr"
	"adaptivx/internal/model"
	"adaptivx/internal/oracle"
	"adaptivx/internal/storage"
	"adaptivx/internal/twin"
)

type fixedEstimator struct {
	score float64
	err   error
	delay time.Duration
}

func (f fixedEstimator) Version() string { return "fixed-estimator" }

func (f fixedEstimator) Score(ctx context.Context, _ model.SensorWindow, _ model.OperatingConditions) (float64, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return f.score, f.err
}

type fixedOracle struct {
	vib float64
	err error
}

func (f fixedOracle) Version() string { return "fixed-oracle" }

func (f fixedOracle) Simulate(context.Context, float64, float64, float64) (oracle.Simulation, error) {
	return oracle.Simulation{VibExpected: f.vib}, f.err
}

type capturePublisher struct {
	mu       sync.Mutex
	topics   []string
	payloads [][]byte
	err      error
}

func (c *capturePublisher) Publish(_ context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	c.payloads = append(c.payloads, payload)
	return c.err
}

func newTestEngine(t *testing.T, est oracle.AnomalyEstimator, phys oracle.PhysicsOracle, pub *capturePublisher) (*Engine, *twin.Twin) {
	t.Helper()
	tw := twin.New(storage.NewMemory())
	if _, err := tw.Register(context.Background(), "milling-01", time.Now()); err != nil {
		t.Fatalf("register: %v", err)
	}
	cfg := testConfig()
	cfg.OracleTimeout = 50 * time.Millisecond
	e := NewEngine(cfg, est, phys, tw, pub, nil)
	e.SetClock(func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) })
	return e, tw
}

func request(vib float64) AssessRequest {
	return AssessRequest{
		AssetID:    "milling-01",
		Window:     model.SensorWindow{VibRMS: []float64{1.6, 1.7, vib}},
		Conditions: model.OperatingConditions{Omega: 100, Load: 500},
		Wear:       0.1,
	}
}

func TestAssessWritesAndPublishes(t *testing.T) {
	pub := &capturePublisher{}
	e, tw := newTestEngine(t, fixedEstimator{score: 0.4}, fixedOracle{vib: 1.6}, pub)
	rec, err := e.Assess(context.Background(), request(2.04))
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	// residual = 0.44 / 1.6 = 0.275
	if rec.HealthIndex != 65 {
		t.Fatalf("health: %d", rec.HealthIndex)
	}
	if rec.Explanation.SimulationVersion != "fixed-oracle" || rec.Explanation.ModelVersion == "" {
		t.Fatalf("versions missing: %+v", rec.Explanation)
	}
	stored, ok, err := tw.ReadHealth(context.Background(), "milling-01")
	if err != nil || !ok || stored.HealthIndex != 65 || !stored.LastUpdate.Equal(rec.LastUpdate) {
		t.Fatalf("stored record: %+v ok=%v err=%v", stored, ok, err)
	}
	if len(pub.topics) != 1 || pub.topics[0] != "health/milling-01" {
		t.Fatalf("published: %v", pub.topics)
	}
	var event model.HealthRecord
	if err := json.Unmarshal(pub.payloads[0], &event); err != nil || event.HealthIndex != 65 {
		t.Fatalf("payload: %s %v", pub.payloads[0], err)
	}
}

func TestAssessIsDeterministic(t *testing.T) {
	e, _ := newTestEngine(t, fixedEstimator{score: 0.15}, fixedOracle{vib: 1.6}, &capturePublisher{})
	first, err := e.Assess(context.Background(), request(1.7))
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	for i := 0; i < 3; i++ {
		again, err := e.Assess(context.Background(), request(1.7))
		if err != nil {
			t.Fatalf("assess: %v", err)
		}
		if again.HealthIndex != first.HealthIndex || again.HealthConfidence != first.HealthConfidence ||
			again.Explanation.DetectedPattern != first.Explanation.DetectedPattern {
			t.Fatalf("assessment changed: %+v vs %+v", first, again)
		}
	}
}

func TestAssessUpstreamFailureWritesNothing(t *testing.T) {
	cases := map[string]struct {
		est  oracle.AnomalyEstimator
		phys oracle.PhysicsOracle
	}{
		"estimator error": {fixedEstimator{err: errors.New("model unavailable")}, fixedOracle{vib: 1.6}},
		"oracle error":    {fixedEstimator{score: 0.1}, fixedOracle{err: errors.New("fmu crashed")}},
		"estimator slow":  {fixedEstimator{score: 0.1, delay: time.Second}, fixedOracle{vib: 1.6}},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			pub := &capturePublisher{}
			e, tw := newTestEngine(t, c.est, c.phys, pub)
			_, err := e.Assess(context.Background(), request(1.7))
			if !apperr.Retryable(err) || apperr.KindOf(err) != apperr.KindUpstream {
				t.Fatalf("expected upstream error, got %v", err)
			}
			if _, ok, _ := tw.ReadHealth(context.Background(), "milling-01"); ok {
				t.Fatalf("no health record may be written on failure")
			}
			if len(pub.topics) != 0 {
				t.Fatalf("no event may be published on failure")
			}
		})
	}
}

func TestAssessValidation(t *testing.T) {
	e, _ := newTestEngine(t, fixedEstimator{score: 0.1}, fixedOracle{vib: 1.6}, &capturePublisher{})
	bad := []AssessRequest{
		{AssetID: "", Window: model.SensorWindow{VibRMS: []float64{1}}},
		{AssetID: "milling-01", Window: model.SensorWindow{VibRMS: []float64{1}}, Wear: 1.5},
		{AssetID: "milling-01", Window: model.SensorWindow{VibRMS: []float64{1}}, Conditions: model.OperatingConditions{Omega: -1}},
		{AssetID: "milling-01", Window: model.SensorWindow{}},
		{AssetID: "ghost-99", Window: model.SensorWindow{VibRMS: []float64{1}}},
	}
	for i, req := range bad {
		_, err := e.Assess(context.Background(), req)
		if apperr.KindOf(err) != apperr.KindInvalid {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
		if apperr.Retryable(err) {
			t.Fatalf("case %d: validation errors are not retryable", i)
		}
	}
}

func TestAssessPublishFailureIsNotFatal(t *testing.T) {
	pub := &capturePublisher{err: errors.New("broker down")}
	e, tw := newTestEngine(t, fixedEstimator{score: 0.1}, fixedOracle{vib: 1.6}, pub)
	if _, err := e.Assess(context.Background(), request(1.6)); err != nil {
		t.Fatalf("assess should succeed when publish fails: %v", err)
	}
	if _, ok, _ := tw.ReadHealth(context.Background(), "milling-01"); !ok {
		t.Fatalf("record should be stored")
	}
}

// loadEstimator scores a window by its load so concurrent requests for one
// asset produce different health indices.
type loadEstimator struct{}

func (loadEstimator) Version() string { return "load-estimator" }

func (loadEstimator) Score(_ context.Context, _ model.SensorWindow, c model.OperatingConditions) (float64, error) {
	return c.Load / 1000, nil
}

// gateStore parks the first health write halfway through its patches.
type gateStore struct {
	storage.Store
	once    sync.Once
	reached chan struct{}
	release chan struct{}
}

func (g *gateStore) PatchProperty(ctx context.Context, assetID, namespace, key, value string) error {
	if key == twin.KeyHealthConfidence {
		first := false
		g.once.Do(func() { first = true })
		if first {
			close(g.reached)
			<-g.release
		}
	}
	return g.Store.PatchProperty(ctx, assetID, namespace, key, value)
}

func TestConcurrentAssessmentsDoNotMixRecords(t *testing.T) {
	ctx := context.Background()
	store := &gateStore{Store: storage.NewMemory(), reached: make(chan struct{}), release: make(chan struct{})}
	tw := twin.New(store)
	if _, err := tw.Register(ctx, "milling-01", time.Now()); err != nil {
		t.Fatalf("register: %v", err)
	}
	e := NewEngine(testConfig(), loadEstimator{}, fixedOracle{vib: 1.6}, tw, nil, nil)
	base := time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC)
	var tick atomic.Int64
	e.SetClock(func() time.Time { return base.Add(time.Duration(tick.Add(1)) * time.Second) })

	healthy := request(1.6)
	healthy.Conditions.Load = 0
	degraded := request(1.6)
	degraded.Conditions.Load = 600

	type result struct {
		rec model.HealthRecord
		err error
	}
	first := make(chan result, 1)
	go func() {
		rec, err := e.Assess(ctx, healthy)
		first <- result{rec, err}
	}()
	<-store.reached

	second := make(chan result, 1)
	go func() {
		rec, err := e.Assess(ctx, degraded)
		second <- result{rec, err}
	}()
	select {
	case r := <-second:
		t.Fatalf("second assessment finished while the first was mid-write: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
	close(store.release)

	a, b := <-first, <-second
	if a.err != nil || b.err != nil {
		t.Fatalf("assess: %v / %v", a.err, b.err)
	}
	if a.rec.HealthIndex != 100 || b.rec.HealthIndex != 64 || !b.rec.LastUpdate.After(a.rec.LastUpdate) {
		t.Fatalf("results: first=%+v second=%+v", a.rec, b.rec)
	}
	stored, ok, err := tw.ReadHealth(ctx, "milling-01")
	if err != nil || !ok {
		t.Fatalf("read: ok=%v err=%v", ok, err)
	}
	if stored.HealthIndex != b.rec.HealthIndex || stored.HealthConfidence != b.rec.HealthConfidence ||
		stored.AnomalyScore != b.rec.AnomalyScore || !stored.LastUpdate.Equal(b.rec.LastUpdate) {
		t.Fatalf("stored record mixes assessments: %+v, want %+v", stored, b.rec)
	}
}

func TestAssessRejectsOlderThanStored(t *testing.T) {
	ctx := context.Background()
	e, tw := newTestEngine(t, fixedEstimator{score: 0.4}, fixedOracle{vib: 1.6}, &capturePublisher{})
	newer := model.HealthRecord{AssetID: "milling-01", HealthIndex: 91, HealthConfidence: 0.91, LastUpdate: time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)}
	if err := tw.WriteHealth(ctx, newer); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := e.Assess(ctx, request(2.04))
	if !errors.Is(err, apperr.ErrStale) {
		t.Fatalf("expected stale write error, got %v", err)
	}
	stored, _, _ := tw.ReadHealth(ctx, "milling-01")
	if stored.HealthIndex != 91 || !stored.LastUpdate.Equal(newer.LastUpdate) {
		t.Fatalf("newer record overwritten: %+v", stored)
	}
}
