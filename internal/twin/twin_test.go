package twin

import (
	"context"
	"sync"
	"testing"
	"time"

	"adaptivx/internal/model"
	"adaptivx/internal/storage"
)

type recordingStore struct {
	storage.Store
	mu   sync.Mutex
	keys []string
}

func (r *recordingStore) PatchProperty(ctx context.Context, assetID, namespace, key, value string) error {
	r.mu.Lock()
	r.keys = append(r.keys, namespace+"."+key)
	r.mu.Unlock()
	return r.Store.PatchProperty(ctx, assetID, namespace, key, value)
}

func sampleHealth() model.HealthRecord {
	return model.HealthRecord{
		AssetID:          "milling-01",
		HealthIndex:      65,
		HealthConfidence: 0.65,
		AnomalyScore:     0.4,
		PhysicsResidual:  0.275,
		Explanation: model.Explanation{
			Rationale:          "ML model detected minor anomalies in vibration.",
			DetectedPattern:    model.PatternMajorAnomaly,
			FusionMethod:       "weighted_v1(ml=0.6, physics=0.4)",
			WeightAnomaly:      0.6,
			WeightPhysics:      0.4,
			ModelVersion:       "stat-detector-1.0",
			SimulationVersion:  "bearing-wear-1.0",
			ConfidenceInterval: "±35.0%",
		},
		LastUpdate: time.Date(2026, 5, 4, 10, 0, 0, 123, time.UTC),
	}
}

func TestHealthRoundTrip(t *testing.T) {
	rec := &recordingStore{Store: storage.NewMemory()}
	tw := New(rec)
	ctx := context.Background()
	if _, ok, err := tw.ReadHealth(ctx, "milling-01"); err != nil || ok {
		t.Fatalf("expected no health yet, ok=%v err=%v", ok, err)
	}
	want := sampleHealth()
	if err := tw.WriteHealth(ctx, want); err != nil {
		t.Fatalf("write: %v", err)
	}
	if last := rec.keys[len(rec.keys)-1]; last != "health.LastUpdate" {
		t.Fatalf("LastUpdate must be written last, got %s", last)
	}
	got, ok, err := tw.ReadHealth(ctx, "milling-01")
	if err != nil || !ok {
		t.Fatalf("read: ok=%v err=%v", ok, err)
	}
	if got.HealthIndex != 65 || got.PhysicsResidual != 0.275 || !got.LastUpdate.Equal(want.LastUpdate) {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.Explanation != want.Explanation {
		t.Fatalf("explanation mismatch: %+v", got.Explanation)
	}
}

func TestCapabilityWriteOrder(t *testing.T) {
	rec := &recordingStore{Store: storage.NewMemory()}
	tw := New(rec)
	c := model.CapabilityRecord{
		AssetID:           "milling-01",
		Assurance:         model.AssuranceOffered,
		Grade:             model.GradeB,
		ToleranceClass:    "±0.05mm",
		EnergyCostPerPart: 1.0,
		EvidenceLinks:     []string{"health.HealthIndex", "health.LastUpdate"},
		UpdatedAt:         time.Now().UTC(),
	}
	if err := tw.WriteCapability(context.Background(), c); err != nil {
		t.Fatalf("write: %v", err)
	}
	want := []string{
		"capability.AssuranceState",
		"capability.SurfaceFinishGrade",
		"capability.ToleranceClass",
		"capability.EnergyCostPerPart_kWh",
		"capability.EvidenceLinks",
		"capability.UpdatedAt",
	}
	if len(rec.keys) != len(want) {
		t.Fatalf("unexpected writes: %v", rec.keys)
	}
	for i := range want {
		if rec.keys[i] != want[i] {
			t.Fatalf("write %d: got %s want %s", i, rec.keys[i], want[i])
		}
	}
	got, ok, err := tw.ReadCapability(context.Background(), "milling-01")
	if err != nil || !ok {
		t.Fatalf("read: ok=%v err=%v", ok, err)
	}
	if got.Tuple() != c.Tuple() || len(got.EvidenceLinks) != 2 {
		t.Fatalf("unexpected capability: %+v", got)
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	tw := New(storage.NewMemory())
	ctx := context.Background()
	created, err := tw.Register(ctx, "milling-01", time.Now())
	if err != nil || !created {
		t.Fatalf("first register: created=%v err=%v", created, err)
	}
	c, ok, _ := tw.ReadCapability(ctx, "milling-01")
	if !ok || c.Assurance != model.AssuranceAssured || c.Grade != model.GradeA {
		t.Fatalf("expected permissive default, got %+v", c)
	}
	degraded := c
	degraded.Assurance = model.AssuranceNotAvailable
	degraded.Grade = model.GradeC
	if err := tw.WriteCapability(ctx, degraded); err != nil {
		t.Fatalf("write: %v", err)
	}
	created, err = tw.Register(ctx, "milling-01", time.Now())
	if err != nil || created {
		t.Fatalf("second register: created=%v err=%v", created, err)
	}
	c, _, _ = tw.ReadCapability(ctx, "milling-01")
	if c.Grade != model.GradeC {
		t.Fatalf("re-register must not reset capability, got %+v", c)
	}
	if _, err := tw.Register(ctx, " ", time.Now()); err == nil {
		t.Fatalf("expected error for blank id")
	}
}

func TestUnregisteredCapability(t *testing.T) {
	tw := New(storage.NewMemory())
	_, ok, err := tw.ReadCapability(context.Background(), "ghost")
	if err != nil || ok {
		t.Fatalf("expected unregistered, ok=%v err=%v", ok, err)
	}
}

func TestCorruptCapabilityIsAnError(t *testing.T) {
	cases := []struct {
		key, value string
	}{
		{KeyAssuranceState, "bogus"},
		{KeyGrade, "Z"},
		{KeyUpdatedAt, "yesterday"},
		{KeyEnergyCost, "cheap"},
	}
	for _, c := range cases {
		ctx := context.Background()
		store := storage.NewMemory()
		tw := New(store)
		if _, err := tw.Register(ctx, "milling-01", time.Now()); err != nil {
			t.Fatalf("register: %v", err)
		}
		if err := store.PatchProperty(ctx, "milling-01", NamespaceCapability, c.key, c.value); err != nil {
			t.Fatalf("patch: %v", err)
		}
		rec, ok, err := tw.ReadCapability(ctx, "milling-01")
		if err == nil || ok {
			t.Fatalf("%s=%q: expected parse error, got ok=%v rec=%+v", c.key, c.value, ok, rec)
		}
	}
}

func TestCapabilityMissingGradeKeepsDefault(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	if err := store.PatchProperty(ctx, "milling-01", NamespaceCapability, KeyAssuranceState, "offered"); err != nil {
		t.Fatalf("patch: %v", err)
	}
	rec, ok, err := New(store).ReadCapability(ctx, "milling-01")
	if err != nil || !ok {
		t.Fatalf("read: ok=%v err=%v", ok, err)
	}
	if rec.Assurance != model.AssuranceOffered || rec.Grade != model.GradeA {
		t.Fatalf("record: %+v", rec)
	}
}
