// Package twin maps health and capability records onto the flat
// per-asset property namespaces of the state store.
package twin

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"adaptivx/internal/model"
	"adaptivx/internal/storage"
)

const (
	NamespaceHealth     = "health"
	NamespaceCapability = "capability"
)

// Health namespace keys.
const (
	KeyHealthIndex        = "HealthIndex"
	KeyHealthConfidence   = "HealthConfidence"
	KeyAnomalyScore       = "AnomalyScore"
	KeyPhysicsResidual    = "PhysicsResidual"
	KeyRationale          = "ExplainabilityBundle.DecisionRationale"
	KeyDetectedPattern    = "ExplainabilityBundle.DetectedPattern"
	KeyFusionMethod       = "ExplainabilityBundle.FusionMethod"
	KeyWeightAnomaly      = "ExplainabilityBundle.WeightAnomaly"
	KeyWeightPhysics      = "ExplainabilityBundle.WeightPhysics"
	KeyModelVersion       = "ExplainabilityBundle.ModelVersion"
	KeySimulationVersion  = "ExplainabilityBundle.SimulationVersion"
	KeyConfidenceInterval = "ExplainabilityBundle.ConfidenceInterval"
	KeyLastUpdate         = "LastUpdate"
)

// Capability namespace keys.
const (
	KeyAssuranceState = "AssuranceState"
	KeyGrade          = "SurfaceFinishGrade"
	KeyToleranceClass = "ToleranceClass"
	KeyEnergyCost     = "EnergyCostPerPart_kWh"
	KeyEvidenceLinks  = "EvidenceLinks"
	KeyUpdatedAt      = "UpdatedAt"
)

// Twin reads and writes typed records through a property store.
type Twin struct {
	store storage.Store
}

func New(store storage.Store) *Twin {
	return &Twin{store: store}
}


type property struct{ key, value string }

func (t *Twin) patchAll(ctx context.Context, assetID, namespace string, props []property) error {
	for _, p := range props {
		if err := t.store.PatchProperty(ctx, assetID, namespace, p.key, p.value); err != nil {
			return fmt.Errorf("patch %s.%s for %s: %w", namespace, p.key, assetID, err)
		}
	}
	return nil
}

// WriteHealth writes every field of rec. LastUpdate goes last so a reader
// that sees the new timestamp also sees the fields it describes.
func (t *Twin) WriteHealth(ctx context.Context, rec model.HealthRecord) error {
	ex := rec.Explanation
	return t.patchAll(ctx, rec.AssetID, NamespaceHealth, []property{
		{KeyHealthIndex, strconv.Itoa(rec.HealthIndex)},
		{KeyHealthConfidence, formatFloat(rec.HealthConfidence)},
		{KeyAnomalyScore, formatFloat(rec.AnomalyScore)},
		{KeyPhysicsResidual, formatFloat(rec.PhysicsResidual)},
		{KeyRationale, ex.Rationale},
		{KeyDetectedPattern, string(ex.DetectedPattern)},
		{KeyFusionMethod, ex.FusionMethod},
		{KeyWeightAnomaly, formatFloat(ex.WeightAnomaly)},
		{KeyWeightPhysics, formatFloat(ex.WeightPhysics)},
		{KeyModelVersion, ex.ModelVersion},
		{KeySimulationVersion, ex.SimulationVersion},
		{KeyConfidenceInterval, ex.ConfidenceInterval},
		{KeyLastUpdate, formatTime(rec.LastUpdate)},
	})
}

// HealthTimestamp returns the LastUpdate of the stored health record.
func (t *Twin) HealthTimestamp(ctx context.Context, assetID string) (time.Time, bool, error) {
	v, ok, err := t.store.GetProperty(ctx, assetID, NamespaceHealth, KeyLastUpdate)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse %s.%s for %s: %w", NamespaceHealth, KeyLastUpdate, assetID, err)
	}
	return ts, true, nil
}

// ReadHealth returns the stored health record. ok is false when the asset
// has never been assessed.
func (t *Twin) ReadHealth(ctx context.Context, assetID string) (model.HealthRecord, bool, error) {
	rec := model.HealthRecord{AssetID: assetID}
	ts, ok, err := t.HealthTimestamp(ctx, assetID)
	if err != nil || !ok {
		return rec, false, err
	}
	rec.LastUpdate = ts
	r := reader{ctx: ctx, store: t.store, assetID: assetID, namespace: NamespaceHealth}
	rec.HealthIndex = r.integer(KeyHealthIndex)
	rec.HealthConfidence = r.num(KeyHealthConfidence)
	rec.AnomalyScore = r.num(KeyAnomalyScore)
	rec.PhysicsResidual = r.num(KeyPhysicsResidual)
	rec.Explanation = model.Explanation{
		Rationale:          r.str(KeyRationale),
		DetectedPattern:    model.Pattern(r.str(KeyDetectedPattern)),
		FusionMethod:       r.str(KeyFusionMethod),
		WeightAnomaly:      r.num(KeyWeightAnomaly),
		WeightPhysics:      r.num(KeyWeightPhysics),
		ModelVersion:       r.str(KeyModelVersion),
		SimulationVersion:  r.str(KeySimulationVersion),
		ConfidenceInterval: r.str(KeyConfidenceInterval),
	}
	if r.err != nil {
		return rec, false, r.err
	}
	return rec, true, nil
}

// WriteCapability writes the capability fields in a fixed order, routing
// fields first, so partial reads mix at most one stale field.
func (t *Twin) WriteCapability(ctx context.Context, rec model.CapabilityRecord) error {
	return t.patchAll(ctx, rec.AssetID, NamespaceCapability, []property{
		{KeyAssuranceState, string(rec.Assurance)},
		{KeyGrade, string(rec.Grade)},
		{KeyToleranceClass, rec.ToleranceClass},
		{KeyEnergyCost, formatFloat(rec.EnergyCostPerPart)},
		{KeyEvidenceLinks, strings.Join(rec.EvidenceLinks, ",")},
		{KeyUpdatedAt, formatTime(rec.UpdatedAt)},
	})
}

// ReadCapability returns the stored capability. ok is false when the asset
// is not registered. A field that is absent keeps its registration default;
// a field that is present but unparseable is an error, never a default.
func (t *Twin) ReadCapability(ctx context.Context, assetID string) (model.CapabilityRecord, bool, error) {
	def := model.DefaultCapability(assetID)
	state, ok, err := t.store.GetProperty(ctx, assetID, NamespaceCapability, KeyAssuranceState)
	if err != nil || !ok {
		return def, false, err
	}
	rec := def
	r := reader{ctx: ctx, store: t.store, assetID: assetID, namespace: NamespaceCapability}
	a, err := model.ParseAssurance(state)
	if err != nil {
		return def, false, r.parseErr(KeyAssuranceState, err)
	}
	rec.Assurance = a
	if v, ok := r.get(KeyGrade); ok {
		g, err := model.ParseGrade(v)
		if err != nil {
			return def, false, r.parseErr(KeyGrade, err)
		}
		rec.Grade = g
	}
	if tc := r.str(KeyToleranceClass); tc != "" {
		rec.ToleranceClass = tc
	}
	if r.has(KeyEnergyCost) {
		rec.EnergyCostPerPart = r.num(KeyEnergyCost)
	}
	if links := r.str(KeyEvidenceLinks); links != "" {
		rec.EvidenceLinks = strings.Split(links, ",")
	}
	if v := r.str(KeyUpdatedAt); v != "" && r.err == nil {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return def, false, r.parseErr(KeyUpdatedAt, err)
		}
		rec.UpdatedAt = ts
	}
	if r.err != nil {
		return def, false, r.err
	}
	return rec, true, nil
}

// Register creates the asset with the permissive default capability. An
// already registered asset is left untouched; created reports which case hit.
func (t *Twin) Register(ctx context.Context, assetID string, now time.Time) (created bool, err error) {
	if strings.TrimSpace(assetID) == "" {
		return false, fmt.Errorf("register: empty asset id")
	}
	_, ok, err := t.store.GetProperty(ctx, assetID, NamespaceCapability, KeyAssuranceState)
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}
	rec := model.DefaultCapability(assetID)
	rec.UpdatedAt = now.UTC()
	return true, t.WriteCapability(ctx, rec)
}

// Registered reports whether the asset has a capability record.
func (t *Twin) Registered(ctx context.Context, assetID string) (bool, error) {
	_, ok, err := t.store.GetProperty(ctx, assetID, NamespaceCapability, KeyAssuranceState)
	return ok, err
}

func (t *Twin) ListAssets(ctx context.Context) ([]string, error) {
	return t.store.ListAssets(ctx)
}

// reader accumulates the first error so callers can read a batch of fields
// and check once.
type reader struct {
	ctx       context.Context
	store     storage.Store
	assetID   string
	namespace string
	err       error
}

func (r *reader) get(key string) (string, bool) {
	if r.err != nil {
		return "", false
	}
	v, ok, err := r.store.GetProperty(r.ctx, r.assetID, r.namespace, key)
	if err != nil {
		r.err = err
		return "", false
	}
	return v, ok
}

func (r *reader) parseErr(key string, err error) error {
	return fmt.Errorf("parse %s.%s for %s: %w", r.namespace, key, r.assetID, err)
}

func (r *reader) has(key string) bool {
	_, ok := r.get(key)
	return ok
}

func (r *reader) str(key string) string {
	v, _ := r.get(key)
	return v
}

func (r *reader) num(key string) float64 {
	v, ok := r.get(key)
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil && r.err == nil {
		r.err = r.parseErr(key, err)
	}
	return f
}

func (r *reader) integer(key string) int {
	v, ok := r.get(key)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil && r.err == nil {
		r.err = r.parseErr(key, err)
	}
	return n
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatTime(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}
