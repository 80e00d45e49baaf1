package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"adaptivx/internal/apperr"
	"adaptivx/internal/config"
	"adaptivx/internal/events"
	"adaptivx/internal/history"
	"adaptivx/internal/keylock"
	"adaptivx/internal/model"
	"adaptivx/internal/observability"
	"adaptivx/internal/storage"
	"adaptivx/internal/twin"
)

// Engine evaluates assets against the active policy and patches their
// capability when the derived tuple changes.
type Engine struct {
	policy       atomic.Pointer[Policy]
	concurrency  atomic.Int64
	staleRetries atomic.Int64
	twin         *twin.Twin
	pub          events.Publisher
	sink         storage.AuditSink
	audit        *history.Ring[model.AuditEntry]
	locks        *keylock.Map
	logger       *slog.Logger
	now          func() time.Time
}

// Outcome is the per-asset result of a batch evaluation.
type Outcome struct {
	AssetID      string                 `json:"asset_id"`
	Capability   model.CapabilityRecord `json:"capability"`
	Transitioned bool                   `json:"transitioned"`
	Err          error                  `json:"-"`
	Error        string                 `json:"error,omitempty"`
}

func NewEngine(cfg config.PolicyConfig, tw *twin.Twin, pub events.Publisher, sink storage.AuditSink, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	e := &Engine{
		twin:   tw,
		pub:    pub,
		sink:   sink,
		audit:  history.NewRing[model.AuditEntry](cfg.AuditLimit),
		locks:  keylock.New(),
		logger: logger.With("component", "policy"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := e.UpdateConfig(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// UpdateConfig swaps in new bands and limits. The audit capacity is fixed
// at construction.
func (e *Engine) UpdateConfig(cfg config.PolicyConfig) error {
	p, err := NewPolicy(cfg.Bands)
	if err != nil {
		return err
	}
	e.policy.Store(p)
	e.concurrency.Store(int64(max(cfg.Concurrency, 1)))
	e.staleRetries.Store(int64(max(cfg.StaleRetries, 0)))
	return nil
}

func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

func (e *Engine) Policy() *Policy {
	return e.policy.Load()
}

func (e *Engine) Bands() []Band {
	return e.Policy().Bands()
}

// Restore seeds the in-memory audit trail from the durable sink.
func (e *Engine) Restore(ctx context.Context) error {
	if e.sink == nil {
		return nil
	}
	entries, err := e.sink.ListAudit(ctx, e.audit.Cap())
	if err != nil {
		return err
	}
	for _, entry := range entries {
		e.audit.Add(entry)
	}
	if len(entries) > 0 {
		e.logger.Info("audit trail restored", "entries", len(entries))
	}
	return nil
}

// Audit returns up to limit of the newest audit entries, oldest first,
// optionally for one asset.
func (e *Engine) Audit(assetID string, limit int) []model.AuditEntry {
	if assetID == "" {
		return e.audit.List(limit)
	}
	return e.audit.Filter(func(a model.AuditEntry) bool { return a.AssetID == assetID }, limit)
}

// Evaluate derives the asset's tuple from its latest health record and
// patches the capability if it differs from the stored one. Evaluations of
// one asset never interleave.
func (e *Engine) Evaluate(ctx context.Context, assetID string) (rec model.CapabilityRecord, transitioned bool, err error) {
	ctx, span := observability.StartSpan(ctx, "policy.evaluate", attribute.String("asset_id", assetID))
	defer func() {
		span.SetAttributes(attribute.Bool("transitioned", transitioned))
		observability.EndSpan(span, err)
	}()

	if strings.TrimSpace(assetID) == "" {
		return model.CapabilityRecord{}, false, apperr.Invalid("policy.evaluate", "asset id is required")
	}
	unlock := e.locks.Lock(assetID)
	defer unlock()

	retries := int(e.staleRetries.Load())
	for attempt := 0; ; attempt++ {
		rec, transitioned, err = e.evaluateOnce(ctx, assetID)
		if apperr.KindOf(err) != apperr.KindStale || attempt >= retries {
			return rec, transitioned, err
		}
		e.logger.Debug("stale health record, re-evaluating", "asset_id", assetID, "attempt", attempt+1)
	}
}

func (e *Engine) evaluateOnce(ctx context.Context, assetID string) (model.CapabilityRecord, bool, error) {
	const op = "policy.evaluate"
	current, registered, err := e.twin.ReadCapability(ctx, assetID)
	if err != nil {
		return model.CapabilityRecord{}, false, err
	}
	if !registered {
		return model.CapabilityRecord{}, false, apperr.Invalid(op, "unknown asset %q", assetID)
	}
	health, ok, err := e.twin.ReadHealth(ctx, assetID)
	if err != nil {
		return current, false, err
	}
	if !ok {
		return current, false, nil
	}
	target := e.Policy().Derive(health.HealthIndex)
	previous := current.Tuple()
	if previous == target {
		return current, false, nil
	}

	latest, ok, err := e.twin.HealthTimestamp(ctx, assetID)
	if err != nil {
		return current, false, err
	}
	if ok && latest.After(health.LastUpdate) {
		return current, false, apperr.Stale(op, "health for %s superseded at %s", assetID, latest.Format(time.RFC3339Nano))
	}

	now := e.now()
	next := model.CapabilityRecord{
		AssetID:           assetID,
		Assurance:         target.Assurance,
		Grade:             target.Grade,
		ToleranceClass:    target.ToleranceClass,
		EnergyCostPerPart: target.EnergyCostPerPart,
		EvidenceLinks:     evidenceLinks(health),
		UpdatedAt:         now,
	}
	if err := e.twin.WriteCapability(ctx, next); err != nil {
		return current, false, err
	}
	e.record(ctx, model.AuditEntry{
		AssetID:     assetID,
		Timestamp:   now,
		Previous:    previous,
		Next:        target,
		HealthIndex: health.HealthIndex,
		Rationale:   fmt.Sprintf("Health index = %d", health.HealthIndex),
	}, next)
	e.logger.Info("capability transition",
		"asset_id", assetID,
		"health_index", health.HealthIndex,
		"from", previous.String(),
		"to", target.String(),
	)
	return next, true, nil
}

// Override patches a capability by hand. The next evaluation with a changed
// health index may revert it.
func (e *Engine) Override(ctx context.Context, assetID string, t model.Tuple, reason string) (model.CapabilityRecord, error) {
	const op = "policy.override"
	if t.Assurance.Rank() == 0 {
		return model.CapabilityRecord{}, apperr.Invalid(op, "unknown assurance state %q", t.Assurance)
	}
	if t.Grade.Rank() == 0 {
		return model.CapabilityRecord{}, apperr.Invalid(op, "unknown surface finish grade %q", t.Grade)
	}
	if t.EnergyCostPerPart < 0 {
		return model.CapabilityRecord{}, apperr.Invalid(op, "energy cost must be >= 0")
	}
	unlock := e.locks.Lock(assetID)
	defer unlock()

	current, registered, err := e.twin.ReadCapability(ctx, assetID)
	if err != nil {
		return model.CapabilityRecord{}, err
	}
	if !registered {
		return model.CapabilityRecord{}, apperr.Invalid(op, "unknown asset %q", assetID)
	}
	if t.ToleranceClass == "" {
		t.ToleranceClass = current.ToleranceClass
	}
	now := e.now()
	next := model.CapabilityRecord{
		AssetID:           assetID,
		Assurance:         t.Assurance,
		Grade:             t.Grade,
		ToleranceClass:    t.ToleranceClass,
		EnergyCostPerPart: t.EnergyCostPerPart,
		EvidenceLinks:     current.EvidenceLinks,
		UpdatedAt:         now,
	}
	if err := e.twin.WriteCapability(ctx, next); err != nil {
		return model.CapabilityRecord{}, err
	}
	rationale := "Manual admin override"
	if reason != "" {
		rationale += ": " + reason
	}
	var hi int
	if h, ok, err := e.twin.ReadHealth(ctx, assetID); err == nil && ok {
		hi = h.HealthIndex
	}
	e.record(ctx, model.AuditEntry{
		AssetID:     assetID,
		Timestamp:   now,
		Previous:    current.Tuple(),
		Next:        next.Tuple(),
		HealthIndex: hi,
		Rationale:   rationale,
		Manual:      true,
	}, next)
	e.logger.Warn("capability overridden", "asset_id", assetID, "to", next.Tuple().String(), "reason", reason)
	return next, nil
}

func (e *Engine) record(ctx context.Context, entry model.AuditEntry, rec model.CapabilityRecord) {
	e.audit.Add(entry)
	if e.sink != nil {
		if err := e.sink.SaveAudit(ctx, entry); err != nil {
			e.logger.Warn("audit persist failed", "asset_id", entry.AssetID, "error", err)
		}
	}
	if err := events.PublishJSON(ctx, e.pub, events.CapabilityTopic(rec.AssetID), rec); err != nil {
		e.logger.Warn("capability event publish failed", "asset_id", rec.AssetID, "error", err)
	}
}

// EvaluateAll evaluates every known asset independently. A failure for one
// asset is logged and reported in its outcome; it never stops the others.
func (e *Engine) EvaluateAll(ctx context.Context) ([]Outcome, error) {
	ids, err := e.twin.ListAssets(ctx)
	if err != nil {
		return nil, err
	}
	outcomes := make([]Outcome, len(ids))
	var g errgroup.Group
	g.SetLimit(int(e.concurrency.Load()))
	for i, id := range ids {
		g.Go(func() error {
			rec, transitioned, err := e.Evaluate(ctx, id)
			out := Outcome{AssetID: id, Capability: rec, Transitioned: transitioned, Err: err}
			if err != nil {
				out.Error = err.Error()
				e.logger.Warn("asset evaluation failed", "asset_id", id, "kind", apperr.KindOf(err), "error", err)
			}
			outcomes[i] = out
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, nil
}

func evidenceLinks(h model.HealthRecord) []string {
	links := []string{
		twin.NamespaceHealth + "." + twin.KeyHealthIndex,
		twin.NamespaceHealth + "." + twin.KeyLastUpdate,
	}
	if h.Explanation.SimulationVersion != "" {
		links = append(links, "simulation:"+h.Explanation.SimulationVersion)
	}
	return links
}
