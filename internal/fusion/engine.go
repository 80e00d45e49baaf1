package fusion

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"adaptivx/internal/apperr"
	"adaptivx/internal/config"
	"adaptivx/internal/events"
	"adaptivx/internal/keylock"
	"adaptivx/internal/model"
	"adaptivx/internal/observability"
	"adaptivx/internal/oracle"
	"adaptivx/internal/twin"
)

type AssessRequest struct {
	AssetID    string                    `json:"asset_id"`
	Window     model.SensorWindow        `json:"window"`
	Conditions model.OperatingConditions `json:"conditions"`
	Wear       float64                   `json:"wear"`
	// MeasuredVib defaults to the newest sample in Window.
	MeasuredVib *float64 `json:"measured_vib,omitempty"`
}

type Engine struct {
	cfg       atomic.Value
	estimator oracle.AnomalyEstimator
	physics   oracle.PhysicsOracle
	twin      *twin.Twin
	pub       events.Publisher
	logger    *slog.Logger
	now       func() time.Time
	locks     *keylock.Map
}

func NewEngine(cfg config.FusionConfig, estimator oracle.AnomalyEstimator, physics oracle.PhysicsOracle, tw *twin.Twin, pub events.Publisher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	e := &Engine{
		estimator: estimator,
		physics:   physics,
		twin:      tw,
		pub:       pub,
		logger:    logger.With("component", "fusion"),
		now:       func() time.Time { return time.Now().UTC() },
		locks:     keylock.New(),
	}
	e.cfg.Store(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg config.FusionConfig) {
	e.cfg.Store(cfg)
}

func (e *Engine) Config() config.FusionConfig {
	return e.cfg.Load().(config.FusionConfig)
}

// SetClock overrides the timestamp source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

func (e *Engine) validate(req AssessRequest) error {
	const op = "fusion.assess"
	if strings.TrimSpace(req.AssetID) == "" {
		return apperr.Invalid(op, "asset id is required")
	}
	if !finite(req.Wear) || req.Wear < 0 || req.Wear > 1 {
		return apperr.Invalid(op, "wear %v out of range [0,1]", req.Wear)
	}
	if !finite(req.Conditions.Omega) || req.Conditions.Omega < 0 {
		return apperr.Invalid(op, "omega %v must be a non-negative number", req.Conditions.Omega)
	}
	if !finite(req.Conditions.Load) || req.Conditions.Load < 0 {
		return apperr.Invalid(op, "load %v must be a non-negative number", req.Conditions.Load)
	}
	if len(req.Window.VibRMS) == 0 {
		return apperr.Invalid(op, "sensor window is empty")
	}
	for i, v := range req.Window.VibRMS {
		if !finite(v) || v < 0 {
			return apperr.Invalid(op, "sensor sample %d is not a non-negative number", i)
		}
	}
	if req.MeasuredVib != nil && (!finite(*req.MeasuredVib) || *req.MeasuredVib < 0) {
		return apperr.Invalid(op, "measured vibration must be a non-negative number")
	}
	return nil
}

// Assess scores the window, simulates expected vibration, fuses both and
// stores the resulting record. Any oracle failure fails the assessment; no
// record is written in that case. Assessments of one asset never
// interleave, and a stored record newer than this one is never overwritten.
func (e *Engine) Assess(ctx context.Context, req AssessRequest) (rec model.HealthRecord, err error) {
	ctx, span := observability.StartSpan(ctx, "fusion.assess", attribute.String("asset_id", req.AssetID))
	defer func() { observability.EndSpan(span, err) }()

	if err := e.validate(req); err != nil {
		return model.HealthRecord{}, err
	}
	registered, err := e.twin.Registered(ctx, req.AssetID)
	if err != nil {
		return model.HealthRecord{}, err
	}
	if !registered {
		return model.HealthRecord{}, apperr.Invalid("fusion.assess", "unknown asset %q", req.AssetID)
	}
	unlock := e.locks.Lock(req.AssetID)
	defer unlock()

	cfg := e.Config()
	estimator := oracle.EstimatorWithTimeout(e.estimator, cfg.OracleTimeout)
	physics := oracle.OracleWithTimeout(e.physics, cfg.OracleTimeout)

	var (
		anomaly float64
		sim     oracle.Simulation
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := estimator.Score(gctx, req.Window, req.Conditions)
		if err != nil {
			return err
		}
		if !finite(v) {
			return apperr.Upstream("estimator.score", fmt.Errorf("non-finite score %v", v))
		}
		anomaly = v
		return nil
	})
	g.Go(func() error {
		s, err := physics.Simulate(gctx, req.Conditions.Omega, req.Conditions.Load, req.Wear)
		if err != nil {
			return err
		}
		if !finite(s.VibExpected) {
			return apperr.Upstream("oracle.simulate", fmt.Errorf("non-finite expected vibration %v", s.VibExpected))
		}
		sim = s
		return nil
	})
	if err := g.Wait(); err != nil {
		e.logger.Warn("assessment failed", "asset_id", req.AssetID, "error", err)
		return model.HealthRecord{}, err
	}

	measured := req.Window.Latest()
	if req.MeasuredVib != nil {
		measured = *req.MeasuredVib
	}
	res := Fuse(cfg, anomaly, Residual(measured, sim.VibExpected, cfg.Epsilon))
	res.Explanation.ModelVersion = versionOr(cfg.ModelVersion, e.estimator.Version())
	res.Explanation.SimulationVersion = e.physics.Version()

	rec = model.HealthRecord{
		AssetID:          req.AssetID,
		HealthIndex:      res.HealthIndex,
		HealthConfidence: res.HealthConfidence,
		AnomalyScore:     res.AnomalyScore,
		PhysicsResidual:  res.PhysicsResidual,
		Explanation:      res.Explanation,
		LastUpdate:       e.now(),
	}
	stored, ok, err := e.twin.HealthTimestamp(ctx, req.AssetID)
	if err != nil {
		return model.HealthRecord{}, err
	}
	if ok && stored.After(rec.LastUpdate) {
		e.logger.Warn("newer health record already stored", "asset_id", req.AssetID, "stored", stored, "assessed", rec.LastUpdate)
		return model.HealthRecord{}, apperr.Stale("fusion.assess", "stored health of %s (%s) is newer than this assessment (%s)",
			req.AssetID, stored.Format(time.RFC3339Nano), rec.LastUpdate.Format(time.RFC3339Nano))
	}
	if err := e.twin.WriteHealth(ctx, rec); err != nil {
		e.logger.Error("health write failed", "asset_id", req.AssetID, "error", err)
		return model.HealthRecord{}, err
	}
	// The record is durable at this point; a lost event is recovered by the
	// policy driver's next tick.
	if err := events.PublishJSON(ctx, e.pub, events.HealthTopic(req.AssetID), rec); err != nil {
		e.logger.Warn("health event publish failed", "asset_id", req.AssetID, "error", err)
	}
	e.logger.Debug("asset assessed",
		"asset_id", rec.AssetID,
		"health_index", rec.HealthIndex,
		"anomaly_score", rec.AnomalyScore,
		"physics_residual", rec.PhysicsResidual,
		"pattern", rec.Explanation.DetectedPattern,
	)
	return rec, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func versionOr(preferred, fallback string) string {
	if preferred != "" {
		return preferred
	}
	return fallback
}
