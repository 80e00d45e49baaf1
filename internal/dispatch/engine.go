// Package dispatch routes jobs to assets from their published capability,
// either by direct selection or by a time-boxed request-for-bid auction.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"adaptivx/internal/apperr"
	"adaptivx/internal/config"
	"adaptivx/internal/events"
	"adaptivx/internal/history"
	"adaptivx/internal/model"
	"adaptivx/internal/observability"
)

const fetchConcurrency = 16

// Source is the read side of the capability state store.
type Source interface {
	ListAssets(ctx context.Context) ([]string, error)
	ReadCapability(ctx context.Context, assetID string) (model.CapabilityRecord, bool, error)
	ReadHealth(ctx context.Context, assetID string) (model.HealthRecord, bool, error)
}

type Engine struct {
	cfg    atomic.Pointer[config.DispatchConfig]
	src    Source
	pub    events.Publisher
	clock  Clock
	logger *slog.Logger
	jobs   *history.Ring[model.Assignment]

	mu          sync.Mutex
	outstanding map[string]struct{}
	auctions    map[string]*auction
}

func NewEngine(cfg config.DispatchConfig, src Source, pub events.Publisher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	e := &Engine{
		src:         src,
		pub:         pub,
		clock:       systemClock{},
		logger:      logger.With("component", "dispatch"),
		jobs:        history.NewRing[model.Assignment](cfg.HistoryLimit),
		outstanding: make(map[string]struct{}),
		auctions:    make(map[string]*auction),
	}
	e.UpdateConfig(cfg)
	return e
}

// UpdateConfig swaps bid timeouts and proxy bidding. The history capacity is
// fixed at construction.
func (e *Engine) UpdateConfig(cfg config.DispatchConfig) {
	c := cfg
	e.cfg.Store(&c)
}

func (e *Engine) config() config.DispatchConfig {
	if c := e.cfg.Load(); c != nil {
		return *c
	}
	return config.DefaultConfig().Dispatch
}

// SetClock replaces the time source. Call before the first auction opens.
func (e *Engine) SetClock(c Clock) {
	e.clock = c
}

// History returns up to limit of the most recent jobs, oldest first.
func (e *Engine) History(limit int) []model.Assignment {
	return e.jobs.List(limit)
}

func (e *Engine) reserve(op, jobID string) error {
	if strings.TrimSpace(jobID) == "" {
		return apperr.Invalid(op, "job id is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.outstanding[jobID]; busy {
		return apperr.Invalid(op, "job %q is already outstanding", jobID)
	}
	e.outstanding[jobID] = struct{}{}
	return nil
}

func (e *Engine) release(jobID string) {
	e.mu.Lock()
	delete(e.outstanding, jobID)
	e.mu.Unlock()
}

// Candidates fetches every registered asset's capability concurrently and
// evaluates it against req. A failed capability read fails the whole call;
// a failed health read only leaves the candidate's health index empty.
func (e *Engine) Candidates(ctx context.Context, req model.Requirements) ([]model.Candidate, error) {
	ids, err := e.src.ListAssets(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Candidate, len(ids))
	present := make([]bool, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			rec, ok, err := e.src.ReadCapability(gctx, id)
			if err != nil {
				return fmt.Errorf("capability of %s: %w", id, err)
			}
			if !ok {
				return nil
			}
			c := model.Candidate{AssetID: id, Tuple: rec.Tuple()}
			if h, ok, err := e.src.ReadHealth(gctx, id); err != nil {
				e.logger.Debug("health lookup failed", "asset_id", id, "error", err)
			} else if ok {
				hi := h.HealthIndex
				c.HealthIndex = &hi
			}
			out[i], present[i] = c, true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if apperr.KindOf(err) == apperr.KindUndefined {
			err = apperr.Upstream("dispatch.candidates", err)
		}
		return nil, err
	}
	candidates := out[:0]
	for i, c := range out {
		if present[i] {
			candidates = append(candidates, c)
		}
	}
	return evaluate(req, candidates), nil
}

// Dispatch selects the cheapest asset meeting req. When nothing qualifies
// the assignment is unassigned with the reason; only invalid input and
// store failures are errors.
func (e *Engine) Dispatch(ctx context.Context, jobID string, req model.Requirements) (a model.Assignment, err error) {
	const op = "dispatch.direct"
	ctx, span := observability.StartSpan(ctx, op, attribute.String("job_id", jobID))
	defer func() {
		span.SetAttributes(attribute.String("assigned_asset", a.AssignedAsset))
		observability.EndSpan(span, err)
	}()

	if err := req.Validate(); err != nil {
		return model.Assignment{}, apperr.Invalid(op, "%v", err)
	}
	if err := e.reserve(op, jobID); err != nil {
		return model.Assignment{}, err
	}
	defer e.release(jobID)

	a = model.Assignment{
		JobID:        jobID,
		Requirements: req,
		Status:       model.JobPending,
		Timestamp:    e.clock.Now(),
	}
	e.jobs.Add(a)

	candidates, err := e.Candidates(ctx, req)
	if err != nil {
		a.Status = model.JobFailed
		a.SelectionReason = "capability lookup failed: " + err.Error()
		e.finish(a)
		e.logger.Warn("dispatch failed", "job_id", jobID, "error", err)
		return a, err
	}
	a.Candidates = candidates
	a.CandidatesEvaluated = len(candidates)
	if best, eligible, ok := cheapest(candidates); ok {
		a.AssignedAsset = best.AssetID
		a.Cost = best.Tuple.EnergyCostPerPart
		a.Status = model.JobAssigned
		a.SelectionReason = fmt.Sprintf("Lowest energy cost (%.2f kWh) among %d eligible assets", a.Cost, eligible)
		e.announce(ctx, a)
	} else {
		a.Status = model.JobFailed
		a.SelectionReason = unassignedReason(req, candidates)
	}
	e.finish(a)
	e.logger.Info("job dispatched",
		"job_id", jobID,
		"assigned_asset", a.AssignedAsset,
		"candidates", a.CandidatesEvaluated,
		"reason", a.SelectionReason,
	)
	return a, nil
}

// finish moves the job's history entry out of pending.
func (e *Engine) finish(a model.Assignment) {
	found := e.jobs.Update(func(h model.Assignment) bool {
		return h.JobID == a.JobID && h.RFBID == a.RFBID && h.Status == model.JobPending
	}, func(model.Assignment) model.Assignment { return a })
	if !found {
		e.jobs.Add(a)
	}
}

func (e *Engine) announce(ctx context.Context, a model.Assignment) {
	if err := events.PublishJSON(ctx, e.pub, events.AwardTopic(a.JobID), a); err != nil {
		e.logger.Warn("award publish failed", "job_id", a.JobID, "error", err)
	}
}
