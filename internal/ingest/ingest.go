// Package ingest turns raw sensor samples into health assessments. Samples
// arrive over Kafka or the REST API, are folded into a per-asset rolling
// window and assessed on a worker owning that asset.
package ingest

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"adaptivx/internal/apperr"
	"adaptivx/internal/config"
	"adaptivx/internal/fusion"
	"adaptivx/internal/model"
)

type Assessor interface {
	Assess(ctx context.Context, req fusion.AssessRequest) (model.HealthRecord, error)
}

type Stats struct {
	Accepted   int64 `json:"accepted"`
	Duplicates int64 `json:"duplicates"`
	Throttled  int64 `json:"throttled"`
	Dropped    int64 `json:"dropped"`
	Assessed   int64 `json:"assessed"`
	Failed     int64 `json:"failed"`
}

type Pipeline struct {
	assessor Assessor
	windows  *Windows
	dedupe   *DedupeCache
	cooldown *Cooldown
	cfg      atomic.Pointer[config.IngestConfig]
	shards   []chan fusion.AssessRequest
	logger   *slog.Logger
	now      func() time.Time

	accepted, duplicates, throttled, dropped, assessed, failed atomic.Int64
}

// NewPipeline sizes the windows, workers and queues from cfg. Later config
// updates only change the dedupe window and the minimum interval.
func NewPipeline(cfg config.IngestConfig, assessor Assessor, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	workers := max(cfg.Workers, 1)
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = 1024
	}
	p := &Pipeline{
		assessor: assessor,
		windows:  NewWindows(cfg.WindowSize),
		dedupe:   NewDedupeCache(),
		cooldown: NewCooldown(),
		shards:   make([]chan fusion.AssessRequest, workers),
		logger:   logger.With("component", "ingest"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for i := range p.shards {
		p.shards[i] = make(chan fusion.AssessRequest, max(queue/workers, 1))
	}
	p.UpdateConfig(cfg)
	return p
}

func (p *Pipeline) UpdateConfig(cfg config.IngestConfig) {
	c := cfg
	p.cfg.Store(&c)
}

func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

func (p *Pipeline) Windows() *Windows { return p.windows }

func (p *Pipeline) Stats() Stats {
	return Stats{
		Accepted:   p.accepted.Load(),
		Duplicates: p.duplicates.Load(),
		Throttled:  p.throttled.Load(),
		Dropped:    p.dropped.Load(),
		Assessed:   p.assessed.Load(),
		Failed:     p.failed.Load(),
	}
}

func validateSample(s model.SensorSample) error {
	const op = "ingest.sample"
	if strings.TrimSpace(s.AssetID) == "" {
		return apperr.Invalid(op, "asset id is required")
	}
	for name, v := range map[string]float64{"vib_rms": s.VibRMS, "omega": s.Omega, "load": s.Load} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return apperr.Invalid(op, "%s must be a finite value >= 0", name)
		}
	}
	if math.IsNaN(s.Wear) || s.Wear < 0 || s.Wear > 1 {
		return apperr.Invalid(op, "wear must be in [0, 1]")
	}
	return nil
}

// Submit folds one sample into its asset's window and queues an
// assessment. queued is false for duplicates, throttled samples and a full
// queue; only invalid samples are errors.
func (p *Pipeline) Submit(ctx context.Context, s model.SensorSample) (queued bool, err error) {
	if err := validateSample(s); err != nil {
		return false, err
	}
	cfg := p.cfg.Load()
	now := p.now()
	if s.Timestamp.IsZero() {
		s.Timestamp = now
	}
	if cfg.DedupeWindow > 0 && p.dedupe.Seen(s, now, cfg.DedupeWindow) {
		p.duplicates.Add(1)
		return false, nil
	}
	p.accepted.Add(1)
	window := p.windows.Add(s)
	if !p.cooldown.Allow(s.AssetID, now, cfg.MinInterval) {
		p.throttled.Add(1)
		return false, nil
	}
	vib := s.VibRMS
	req := fusion.AssessRequest{
		AssetID:     s.AssetID,
		Window:      window,
		Conditions:  model.OperatingConditions{Omega: s.Omega, Load: s.Load},
		Wear:        s.Wear,
		MeasuredVib: &vib,
	}
	if !SendNonBlocking(ctx, p.shards[p.shardOf(s.AssetID)], req, p.logger) {
		p.dropped.Add(1)
		return false, nil
	}
	return true, nil
}

// shardOf pins an asset to one worker so its assessments run in order.
func (p *Pipeline) shardOf(assetID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(assetID))
	return int(h.Sum32() % uint32(len(p.shards)))
}

// Run starts the workers and blocks until ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, shard := range p.shards {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case req := <-shard:
					p.assess(ctx, req)
				}
			}
		}()
	}
	p.logger.Info("ingest pipeline started", "workers", len(p.shards))
	wg.Wait()
	return nil
}

func (p *Pipeline) assess(ctx context.Context, req fusion.AssessRequest) {
	rec, err := p.assessor.Assess(ctx, req)
	if err != nil {
		p.failed.Add(1)
		p.logger.Warn("assessment failed", "asset_id", req.AssetID, "kind", apperr.KindOf(err), "error", err)
		return
	}
	p.assessed.Add(1)
	p.logger.Debug("asset assessed", "asset_id", req.AssetID, "health_index", rec.HealthIndex)
}

// SendNonBlocking queues req unless the channel is full or ctx is done.
func SendNonBlocking(ctx context.Context, out chan<- fusion.AssessRequest, req fusion.AssessRequest, logger *slog.Logger) bool {
	select {
	case out <- req:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("assessment queue full, dropping sample", "asset_id", req.AssetID)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
