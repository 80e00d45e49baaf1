package policy

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"adaptivx/internal/events"
)

// Driver runs the engine continuously: on every health event for the
// asset concerned, and on a fixed interval for all assets. Both paths share
// the engine's per-asset lock.
type Driver struct {
	engine   *Engine
	sub      events.Subscriber
	interval atomic.Int64
	polling  atomic.Bool
	logger   *slog.Logger
	ticks    atomic.Int64

	mu      sync.Mutex
	pending map[string]bool
	stopped bool
	wg      sync.WaitGroup
}

func NewDriver(engine *Engine, sub events.Subscriber, interval time.Duration, polling bool, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Driver{
		engine:  engine,
		sub:     sub,
		logger:  logger.With("component", "policy-driver"),
		pending: make(map[string]bool),
	}
	d.SetInterval(interval)
	d.polling.Store(polling)
	return d
}

func (d *Driver) SetInterval(interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	d.interval.Store(int64(interval))
}

// Ticks reports how many polling cycles have completed.
func (d *Driver) Ticks() int64 {
	return d.ticks.Load()
}

// Run blocks until ctx is done.
func (d *Driver) Run(ctx context.Context) error {
	if d.sub != nil {
		if err := d.sub.Subscribe(ctx, events.PrefixHealth, d.onHealth); err != nil {
			return err
		}
	}
	current := time.Duration(d.interval.Load())
	ticker := time.NewTicker(current)
	defer ticker.Stop()
	defer d.stop()
	d.logger.Info("policy driver started", "interval", current, "polling", d.polling.Load())
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("policy driver stopped")
			return nil
		case <-ticker.C:
			if want := time.Duration(d.interval.Load()); want != current {
				current = want
				ticker.Reset(current)
			}
			if !d.polling.Load() {
				continue
			}
			d.cycle(ctx)
		}
	}
}

// stop refuses further event evaluations, then waits for those in flight.
// wg.Add only happens under d.mu while stopped is false, so no Add races
// the Wait.
func (d *Driver) stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Driver) cycle(ctx context.Context) {
	outcomes, err := d.engine.EvaluateAll(ctx)
	d.ticks.Add(1)
	if err != nil {
		d.logger.Warn("asset listing failed", "error", err)
		return
	}
	transitions, failures := 0, 0
	for _, o := range outcomes {
		if o.Err != nil {
			failures++
		} else if o.Transitioned {
			transitions++
		}
	}
	d.logger.Debug("evaluation cycle", "assets", len(outcomes), "transitions", transitions, "failures", failures)
}

// onHealth evaluates the asset on its own goroutine so a slow store call
// for one asset cannot hold up events for the others. Events that arrive
// while an evaluation is still queued are coalesced into it; the payload is
// only a trigger because evaluation re-reads the stored record.
func (d *Driver) onHealth(ctx context.Context, topic string, _ []byte) error {
	assetID := events.SubjectOf(topic)
	if assetID == "" {
		return nil
	}
	d.mu.Lock()
	if d.stopped || d.pending[assetID] {
		d.mu.Unlock()
		return nil
	}
	d.pending[assetID] = true
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		d.mu.Lock()
		delete(d.pending, assetID)
		d.mu.Unlock()
		if _, _, err := d.engine.Evaluate(ctx, assetID); err != nil {
			d.logger.Warn("event evaluation failed", "asset_id", assetID, "error", err)
		}
	}()
	return nil
}
