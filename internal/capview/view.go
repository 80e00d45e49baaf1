// Package capview keeps the latest capability record seen on the event
// channel for each asset, for dashboards and the API.
package capview

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"adaptivx/internal/config"
	"adaptivx/internal/events"
	"adaptivx/internal/model"
)

type View struct {
	mu      sync.RWMutex
	records map[string]model.CapabilityRecord
	seenAt  map[string]time.Time
	limit   int
	ttl     atomic.Int64
	now     func() time.Time
	logger  *slog.Logger
}

// Entry is an observed record with the time it was received.
type Entry struct {
	Record model.CapabilityRecord `json:"record"`
	SeenAt time.Time              `json:"seen_at"`
}

func New(cfg config.DispatchConfig, logger *slog.Logger) *View {
	if logger == nil {
		logger = slog.Default()
	}
	limit := cfg.ViewLimit
	if limit <= 0 {
		limit = 5000
	}
	v := &View{
		records: make(map[string]model.CapabilityRecord),
		seenAt:  make(map[string]time.Time),
		limit:   limit,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With("component", "capview"),
	}
	v.UpdateConfig(cfg)
	return v
}

// UpdateConfig changes the freshness window. The capacity is fixed.
func (v *View) UpdateConfig(cfg config.DispatchConfig) {
	v.ttl.Store(int64(cfg.ViewTTL))
}

func (v *View) SetClock(now func() time.Time) {
	v.now = now
}

// Update stores rec unless a record with the same or a later UpdatedAt is
// already held, so redelivered events are no-ops.
func (v *View) Update(rec model.CapabilityRecord) bool {
	if rec.AssetID == "" {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if cur, ok := v.records[rec.AssetID]; ok && !rec.UpdatedAt.After(cur.UpdatedAt) {
		return false
	}
	v.records[rec.AssetID] = rec
	v.seenAt[rec.AssetID] = v.now()
	if len(v.records) > v.limit {
		v.evictOldest()
	}
	return true
}

func (v *View) Get(assetID string) (Entry, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	rec, ok := v.records[assetID]
	if !ok {
		return Entry{}, false
	}
	return Entry{Record: rec, SeenAt: v.seenAt[assetID]}, true
}

// Snapshot lists entries by asset id. Unless all is set, entries received
// longer ago than the freshness window are left out.
func (v *View) Snapshot(all bool) []Entry {
	ttl := time.Duration(v.ttl.Load())
	cutoff := v.now().Add(-ttl)
	v.mu.RLock()
	out := make([]Entry, 0, len(v.records))
	for id, rec := range v.records {
		seen := v.seenAt[id]
		if !all && ttl > 0 && seen.Before(cutoff) {
			continue
		}
		out = append(out, Entry{Record: rec, SeenAt: seen})
	}
	v.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Record.AssetID < out[j].Record.AssetID })
	return out
}

func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.records)
}

// Handle is an events.Handler for capability topics.
func (v *View) Handle(_ context.Context, topic string, payload []byte) error {
	var rec model.CapabilityRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		v.logger.Warn("undecodable capability event", "topic", topic, "error", err)
		return nil
	}
	if subject := events.SubjectOf(topic); rec.AssetID == "" {
		rec.AssetID = subject
	} else if subject != rec.AssetID {
		return fmt.Errorf("capability event on %s carries asset %q", topic, rec.AssetID)
	}
	v.Update(rec)
	return nil
}

// Subscribe feeds the view from sub until ctx is done.
func (v *View) Subscribe(ctx context.Context, sub events.Subscriber) error {
	return sub.Subscribe(ctx, events.PrefixCapability, v.Handle)
}

func (v *View) evictOldest() {
	var oldestID string
	var oldest time.Time
	for id, ts := range v.seenAt {
		if oldestID == "" || ts.Before(oldest) {
			oldestID = id
			oldest = ts
		}
	}
	if oldestID != "" {
		delete(v.records, oldestID)
		delete(v.seenAt, oldestID)
	}
}

func (v *View) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.records = make(map[string]model.CapabilityRecord)
	v.seenAt = make(map[string]time.Time)
}
