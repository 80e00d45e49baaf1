package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"

	"adaptivx/internal/model"
)

// maxDigestsPerAsset bounds the redelivery memory of a single asset.
const maxDigestsPerAsset = 4096

// DedupeCache remembers sample digests per asset so redelivered samples
// are dropped. An asset's digests older than the window are pruned when
// its set reaches maxDigestsPerAsset.
type DedupeCache struct {
	mu     sync.Mutex
	assets map[string]map[string]time.Time
}

func NewDedupeCache() *DedupeCache {
	return &DedupeCache{assets: make(map[string]map[string]time.Time)}
}

// Seen records s and reports whether the same sample was already recorded
// within window.
func (d *DedupeCache) Seen(s model.SensorSample, now time.Time, window time.Duration) bool {
	digest := hashSample(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	digests, ok := d.assets[s.AssetID]
	if !ok {
		digests = make(map[string]time.Time)
		d.assets[s.AssetID] = digests
	}
	if at, ok := digests[digest]; ok && now.Sub(at) <= window {
		return true
	}
	digests[digest] = now
	if len(digests) >= maxDigestsPerAsset {
		for k, at := range digests {
			if now.Sub(at) > window {
				delete(digests, k)
			}
		}
	}
	return false
}

func hashSample(s model.SensorSample) string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	parts := []string{
		s.AssetID,
		s.Timestamp.UTC().Format(time.RFC3339Nano),
		f(s.VibRMS),
		f(s.Omega),
		f(s.Load),
		f(s.Wear),
	}
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:])
}

// Cooldown limits how often a key may pass.
type Cooldown struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func NewCooldown() *Cooldown {
	return &Cooldown{last: make(map[string]time.Time)}
}

func (c *Cooldown) Allow(key string, now time.Time, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.last[key]; ok && now.Sub(ts) < cooldown {
		return false
	}
	c.last[key] = now
	return true
}
