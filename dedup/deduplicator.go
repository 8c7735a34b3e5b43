// Package dedup implements a shard-locked cache that suppresses identical
// upstream lines seen again within a configurable time window. APRS-IS
// servers repeat packets heard through several gateways; the relay can drop
// those repeats before they are numbered and broadcast.
package dedup

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/zeebo/xxh3"
)

// shardCount must remain a power of two so we can use bit masking for fast shard selection.
const shardCount = 64

const (
	compactMinPeak     = 1024
	compactShrinkRatio = 0.5
)

// Deduplicator flags repeated lines within a time window. A zero or negative
// window disables it: Seen always reports false and nothing is cached.
type Deduplicator struct {
	window          time.Duration
	shards          []cacheShard
	cleanupInterval time.Duration
}

// cacheShard keeps a portion of the dedup cache guarded by its own lock.
// Sharding the map eliminates the single global mutex on the hot path.
type cacheShard struct {
	mu             sync.Mutex
	cache          map[uint64]time.Time
	peak           int
	processedCount uint64
	duplicateCount uint64
}

func NewDeduplicator(window time.Duration) *Deduplicator {
	shards := make([]cacheShard, shardCount)
	for i := range shards {
		shards[i].cache = make(map[uint64]time.Time)
	}
	cleanup := 60 * time.Second
	if window > 0 && window < cleanup {
		cleanup = window
	}
	return &Deduplicator{
		window:          window,
		shards:          shards,
		cleanupInterval: cleanup,
	}
}

// Enabled reports whether a positive window is configured.
func (d *Deduplicator) Enabled() bool {
	return d != nil && d.window > 0
}

// Window is the configured suppression window.
func (d *Deduplicator) Window() time.Duration {
	return d.window
}

// Seen records line at time now and reports whether the same bytes were
// already seen less than one window earlier. A duplicate does not refresh
// the stored time, so a line repeated forever still passes once per window.
func (d *Deduplicator) Seen(line []byte, now time.Time) bool {
	if !d.Enabled() {
		return false
	}
	hash := xxh3.Hash(line)
	shard := d.shardFor(hash)

	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.processedCount++
	if isDuplicateLocked(shard.cache, hash, now, d.window) {
		shard.duplicateCount++
		return true
	}
	shard.cache[hash] = now
	if size := len(shard.cache); size > shard.peak {
		shard.peak = size
	}
	return false
}

// isDuplicateLocked checks if a hash was seen within the window.
// Caller must hold the shard mutex.
func isDuplicateLocked(cache map[uint64]time.Time, hash uint64, now time.Time, window time.Duration) bool {
	lastSeen, exists := cache[hash]
	if !exists {
		return false
	}
	age := now.Sub(lastSeen)
	if age < 0 {
		age = -age
	}
	return age < window
}

// Run purges expired entries periodically until ctx ends.
func (d *Deduplicator) Run(ctx context.Context) error {
	if !d.Enabled() {
		<-ctx.Done()
		return ctx.Err()
	}
	log.Printf("Deduplicator: suppressing repeated lines within %s", d.window)
	ticker := time.NewTicker(d.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			d.Cleanup(now)
		}
	}
}

// Cleanup removes entries older than the window as of now and returns how
// many were removed.
func (d *Deduplicator) Cleanup(now time.Time) int {
	if !d.Enabled() {
		return 0
	}
	removed := 0
	for i := range d.shards {
		shard := &d.shards[i]
		shard.mu.Lock()
		before := removed
		for hash, lastSeen := range shard.cache {
			if now.Sub(lastSeen) > d.window {
				delete(shard.cache, hash)
				removed++
			}
		}
		if removed > before {
			maybeCompactShardLocked(shard)
		}
		shard.mu.Unlock()
	}
	return removed
}

// maybeCompactShardLocked rebuilds a shard map that shrank well below its
// peak; Go maps never give buckets back on delete.
func maybeCompactShardLocked(shard *cacheShard) {
	if shard.peak < compactMinPeak {
		return
	}
	threshold := int(float64(shard.peak) * compactShrinkRatio)
	if len(shard.cache) >= threshold {
		return
	}
	next := make(map[uint64]time.Time, len(shard.cache))
	for k, v := range shard.cache {
		next[k] = v
	}
	shard.cache = next
	shard.peak = len(next)
}

// GetStats returns current deduplication statistics
func (d *Deduplicator) GetStats() (processed uint64, duplicates uint64, cacheSize int) {
	for i := range d.shards {
		shard := &d.shards[i]
		shard.mu.Lock()
		processed += shard.processedCount
		duplicates += shard.duplicateCount
		cacheSize += len(shard.cache)
		shard.mu.Unlock()
	}
	return processed, duplicates, cacheSize
}

func (d *Deduplicator) shardFor(hash uint64) *cacheShard {
	return &d.shards[hash&(shardCount-1)]
}
