// Package stats tracks upstream feed counters for the periodic console line
// and the metrics endpoint.
package stats

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Tracker tracks feed statistics.
type Tracker struct {
	// counters live in sync.Map + atomic.Uint64 so per-line increments don't fight over a mutex
	versionCounts sync.Map // "0", "16", ... -> *atomic.Uint64
	failureCounts sync.Map // reason -> *atomic.Uint64
	start         atomic.Int64

	lines           atomic.Uint64
	bytes           atomic.Uint64
	comments        atomic.Uint64
	parsed          atomic.Uint64
	positions       atomic.Uint64
	duplicates      atomic.Uint64
	oversized       atomic.Uint64
	connects        atomic.Uint64
	connectFailures atomic.Uint64
	disconnects     atomic.Uint64
	lastLine        atomic.Int64
}

// NewTracker creates a new stats tracker
func NewTracker() *Tracker {
	t := &Tracker{}
	t.start.Store(time.Now().UnixNano())
	return t
}

// ObserveLine counts one line read from upstream, comments included.
func (t *Tracker) ObserveLine(size int) {
	t.lines.Add(1)
	t.bytes.Add(uint64(size))
	t.lastLine.Store(time.Now().UnixNano())
}

func (t *Tracker) IncrementComments() {
	t.comments.Add(1)
}

// IncrementParsed counts a parsed line by protocol version.
func (t *Tracker) IncrementParsed(version int, hasPosition bool) {
	t.parsed.Add(1)
	if hasPosition {
		t.positions.Add(1)
	}
	incrementCounter(&t.versionCounts, strconv.Itoa(version))
}

// IncrementFailure counts a rejected line by reason.
func (t *Tracker) IncrementFailure(reason string) {
	incrementCounter(&t.failureCounts, reason)
}

func (t *Tracker) IncrementDuplicates() {
	t.duplicates.Add(1)
}

// IncrementOversized counts lines discarded for exceeding the line limit.
func (t *Tracker) IncrementOversized() {
	t.oversized.Add(1)
}

func (t *Tracker) IncrementConnects() {
	t.connects.Add(1)
}

func (t *Tracker) IncrementConnectFailures() {
	t.connectFailures.Add(1)
}

func (t *Tracker) IncrementDisconnects() {
	t.disconnects.Add(1)
}

func (t *Tracker) Lines() uint64           { return t.lines.Load() }
func (t *Tracker) Bytes() uint64           { return t.bytes.Load() }
func (t *Tracker) Comments() uint64        { return t.comments.Load() }
func (t *Tracker) Parsed() uint64          { return t.parsed.Load() }
func (t *Tracker) Positions() uint64       { return t.positions.Load() }
func (t *Tracker) Duplicates() uint64      { return t.duplicates.Load() }
func (t *Tracker) Oversized() uint64       { return t.oversized.Load() }
func (t *Tracker) Connects() uint64        { return t.connects.Load() }
func (t *Tracker) ConnectFailures() uint64 { return t.connectFailures.Load() }
func (t *Tracker) Disconnects() uint64     { return t.disconnects.Load() }

// Failures returns the total of rejected lines across reasons.
func (t *Tracker) Failures() uint64 {
	var total uint64
	t.failureCounts.Range(func(_, value any) bool {
		total += value.(*atomic.Uint64).Load()
		return true
	})
	return total
}

// GetVersionCounts returns a copy of parsed-line counts keyed by version.
func (t *Tracker) GetVersionCounts() map[string]uint64 {
	return copyCounts(&t.versionCounts)
}

// GetFailureCounts returns a copy of failure counts keyed by reason.
func (t *Tracker) GetFailureCounts() map[string]uint64 {
	return copyCounts(&t.failureCounts)
}

// LastLine is when the most recent upstream line arrived; zero if none yet.
func (t *Tracker) LastLine() time.Time {
	ns := t.lastLine.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// GetUptime returns how long the tracker has been running
func (t *Tracker) GetUptime() time.Duration {
	start := t.start.Load()
	return time.Since(time.Unix(0, start))
}

// SnapshotLines returns human-readable stats ready for console display.
func (t *Tracker) SnapshotLines() []string {
	return []string{
		formatMapCounts("Parsed by version", &t.versionCounts),
		formatMapCounts("Failures by reason", &t.failureCounts),
	}
}

func copyCounts(m *sync.Map) map[string]uint64 {
	counts := make(map[string]uint64)
	m.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return counts
}

func formatMapCounts(label string, counts *sync.Map) string {
	snapshot := copyCounts(counts)
	keys := make([]string, 0, len(snapshot))
	for key := range snapshot {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var builder strings.Builder
	builder.WriteString(label)
	builder.WriteString(": ")
	for i, key := range keys {
		if i > 0 {
			builder.WriteString(", ")
		}
		fmt.Fprintf(&builder, "%s=%d", key, snapshot[key])
	}
	if len(keys) == 0 {
		builder.WriteString("(none)")
	}
	return builder.String()
}

func incrementCounter(m *sync.Map, key string) {
	if strings.TrimSpace(key) == "" {
		return
	}
	if value, ok := m.Load(key); ok {
		value.(*atomic.Uint64).Add(1)
		return
	}
	counter := &atomic.Uint64{}
	actual, loaded := m.LoadOrStore(key, counter)
	if loaded {
		actual.(*atomic.Uint64).Add(1)
		return
	}
	counter.Add(1)
}
