package main

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

const (
	defaultDropLogDedupeMaxKeys = 512
)

// dropLogDeduper collapses bursts of the same noisy log line. The first line
// for a key passes, repeats inside the window are counted, and the next line
// after the window carries the suppressed count.
type dropLogDeduper struct {
	mu      sync.Mutex
	window  time.Duration
	maxKeys int
	now     func() time.Time
	entries map[string]dropLogDedupeEntry
}

type dropLogDedupeEntry struct {
	nextEmit   time.Time
	lastSeen   time.Time
	suppressed uint64
}

// newDropLogDeduper returns nil (pass everything) when window or maxKeys is
// not positive.
func newDropLogDeduper(window time.Duration, maxKeys int) *dropLogDeduper {
	if window <= 0 || maxKeys <= 0 {
		return nil
	}
	return &dropLogDeduper{
		window:  window,
		maxKeys: maxKeys,
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]dropLogDedupeEntry, maxKeys),
	}
}

func (d *dropLogDeduper) Process(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}
	if d == nil {
		return line, true
	}
	key, ok := dropLogDedupeKey(line)
	if !ok {
		return line, true
	}
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, found := d.entries[key]
	if !found {
		d.evictOldestLocked()
		d.entries[key] = dropLogDedupeEntry{nextEmit: now.Add(d.window), lastSeen: now}
		return line, true
	}
	entry.lastSeen = now
	if now.Before(entry.nextEmit) {
		entry.suppressed++
		d.entries[key] = entry
		return "", false
	}
	suppressed := entry.suppressed
	entry.suppressed = 0
	entry.nextEmit = now.Add(d.window)
	d.entries[key] = entry
	if suppressed > 0 {
		line = fmt.Sprintf("%s (suppressed=%d over %s)", line, suppressed, d.window)
	}
	return line, true
}

func (d *dropLogDeduper) evictOldestLocked() {
	if len(d.entries) < d.maxKeys {
		return
	}
	var oldestKey string
	var oldestSeen time.Time
	first := true
	for key, entry := range d.entries {
		if first || entry.lastSeen.Before(oldestSeen) {
			oldestKey = key
			oldestSeen = entry.lastSeen
			first = false
		}
	}
	if !first {
		delete(d.entries, oldestKey)
	}
}

const (
	parseFailurePrefix = "APRS-IS: failed to parse and forward line"
	streamServerPrefix = "Stream server ("
	newConnectionTag   = "): new connection from "
	subscriberPrefix   = "Subscriber "
	queueFullTag       = " queue full, dropping "
)

// dropLogDedupeKey picks the lines that repeat under load: the same bad
// upstream line, a client reconnecting in a loop from one host, and a stuck
// subscriber overflowing its queue. Other lines are never suppressed.
func dropLogDedupeKey(line string) (string, bool) {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, parseFailurePrefix):
		// The offending line is the trailing %q; the error text before it
		// varies less than the line itself.
		idx := strings.Index(line, "): \"")
		if idx < 0 {
			return "", false
		}
		raw := line[idx+3:]
		if raw == "" {
			return "", false
		}
		return "parse:" + raw, true
	case strings.HasPrefix(line, streamServerPrefix):
		rest := line[len(streamServerPrefix):]
		idx := strings.Index(rest, newConnectionTag)
		if idx <= 0 {
			return "", false
		}
		name := rest[:idx]
		remote := strings.TrimSpace(rest[idx+len(newConnectionTag):])
		host, _, err := net.SplitHostPort(remote)
		if err != nil {
			host = remote
		}
		if host == "" {
			return "", false
		}
		return "connect:" + name + ":" + host, true
	case strings.HasPrefix(line, subscriberPrefix):
		rest := line[len(subscriberPrefix):]
		idx := strings.Index(rest, queueFullTag)
		if idx <= 0 {
			return "", false
		}
		return "queue:" + rest[:idx], true
	}
	return "", false
}
