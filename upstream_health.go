package main

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	healthInterval  = 30 * time.Second
	idleThreshold   = 2 * time.Minute
	healthLogPrefix = "Health: "
)

// healthSource is one connection the monitor watches. lastActivity may be nil
// for links that are never expected to carry inbound traffic.
type healthSource struct {
	name         string
	connected    func() bool
	lastActivity func() time.Time
}

type healthState struct {
	connected   bool
	idle        bool
	initialized bool
}

// healthMonitor logs only when a source changes between connected and
// disconnected, or between active and idle.
type healthMonitor struct {
	sources []healthSource
	idle    time.Duration
	states  map[string]healthState
	// notify, when set, also receives each transition line.
	notify func(line string)
}

func newHealthMonitor(idle time.Duration, sources ...healthSource) *healthMonitor {
	if idle <= 0 {
		idle = idleThreshold
	}
	return &healthMonitor{
		sources: sources,
		idle:    idle,
		states:  make(map[string]healthState, len(sources)),
	}
}

// Purpose: Periodically log upstream link transitions with low noise.
// Key aspects: Silent while nothing changes.
// Upstream: relay.run.
// Downstream: healthMonitor.check and log.Printf.
func (m *healthMonitor) run(ctx context.Context, interval time.Duration) error {
	if len(m.sources) == 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			for _, line := range m.check(now) {
				log.Printf("%s%s", healthLogPrefix, line)
				if m.notify != nil {
					m.notify(line)
				}
			}
		}
	}
}

// check returns a line for every source whose state differs from the last
// check. The first check reports every source.
func (m *healthMonitor) check(now time.Time) []string {
	var out []string
	for _, src := range m.sources {
		connected := src.connected != nil && src.connected()
		var last time.Time
		if src.lastActivity != nil {
			last = src.lastActivity()
		}
		idle := src.lastActivity != nil && (last.IsZero() || now.Sub(last) > m.idle)
		prev := m.states[src.name]
		if prev.initialized && prev.connected == connected && prev.idle == idle {
			continue
		}
		m.states[src.name] = healthState{connected: connected, idle: idle, initialized: true}
		out = append(out, formatHealthLine(src.name, connected, idle, last, now))
	}
	return out
}

func formatHealthLine(name string, connected, idle bool, last, now time.Time) string {
	var b strings.Builder
	b.WriteString(name)
	if connected {
		b.WriteString(" connected")
	} else {
		b.WriteString(" disconnected")
	}
	if idle {
		b.WriteString(" idle")
	} else {
		b.WriteString(" active")
	}
	if !last.IsZero() {
		b.WriteString(" last_line=")
		b.WriteString(humanize.RelTime(last, now, "ago", "ahead"))
	}
	return b.String()
}
