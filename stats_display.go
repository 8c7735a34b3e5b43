package main

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// statsCursor holds the totals seen at the previous tick so each stats block
// can show what changed in the interval.
type statsCursor struct {
	lines    uint64
	parsed   uint64
	failures uint64
	drops    uint64
}

// Purpose: Periodically publish the relay stats block.
// Key aspects: One block per interval. Headless, each line is logged (and so
// reaches the daily file); with the dashboard the block replaces its stats
// pane instead.
// Upstream: relay.run when stats.interval_seconds > 0.
// Downstream: relay.statsLines, uiSurface.SetStats or log.Print.
func (r *relay) displayStats(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var cursor statsCursor
	var gc gcPauseWindow
	var mem runtime.MemStats
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		runtime.ReadMemStats(&mem)
		lines := r.statsLines(&cursor, &mem, &gc, time.Now())
		if r.ui != nil {
			r.ui.SetStats(lines)
			continue
		}
		for _, line := range lines {
			log.Print(line)
		}
	}
}

// statsLines renders one stats block and advances cursor.
func (r *relay) statsLines(cursor *statsCursor, mem *runtime.MemStats, gc *gcPauseWindow, now time.Time) []string {
	t := r.tracker
	lines := t.Lines()
	parsed := t.Parsed()
	failures := t.Failures()
	drops := r.hub.Drops()

	out := []string{
		fmt.Sprintf("%s   %s", formatUptimeLine(t.GetUptime()), formatMemoryLine(mem, gc)),
		fmt.Sprintf("APRS-IS: %s | %s lines (+%s) / %s | %s comments / %s dupes / %s oversize",
			r.upstreamState(now),
			humanize.Comma(int64(lines)),
			humanize.Comma(int64(lines-cursor.lines)),
			humanize.Bytes(t.Bytes()),
			humanize.Comma(int64(t.Comments())),
			humanize.Comma(int64(t.Duplicates())),
			humanize.Comma(int64(t.Oversized())),
		),
		fmt.Sprintf("Parsed: %s (+%s) / %s positions | Failures: %s (+%s)",
			humanize.Comma(int64(parsed)),
			humanize.Comma(int64(parsed-cursor.parsed)),
			humanize.Comma(int64(t.Positions())),
			humanize.Comma(int64(failures)),
			humanize.Comma(int64(failures-cursor.failures)),
		),
	}
	out = append(out, t.SnapshotLines()...)
	out = append(out, r.streamLine(drops-cursor.drops))
	if r.dedup.Enabled() {
		_, _, size := r.dedup.GetStats()
		out = append(out, fmt.Sprintf("Dedup: %s cached / window %s",
			humanize.Comma(int64(size)), formatDurationShort(r.dedup.Window())))
	}
	if r.recorder != nil {
		out = append(out, fmt.Sprintf("Recorder: %s written / %s dropped",
			humanize.Comma(int64(r.recorder.Written())), humanize.Comma(int64(r.recorder.Dropped()))))
	}
	if r.mirror != nil {
		state := "connected"
		if !r.mirror.Connected() {
			state = "disconnected"
		}
		out = append(out, fmt.Sprintf("MQTT: %s | %s published / %s failed", state,
			humanize.Comma(int64(r.mirror.Published())), humanize.Comma(int64(r.mirror.Failed()))))
	}
	out = append(out, "")

	*cursor = statsCursor{lines: lines, parsed: parsed, failures: failures, drops: drops}
	return out
}

func (r *relay) upstreamState(now time.Time) string {
	state := "disconnected"
	if r.client != nil && r.client.Connected() {
		state = "connected"
	}
	last := r.tracker.LastLine()
	if last.IsZero() {
		return state + ", no data yet"
	}
	return state + ", last line " + humanize.RelTime(last, now, "ago", "from now")
}

func (r *relay) streamLine(newDrops uint64) string {
	parts := make([]string, 0, len(r.servers))
	for _, srv := range r.servers {
		parts = append(parts, fmt.Sprintf("%s %s accepted", srv.Name(), humanize.Comma(int64(srv.Accepted()))))
	}
	reaped, failed := uint64(0), uint64(0)
	if r.reaper != nil {
		reaped, failed = r.reaper.Reaped(), r.reaper.Failures()
	}
	return fmt.Sprintf("Streams: %s | %d subscribers | Drops: %s (+%s) | Reaped: %s (%d failed)",
		strings.Join(parts, " / "),
		r.hub.Len(),
		humanize.Comma(int64(r.hub.Drops())),
		humanize.Comma(int64(newDrops)),
		humanize.Comma(int64(reaped)),
		failed,
	)
}

func formatUptimeLine(uptime time.Duration) string {
	hours := int(uptime.Hours())
	minutes := int(uptime.Minutes()) % 60
	return fmt.Sprintf("Uptime: %02d:%02d", hours, minutes)
}

func formatMemoryLine(mem *runtime.MemStats, gc *gcPauseWindow) string {
	if mem == nil {
		return "Memory: n/a"
	}
	line := fmt.Sprintf("Memory: heap %s / sys %s / %d goroutines",
		humanize.IBytes(mem.HeapAlloc), humanize.IBytes(mem.Sys), runtime.NumGoroutine())
	if gc == nil {
		return line
	}
	p99, count, truncated := gc.snapshot(mem)
	if count == 0 {
		return line
	}
	more := ""
	if truncated {
		more = "+"
	}
	return fmt.Sprintf("%s / GC p99 %s (%d%s)", line, p99.Round(time.Microsecond), count, more)
}

// formatDurationShort renders d in the largest two units, e.g. 1d2h or 5m.
func formatDurationShort(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	days := int(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	hours := int(d / time.Hour)
	d -= time.Duration(hours) * time.Hour
	minutes := int(d / time.Minute)
	d -= time.Duration(minutes) * time.Minute
	switch {
	case days > 0:
		return fmt.Sprintf("%dd%dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh%dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm", minutes)
	}
	return fmt.Sprintf("%ds", int(d/time.Second))
}

// gcPauseWindow tracks GC pauses between stats ticks. displayStats owns the
// instance and calls snapshot serially.
type gcPauseWindow struct {
	lastNumGC   uint32
	initialized bool
}

// snapshot returns the p99 pause of the GCs since the previous call and how
// many pauses it saw. When more GCs ran than the runtime's pause ring holds,
// only the most recent are used and truncated is true. The first call only
// primes the window.
func (w *gcPauseWindow) snapshot(mem *runtime.MemStats) (p99 time.Duration, count int, truncated bool) {
	if mem == nil {
		return 0, 0, false
	}
	if !w.initialized {
		w.lastNumGC = mem.NumGC
		w.initialized = true
		return 0, 0, false
	}
	if mem.NumGC <= w.lastNumGC {
		return 0, 0, false
	}
	delta := int(mem.NumGC - w.lastNumGC)
	w.lastNumGC = mem.NumGC

	ring := len(mem.PauseNs)
	if delta > ring {
		delta = ring
		truncated = true
	}
	pauses := make([]uint64, 0, delta)
	idx := int((mem.NumGC - 1) % uint32(ring))
	for i := 0; i < delta; i++ {
		if v := mem.PauseNs[idx]; v > 0 {
			pauses = append(pauses, v)
		}
		idx = (idx - 1 + ring) % ring
	}
	if len(pauses) == 0 {
		return 0, 0, truncated
	}
	sort.Slice(pauses, func(i, j int) bool { return pauses[i] < pauses[j] })
	return time.Duration(pauses[int(float64(len(pauses)-1)*0.99)]), len(pauses), truncated
}
