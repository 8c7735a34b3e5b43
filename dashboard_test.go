package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"xaprsd/aprsis"
	"xaprsd/config"
	"xaprsd/dedup"
	"xaprsd/hub"
	"xaprsd/stats"
)

func TestPaneBufferKeepsNewest(t *testing.T) {
	buf := newPaneBuffer(2)
	for _, line := range []string{"alpha", "bravo", "charlie"} {
		buf.add(line)
	}
	if got := buf.text(); got != "bravo\ncharlie" {
		t.Fatalf("expected newest two lines, got %q", got)
	}
	if def := newPaneBuffer(0); def.max != defaultLogLines {
		t.Fatalf("expected default max %d, got %d", defaultLogLines, def.max)
	}
}

func TestPaneWriterSplitsLines(t *testing.T) {
	dash := &dashboard{system: newPaneBuffer(10), dirty: make(chan struct{}, 1)}
	w := dash.SystemWriter()
	_, _ = w.Write([]byte("2026/01/22 12:00:00 first\r\n2026/01/22 12:00:01 sec"))
	_, _ = w.Write([]byte("ond\n"))
	if got := dash.system.text(); got != "2026/01/22 12:00:00 first\n2026/01/22 12:00:01 second" {
		t.Fatalf("unexpected pane text %q", got)
	}
	select {
	case <-dash.dirty:
	default:
		t.Fatal("expected a pending redraw")
	}
}

func TestPaneWriterFlushesOversizedLine(t *testing.T) {
	dash := &dashboard{system: newPaneBuffer(10), dirty: make(chan struct{}, 1)}
	input := strings.Repeat("x", paneWriterMaxBytes+1)
	n, err := dash.SystemWriter().Write([]byte(input))
	if err != nil || n != len(input) {
		t.Fatalf("write returned %d, %v", n, err)
	}
	if len(dash.system.lines) != 1 || len(dash.system.lines[0]) != len(input) {
		t.Fatalf("expected the partial line to be flushed, got %d lines", len(dash.system.lines))
	}
}

func TestNewUISurfaceHeadless(t *testing.T) {
	cases := []struct {
		name        string
		cfg         config.UIConfig
		interactive bool
		wantNote    bool
	}{
		{name: "default", cfg: config.UIConfig{Mode: "headless"}, interactive: true},
		{name: "empty", cfg: config.UIConfig{}, interactive: true},
		{name: "tview without terminal", cfg: config.UIConfig{Mode: "tview"}, interactive: false, wantNote: true},
		{name: "unknown", cfg: config.UIConfig{Mode: "ansi"}, interactive: true, wantNote: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ui, note := newUISurface(tc.cfg, tc.interactive)
			if ui != nil {
				ui.Stop()
				t.Fatalf("expected no console surface")
			}
			if (note != "") != tc.wantNote {
				t.Fatalf("unexpected note %q", note)
			}
		})
	}
}

// viewText reads a view from inside the application's event loop.
func viewText(d *dashboard, view *tview.TextView) string {
	var text string
	d.app.QueueUpdate(func() { text = view.GetText(true) })
	return text
}

func waitForView(t *testing.T, d *dashboard, view *tview.TextView, want string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		text := viewText(d, view)
		if strings.Contains(text, want) {
			return text
		}
		if time.Now().After(deadline) {
			t.Fatalf("view never showed %q, last text %q", want, text)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDashboardRendersPanes(t *testing.T) {
	dash := newDashboard(config.UIConfig{Mode: "tview", LogLines: 3}, tcell.NewSimulationScreen("UTF-8"))
	if err := dash.WaitReady(); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}

	dash.SetStats([]string{"Uptime: 1m", "APRS-IS: connected"})
	dash.AppendHealth("APRS-IS connected active")
	for i := 0; i < 5; i++ {
		fmt.Fprintf(dash.SystemWriter(), "log line %d [raw]\n", i)
	}

	if got := waitForView(t, dash, dash.statsView, "APRS-IS: connected"); !strings.HasPrefix(got, "Uptime: 1m") {
		t.Fatalf("unexpected stats pane %q", got)
	}
	waitForView(t, dash, dash.healthView, "APRS-IS connected active")
	system := waitForView(t, dash, dash.systemView, "log line 4 [raw]")
	if strings.Contains(system, "log line 1") {
		t.Fatalf("system pane should keep only the newest 3 lines, got %q", system)
	}

	dash.Stop()
	done := make(chan struct{})
	go func() {
		fmt.Fprintln(dash.SystemWriter(), "after stop")
		dash.SetStats([]string{"ignored"})
		dash.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writes after Stop blocked")
	}
}

type recordingUI struct {
	mu     sync.Mutex
	stats  [][]string
	health []string
}

func (u *recordingUI) WaitReady() error { return nil }
func (u *recordingUI) Stop()            {}

func (u *recordingUI) SetStats(lines []string) {
	u.mu.Lock()
	u.stats = append(u.stats, append([]string(nil), lines...))
	u.mu.Unlock()
}

func (u *recordingUI) AppendHealth(line string) {
	u.mu.Lock()
	u.health = append(u.health, line)
	u.mu.Unlock()
}

func (u *recordingUI) SystemWriter() io.Writer { return io.Discard }

func (u *recordingUI) snapshot() (int, []string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.stats), append([]string(nil), u.health...)
}

func TestRelayRoutesStatsAndHealthToDashboard(t *testing.T) {
	ui := &recordingUI{}
	h := hub.New(hub.DefaultCapacity)
	tracker := stats.NewTracker()
	r := &relay{
		tracker: tracker,
		hub:     h,
		reaper:  hub.NewReaper(&hub.ReapList{}, time.Second),
		dedup:   dedup.NewDeduplicator(0),
		client:  aprsis.NewClient(aprsis.Options{Host: "127.0.0.1", Callsign: "XAPRS-T", Stats: tracker}, h),
		ui:      ui,
	}

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)
	go func() { _ = r.displayStats(ctx, 10*time.Millisecond); done <- struct{}{} }()
	go func() { _ = r.healthMonitor().run(ctx, 10*time.Millisecond); done <- struct{}{} }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		blocks, health := ui.snapshot()
		if blocks > 0 && len(health) > 0 {
			if !strings.HasPrefix(health[0], "APRS-IS disconnected") {
				t.Fatalf("unexpected health line %q", health[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dashboard never received stats (%d blocks) and health (%q)", blocks, health)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	<-done

	logged := buf.String()
	if strings.Contains(logged, "Uptime:") {
		t.Fatalf("stats block should go to the dashboard, not the log: %q", logged)
	}
	if !strings.Contains(logged, "Health: APRS-IS disconnected") {
		t.Fatalf("health transitions should still be logged, got %q", logged)
	}
}
