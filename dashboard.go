package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"golang.org/x/term"

	"xaprsd/config"
)

const (
	uiModeHeadless = "headless"
	uiModeTview    = "tview"

	defaultLogLines     = 200
	healthPaneLines     = 4
	dashboardStatsLines = 10
	dashboardStopWait   = 2 * time.Second
	paneWriterMaxBytes  = 8 * 1024
)

// uiSurface is the optional console front end. Implementations must be safe
// for concurrent calls from the stats loop, the health monitor and the log
// fanout.
type uiSurface interface {
	WaitReady() error
	Stop()
	SetStats(lines []string)
	AppendHealth(line string)
	SystemWriter() io.Writer
}

var stdoutIsTerminal = func() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// newUISurface returns nil for headless operation. note explains why a
// requested console was not started and is empty otherwise.
func newUISurface(cfg config.UIConfig, interactive bool) (ui uiSurface, note string) {
	switch cfg.Mode {
	case uiModeHeadless, "":
		return nil, ""
	case uiModeTview:
		if !interactive {
			return nil, "UI disabled (tview requires an interactive console)"
		}
		return newDashboard(cfg, nil), ""
	default:
		return nil, fmt.Sprintf("UI mode %q not recognized; running headless", cfg.Mode)
	}
}

// paneBuffer keeps the newest max lines of one pane.
type paneBuffer struct {
	lines []string
	max   int
}

func newPaneBuffer(max int) paneBuffer {
	if max <= 0 {
		max = defaultLogLines
	}
	return paneBuffer{max: max}
}

func (b *paneBuffer) add(line string) {
	b.lines = append(b.lines, line)
	if over := len(b.lines) - b.max; over > 0 {
		b.lines = append(b.lines[:0], b.lines[over:]...)
	}
}

func (b *paneBuffer) text() string {
	return strings.Join(b.lines, "\n")
}

// dashboard is the tview console: a stats block on top, link health below
// it and the system log at the bottom.
//
// Writers only touch the buffers under mu and poke dirty; a single flush
// goroutine copies the buffers into the views, so a lagging terminal never
// blocks logging or the stats loop.
type dashboard struct {
	app        *tview.Application
	statsView  *tview.TextView
	healthView *tview.TextView
	systemView *tview.TextView

	mu     sync.Mutex
	stats  []string
	health paneBuffer
	system paneBuffer

	dirty    chan struct{}
	done     chan struct{}
	flushed  chan struct{}
	ready    chan struct{}
	runDone  chan struct{}
	runErr   error
	closed   atomic.Bool
	stopOnce sync.Once
}

// newDashboard starts the console on screen, or on the process terminal
// when screen is nil.
func newDashboard(cfg config.UIConfig, screen tcell.Screen) *dashboard {
	makePane := func(title string) *tview.TextView {
		tv := tview.NewTextView().SetDynamicColors(false).SetWrap(false)
		tv.SetBorder(true).SetTitle(" " + title + " ").SetTitleAlign(tview.AlignLeft)
		return tv
	}
	statsView := makePane("xaprsd")
	statsView.SetTextColor(tcell.ColorYellow)
	healthView := makePane("Links")
	systemView := makePane("System")

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(statsView, dashboardStatsLines+2, 0, false).
		AddItem(healthView, healthPaneLines+2, 0, false).
		AddItem(systemView, 0, 1, false)

	d := &dashboard{
		statsView:  statsView,
		healthView: healthView,
		systemView: systemView,
		health:     newPaneBuffer(healthPaneLines),
		system:     newPaneBuffer(cfg.LogLines),
		dirty:      make(chan struct{}, 1),
		done:       make(chan struct{}),
		flushed:    make(chan struct{}),
		ready:      make(chan struct{}),
		runDone:    make(chan struct{}),
	}

	app := tview.NewApplication().SetRoot(layout, true).EnableMouse(false)
	if screen != nil {
		app.SetScreen(screen)
	}
	var once sync.Once
	app.SetBeforeDrawFunc(func(tcell.Screen) bool {
		once.Do(func() { close(d.ready) })
		return false
	})
	d.app = app

	go d.flushLoop()
	go func() {
		defer close(d.runDone)
		if err := app.Run(); err != nil {
			d.runErr = err
			fmt.Fprintf(os.Stderr, "dashboard error: %v\n", err)
		}
	}()
	return d
}

// WaitReady blocks until the first frame is drawn. It returns an error when
// the terminal could not be taken over.
func (d *dashboard) WaitReady() error {
	select {
	case <-d.ready:
		return nil
	case <-d.runDone:
		if d.runErr != nil {
			return d.runErr
		}
		return errors.New("dashboard exited before the first frame")
	}
}

// Stop ends the flush loop and releases the terminal. Later writes are
// discarded.
func (d *dashboard) Stop() {
	d.stopOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		select {
		case <-d.flushed:
		case <-d.runDone:
		case <-time.After(dashboardStopWait):
		}
		d.app.Stop()
		select {
		case <-d.runDone:
		case <-time.After(dashboardStopWait):
		}
	})
}

func (d *dashboard) SetStats(lines []string) {
	if d.closed.Load() {
		return
	}
	d.mu.Lock()
	d.stats = append(d.stats[:0], lines...)
	d.mu.Unlock()
	d.markDirty()
}

func (d *dashboard) AppendHealth(line string) {
	d.appendLine(&d.health, time.Now().UTC().Format("15:04:05 ")+line)
}

func (d *dashboard) appendLine(buf *paneBuffer, line string) {
	if d.closed.Load() {
		return
	}
	d.mu.Lock()
	buf.add(line)
	d.mu.Unlock()
	d.markDirty()
}

func (d *dashboard) markDirty() {
	select {
	case d.dirty <- struct{}{}:
	default:
	}
}

func (d *dashboard) flushLoop() {
	defer close(d.flushed)
	for {
		select {
		case <-d.done:
			return
		case <-d.runDone:
			return
		case <-d.dirty:
		}
		d.mu.Lock()
		stats := strings.Join(d.stats, "\n")
		health := d.health.text()
		system := d.system.text()
		d.mu.Unlock()
		d.app.QueueUpdateDraw(func() {
			d.statsView.SetText(stats)
			d.healthView.SetText(health)
			d.systemView.SetText(system)
			d.systemView.ScrollToEnd()
		})
	}
}

// SystemWriter is the log fanout's console sink while the dashboard runs.
func (d *dashboard) SystemWriter() io.Writer {
	return &paneWriter{dash: d}
}

// paneWriter turns writes into system pane lines. A partial line longer
// than paneWriterMaxBytes is flushed as it stands.
type paneWriter struct {
	dash *dashboard
	mu   sync.Mutex
	buf  []byte
}

func (w *paneWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.buf = append(w.buf, p...)
	var lines []string
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimRight(w.buf[:idx], "\r")))
		w.buf = w.buf[idx+1:]
	}
	if len(w.buf) > paneWriterMaxBytes {
		lines = append(lines, string(w.buf))
		w.buf = nil
	}
	w.mu.Unlock()

	for _, line := range lines {
		w.dash.appendLine(&w.dash.system, line)
	}
	return len(p), nil
}
