package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"xaprsd/config"
)

const (
	logTimestampLayout = "2006/01/02 15:04:05"
	logFileDateLayout  = "02-Jan-2006"
	// A writer that never emits '\n' is flushed as one line at this size.
	maxLogBufferBytes = 16 * 1024
	sinkErrorInterval = time.Minute
)

// lineSink receives complete log lines without their trailing newline.
type lineSink interface {
	WriteLine(line string, now time.Time)
	Close() error
}

type ioLineSink struct {
	w             io.Writer
	withTimestamp bool
}

func (s *ioLineSink) WriteLine(line string, now time.Time) {
	if s == nil || s.w == nil {
		return
	}
	var b strings.Builder
	if s.withTimestamp {
		b.WriteString(formatLogTimestamp(now))
		b.WriteByte(' ')
	}
	b.WriteString(line)
	b.WriteByte('\n')
	_, _ = io.WriteString(s.w, b.String())
}

func (s *ioLineSink) Close() error { return nil }

// logRotateHook runs once per UTC day change with the day that just ended.
type logRotateHook func(prevDate time.Time, prevPath, newPath string)

// dailyFileSink keeps one DD-Mon-YYYY.log per UTC day under dir and prunes
// files older than the retention window whenever a new day starts.
type dailyFileSink struct {
	dir           string
	retentionDays int

	mu          sync.Mutex
	file        *os.File
	currentDate string
	currentPath string
	rotateHook  logRotateHook
	lastErrorAt time.Time
}

func newDailyFileSink(dir string, retentionDays int) (*dailyFileSink, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("log directory is empty")
	}
	if retentionDays <= 0 {
		retentionDays = 7
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory %q: %w", dir, err)
	}
	sink := &dailyFileSink{dir: dir, retentionDays: retentionDays}
	if err := cleanupOldLogs(dir, time.Now().UTC(), retentionDays); err != nil {
		sink.reportError(time.Now(), fmt.Errorf("cleanup %s: %w", dir, err))
	}
	return sink, nil
}

func (s *dailyFileSink) SetRotateHook(hook logRotateHook) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.rotateHook = hook
	s.mu.Unlock()
}

// WriteLine appends one timestamped line, opening the file for now's UTC
// date first if needed. A pending rotate hook runs after the lock is dropped
// so the hook itself can log.
func (s *dailyFileSink) WriteLine(line string, now time.Time) {
	if s == nil {
		return
	}
	now = now.UTC()

	s.mu.Lock()
	notify := s.ensureFileLocked(now)
	if s.file != nil {
		if _, err := fmt.Fprintf(s.file, "%s %s\n", formatLogTimestamp(now), line); err != nil {
			s.reportErrorLocked(now, fmt.Errorf("write %s: %w", s.currentPath, err))
		}
	}
	s.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// ensureFileLocked switches to the file for now's date. When that ends a
// previous day and a hook is set, it returns the hook call to make.
func (s *dailyFileSink) ensureFileLocked(now time.Time) func() {
	date := now.Format(logFileDateLayout)
	if s.file != nil && s.currentDate == date {
		return nil
	}
	prevDate, prevPath := s.currentDate, s.currentPath
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	path := filepath.Join(s.dir, logFileNameForDate(now))
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		s.reportErrorLocked(now, fmt.Errorf("create log directory %q: %w", s.dir, err))
		return nil
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.reportErrorLocked(now, fmt.Errorf("open %s: %w", path, err))
		return nil
	}
	s.file, s.currentDate, s.currentPath = file, date, path
	if err := cleanupOldLogs(s.dir, now, s.retentionDays); err != nil {
		s.reportErrorLocked(now, fmt.Errorf("cleanup %s: %w", s.dir, err))
	}

	hook := s.rotateHook
	if hook == nil || prevDate == "" || prevDate == date {
		return nil
	}
	ended, err := time.ParseInLocation(logFileDateLayout, prevDate, time.UTC)
	if err != nil {
		return nil
	}
	return func() { hook(ended, prevPath, path) }
}

func (s *dailyFileSink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.currentDate, s.currentPath = nil, "", ""
	return err
}

func (s *dailyFileSink) reportError(now time.Time, err error) {
	s.mu.Lock()
	s.reportErrorLocked(now, err)
	s.mu.Unlock()
}

// reportErrorLocked writes sink failures straight to stderr, at most once per
// sinkErrorInterval.
func (s *dailyFileSink) reportErrorLocked(now time.Time, err error) {
	if err == nil {
		return
	}
	if !s.lastErrorAt.IsZero() && now.Sub(s.lastErrorAt) < sinkErrorInterval {
		return
	}
	s.lastErrorAt = now
	fmt.Fprintf(os.Stderr, "Logging: %v\n", err)
}

// lineSplitter turns arbitrary Write chunks into whole lines.
type lineSplitter struct {
	pending []byte
}

func (ls *lineSplitter) feed(p []byte) []string {
	ls.pending = append(ls.pending, p...)
	var lines []string
	for {
		idx := bytes.IndexByte(ls.pending, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimRight(ls.pending[:idx], "\r")))
		ls.pending = ls.pending[idx+1:]
	}
	if len(ls.pending) > maxLogBufferBytes {
		if rest := string(bytes.TrimRight(ls.pending, "\r")); rest != "" {
			lines = append(lines, rest)
		}
		ls.pending = nil
	}
	if len(ls.pending) == 0 {
		ls.pending = nil
	}
	return lines
}

// logFanout is what log.SetOutput points at: each complete line goes through
// the repeat suppressor and then to the console and the daily file.
type logFanout struct {
	mu      sync.Mutex
	split   lineSplitter
	console lineSink
	file    lineSink
	dedupe  *dropLogDeduper
}

func newLogFanout(console, file lineSink) *logFanout {
	return &logFanout{console: console, file: file}
}

// setupLogging always returns a usable console fanout. A non-nil error means
// the daily file could not be set up.
func setupLogging(cfg config.LoggingConfig, console io.Writer) (*logFanout, error) {
	fanout := newLogFanout(&ioLineSink{w: console, withTimestamp: true}, nil)
	window := time.Duration(cfg.DropDedupeWindowSeconds) * time.Second
	fanout.SetDeduper(newDropLogDeduper(window, defaultDropLogDedupeMaxKeys))
	if !cfg.Enabled {
		return fanout, nil
	}
	sink, err := newDailyFileSink(cfg.Dir, cfg.RetentionDays)
	if err != nil {
		return fanout, err
	}
	fanout.mu.Lock()
	fanout.file = sink
	fanout.mu.Unlock()
	return fanout, nil
}

// SetDeduper installs the repeat suppressor; nil disables it.
func (f *logFanout) SetDeduper(d *dropLogDeduper) {
	if f == nil {
		return
	}
	f.mu.Lock()
	f.dedupe = d
	f.mu.Unlock()
}

// SetRotateHook does nothing unless file logging is on.
func (f *logFanout) SetRotateHook(hook logRotateHook) {
	if f == nil {
		return
	}
	f.mu.Lock()
	sink, ok := f.file.(*dailyFileSink)
	f.mu.Unlock()
	if ok {
		sink.SetRotateHook(hook)
	}
}

func (f *logFanout) Write(p []byte) (int, error) {
	if f == nil {
		return len(p), nil
	}
	f.mu.Lock()
	lines := f.split.feed(p)
	sinks := [2]lineSink{f.console, f.file}
	dedupe := f.dedupe
	f.mu.Unlock()

	now := time.Now().UTC()
	for _, line := range lines {
		if dedupe != nil {
			var keep bool
			if line, keep = dedupe.Process(line); !keep {
				continue
			}
		}
		for _, sink := range sinks {
			if sink != nil {
				sink.WriteLine(line, now)
			}
		}
	}
	return len(p), nil
}

func (f *logFanout) Close() error {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	console, file := f.console, f.file
	f.mu.Unlock()
	if console != nil {
		_ = console.Close()
	}
	if file != nil {
		return file.Close()
	}
	return nil
}

func formatLogTimestamp(now time.Time) string {
	return now.UTC().Format(logTimestampLayout)
}

func logFileNameForDate(now time.Time) string {
	return now.UTC().Format(logFileDateLayout) + ".log"
}

func parseLogFileDate(name string) (time.Time, bool) {
	base, ok := strings.CutSuffix(name, ".log")
	if !ok {
		return time.Time{}, false
	}
	parsed, err := time.ParseInLocation(logFileDateLayout, base, time.UTC)
	return parsed, err == nil
}

// cleanupOldLogs removes dated log files outside the window of today plus
// retentionDays-1 earlier days. Other files are left alone.
func cleanupOldLogs(dir string, now time.Time, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	cutoff := dateOnly(now.UTC()).AddDate(0, 0, 1-retentionDays)
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if date, ok := parseLogFileDate(entry.Name()); ok && date.Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func dateOnly(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}
