// Package recorder persists a bounded sample of upstream lines the parser
// rejected to SQLite for offline analysis without slowing the live feed.
package recorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

const defaultBuffer = 256

// Failure is one rejected line.
type Failure struct {
	Line   []byte
	Reason string
	At     time.Time
}

// Recorder stores up to perReasonLimit failures per reason. Inserts happen on
// one writer goroutine fed by a bounded queue; Record never blocks.
type Recorder struct {
	db              *sql.DB
	perReasonLimit  int
	mu              sync.Mutex
	perReasonCounts map[string]int

	queue     chan Failure
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	written atomic.Uint64
	dropped atomic.Uint64
}

// NewRecorder opens (or creates) the SQLite database at path, ensures the
// schema exists and starts the writer.
func NewRecorder(path string, perReasonLimit, buffer int) (*Recorder, error) {
	if perReasonLimit <= 0 {
		return nil, errors.New("recorder: per-reason limit must be > 0")
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("recorder: ensure dir: %w", err)
	}
	if _, err := preflight(path, preflightTimeout); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("recorder: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("recorder: schema: %w", err)
	}
	counts, err := loadCounts(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("recorder: load counts: %w", err)
	}
	r := &Recorder{
		db:              db,
		perReasonLimit:  perReasonLimit,
		perReasonCounts: counts,
		queue:           make(chan Failure, buffer),
		closing:         make(chan struct{}),
		done:            make(chan struct{}),
	}
	go r.writer()
	return r, nil
}

func initSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS parse_failures (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    reason TEXT NOT NULL,
    line BLOB NOT NULL,
    received_at INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS parse_failures_reason ON parse_failures(reason)`)
	return err
}

// loadCounts resumes the per-reason limits across restarts.
func loadCounts(db *sql.DB) (map[string]int, error) {
	rows, err := db.Query(`SELECT reason, COUNT(*) FROM parse_failures GROUP BY reason`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var reason string
		var n int
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, err
		}
		counts[reason] = n
	}
	return counts, rows.Err()
}

// Record queues line for storage. It reports false when the reason already
// hit its limit, the queue is full, or the recorder is closed.
func (r *Recorder) Record(line []byte, reason string, at time.Time) bool {
	if r == nil || r.db == nil {
		return false
	}
	select {
	case <-r.closing:
		return false
	default:
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unknown"
	}

	r.mu.Lock()
	count := r.perReasonCounts[reason]
	if count >= r.perReasonLimit {
		r.mu.Unlock()
		return false
	}
	r.perReasonCounts[reason] = count + 1
	r.mu.Unlock()

	f := Failure{Line: append([]byte(nil), line...), Reason: reason, At: at}
	select {
	case r.queue <- f:
		return true
	default:
		r.mu.Lock()
		r.perReasonCounts[reason]--
		r.mu.Unlock()
		r.dropped.Add(1)
		return false
	}
}

func (r *Recorder) writer() {
	defer close(r.done)
	for {
		select {
		case f := <-r.queue:
			r.insert(f)
		case <-r.closing:
			for {
				select {
				case f := <-r.queue:
					r.insert(f)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) insert(f Failure) {
	_, err := r.db.Exec(`INSERT INTO parse_failures (reason, line, received_at) VALUES (?, ?, ?)`,
		f.Reason, f.Line, f.At.UTC().Unix())
	if err != nil {
		log.Printf("Recorder: failed to insert parse failure: %v", err)
		return
	}
	r.written.Add(1)
}

// Close flushes queued failures and closes the database.
func (r *Recorder) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	var err error
	r.closeOnce.Do(func() {
		close(r.closing)
		<-r.done
		err = r.db.Close()
	})
	return err
}

// Count returns the number of stored failures, optionally for one reason.
func (r *Recorder) Count(ctx context.Context, reason string) (int, error) {
	var n int
	var err error
	if reason == "" {
		err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM parse_failures`).Scan(&n)
	} else {
		err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM parse_failures WHERE reason = ?`, reason).Scan(&n)
	}
	return n, err
}

// Written is the number of rows inserted by this process.
func (r *Recorder) Written() uint64 {
	return r.written.Load()
}

// Dropped is the number of failures discarded because the queue was full.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}
