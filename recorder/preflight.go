package recorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

const preflightTimeout = 2 * time.Second

// sidecars are the files SQLite may keep next to the database.
var sidecars = []string{"", "-wal", "-shm", "-journal"}

// preflight checks an existing database before the recorder opens it. A file
// that fails the WAL checkpoint or quick_check is renamed (with its sidecars)
// to <path>.bad-<UTC timestamp> so startup continues with a fresh database.
// It returns the quarantine path, or "" when nothing was moved.
func preflight(path string, timeout time.Duration) (string, error) {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("recorder: stat %s: %w", path, err)
	case !info.Mode().IsRegular():
		return "", fmt.Errorf("recorder: %s is not a regular file", path)
	}
	if timeout <= 0 {
		timeout = preflightTimeout
	}

	checkErr := checkDatabase(path, timeout)
	if checkErr == nil {
		return "", nil
	}
	suffix := ".bad-" + time.Now().UTC().Format("20060102T150405Z")
	for _, ext := range sidecars {
		src := path + ext
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.Rename(src, src+suffix); err != nil {
			return "", fmt.Errorf("recorder: quarantine %s: %w (check: %v)", src, err, checkErr)
		}
	}
	log.Printf("Recorder: %s failed preflight (%v); moved to %s", path, checkErr, path+suffix)
	return path + suffix, nil
}

func checkDatabase(path string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, fmt.Sprintf("pragma busy_timeout=%d", timeout.Milliseconds())); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "pragma wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	rows, err := db.QueryContext(ctx, "pragma quick_check")
	if err != nil {
		return fmt.Errorf("quick_check: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return err
		}
		if strings.TrimSpace(status) != "ok" {
			return fmt.Errorf("quick_check reported %q", status)
		}
	}
	return rows.Err()
}
