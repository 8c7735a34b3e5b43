package hub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"testing"
	"time"
)

// captureLog redirects the standard logger for the duration of a test.
func captureLog(t *testing.T) *syncBuffer {
	t.Helper()
	buf := &syncBuffer{}
	prevOut, prevFlags := log.Writer(), log.Flags()
	log.SetOutput(buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(prevOut)
		log.SetFlags(prevFlags)
	})
	return buf
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestTaskRecoversPanic(t *testing.T) {
	task := Go("boom", func() error { panic("kaboom") })
	err := task.Wait()
	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PanicError, got %v", err)
	}
	if pe.Value != "kaboom" || len(pe.Stack) == 0 {
		t.Fatalf("unexpected panic error %+v", pe)
	}
}

func TestTaskStartTwicePanics(t *testing.T) {
	task := NewTask("once")
	task.Start(func() error { return nil })
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on second Start")
		}
	}()
	task.Start(func() error { return nil })
}

func TestTaskErrBeforeDone(t *testing.T) {
	release := make(chan struct{})
	task := Go("slow", func() error {
		<-release
		return errors.New("late")
	})
	if task.Err() != nil {
		t.Fatal("Err should be nil while running")
	}
	close(release)
	if err := task.Wait(); err == nil || err.Error() != "late" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestIsCancellation(t *testing.T) {
	if !IsCancellation(fmt.Errorf("session: %w", context.Canceled)) {
		t.Fatal("wrapped context.Canceled should be a cancellation")
	}
	if IsCancellation(context.DeadlineExceeded) || IsCancellation(nil) {
		t.Fatal("deadline and nil are not cancellations")
	}
}

func TestSweepLogsOnlyUnexpectedFailures(t *testing.T) {
	logs := captureLog(t)
	list := &ReapList{}
	list.Append(Go("clean", func() error { return nil }))
	list.Append(Go("cancelled", func() error { return context.Canceled }))
	list.Append(Go("broken", func() error { return errors.New("write: broken pipe") }))
	list.Append(Go("panicky", func() error { panic("bad state") }))

	r := NewReaper(list, time.Hour)
	if n := r.Sweep(context.Background()); n != 4 {
		t.Fatalf("expected 4 tasks joined, got %d", n)
	}
	if list.Len() != 0 {
		t.Fatalf("list should be empty after a sweep, got %d", list.Len())
	}
	if r.Reaped() != 4 || r.Failures() != 2 {
		t.Fatalf("unexpected counters reaped=%d failures=%d", r.Reaped(), r.Failures())
	}
	out := logs.String()
	if !strings.Contains(out, "Task broken failed: write: broken pipe") {
		t.Fatalf("missing failure log:\n%s", out)
	}
	if !strings.Contains(out, "Task panicky panicked: bad state") || !strings.Contains(out, "goroutine") {
		t.Fatalf("missing panic log with stack:\n%s", out)
	}
	if strings.Contains(out, "Task clean") || strings.Contains(out, "Task cancelled") {
		t.Fatalf("clean and cancelled tasks must not be logged:\n%s", out)
	}
}

func TestSweepReturnsUnjoinedTasksOnCancel(t *testing.T) {
	list := &ReapList{}
	release := make(chan struct{})
	defer close(release)
	list.Append(Go("done", func() error { return nil }))
	blocked := Go("blocked", func() error { <-release; return nil })
	list.Append(blocked)
	list.Append(Go("after", func() error { return nil }))

	// Let the first task finish so it is joined before the cancel is seen.
	time.Sleep(20 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	r := NewReaper(list, time.Hour)
	if n := r.Sweep(ctx); n != 1 {
		t.Fatalf("expected 1 task joined before cancel, got %d", n)
	}
	remaining := list.Take()
	if len(remaining) != 2 || remaining[0] != blocked {
		t.Fatalf("expected the blocked task and its successor back on the list, got %d", len(remaining))
	}
}

func TestReaperRunStopsOnCancel(t *testing.T) {
	list := &ReapList{}
	r := NewReaper(list, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	task := Go("reaper", func() error { return r.Run(ctx) })

	list.Append(Go("late", func() error { return nil }))
	deadline := time.After(2 * time.Second)
	for r.Reaped() == 0 {
		select {
		case <-deadline:
			t.Fatal("reaper never swept the list")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop")
	}
	if !IsCancellation(task.Err()) {
		t.Fatalf("expected cancellation, got %v", task.Err())
	}
}

func TestReapListAppendNil(t *testing.T) {
	var list ReapList
	list.Append(nil)
	if list.Len() != 0 || list.Take() != nil {
		t.Fatal("nil tasks should be ignored")
	}
}
