package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync/atomic"
)

// PanicError is the error of a task whose function panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Task is a joinable goroutine. A session creates its Task before starting
// it so the running function can hand its own handle to the ReapList.
type Task struct {
	name    string
	done    chan struct{}
	err     error
	started atomic.Bool
}

func NewTask(name string) *Task {
	return &Task{name: name, done: make(chan struct{})}
}

// Go creates and starts a task.
func Go(name string, fn func() error) *Task {
	t := NewTask(name)
	t.Start(fn)
	return t
}

// Start runs fn in a new goroutine. A panic in fn is recovered and becomes
// the task's error. Start panics if called twice.
func (t *Task) Start(fn func() error) {
	if !t.started.CompareAndSwap(false, true) {
		panic("hub: task " + t.name + " started twice")
	}
	go func() {
		defer close(t.done)
		defer func() {
			if r := recover(); r != nil {
				t.err = &PanicError{Value: r, Stack: debug.Stack()}
			}
		}()
		t.err = fn()
	}()
}

func (t *Task) Name() string {
	return t.name
}

// Done is closed when the task function has returned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err is the task's result. It is only meaningful after Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes and returns its error.
func (t *Task) Wait() error {
	<-t.done
	return t.err
}

// IsCancellation reports whether err only says that a context ended.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// LogFailure logs err for the named task unless it is nil or a cancellation.
// It reports whether anything was logged.
func LogFailure(name string, err error) bool {
	if err == nil || IsCancellation(err) {
		return false
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		log.Printf("Task %s panicked: %v\n%s", name, pe.Value, pe.Stack)
		return true
	}
	log.Printf("Task %s failed: %v", name, err)
	return true
}
