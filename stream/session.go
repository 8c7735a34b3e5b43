package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"xaprsd/hub"
	"xaprsd/xaprs"
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateStarting State = iota
	StateStreaming
	StateClosing
	StateDone
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var errPeerClosed = errors.New("peer closed connection")

// Session streams the feed to one subscriber connection. It is also the hub
// Subscriber for that connection.
type Session struct {
	id     string
	server *Server
	conn   net.Conn
	remote string
	writer *bufio.Writer
	task   *hub.Task

	ctx    context.Context
	cancel context.CancelCauseFunc

	state atomic.Int32
	sent  atomic.Uint64

	// deadlineMu orders the cancel-triggered deadline against finish.
	deadlineMu sync.Mutex
	finishing  bool

	wroteHeader bool
	broken      bool
	watcherDone chan struct{}
}

func (s *Server) startSession(parent context.Context, conn net.Conn) *Session {
	ctx, cancel := context.WithCancelCause(parent)
	sess := &Session{
		id:          uuid.NewString(),
		server:      s,
		conn:        conn,
		remote:      conn.RemoteAddr().String(),
		writer:      bufio.NewWriterSize(conn, 8192),
		ctx:         ctx,
		cancel:      cancel,
		watcherDone: make(chan struct{}),
	}
	sess.task = hub.NewTask("session " + sess.String())
	s.sessions.Add(1)
	sess.task.Start(func() error {
		defer s.sessions.Done()
		return sess.run()
	})
	return sess
}

// Cancel ends the session. It never blocks.
func (s *Session) Cancel() {
	s.cancel(context.Canceled)
}

func (s *Session) String() string {
	return fmt.Sprintf("%s/%s/%s", s.server.opts.Name, s.remote, s.id[:8])
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Task is the join handle the Reaper waits on.
func (s *Session) Task() *hub.Task {
	return s.task
}

func (s *Session) run() error {
	defer s.finish()
	s.state.Store(int32(StateStarting))
	log.Printf("Stream server (%s): new connection from %s", s.server.opts.Name, s.remote)

	go s.watchPeer()
	stop := context.AfterFunc(s.ctx, s.interruptIO)
	defer stop()

	opts := s.server.opts
	if err := s.write(xaprs.Preamble(opts.From, opts.Admin, s.id)); err != nil {
		return s.ioError("preamble", err)
	}
	s.wroteHeader = true
	queue := s.server.hub.Register(s)
	s.state.Store(int32(StateStreaming))

	for {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		case msg := <-queue:
			if err := s.write(opts.Renderer(msg.Encoded)); err != nil {
				return s.ioError(msg.ID, err)
			}
			s.sent.Add(1)
		}
	}
}

// ioError hides write failures that only happened because the session was
// cancelled while a write was blocked.
func (s *Session) ioError(what string, err error) error {
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("session %s: write %s: %w", s, what, err)
}

// write sends p and flushes it under the per-write deadline. After the first
// failure the connection is treated as broken and nothing more is written.
func (s *Session) write(p []byte) error {
	if s.broken {
		return io.ErrClosedPipe
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.server.opts.WriteTimeout)); err != nil {
		s.broken = true
		return err
	}
	if _, err := s.writer.Write(p); err != nil {
		s.broken = true
		return err
	}
	if err := s.writer.Flush(); err != nil {
		s.broken = true
		return err
	}
	return nil
}

// interruptIO unblocks a pending write or read once the context ends.
func (s *Session) interruptIO() {
	s.deadlineMu.Lock()
	defer s.deadlineMu.Unlock()
	if !s.finishing {
		_ = s.conn.SetDeadline(time.Now())
	}
}

// watchPeer drains and discards anything the subscriber sends; its only job
// is noticing that the peer went away.
func (s *Session) watchPeer() {
	defer close(s.watcherDone)
	_, err := io.Copy(io.Discard, s.conn)
	if err == nil {
		s.cancel(errPeerClosed)
		return
	}
	s.cancel(fmt.Errorf("read: %w", err))
}

// finish is the single teardown path: footer, close, unregister, reap.
func (s *Session) finish() {
	s.state.Store(int32(StateClosing))
	s.deadlineMu.Lock()
	s.finishing = true
	s.deadlineMu.Unlock()

	if s.wroteHeader && !s.broken {
		_ = s.conn.SetDeadline(time.Time{})
		_ = s.conn.SetWriteDeadline(time.Now().Add(footerTimeout))
		if _, err := s.writer.Write(xaprs.Footer()); err == nil {
			_ = s.writer.Flush()
		}
	}
	_ = s.conn.Close()
	<-s.watcherDone
	s.cancel(context.Canceled)

	s.server.hub.Unregister(s)
	s.state.Store(int32(StateDone))
	log.Printf("Stream server (%s): %s closed after %d messages (%v)", s.server.opts.Name, s, s.sent.Load(), context.Cause(s.ctx))
	s.server.reap.Append(s.task)
}
