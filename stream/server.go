// Package stream serves the relay feed to downstream TCP subscribers.
//
// Purpose: accept connections on one port and run one Session per connection.
//
// Key aspects:
//   - Each port renders the same Hub traffic; a Renderer decides how (plain
//     stanzas or colorized).
//   - Subscribers are write-only consumers. Nothing they send is interpreted;
//     reads exist only to notice the peer closing.
//   - Finished sessions put their Task on the ReapList and are joined by the
//     Reaper.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"xaprsd/hub"
	"xaprsd/xaprs"
)

const (
	defaultWriteTimeout = 60 * time.Second
	footerTimeout       = 2 * time.Second
	acceptRetryDelay    = 50 * time.Millisecond
)

// Options configures one listening port.
type Options struct {
	Address      string // bind address, empty for all interfaces
	Port         int    // 0 picks an ephemeral port
	Name         string // label used in logs ("raw", "pretty")
	From         string // stream "from" attribute, the relay callsign
	Admin        string // contact shown in the banner
	Renderer     xaprs.Renderer
	WriteTimeout time.Duration // per-write deadline
}

// Server owns one listener and the sessions accepted on it.
type Server struct {
	opts     Options
	hub      *hub.Hub
	reap     *hub.ReapList
	listener net.Listener

	closing   chan struct{}
	closeOnce sync.Once
	closeErr  error

	serving  atomic.Bool
	done     chan struct{}
	sessions sync.WaitGroup

	accepted atomic.Uint64
}

func normalizeOptions(opts Options) Options {
	if opts.Name == "" {
		opts.Name = "raw"
	}
	if opts.Renderer == nil {
		opts.Renderer = xaprs.RawRenderer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return opts
}

func newServer(opts Options, h *hub.Hub, reap *hub.ReapList) *Server {
	return &Server{
		opts:    normalizeOptions(opts),
		hub:     h,
		reap:    reap,
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Listen binds the port. A bind failure is returned so startup can abort
// before any task is spawned.
func Listen(opts Options, h *hub.Hub, reap *hub.ReapList) (*Server, error) {
	if h == nil || reap == nil {
		return nil, errors.New("stream: hub and reap list are required")
	}
	s := newServer(opts, h, reap)
	addr := net.JoinHostPort(s.opts.Address, strconv.Itoa(s.opts.Port))
	listener, err := listenWithReuse(addr)
	if err != nil {
		return nil, fmt.Errorf("stream %s: listen on %s: %w", s.opts.Name, addr, err)
	}
	s.listener = listener
	log.Printf("Stream server (%s) listening on %s", s.opts.Name, listener.Addr())
	return s, nil
}

// listenWithReuse binds with SO_REUSEADDR, retrying once with a plain Listen
// when the socket option cannot be set.
func listenWithReuse(addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return net.Listen("tcp", addr)
	}
	return listener, nil
}

// Addr is the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) Name() string {
	return s.opts.Name
}

// Accepted counts connections accepted since Listen.
func (s *Server) Accepted() uint64 {
	return s.accepted.Load()
}

// Serve accepts connections until Close is called. Sessions run under ctx;
// cancelling it ends them, but only Close stops the accept loop.
func (s *Server) Serve(ctx context.Context) error {
	if !s.serving.CompareAndSwap(false, true) {
		return errors.New("stream: Serve called twice")
	}
	defer close(s.done)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("Stream server (%s): error accepting connection: %v", s.opts.Name, err)
			time.Sleep(acceptRetryDelay)
			continue
		}
		select {
		case <-s.closing:
			_ = conn.Close()
			return nil
		default:
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetKeepAlive(true)
			_ = tcp.SetKeepAlivePeriod(2 * time.Minute)
		}
		s.accepted.Add(1)
		s.startSession(ctx, conn)
	}
}

// Close stops accepting. Running sessions are not touched; cancel their
// context for that.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		if s.listener != nil {
			s.closeErr = s.listener.Close()
		}
		log.Printf("Stream server (%s) closed", s.opts.Name)
	})
	return s.closeErr
}

// Wait blocks until Serve has returned and every session it started has
// finished. Call it after Close.
func (s *Server) Wait() {
	if s.serving.Load() {
		<-s.done
	}
	s.sessions.Wait()
}
