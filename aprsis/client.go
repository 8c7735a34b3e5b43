// Package aprsis maintains the upstream APRS-IS connection.
//
// Purpose: dial the configured server, log in, read lines, and turn every
// parsed line into a numbered stanza handed to the broadcaster.
//
// Key aspects:
//   - Disconnected -> Connecting -> LoggedIn -> ReadingLines -> Disconnected,
//     forever, until the context ends.
//   - Connect or login failures retry after RetryDelay; a closed or failed
//     stream reconnects after ReconnectDelay.
//   - Lines starting with '#' are server comments and keepalives.
//   - A line that does not parse is logged and skipped; it never drops the
//     connection and never consumes a sequence number.
//
// Upstream: APRS-IS TCP feed. Downstream: hub.Hub.Broadcast.
package aprsis

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"xaprsd/aprs"
	"xaprsd/dedup"
	"xaprsd/stats"
	"xaprsd/xaprs"
)

const (
	DefaultPort           = 10152
	DefaultProduct        = "XAPRSProxy"
	DefaultVersion        = "04.01"
	DefaultConnectTimeout = 30 * time.Second
	DefaultRetryDelay     = time.Second
	DefaultReconnectDelay = 5 * time.Second
	DefaultMaxLineLength  = 4096
)

// Broadcaster receives every built message, in upstream order.
type Broadcaster interface {
	Broadcast(*xaprs.Message)
}

// FailureSink stores rejected lines for later inspection. Record must not block.
type FailureSink interface {
	Record(line []byte, reason string, at time.Time) bool
}

// Options configures the upstream client.
type Options struct {
	Host           string
	Port           int
	Callsign       string
	Product        string
	Version        string
	ConnectTimeout time.Duration
	RetryDelay     time.Duration // after a connect or login failure
	ReconnectDelay time.Duration // after the stream ends
	ReadTimeout    time.Duration // 0 disables the idle read deadline
	MaxLineLength  int
	PositionMode   aprs.PositionMode

	Counter  *xaprs.Counter
	Stats    *stats.Tracker
	Dedup    *dedup.Deduplicator
	Failures FailureSink

	// Dial replaces the default TCP dialer, mostly for tests.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Client is the upstream feed client. It is the only producer of sequence
// numbers for its Counter.
type Client struct {
	opts      Options
	out       Broadcaster
	counter   *xaprs.Counter
	stats     *stats.Tracker
	connected atomic.Bool

	dialLog     rate.Sometimes
	oversizeLog rate.Sometimes
}

func normalizeOptions(opts Options) Options {
	if opts.Port <= 0 {
		opts.Port = DefaultPort
	}
	if opts.Product == "" {
		opts.Product = DefaultProduct
	}
	if opts.Version == "" {
		opts.Version = DefaultVersion
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.MaxLineLength <= 0 {
		opts.MaxLineLength = DefaultMaxLineLength
	}
	if opts.Dial == nil {
		dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
		opts.Dial = dialer.DialContext
	}
	return opts
}

func NewClient(opts Options, out Broadcaster) *Client {
	opts = normalizeOptions(opts)
	c := &Client{
		opts:        opts,
		out:         out,
		counter:     opts.Counter,
		stats:       opts.Stats,
		dialLog:     rate.Sometimes{First: 3, Interval: 30 * time.Second},
		oversizeLog: rate.Sometimes{First: 1, Interval: time.Minute},
	}
	if c.counter == nil {
		c.counter = xaprs.NewCounter()
	}
	if c.stats == nil {
		c.stats = stats.NewTracker()
	}
	return c
}

// LoginLine is the APRS-IS login sent right after connecting. The passcode is
// -1, which makes the session receive-only.
func LoginLine(callsign, product, version string) string {
	return fmt.Sprintf("user %s pass -1 vers %s %s\n", callsign, product, version)
}

// Connected reports whether the client is logged in and reading.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

func (c *Client) addr() string {
	return net.JoinHostPort(c.opts.Host, strconv.Itoa(c.opts.Port))
}

// Run connects, reads and reconnects until ctx ends. It only returns
// ctx.Err().
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.stats.IncrementConnectFailures()
			c.dialLog.Do(func() {
				log.Printf("APRS-IS: %v (retry in %s)", err, c.opts.RetryDelay)
			})
			if !sleepCtx(ctx, c.opts.RetryDelay) {
				return ctx.Err()
			}
			continue
		}

		c.connected.Store(true)
		c.stats.IncrementConnects()
		log.Printf("APRS-IS: connected to %s as %s", c.addr(), c.opts.Callsign)
		readErr := c.readLines(ctx, conn)
		c.connected.Store(false)
		_ = conn.Close()
		c.stats.IncrementDisconnects()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if readErr != nil {
			log.Printf("APRS-IS: read error: %v (reconnect in %s)", readErr, c.opts.ReconnectDelay)
		} else {
			log.Printf("APRS-IS: disconnected from %s (reconnect in %s)", c.addr(), c.opts.ReconnectDelay)
		}
		if !sleepCtx(ctx, c.opts.ReconnectDelay) {
			return ctx.Err()
		}
	}
}

// connect dials and sends the login line.
func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()
	conn, err := c.opts.Dial(dialCtx, "tcp", c.addr())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.addr(), err)
	}
	if err := c.login(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to log in to %s: %w", c.addr(), err)
	}
	return conn, nil
}

func (c *Client) login(conn net.Conn) error {
	if err := conn.SetWriteDeadline(time.Now().Add(c.opts.ConnectTimeout)); err != nil {
		return err
	}
	defer conn.SetWriteDeadline(time.Time{})
	writer := bufio.NewWriter(conn)
	if _, err := writer.WriteString(LoginLine(c.opts.Callsign, c.opts.Product, c.opts.Version)); err != nil {
		return err
	}
	return writer.Flush()
}

// readLines processes lines until EOF (nil), a read error, or ctx ending.
func (c *Client) readLines(ctx context.Context, conn net.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	reader := bufio.NewReaderSize(conn, c.opts.MaxLineLength)
	for {
		if c.opts.ReadTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout)); err != nil {
				return err
			}
		}
		line, err := reader.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			c.stats.IncrementOversized()
			c.oversizeLog.Do(func() {
				log.Printf("APRS-IS: discarding line longer than %d bytes: %q...", c.opts.MaxLineLength, line[:min(len(line), 64)])
			})
			for errors.Is(err, bufio.ErrBufferFull) {
				_, err = reader.ReadSlice('\n')
			}
			if err != nil {
				return readResult(err)
			}
			continue
		}
		if len(line) > 0 {
			c.handleLine(line)
		}
		if err != nil {
			return readResult(err)
		}
	}
}

func readResult(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// handleLine parses, numbers and broadcasts one raw line. raw is only valid
// for the duration of the call.
func (c *Client) handleLine(raw []byte) {
	c.stats.ObserveLine(len(raw))
	text := xaprs.DecodeText(raw)
	if strings.HasPrefix(text, "#") {
		c.stats.IncrementComments()
		return
	}
	now := time.Now()
	if c.opts.Dedup.Seen(raw, now) {
		c.stats.IncrementDuplicates()
		return
	}

	rec, err := aprs.Parse(text, c.opts.PositionMode)
	if err != nil {
		c.reject(raw, FailureReason(err), err, now)
		return
	}
	// Peek, then commit only once the stanza exists, so a line that fails to
	// encode leaves no gap in the sequence.
	seq := c.counter.Peek()
	msg, err := xaprs.Build(rec, raw, seq)
	if err != nil {
		c.reject(raw, "encode", err, now)
		return
	}
	c.counter.Next()
	c.stats.IncrementParsed(rec.Version, rec.Position != nil)
	c.out.Broadcast(msg)
}

func (c *Client) reject(raw []byte, reason string, err error, now time.Time) {
	c.stats.IncrementFailure(reason)
	log.Printf("APRS-IS: failed to parse and forward line (%v): %q", err, raw)
	if c.opts.Failures != nil {
		c.opts.Failures.Record(raw, reason, now)
	}
}

// FailureReason maps a parse error to a short label for stats and storage.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, aprs.ErrNoSender):
		return "no_sender"
	case errors.Is(err, aprs.ErrNoDestination):
		return "no_destination"
	case errors.Is(err, aprs.ErrNoPayload):
		return "no_payload"
	default:
		return "other"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
