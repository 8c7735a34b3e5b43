// Command aprsprobe logs in to an APRS-IS server, runs every received line
// through the relay's parser and stanza encoder, and prints the raw line, the
// decoded fields and the resulting stanza. It is a standalone debugging
// utility; it does not start any relay services.
package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/ziutek/telnet"
	"golang.org/x/term"

	"xaprsd/aprs"
	"xaprsd/aprsis"
	"xaprsd/xaprs"
)

type probeConfig struct {
	server   string
	callsign string
	filter   string
	mode     aprs.PositionMode
	count    int
	comments bool
	pretty   bool
	timeout  time.Duration
}

// lineSource is the part of telnet.Conn the probe loop reads from.
type lineSource interface {
	ReadString(delim byte) (string, error)
}

func main() {
	set := pflag.NewFlagSet("aprsprobe", pflag.ExitOnError)
	server := set.String("server", "rotate.aprs2.net:14580", "APRS-IS server host:port")
	callsign := set.String("callsign", "N0CALL", "login callsign (receive-only, passcode -1)")
	filter := set.String("filter", "r/49/-72/200", "server-side filter appended to the login (empty for none)")
	mode := set.String("position-mode", "legacy", "position decoder: legacy or standard")
	count := set.IntP("count", "n", 20, "stop after this many data lines (0 runs forever)")
	comments := set.Bool("comments", false, "also print server comment lines")
	color := set.String("color", "auto", "colorize stanzas: auto, always or never")
	timeout := set.Duration("timeout", 10*time.Second, "connect and idle read timeout")
	_ = set.Parse(os.Args[1:])

	posMode, err := aprs.ParsePositionMode(*mode)
	if err != nil {
		log.Fatalf("aprsprobe: %v", err)
	}
	cfg := probeConfig{
		server:   *server,
		callsign: strings.TrimSpace(*callsign),
		filter:   strings.TrimSpace(*filter),
		mode:     posMode,
		count:    *count,
		comments: *comments,
		pretty:   wantColor(*color),
		timeout:  *timeout,
	}
	if err := run(cfg, os.Stdout); err != nil {
		log.Fatalf("aprsprobe: %v", err)
	}
}

func wantColor(setting string) bool {
	switch strings.ToLower(setting) {
	case "always":
		return true
	case "never":
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func run(cfg probeConfig, out io.Writer) error {
	if _, _, err := net.SplitHostPort(cfg.server); err != nil {
		cfg.server = net.JoinHostPort(cfg.server, fmt.Sprint(aprsis.DefaultPort))
	}
	conn, err := telnet.DialTimeout("tcp", cfg.server, cfg.timeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.server, err)
	}
	defer conn.Close()
	conn.SetUnixWriteMode(true)

	login := loginLine(cfg.callsign, cfg.filter)
	if _, err := conn.Write([]byte(login)); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	log.Printf("Connected to %s, sent %q", cfg.server, strings.TrimSpace(login))

	if cfg.timeout > 0 {
		return probe(&deadlineReader{conn: conn, idle: cfg.timeout}, out, cfg)
	}
	return probe(conn, out, cfg)
}

// loginLine is the relay login with an optional server-side filter. Filtered
// ports such as 14580 send nothing without one.
func loginLine(callsign, filter string) string {
	line := aprsis.LoginLine(callsign, aprsis.DefaultProduct, aprsis.DefaultVersion)
	if filter == "" {
		return line
	}
	return strings.TrimSuffix(line, "\n") + " filter " + filter + "\n"
}

// probe prints every line from src until count data lines were seen or the
// source ends. Sequence numbers only advance for lines that build a stanza,
// as in the relay.
func probe(src lineSource, out io.Writer, cfg probeConfig) error {
	render := xaprs.RawRenderer
	if cfg.pretty {
		render = xaprs.PrettyRenderer
	}
	var seq uint64
	seen := 0
	for cfg.count <= 0 || seen < cfg.count {
		line, err := src.ReadString('\n')
		if line != "" {
			if strings.HasPrefix(line, "#") {
				if cfg.comments {
					fmt.Fprintf(out, "# %s\n", strings.TrimSpace(line[1:]))
				}
			} else {
				seen++
				if printLine(out, line, seq, cfg.mode, render) {
					seq++
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
	return nil
}

func printLine(out io.Writer, line string, seq uint64, mode aprs.PositionMode, render xaprs.Renderer) bool {
	raw := strings.TrimRight(line, "\r\n")
	fmt.Fprintf(out, "RX  %q\n", raw)
	rec, err := aprs.Parse(line, mode)
	if err != nil {
		fmt.Fprintf(out, "ERR %s (%v)\n\n", aprsis.FailureReason(err), err)
		return false
	}
	fmt.Fprintf(out, "REC from=%s call=%s to=%s version=%d path=%q body=%q",
		rec.Source, rec.SourceCall, rec.Destination, rec.Version, rec.Path, rec.Body)
	if rec.Position != nil {
		fmt.Fprintf(out, " lat=%.5f lon=%.5f", rec.Position.Lat, rec.Position.Lon)
	}
	fmt.Fprintln(out)
	msg, err := xaprs.Build(rec, []byte(raw), seq)
	if err != nil {
		fmt.Fprintf(out, "ERR encode (%v)\n\n", err)
		return false
	}
	out.Write(render(msg.Encoded))
	fmt.Fprintln(out)
	return true
}

// deadlineReader refreshes the read deadline before each line so a silent
// server ends the probe instead of hanging it.
type deadlineReader struct {
	conn *telnet.Conn
	idle time.Duration
}

func (r *deadlineReader) ReadString(delim byte) (string, error) {
	_ = r.conn.SetReadDeadline(time.Now().Add(r.idle))
	return r.conn.ReadString(delim)
}
