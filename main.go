// Program xaprsd relays the APRS-IS feed to XML stream subscribers. It keeps
// one receive-only login to an APRS-IS server, turns every parsed line into a
// numbered message stanza, and fans the stanzas out to any number of TCP
// subscribers on a raw port and an optional colorized port.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

// signalContext is the parent of the stop-signal context. Tests swap it to
// stop run without a real signal.
var signalContext = context.Background

func main() {
	os.Exit(run(os.Args[1:]))
}

// Purpose: Parse flags, load configuration, start the relay and wait for a
// stop signal.
// Key aspects: Returns 0 after a clean shutdown, 1 on any startup failure
// and 2 on bad usage.
// Upstream: main.
// Downstream: parseFlags, newUISurface, setupLogging, newRelay, relay.run.
func run(args []string) int {
	opts, err := parseFlags(args, os.Stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "xaprsd: %v\n", err)
		return 2
	}
	if opts.showVersion {
		fmt.Printf("xaprsd %s\n", Version)
		return 0
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "xaprsd: %v\n", err)
		return 1
	}
	opts.apply(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "xaprsd: invalid configuration:\n%v\n", err)
		return 1
	}

	cfg.Print()

	ui, uiNote := newUISurface(cfg.UI, stdoutIsTerminal())
	var console io.Writer = os.Stdout
	if ui != nil {
		if err := ui.WaitReady(); err != nil {
			ui.Stop()
			ui, uiNote = nil, fmt.Sprintf("UI disabled (%v)", err)
		} else {
			defer ui.Stop()
			console = ui.SystemWriter()
		}
	}

	fanout, logErr := setupLogging(cfg.Logging, console)
	log.SetFlags(0)
	log.SetOutput(fanout)
	defer func() {
		log.SetOutput(os.Stderr)
		log.SetFlags(log.LstdFlags)
		_ = fanout.Close()
	}()
	if logErr != nil {
		log.Printf("Logging: file output disabled: %v", logErr)
	}
	if uiNote != "" {
		log.Print(uiNote)
	}
	log.Printf("xaprsd %s starting", Version)

	ctx, stop := signal.NotifyContext(signalContext(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := newRelay(cfg)
	if err != nil {
		log.Printf("Startup failed: %v", err)
		return 1
	}
	r.ui = ui
	fanout.SetRotateHook(r.logDailySummary)
	if err := r.run(ctx); err != nil {
		log.Printf("Relay error: %v", err)
		return 1
	}
	log.Printf("xaprsd stopped")
	return 0
}
