package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"xaprsd/aprsis"
	"xaprsd/config"
	"xaprsd/dedup"
	"xaprsd/hub"
	"xaprsd/metrics"
	"xaprsd/mirror"
	"xaprsd/recorder"
	"xaprsd/stats"
	"xaprsd/stream"
	"xaprsd/xaprs"
)

const diagCloseTimeout = 5 * time.Second

// relay owns every long-lived component of the daemon.
//
// Purpose: acquire all startup resources in newRelay, then run the feed,
// stream ports, reaper and optional extras until the stop context ends.
//
// Key aspects:
//   - newRelay either returns a relay holding every bound port and open
//     resource, or releases what it acquired and returns the error. No task
//     runs before it succeeds.
//   - run is the shutdown orchestrator: feed and reaper first, then every
//     subscriber, then the listeners, then a full join.
type relay struct {
	cfg *config.Config

	tracker  *stats.Tracker
	counter  *xaprs.Counter
	hub      *hub.Hub
	reap     *hub.ReapList
	reaper   *hub.Reaper
	dedup    *dedup.Deduplicator
	recorder *recorder.Recorder
	client   *aprsis.Client
	servers  []*stream.Server
	mirror   *mirror.Publisher
	registry *prometheus.Registry
	diag     *metrics.DiagServer

	// ui is the optional console dashboard; nil when headless.
	ui uiSurface
}

func newRelay(cfg *config.Config) (r *relay, err error) {
	r = &relay{
		cfg:     cfg,
		tracker: stats.NewTracker(),
		counter: xaprs.NewCounter(),
		hub:     hub.New(cfg.Listen.QueueCapacity),
		reap:    &hub.ReapList{},
		dedup:   dedup.NewDeduplicator(cfg.Dedup.Window()),
	}
	r.reaper = hub.NewReaper(r.reap, cfg.Reaper.Interval())
	defer func() {
		if err != nil {
			r.release()
			r = nil
		}
	}()

	if cfg.Recorder.Enabled {
		r.recorder, err = recorder.NewRecorder(cfg.Recorder.Path, cfg.Recorder.Limit, cfg.Recorder.Buffer)
		if err != nil {
			return nil, fmt.Errorf("parse-failure recorder: %w", err)
		}
	}

	ports := []struct {
		name     string
		port     int
		renderer xaprs.Renderer
	}{
		{"raw", cfg.Listen.Port, xaprs.RawRenderer},
		{"pretty", cfg.Listen.PrettyPort, xaprs.PrettyRenderer},
	}
	for i, p := range ports {
		if i > 0 && p.port <= 0 {
			continue
		}
		srv, err := stream.Listen(stream.Options{
			Address:      cfg.Listen.Address,
			Port:         p.port,
			Name:         p.name,
			From:         cfg.Upstream.Callsign,
			Admin:        cfg.Listen.Admin,
			Renderer:     p.renderer,
			WriteTimeout: cfg.Listen.WriteTimeout(),
		}, r.hub, r.reap)
		if err != nil {
			return nil, err
		}
		r.servers = append(r.servers, srv)
	}

	clientOpts := aprsis.Options{
		Host:           cfg.Upstream.Host,
		Port:           cfg.Upstream.Port,
		Callsign:       cfg.Upstream.Callsign,
		Product:        cfg.Upstream.Product,
		Version:        cfg.Upstream.Version,
		ConnectTimeout: cfg.Upstream.ConnectTimeout(),
		RetryDelay:     cfg.Upstream.RetryDelay(),
		ReconnectDelay: cfg.Upstream.ReconnectDelay(),
		ReadTimeout:    cfg.Upstream.ReadTimeout(),
		MaxLineLength:  cfg.Upstream.MaxLineBytes,
		PositionMode:   cfg.PositionMode(),
		Counter:        r.counter,
		Stats:          r.tracker,
		Dedup:          r.dedup,
	}
	if r.recorder != nil {
		clientOpts.Failures = r.recorder
	}
	r.client = aprsis.NewClient(clientOpts, r.hub)

	if cfg.MQTT.Enabled {
		r.mirror = mirror.New(mirror.Options{
			Broker:   cfg.MQTT.Broker,
			Port:     cfg.MQTT.Port,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
		}, r.hub)
		if err := r.mirror.Connect(); err != nil {
			return nil, err
		}
	}

	r.registry = metrics.NewRegistry(r.metricSources())
	if cfg.Diag.Listen != "" {
		r.diag, err = metrics.StartDiagServer(cfg.Diag.Listen, r.registry, cfg.Diag.HeapDir)
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *relay) metricSources() metrics.Sources {
	src := metrics.Sources{
		Stats:    r.tracker,
		Hub:      r.hub,
		Reaper:   r.reaper,
		Dedup:    r.dedup,
		Upstream: r.client,
	}
	for _, srv := range r.servers {
		src.Listeners = append(src.Listeners, srv)
	}
	if r.recorder != nil {
		src.Recorder = r.recorder
	}
	if r.mirror != nil {
		src.Mirror = r.mirror
	}
	return src
}

// Addrs lists the bound stream listener addresses, raw port first.
func (r *relay) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(r.servers))
	for _, srv := range r.servers {
		addrs = append(addrs, srv.Addr())
	}
	return addrs
}

// run serves until ctx ends and then shuts everything down. It returns nil
// after a clean shutdown; unexpected task failures are logged, not returned.
func (r *relay) run(ctx context.Context) error {
	// Sessions and the mirror are cancelled separately from the feed so the
	// order below holds even though everything stops on the same signal.
	sessionCtx, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()
	feedCtx, cancelFeed := context.WithCancel(context.Background())
	defer cancelFeed()
	bgCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()

	var mirrorTask *hub.Task
	if r.mirror != nil {
		mirrorTask = r.mirror.Start(sessionCtx)
	}

	group, groupCtx := errgroup.WithContext(bgCtx)
	for _, srv := range r.servers {
		srv := srv
		group.Go(func() error { return srv.Serve(sessionCtx) })
	}
	group.Go(func() error { return ignoreCancel(r.reaper.Run(groupCtx)) })
	group.Go(func() error { return ignoreCancel(r.dedup.Run(groupCtx)) })
	group.Go(func() error { return r.displayStats(groupCtx, r.cfg.Stats.Interval()) })
	group.Go(func() error { return r.healthMonitor().run(groupCtx, healthInterval) })

	feed := hub.Go("aprs-is feed", func() error { return r.client.Run(feedCtx) })
	log.Printf("Relay running: %s:%d as %s", r.cfg.Upstream.Host, r.cfg.Upstream.Port, r.cfg.Upstream.Callsign)

	// 1. The feed races the stop signal; either way shutdown follows.
	select {
	case <-ctx.Done():
		log.Printf("Shutdown requested, stopping relay")
	case <-feed.Done():
		log.Printf("APRS-IS feed ended, stopping relay")
	case <-groupCtx.Done():
		log.Printf("Relay task failed, stopping relay")
	}

	// 2. Feed and reaper.
	cancelFeed()
	cancelBackground()

	// 3. Every registered subscriber.
	cancelSessions()
	for _, sub := range r.hub.Subscribers() {
		sub.Cancel()
	}

	// 4. Listeners.
	for _, srv := range r.servers {
		if err := srv.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Printf("Stream server (%s): close: %v", srv.Name(), err)
		}
	}

	// 5. Join everything.
	hub.LogFailure(feed.Name(), feed.Wait())
	if err := group.Wait(); err != nil {
		log.Printf("Relay task error during shutdown: %v", err)
	}
	for _, srv := range r.servers {
		srv.Wait()
	}
	if mirrorTask != nil {
		hub.LogFailure(mirrorTask.Name(), mirrorTask.Wait())
	}
	joined := r.reaper.Sweep(context.Background())
	log.Printf("Relay stopped: joined %d sessions at shutdown, %d subscribers left", joined, r.hub.Len())

	r.release()
	return nil
}

func (r *relay) healthMonitor() *healthMonitor {
	sources := []healthSource{{
		name:         "APRS-IS",
		connected:    r.client.Connected,
		lastActivity: r.tracker.LastLine,
	}}
	if r.mirror != nil {
		sources = append(sources, healthSource{name: "MQTT", connected: r.mirror.Connected})
	}
	mon := newHealthMonitor(idleThreshold, sources...)
	if r.ui != nil {
		mon.notify = r.ui.AppendHealth
	}
	return mon
}

// release closes resources acquired by newRelay. It is safe on a partially
// built relay.
func (r *relay) release() {
	for _, srv := range r.servers {
		_ = srv.Close()
	}
	if r.diag != nil {
		ctx, cancel := context.WithTimeout(context.Background(), diagCloseTimeout)
		if err := r.diag.Close(ctx); err != nil {
			log.Printf("Diagnostics server: close: %v", err)
		}
		cancel()
		r.diag = nil
	}
	if r.mirror != nil {
		r.mirror.Close()
	}
	if r.recorder != nil {
		if err := r.recorder.Close(); err != nil {
			log.Printf("Recorder: close: %v", err)
		}
		r.recorder = nil
	}
}

// logDailySummary is the log rotation hook: it writes the feed totals so each
// daily file ends with a summary of the relay's state.
func (r *relay) logDailySummary(prevDate time.Time, _, _ string) {
	log.Printf("Daily summary for %s: lines=%d parsed=%d positions=%d failures=%d broadcasts=%d drops=%d subscribers=%d",
		prevDate.Format("2006-01-02"),
		r.tracker.Lines(), r.tracker.Parsed(), r.tracker.Positions(), r.tracker.Failures(),
		r.hub.Broadcasts(), r.hub.Drops(), r.hub.Len())
}

func ignoreCancel(err error) error {
	if hub.IsCancellation(err) {
		return nil
	}
	return err
}
