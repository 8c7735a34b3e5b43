package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"xaprsd/dedup"
	"xaprsd/hub"
	"xaprsd/stats"
)

type fakeUpstream bool

func (f fakeUpstream) Connected() bool { return bool(f) }

type fakeListener struct {
	name     string
	accepted uint64
}

func (f fakeListener) Name() string     { return f.name }
func (f fakeListener) Accepted() uint64 { return f.accepted }

type fakeMirror struct{}

func (fakeMirror) Published() uint64 { return 7 }
func (fakeMirror) Failed() uint64    { return 1 }

func scrape(t *testing.T, handler http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	return rec.Body.String()
}

func expectLines(t *testing.T, body string, lines ...string) {
	t.Helper()
	for _, line := range lines {
		if !strings.Contains(body, line+"\n") {
			t.Fatalf("missing %q in scrape:\n%s", line, body)
		}
	}
}

func TestRegistryExportsSources(t *testing.T) {
	st := stats.NewTracker()
	st.ObserveLine(40)
	st.ObserveLine(60)
	st.IncrementParsed(16, true)
	st.IncrementFailure("no_sender")

	reg := NewRegistry(Sources{
		Stats:     st,
		Hub:       hub.New(hub.DefaultCapacity),
		Reaper:    hub.NewReaper(&hub.ReapList{}, time.Second),
		Dedup:     dedup.NewDeduplicator(time.Minute),
		Upstream:  fakeUpstream(true),
		Listeners: []Listener{fakeListener{name: "raw", accepted: 3}, fakeListener{name: "pretty"}},
	})
	body := scrape(t, NewMux(reg, t.TempDir()))
	expectLines(t, body,
		"xaprsd_upstream_lines_total 2",
		"xaprsd_upstream_bytes_total 100",
		"xaprsd_upstream_positions_total 1",
		`xaprsd_upstream_parsed_total{version="16"} 1`,
		`xaprsd_upstream_parse_failures_total{reason="no_sender"} 1`,
		"xaprsd_upstream_connected 1",
		"xaprsd_hub_subscribers 0",
		"xaprsd_reaper_joined_total 0",
		"xaprsd_dedup_cache_entries 0",
		`xaprsd_stream_accepted_total{listener="raw"} 3`,
		`xaprsd_stream_accepted_total{listener="pretty"} 0`,
	)
	if strings.Contains(body, "xaprsd_recorder_") {
		t.Fatal("recorder metrics must be absent when no recorder is configured")
	}
	if strings.Contains(body, "xaprsd_mirror_") {
		t.Fatal("mirror metrics must be absent when no mirror is configured")
	}
}

func TestRegistryExportsMirror(t *testing.T) {
	reg := NewRegistry(Sources{Mirror: fakeMirror{}})
	body := scrape(t, NewMux(reg, t.TempDir()))
	expectLines(t, body,
		"xaprsd_mirror_published_total 7",
		"xaprsd_mirror_failed_total 1",
	)
}

func TestRegistrySkipsDisabledDedup(t *testing.T) {
	reg := NewRegistry(Sources{Dedup: dedup.NewDeduplicator(0)})
	body := scrape(t, NewMux(reg, t.TempDir()))
	if strings.Contains(body, "xaprsd_dedup_") {
		t.Fatal("disabled dedup must not export metrics")
	}
}

func TestDiagServerServesAndCloses(t *testing.T) {
	reg := NewRegistry(Sources{Upstream: fakeUpstream(false)})
	d, err := StartDiagServer("127.0.0.1:0", reg, t.TempDir())
	if err != nil {
		t.Fatalf("StartDiagServer: %v", err)
	}
	resp, err := http.Get("http://" + d.Addr().String() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	expectLines(t, string(body), "xaprsd_upstream_connected 0")

	resp, err = http.Get("http://" + d.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected health status %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestStartDiagServerBindFailure(t *testing.T) {
	if _, err := StartDiagServer("127.0.0.1:-1", NewRegistry(Sources{}), t.TempDir()); err == nil {
		t.Fatal("expected bind error")
	}
}
