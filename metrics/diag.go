package metrics

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	httppprof "net/http/pprof"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DiagServer serves /metrics, /healthz and the pprof endpoints.
type DiagServer struct {
	ln   net.Listener
	srv  *http.Server
	done chan struct{}
}

// NewMux wires the diagnostics routes. heapDir is where /debug/heapdump writes
// its profiles.
func NewMux(reg *prometheus.Registry, heapDir string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/debug/heapdump", func(w http.ResponseWriter, _ *http.Request) {
		ts := time.Now().UTC().Format("2006-01-02T15-04-05Z")
		if err := os.MkdirAll(heapDir, 0o755); err != nil {
			http.Error(w, fmt.Sprintf("mkdir diagnostics: %v", err), http.StatusInternalServerError)
			return
		}
		path := filepath.Join(heapDir, fmt.Sprintf("heap-%s.pprof", ts))
		f, err := os.Create(path)
		if err != nil {
			http.Error(w, fmt.Sprintf("create heap dump: %v", err), http.StatusInternalServerError)
			return
		}
		defer f.Close()
		runtime.GC()
		if err := pprof.WriteHeapProfile(f); err != nil {
			http.Error(w, fmt.Sprintf("write heap profile: %v", err), http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "heap profile written to %s\n", path)
	})
	mux.Handle("/debug/pprof/", http.HandlerFunc(httppprof.Index))
	mux.Handle("/debug/pprof/cmdline", http.HandlerFunc(httppprof.Cmdline))
	mux.Handle("/debug/pprof/profile", http.HandlerFunc(httppprof.Profile))
	mux.Handle("/debug/pprof/symbol", http.HandlerFunc(httppprof.Symbol))
	mux.Handle("/debug/pprof/trace", http.HandlerFunc(httppprof.Trace))
	return mux
}

// StartDiagServer binds addr and serves the diagnostics mux in the
// background. Binding happens before it returns so a bad address is reported
// at startup.
func StartDiagServer(addr string, reg *prometheus.Registry, heapDir string) (*DiagServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("diagnostics: listen %s: %w", addr, err)
	}
	d := &DiagServer{
		ln: ln,
		srv: &http.Server{
			Handler:           NewMux(reg, heapDir),
			ReadHeaderTimeout: 10 * time.Second,
		},
		done: make(chan struct{}),
	}
	go func() {
		defer close(d.done)
		log.Printf("Diagnostics server listening on %s (/metrics, pprof, /debug/heapdump)", ln.Addr())
		if err := d.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Diagnostics server error: %v", err)
		}
	}()
	return d, nil
}

func (d *DiagServer) Addr() net.Addr {
	return d.ln.Addr()
}

// Close stops the server, giving in-flight requests until ctx ends.
func (d *DiagServer) Close(ctx context.Context) error {
	if d == nil {
		return nil
	}
	err := d.srv.Shutdown(ctx)
	<-d.done
	return err
}
