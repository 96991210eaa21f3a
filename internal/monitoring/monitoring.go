// Package monitoring implements the process's debug/metrics HTTP
// server: Prometheus scrape endpoint, pprof profiles, and
// golang.org/x/net/trace's live request log.
//
// Grounded on chasquid's own monitoring.go (an http.Server mounting
// /debug/pprof and an expvar/prototext status page on a dedicated
// monitoring address), trimmed to what this rebuild still needs:
// process status was replaced by internal/metrics's Prometheus
// registry, so the expvar/prototext status template is dropped along
// with it, but the separate monitoring listener and the pprof/trace
// debug handlers are kept.
package monitoring

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Pyxxilated-Studios/empath-sub001/internal/log"

	// Registers /debug/requests and /debug/events on http.DefaultServeMux,
	// and relaxes the package's localhost-only auth check.
	_ "github.com/Pyxxilated-Studios/empath-sub001/internal/trace"
)

// Serve starts the monitoring HTTP server on addr. It returns
// immediately; errors are logged as they occur since the monitoring
// server's failure should never take down the mail server itself.
func Serve(addr string) {
	if addr == "" {
		return
	}

	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/debug/status", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "empathd monitoring: see /metrics, /debug/pprof/, /debug/requests\n")
	})

	go func() {
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.Errorf("monitoring: server on %q exited: %v", addr, err)
		}
	}()

	log.Infof("monitoring: serving on %s", addr)
}
