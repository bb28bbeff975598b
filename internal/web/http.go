// Package web serves the operational surface: liveness, build version
// and Prometheus metrics.
package web

import (
	"fmt"
	"net/http"

	"github.com/earthboundkid/versioninfo/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func New() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", healthz)
	mux.HandleFunc("GET /version", version)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "ok")
}

func version(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, versioninfo.Short())
}
