package server

import (
	"encoding/json"
	"net/http"

	"github.com/rathix/frontdoor/internal/health"
)

// HealthPath is where HealthHandler is mounted.
const HealthPath = "/_frontdoor/health"

// DevStatusReporter is the part of DevServerController the health endpoint reads.
type DevStatusReporter interface {
	Status() DevServerStatus
}

// UpstreamReporter supplies the latest proxy target probes.
type UpstreamReporter interface {
	Results() []health.Result
}

type healthResponse struct {
	Mode      string           `json:"mode"`
	DevServer *DevServerStatus `json:"devServer,omitempty"`
	Upstreams []health.Result  `json:"upstreams,omitempty"`
}

// HealthHandler reports the serving mode, the child's state in dev mode and
// upstream reachability. dev and upstreams may be nil.
func HealthHandler(mode string, dev DevStatusReporter, upstreams UpstreamReporter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		resp := healthResponse{Mode: mode}
		if dev != nil {
			st := dev.Status()
			resp.DevServer = &st
		}
		if upstreams != nil {
			resp.Upstreams = upstreams.Results()
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		json.NewEncoder(w).Encode(resp)
	})
}
