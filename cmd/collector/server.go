package main

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/market-stream/internal/config"
	"github.com/rickgao/market-stream/internal/connection"
	"github.com/rickgao/market-stream/internal/health"
	"github.com/rickgao/market-stream/internal/version"
)

type healthResponse struct {
	Status   string                  `json:"status"`
	Instance string                  `json:"instance"`
	Version  string                  `json:"version"`
	Targets  map[string]targetHealth `json:"targets"`
}

type targetHealth struct {
	health.Snapshot
	Stats connection.Stats `json:"stats"`
}

// newHandler serves /health and the Prometheus metrics path.
func newHandler(cfg *config.Config, streams []*stream, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()

	mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:   "healthy",
			Instance: cfg.Instance.ID,
			Version:  version.String(),
			Targets:  make(map[string]targetHealth, len(streams)),
		}

		open, closed := 0, 0
		for _, s := range streams {
			snap := s.manager.Health()
			if snap.TargetID == "" {
				snap.TargetID = s.target.Key()
			}
			resp.Targets[snap.TargetID] = targetHealth{Snapshot: snap, Stats: s.manager.Stats()}

			switch s.manager.State() {
			case connection.StateOpen:
				open++
			case connection.StateClosed:
				closed++
			}
		}

		status := http.StatusOK
		switch {
		case len(streams) > 0 && closed == len(streams):
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		case open < len(streams):
			resp.Status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(resp)
	})

	return mux
}
