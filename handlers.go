package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kwv/roverscope/perception"
)

// newHTTPServer creates an HTTP server with all endpoints. missionLog and
// publisher may be nil.
func newHTTPServer(state *perception.StateTracker, missionLog *perception.MissionLog, publisher *perception.Publisher) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			Cycles    int       `json:"cycles"`
			HasCycle  bool      `json:"hasCycle"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Cycles:    state.Cycles(),
			HasCycle:  state.Latest() != nil,
		}
		writeJSON(w, "application/json", status)
	})

	// World map raster: ?scale= sets pixels per cell
	mux.HandleFunc("GET /worldmap.png", func(w http.ResponseWriter, r *http.Request) {
		renderer := perception.NewMapRenderer()
		renderer.CellPixels = intParam(r, "scale", renderer.CellPixels, 1, 16)
		renderer.Legend = r.URL.Query().Get("legend") != "false"

		img := renderer.Render(state.World().Snapshot(), state.Trail())
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := perception.EncodePNG(w, img); err != nil {
			zap.S().Errorf("[HTTP] Error encoding world map PNG: %v", err)
		}
	})

	// World map vector: ?grid= sets grid spacing in cells, 0 disables
	mux.HandleFunc("GET /worldmap.svg", func(w http.ResponseWriter, r *http.Request) {
		renderer := perception.NewVectorRenderer()
		renderer.GridSpacing = intParam(r, "grid", renderer.GridSpacing, 0, 1000)

		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderToSVG(w, state.World().Snapshot(), state.Trail()); err != nil {
			zap.S().Errorf("[HTTP] Error rendering world map SVG: %v", err)
		}
	})

	mux.HandleFunc("GET /worldmap.geojson", func(w http.ResponseWriter, r *http.Request) {
		fc := perception.WorldMapToGeoJSON(state.World().Snapshot(), state.Trail(), perception.DefaultTrackTolerance)
		writeJSON(w, "application/geo+json", fc)
	})

	// Latest vision buffer, upscaled with ?scale= (default 2)
	mux.HandleFunc("GET /vision.png", func(w http.ResponseWriter, r *http.Request) {
		latest := state.Latest()
		if latest == nil || latest.Vision == nil {
			http.Error(w, "No cycle processed yet", http.StatusServiceUnavailable)
			return
		}
		img := perception.RenderVision(latest.Vision, intParam(r, "scale", 2, 1, 8))
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := perception.EncodePNG(w, img); err != nil {
			zap.S().Errorf("[HTTP] Error encoding vision PNG: %v", err)
		}
	})

	mux.HandleFunc("GET /rectified.png", func(w http.ResponseWriter, r *http.Request) {
		latest := state.Latest()
		if latest == nil || latest.Rectified == nil {
			http.Error(w, "No cycle processed yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := perception.EncodePNG(w, latest.Rectified); err != nil {
			zap.S().Errorf("[HTTP] Error encoding rectified PNG: %v", err)
		}
	})

	mux.HandleFunc("GET /summary.json", func(w http.ResponseWriter, r *http.Request) {
		summary := struct {
			Cycles         int                           `json:"cycles"`
			Latest         *perception.CycleReport       `json:"latest"`
			Map            perception.MapStats           `json:"map"`
			Mission        *perception.MissionTotals     `json:"mission,omitempty"`
			LastNavigation *perception.NavigationMessage `json:"lastNavigation,omitempty"`
		}{
			Cycles: state.Cycles(),
			Map:    state.World().Stats(),
		}
		if report, ok := state.LatestReport(); ok {
			summary.Latest = &report
		}
		if publisher != nil {
			summary.LastNavigation = publisher.Last()
		}
		if missionLog != nil {
			totals, err := missionLog.Totals(r.Context())
			if err != nil {
				zap.S().Warnf("[HTTP] Mission totals: %v", err)
			} else {
				summary.Mission = &totals
			}
		}
		writeJSON(w, "application/json", summary)
	})

	// Recent cycles from the mission log: ?limit= (default 50)
	mux.HandleFunc("GET /cycles.json", func(w http.ResponseWriter, r *http.Request) {
		if missionLog == nil {
			http.Error(w, "Mission log not enabled", http.StatusNotFound)
			return
		}
		cycles, err := missionLog.RecentCycles(r.Context(), intParam(r, "limit", 50, 1, 1000))
		if err != nil {
			zap.S().Errorf("[HTTP] Recent cycles: %v", err)
			http.Error(w, "Mission log query failed", http.StatusInternalServerError)
			return
		}
		if cycles == nil {
			cycles = []perception.CycleReport{}
		}
		writeJSON(w, "application/json", cycles)
	})

	return logRequests(mux)
}

// logRequests logs each request at debug level.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		zap.S().Debugf("[HTTP] %s %s from %s (%s)", r.Method, r.URL.Path, r.RemoteAddr, time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, contentType string, v any) {
	w.Header().Set("Content-Type", contentType)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.S().Errorf("[HTTP] Error encoding response: %v", err)
	}
}

// intParam reads an integer query parameter clamped to [lo, hi]. Missing or
// malformed values return def.
func intParam(r *http.Request, name string, def, lo, hi int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return def
	}
	return min(max(v, lo), hi)
}
