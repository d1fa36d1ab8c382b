package main

import (
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/roverscope/perception"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// populatedApp returns an App that has processed two frames.
func populatedApp(t *testing.T) *App {
	t.Helper()
	app := newTestApp(t)
	mustProcess(t, app, testFrame(perception.Pose{X: 100, Y: 100}))
	mustProcess(t, app, testFrame(perception.Pose{X: 102, Y: 101, Yaw: 10}))
	return app
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ---------------------------------------------------------------------------
// endpoints
// ---------------------------------------------------------------------------

func TestHealth_NoCycles(t *testing.T) {
	h := newHTTPServer(newTestApp(t).State, nil, nil)
	rec := get(t, h, "/health")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Status   string `json:"status"`
		Cycles   int    `json:"cycles"`
		HasCycle bool   `json:"hasCycle"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 0, body.Cycles)
	assert.False(t, body.HasCycle)
}

func TestHealth_WithCycles(t *testing.T) {
	h := newHTTPServer(populatedApp(t).State, nil, nil)
	rec := get(t, h, "/health")

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(2), body["cycles"])
	assert.Equal(t, true, body["hasCycle"])
}

func TestLatestImageEndpoints_NoCycle_503(t *testing.T) {
	h := newHTTPServer(newTestApp(t).State, nil, nil)
	for _, path := range []string{"/vision.png", "/rectified.png"} {
		t.Run(path, func(t *testing.T) {
			rec := get(t, h, path)
			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		})
	}
}

func TestWorldMapPNG(t *testing.T) {
	app := newTestApp(t)
	h := newHTTPServer(app.State, nil, nil)

	tests := []struct {
		target string
		side   int
	}{
		{"/worldmap.png", 200 * 3},
		{"/worldmap.png?scale=1", 200},
		{"/worldmap.png?scale=0&legend=false", 200},
		{"/worldmap.png?scale=abc", 200 * 3},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := get(t, h, tt.target)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
			assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

			img, err := png.Decode(rec.Body)
			require.NoError(t, err)
			assert.Equal(t, tt.side, img.Bounds().Dx())
		})
	}
}

func TestWorldMapSVG(t *testing.T) {
	h := newHTTPServer(populatedApp(t).State, nil, nil)
	for _, target := range []string{"/worldmap.svg", "/worldmap.svg?grid=0"} {
		rec := get(t, h, target)
		require.Equal(t, http.StatusOK, rec.Code, target)
		assert.Equal(t, "image/svg+xml", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Body.String(), "<svg")
	}
}

func TestWorldMapGeoJSON(t *testing.T) {
	h := newHTTPServer(populatedApp(t).State, nil, nil)
	rec := get(t, h, "/worldmap.geojson")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/geo+json", rec.Header().Get("Content-Type"))

	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fc))
	assert.Equal(t, "FeatureCollection", fc.Type)

	layers := map[string]bool{}
	for _, f := range fc.Features {
		layers[f.Properties["layerType"].(string)] = true
	}
	assert.True(t, layers["navigable"])
	assert.True(t, layers["track"])
	assert.True(t, layers["vehicle"])
}

func TestVisionAndRectifiedPNG(t *testing.T) {
	h := newHTTPServer(populatedApp(t).State, nil, nil)

	rec := get(t, h, "/vision.png?scale=3")
	require.Equal(t, http.StatusOK, rec.Code)
	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, perception.ReferenceFrameWidth*3, img.Bounds().Dx())
	assert.Equal(t, perception.ReferenceFrameHeight*3, img.Bounds().Dy())

	rec = get(t, h, "/rectified.png")
	require.Equal(t, http.StatusOK, rec.Code)
	img, err = png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, perception.ReferenceFrameWidth, img.Bounds().Dx())
}

func TestSummaryJSON(t *testing.T) {
	app := populatedApp(t)
	h := newHTTPServer(app.State, nil, nil)
	rec := get(t, h, "/summary.json")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Cycles  int                     `json:"cycles"`
		Latest  *perception.CycleReport `json:"latest"`
		Map     perception.MapStats     `json:"map"`
		Mission *perception.MissionTotals
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Cycles)
	require.NotNil(t, body.Latest)
	assert.Equal(t, 102.0, body.Latest.Pose.X)
	assert.Greater(t, body.Map.Mapped, 0)
	assert.NotContains(t, rec.Body.String(), `"mission"`)
	assert.NotContains(t, rec.Body.String(), `"lastNavigation"`)
}

func TestSummaryJSON_LastNavigation(t *testing.T) {
	app := newTestApp(t)
	client := perception.NewMockClient()
	client.SetConnected(true)
	app.Publisher = perception.NewPublisher(client, "rs", "test-rover")
	report := mustProcess(t, app, testFrame(perception.Pose{X: 100, Y: 100}))

	h := newHTTPServer(app.State, nil, app.Publisher)
	rec := get(t, h, "/summary.json")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		LastNavigation *perception.NavigationMessage `json:"lastNavigation"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.LastNavigation)
	assert.Equal(t, report.CycleID, body.LastNavigation.CycleID)
	assert.Equal(t, "test-rover", body.LastNavigation.VehicleID)
}

func TestSummaryJSON_NoCycles(t *testing.T) {
	h := newHTTPServer(newTestApp(t).State, nil, nil)
	rec := get(t, h, "/summary.json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"latest":null`)
}

func TestCyclesJSON(t *testing.T) {
	app := newTestApp(t)
	ml, err := perception.OpenMissionLog(":memory:")
	require.NoError(t, err)
	defer ml.Close()
	app.MissionLog = ml

	mustProcess(t, app, testFrame(perception.Pose{X: 100, Y: 100}))
	mustProcess(t, app, testFrame(perception.Pose{X: 100, Y: 100, Pitch: 1}))
	h := newHTTPServer(app.State, ml, nil)

	rec := get(t, h, "/cycles.json?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var cycles []perception.CycleReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cycles))
	require.Len(t, cycles, 1)
	assert.False(t, cycles[0].GateOpen)

	rec = get(t, h, "/summary.json")
	assert.True(t, strings.Contains(rec.Body.String(), `"gateClosed":1`), rec.Body.String())
}

func TestCyclesJSON_Disabled(t *testing.T) {
	h := newHTTPServer(newTestApp(t).State, nil, nil)
	rec := get(t, h, "/cycles.json")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	h := newHTTPServer(newTestApp(t).State, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestIntParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 5},
		{"?n=3", 3},
		{"?n=-4", 1},
		{"?n=99", 10},
		{"?n=x", 5},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/"+tt.query, nil)
		if got := intParam(r, "n", 5, 1, 10); got != tt.want {
			t.Errorf("intParam(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}
