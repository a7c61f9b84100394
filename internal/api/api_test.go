package api

import (
	"bytes"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/memory"
	"github.com/gin-gonic/gin"

	"mprview/internal/models"
	"mprview/pkg/config"
	"mprview/pkg/engine"
	"mprview/pkg/provider"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func testSeries(id string, n, size int, fill func(x, y, z int) float32) *models.Series {
	series := &models.Series{ID: id}
	for z := 0; z < n; z++ {
		pixels := make([]float32, size*size)
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				pixels[y*size+x] = fill(x, y, z)
			}
		}
		series.Slices = append(series.Slices, models.Slice{
			Pixels:       pixels,
			Rows:         size,
			Cols:         size,
			Index:        z,
			Position:     [3]float64{0, 0, float64(z)},
			HasPosition:  true,
			PixelSpacing: [2]float64{1, 1},
			RescaleSlope: 1,
			Modality:     "CT",
		})
	}
	return series
}

func newTestRouter(t *testing.T) (*gin.Engine, *memory.Handler) {
	t.Helper()
	p := provider.NewMemory()
	p.Put(testSeries("ct1", 6, 8, func(x, y, z int) float32 { return float32(100*z + 10*y + x) }))
	p.Put(testSeries("empty", 4, 8, func(x, y, z int) float32 { return 0 }))

	cfg := config.DefaultConfig()
	cfg.Processing.NumCores = 2
	cfg.Volume.ThinStackThreshold = 2
	cfg.Surface.Seed = 3

	h := memory.New()
	logger := &log.Logger{Handler: h, Level: log.DebugLevel}
	svc, err := engine.New(p, cfg, logger)
	if err != nil {
		t.Fatal(err)
	}
	return NewRouter(svc, time.Minute, logger), h
}

func do(r http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestReformatImage(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(r, http.MethodGet, "/api/series/ct1/reformat?plane=coronal&index=99&ww=400&wl=40", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type %q", ct)
	}
	if got := w.Header().Get("X-Slice-Index"); got != "7" {
		t.Errorf("clamped index %q, want 7", got)
	}
	if got := w.Header().Get("X-Cache"); got != "MISS" {
		t.Errorf("X-Cache %q", got)
	}
	if got := w.Header().Get("X-Slice-Counts"); got != "6,8,8" {
		t.Errorf("counts %q", got)
	}
	img, err := png.Decode(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 8 || b.Dy() != 6 {
		t.Errorf("coronal image %v", b)
	}

	again := do(r, http.MethodGet, "/api/series/ct1/reformat?plane=coronal&index=99&ww=400&wl=40", "")
	if again.Header().Get("X-Cache") != "HIT" || !bytes.Equal(again.Body.Bytes(), w.Body.Bytes()) {
		t.Error("repeat request was not served identically from the cache")
	}
}

func TestReformatJSON(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(r, http.MethodGet, "/api/series/ct1/reformat?kind=mip&plane=axial&preset=bone&format=json", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}
	var resp reformatResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Window.Width != 2000 || resp.Window.Level != 300 {
		t.Errorf("window %+v", resp.Window)
	}
	if resp.Width != 8 || resp.Height != 8 || len(resp.Image) == 0 {
		t.Errorf("image %dx%d with %d bytes", resp.Width, resp.Height, len(resp.Image))
	}
	if resp.Counts.Axial != 6 {
		t.Errorf("counts %+v", resp.Counts)
	}
}

func TestReformatErrors(t *testing.T) {
	r, _ := newTestRouter(t)

	tests := []struct {
		name   string
		target string
		status int
	}{
		{"unknown series", "/api/series/nope/reformat", http.StatusNotFound},
		{"unknown kind", "/api/series/ct1/reformat?kind=hologram", http.StatusBadRequest},
		{"bad plane", "/api/series/ct1/reformat?plane=oblique", http.StatusBadRequest},
		{"bad index", "/api/series/ct1/reformat?index=two", http.StatusBadRequest},
		{"bad curve", "/api/series/ct1/reformat?kind=curved&curve=1,2;3", http.StatusBadRequest},
		{"non-finite curve", "/api/series/ct1/reformat?kind=curved&curve=NaN,1;8,8", http.StatusBadRequest},
		{"bad angle", "/api/series/ct1/reformat?kind=rotating&angle=Inf", http.StatusBadRequest},
		{"bone3d", "/api/series/ct1/reformat?kind=bone3d", http.StatusBadRequest},
		{"unknown preset", "/api/series/ct1/reformat?preset=disco", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, http.MethodGet, tt.target, "")
			if w.Code != tt.status {
				t.Errorf("status %d, want %d: %s", w.Code, tt.status, w.Body)
			}
			var body map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body["error"] == "" {
				t.Errorf("error body %q", w.Body)
			}
		})
	}
}

func TestCurvedReformat(t *testing.T) {
	r, _ := newTestRouter(t)
	w := do(r, http.MethodGet, "/api/series/ct1/reformat?kind=curved&curve=0,0;7,0", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}
	img, err := png.Decode(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 8 || b.Dy() != 6 {
		t.Errorf("curved image %v", b)
	}
}

func TestRotatingReformat(t *testing.T) {
	r, _ := newTestRouter(t)
	w := do(r, http.MethodGet, "/api/series/ct1/reformat?kind=rotating&angle=30&reducer=mean", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}
	img, err := png.Decode(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 8 || b.Dy() != 6 {
		t.Errorf("rotating image %v", b)
	}
}

func TestSeriesEndpoints(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(r, http.MethodGet, "/api/series", "")
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != `["ct1","empty"]` {
		t.Errorf("series list %d %s", w.Code, w.Body)
	}

	w = do(r, http.MethodGet, "/api/series/ct1/counts", "")
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != `{"axial":6,"sagittal":8,"coronal":8}` {
		t.Errorf("counts %d %s", w.Code, w.Body)
	}

	w = do(r, http.MethodPost, "/api/series/ct1/rebuild", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"depth":6`) {
		t.Errorf("rebuild %d %s", w.Code, w.Body)
	}

	w = do(r, http.MethodPost, "/api/series/ct1/invalidate", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"volume":true`) {
		t.Errorf("invalidate %d %s", w.Code, w.Body)
	}

	w = do(r, http.MethodGet, "/api/cache/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("stats %d", w.Code)
	}
	var stats engine.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Volumes.Capacity != 6 || stats.Renders.Capacity != 800 {
		t.Errorf("stats %+v", stats)
	}
}

func TestPresets(t *testing.T) {
	r, _ := newTestRouter(t)
	w := do(r, http.MethodGet, "/api/presets", "")
	var presets map[string]struct {
		Width float64 `json:"width"`
		Level float64 `json:"level"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &presets); err != nil {
		t.Fatal(err)
	}
	if lung := presets["lung"]; lung.Width != 1500 || lung.Level != -600 {
		t.Errorf("lung preset %+v", lung)
	}
	if len(presets) != 11 {
		t.Errorf("%d presets", len(presets))
	}
}

func TestMeshFallback(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(r, http.MethodPost, "/api/series/empty/mesh", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}
	var resp meshResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "completed" || !resp.Fallback || len(resp.Projections) != 11 {
		t.Errorf("status %s fallback %v projections %d", resp.Status, resp.Fallback, len(resp.Projections))
	}

	w = do(r, http.MethodGet, "/api/series/empty/mesh/stl", "")
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("export of a fallback: status %d", w.Code)
	}
}

func TestMeshBadRequests(t *testing.T) {
	r, _ := newTestRouter(t)

	tests := []struct {
		method, target, body string
		status               int
	}{
		{http.MethodPost, "/api/series/ct1/mesh", `{"decimationFactor": 3}`, http.StatusBadRequest},
		{http.MethodPost, "/api/series/ct1/mesh", `{not json`, http.StatusBadRequest},
		{http.MethodPost, "/api/series/missing/mesh", `{}`, http.StatusNotFound},
		{http.MethodGet, "/api/series/ct1/mesh/ply", "", http.StatusBadRequest},
		{http.MethodGet, "/api/series/ct1/mesh/stl?threshold=high", "", http.StatusBadRequest},
		{http.MethodPost, "/api/series/ct1/mesh", `{"tissue": "cartilage"}`, http.StatusBadRequest},
		{http.MethodGet, "/api/series/ct1/mesh/stl?tissue=cartilage", "", http.StatusBadRequest},
		{http.MethodPost, "/api/series/ct1/mesh/jobs", `{"smoothing": -1}`, http.StatusBadRequest},
		{http.MethodGet, "/api/jobs/unknown", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		w := do(r, tt.method, tt.target, tt.body)
		if w.Code != tt.status {
			t.Errorf("%s %s %s: status %d, want %d", tt.method, tt.target, tt.body, w.Code, tt.status)
		}
	}
}

func TestMeshJob(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(r, http.MethodPost, "/api/series/empty/mesh/jobs", `{"threshold": 50}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}
	var submitted struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &submitted); err != nil || submitted.ID == "" {
		t.Fatalf("submit response %s", w.Body)
	}

	deadline := time.Now().Add(30 * time.Second)
	for {
		w = do(r, http.MethodGet, "/api/jobs/"+submitted.ID, "")
		if w.Code != http.StatusOK {
			t.Fatalf("job status %d", w.Code)
		}
		var st struct {
			Status   string `json:"status"`
			Fallback bool   `json:"fallback"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
			t.Fatal(err)
		}
		if st.Status == "completed" {
			if !st.Fallback {
				t.Error("empty series should complete with the fallback")
			}
			return
		}
		if st.Status == "failed" {
			t.Fatalf("job failed: %s", w.Body)
		}
		if time.Now().After(deadline) {
			t.Fatalf("job still %s", st.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRequestsAreLogged(t *testing.T) {
	r, h := newTestRouter(t)
	do(r, http.MethodGet, "/api/series/nope/counts", "")

	for _, e := range h.Entries {
		if e.Message == "request failed" && e.Fields["status"] == http.StatusNotFound {
			return
		}
	}
	t.Error("failed request was not logged")
}
