package server

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MeKo-Tech/pixelstack/internal/editor"
	"github.com/MeKo-Tech/pixelstack/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*editor.Editor, http.Handler) {
	t.Helper()
	m := metrics.New()
	cfg := editor.DefaultConfig(16, 8)
	cfg.Workers = 1
	cfg.History.ProjectID = "server-test"
	cfg.History.Debounce = time.Hour
	cfg.Metrics = m
	ed, err := editor.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(ed.Close)

	sc := DefaultConfig()
	sc.Metrics = m
	return ed, New(ed, sc).Routes()
}

func do(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func paint(t *testing.T, ed *editor.Editor, c color.NRGBA) {
	t.Helper()
	_, err := ed.Edit(context.Background(), func(px *image.NRGBA) (image.Rectangle, error) {
		px.SetNRGBA(1, 1, c)
		return image.Rect(1, 1, 2, 2), nil
	})
	require.NoError(t, err)
}

func TestHealthz(t *testing.T) {
	_, h := newTestServer(t)
	rec := do(h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestCompositePNG(t *testing.T) {
	ed, h := newTestServer(t)
	paint(t, ed, color.NRGBA{G: 255, A: 255})

	rec := do(h, http.MethodGet, "/composite.png?checker=0", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 16, 8), img.Bounds())
	r, g, _, a := img.At(1, 1).RGBA()
	assert.Equal(t, uint32(0), r)
	assert.Equal(t, uint32(0xffff), g)
	assert.Equal(t, uint32(0xffff), a)

	rec = do(h, http.MethodGet, "/composite.png?checker=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestThumbnailPNG(t *testing.T) {
	_, h := newTestServer(t)

	rec := do(h, http.MethodGet, "/thumbnail.png?size=4", "")
	require.Equal(t, http.StatusOK, rec.Code)
	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())
	assert.Equal(t, 2, img.Bounds().Dy())

	rec = do(h, http.MethodGet, "/thumbnail.png?size=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLayersAndUpdate(t *testing.T) {
	ed, h := newTestServer(t)

	rec := do(h, http.MethodGet, "/layers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var layers []layerView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &layers))
	require.Len(t, layers, 1)
	assert.True(t, layers[0].Active)
	assert.Equal(t, "empty", layers[0].Bounds)

	id := layers[0].ID
	rec = do(h, http.MethodPatch, "/layers/"+id, `{"opacity": 1.5, "blend_mode": "multiply"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	info, err := ed.Store().Get(id)
	require.NoError(t, err)
	assert.Equal(t, 1.0, info.Opacity)
	assert.Equal(t, "multiply", info.BlendMode.String())
	assert.Equal(t, 2, ed.History().State().Length)

	rec = do(h, http.MethodPatch, "/layers/missing", `{"visible": false}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(h, http.MethodPatch, "/layers/"+id, `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUndoRedoEndpoints(t *testing.T) {
	ed, h := newTestServer(t)

	rec := do(h, http.MethodPost, "/history/undo", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	paint(t, ed, color.NRGBA{B: 255, A: 255})
	rec = do(h, http.MethodPost, "/history/undo", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, uint8(0), ed.Frame().NRGBAAt(1, 1).A)

	var st struct {
		Position int  `json:"position"`
		CanRedo  bool `json:"can_redo"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 0, st.Position)
	assert.True(t, st.CanRedo)

	rec = do(h, http.MethodPost, "/history/redo", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint8(255), ed.Frame().NRGBAAt(1, 1).A)

	rec = do(h, http.MethodGet, "/history", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	_, h := newTestServer(t)
	rec := do(h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pixelstack_")
}

func TestCORSPreflight(t *testing.T) {
	_, h := newTestServer(t)
	rec := do(h, http.MethodOptions, "/layers", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
