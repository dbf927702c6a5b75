package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRender(time.Millisecond, 1, 0, false, nil)
	m.Transfer("full")
	m.Capture("immediate")
	m.Eviction("spilled", 10)
	m.Fetch("ok")
	m.Timeline(3, 2)
	m.ObserveRestore(time.Millisecond)
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()

	m.ObserveRender(2*time.Millisecond, 3, 1, true, nil)
	m.ObserveRender(0, 0, 0, false, errors.New("worker gone"))
	m.Eviction("spilled", 4096)
	m.Eviction("failed", 0)
	m.Timeline(7, 4)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.renders.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.renders.WithLabelValues("error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.layersDrawn))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cullFallbacks))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evictions.WithLabelValues("failed")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.entries))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.residentEntry))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.Capture("coalesced")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `pixelstack_history_captures_total{trigger="coalesced"} 1`))
	assert.Contains(t, body, "go_goroutines")
}
