package oauth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asamzaman87/Git-GPT-App/storage/memory"
)

func TestHTTPMetrics_Middleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewHTTPMetrics(reg)
	require.NoError(t, err)

	env := setupTestHandler(t, memory.New(), HandlerConfig{})
	env.handler.SetMetrics(m)
	router := env.handler.Routes()

	for range 3 {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, PathMetadata, nil))
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	assert.Equal(t, 3.0, promtest.ToFloat64(m.requests.WithLabelValues("GET", PathMetadata, "200")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.requests.WithLabelValues("GET", "unmatched", "404")))
	assert.Equal(t, 0.0, promtest.ToFloat64(m.inflight.WithLabelValues("GET")))
	assert.Equal(t, 2, promtest.CollectAndCount(m.duration))
}

func TestNewHTTPMetrics_Reuse(t *testing.T) {
	reg := prometheus.NewRegistry()

	first, err := NewHTTPMetrics(reg)
	require.NoError(t, err)
	second, err := NewHTTPMetrics(reg)
	require.NoError(t, err)

	assert.Same(t, first.requests, second.requests)
}

func TestHTTPMetrics_NilIsPassThrough(t *testing.T) {
	var m *HTTPMetrics
	called := false
	h := m.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, called)
}
