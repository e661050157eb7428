package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrchat/pkg/feed"
)

func TestInstrumentBackend_CountsOutcomes(t *testing.T) {
	b := InstrumentBackend(feed.NewMemory())
	ctx := context.Background()
	id := feed.StreamID("metrics-test")

	notFound := testutil.ToFloat64(FeedOps.WithLabelValues("read", "not_found"))
	ok := testutil.ToFloat64(FeedOps.WithLabelValues("append", "ok"))

	_, err := b.ReadAt(ctx, id, 0)
	require.ErrorIs(t, err, feed.ErrNotFound)

	ref, err := b.PutBlob(ctx, []byte("x"))
	require.NoError(t, err)
	_, err = b.Append(ctx, id, ref, feed.AppendOptions{})
	require.NoError(t, err)

	assert.Equal(t, notFound+1, testutil.ToFloat64(FeedOps.WithLabelValues("read", "not_found")))
	assert.Equal(t, ok+1, testutil.ToFloat64(FeedOps.WithLabelValues("append", "ok")))
}

func TestInstrument_RecordsStatusClass(t *testing.T) {
	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("teapot", "4xx"))
	h := Instrument("teapot", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(RequestsTotal.WithLabelValues("teapot", "4xx")))
}

func TestMetricsHandler_ExposesNamespace(t *testing.T) {
	SetBuildInfo("test", "abc123")
	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.True(t, strings.Contains(rec.Body.String(), "zephyrchat_build_info"))
}
