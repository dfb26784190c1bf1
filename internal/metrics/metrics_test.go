package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Tile("leaf")
	m.Tile("leaf")
	m.Tile("node")
	m.Transfer(ResultCopied, 100)
	m.Transfer(ResultNotFound, 0)
	m.SetWorkers(16)
	m.Evicted(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TilesTotal.WithLabelValues("leaf")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TilesTotal.WithLabelValues("node")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransfersTotal.WithLabelValues(ResultNotFound)))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.TransferBytes))
	assert.Equal(t, 16.0, testutil.ToFloat64(m.Workers))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.CacheEvictions))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Tile("leaf")
	m.Transfer(ResultFailed, 10)
	m.SetWorkers(4)
	m.SetCacheBytes(1)
	m.Evicted(1)
	m.CacheHit()
	m.Retry()
	m.Absent("node")
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg).Tile("allsky")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `skytiles_pyramid_tiles_total{kind="allsky"} 1`))
}
