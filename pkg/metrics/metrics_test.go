package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_ObserveTick(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveTick(time.Now().Add(-time.Second))
	m.BuildActions.WithLabelValues("init").Add(2)

	assert.InDelta(t, 1, testutil.ToFloat64(m.Ticks), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.BuildActions.WithLabelValues("init")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.TickDuration))
}

func TestServer_Routes(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	tests := []struct {
		name   string
		path   string
		health HealthFunc
		code   int
		body   string
	}{
		{name: "healthy", path: "/healthz", code: http.StatusOK, body: "ok"},
		{
			name:   "unhealthy",
			path:   "/healthz",
			health: func(context.Context) error { return errors.New("db down") },
			code:   http.StatusServiceUnavailable,
			body:   "db down",
		},
		{name: "metrics", path: "/metrics", code: http.StatusOK, body: "runboor_scheduler_ticks_total"},
		{name: "unknown", path: "/nope", code: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := prometheus.NewRegistry()
			New(reg).Ticks.Inc()

			srv := NewServer(log, "127.0.0.1:0", reg, tt.health)

			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, tt.code, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.body)
		})
	}
}

func TestServer_StartStop(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	srv := NewServer(log, "127.0.0.1:0", prometheus.NewRegistry(), nil)
	require.NoError(t, srv.Start(context.Background()))

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)

	_ = resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, srv.Stop())
}
