package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_NilIsSafe(t *testing.T) {
	t.Parallel()

	var r *Recorder
	assert.NotPanics(t, func() {
		r.Mint("dynamic", true, time.Second)
		r.CacheLookup("dynamic", true)
		r.Renewal(true)
		r.Revocation(false)
		r.Rotation(true)
		r.ResolverRetry("static")
		r.ResolverFallback("static")
		r.RefresherCycle("dynamic", "sleep")
		r.TimeRemaining("dynamic", time.Minute)
		r.ActiveLeases(3)
	})
}

func TestRecorder_Counts(t *testing.T) {
	r := NewRecorder()
	require.True(t, IsMetricsRegistered())

	before := testutil.ToFloat64(mintsTotal.WithLabelValues("dynamic", "success"))
	r.Mint("dynamic", true, 120*time.Millisecond)
	r.Mint("dynamic", true, 80*time.Millisecond)
	assert.Equal(t, before+2, testutil.ToFloat64(mintsTotal.WithLabelValues("dynamic", "success")))

	hits := testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("static", "hit"))
	misses := testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("static", "miss"))
	r.CacheLookup("static", true)
	r.CacheLookup("static", false)
	assert.Equal(t, hits+1, testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("static", "hit")))
	assert.Equal(t, misses+1, testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("static", "miss")))

	r.TimeRemaining("dynamic", 90*time.Second)
	assert.Equal(t, 90.0, testutil.ToFloat64(timeRemaining.WithLabelValues("dynamic")))

	r.ActiveLeases(4)
	assert.Equal(t, 4.0, testutil.ToFloat64(activeLeases))

	failures := testutil.ToFloat64(rotationsTotal.WithLabelValues("failure"))
	r.Rotation(false)
	assert.Equal(t, failures+1, testutil.ToFloat64(rotationsTotal.WithLabelValues("failure")))
}

func TestServer_DisabledIsNoop(t *testing.T) {
	t.Parallel()

	s := NewServer(ServerConfig{Enabled: false}, nil)
	require.NoError(t, s.Start())
	assert.Empty(t, s.Addr())
	assert.NoError(t, s.Stop(context.Background()))
}

func TestServer_ServesMetricsAndHealth(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Enabled = true
	cfg.Port = 0
	cfg.Health = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"healthy":true}`))
	})

	s := NewServer(cfg, nil)
	require.NoError(t, s.Start())
	defer func() { _ = s.Stop(context.Background()) }()

	NewRecorder().Mint("static", true, time.Millisecond)

	addr := s.Addr()
	require.NotEmpty(t, addr)
	port := addr[strings.LastIndex(addr, ":"):]

	resp, err := http.Get("http://127.0.0.1" + port + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "dbcreds_credential_mints_total")

	resp, err = http.Get("http://127.0.0.1" + port + "/health")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.JSONEq(t, `{"healthy":true}`, string(body))
}
