package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockHealthBackend struct {
	HealthFunc func(ctx context.Context) error
}

func (m *MockHealthBackend) Name() string { return "vault" }

func (m *MockHealthBackend) Health(ctx context.Context) error {
	if m.HealthFunc != nil {
		return m.HealthFunc(ctx)
	}
	return nil
}

func TestHealthChecker_Healthy(t *testing.T) {
	t.Parallel()

	f := newDynamicFixture(nil)
	r := newDynamicResolver(t, f, FallbackError)
	h := NewHealthChecker(&MockHealthBackend{}, r, f.checker, nil)

	report := h.Check(context.Background())
	assert.True(t, report.Healthy)
	assert.Equal(t, ClassDynamic, report.Class)
	assert.Equal(t, "vault", report.Backend.Name)
	assert.True(t, report.Backend.Healthy)
	assert.True(t, report.Database.Healthy)
	assert.Empty(t, report.Database.Detail)
	assert.False(t, report.Timestamp.IsZero())
}

func TestHealthChecker_Failures(t *testing.T) {
	t.Parallel()

	f := newDynamicFixture(nil)
	r := newDynamicResolver(t, f, FallbackError)
	backend := &MockHealthBackend{HealthFunc: func(ctx context.Context) error {
		return errors.New("vault is sealed")
	}}
	h := NewHealthChecker(backend, r, f.checker, nil)

	report := h.Check(context.Background())
	assert.False(t, report.Healthy)
	assert.False(t, report.Backend.Healthy)
	assert.Equal(t, "vault is sealed", report.Backend.Detail)
	assert.True(t, report.Database.Healthy)

	f.manager.Invalidate()
	f.checker.CheckFunc = func(ctx context.Context, connStr string) error {
		return authRejected()
	}
	report = h.Check(context.Background())
	assert.False(t, report.Database.Healthy)
	assert.NotEmpty(t, report.Database.Detail)
}

func TestHealthChecker_NoBackendEndpoint(t *testing.T) {
	t.Parallel()

	sf := newStaticFixture(nil)
	r, err := NewResolver(ResolverConfig{Mode: ModeStatic, Static: sf.manager})
	require.NoError(t, err)

	report := NewHealthChecker(nil, r, nil, nil).Check(context.Background())
	assert.True(t, report.Healthy)
	assert.Equal(t, "no health endpoint", report.Backend.Detail)
}

func TestHealthChecker_ReportsFallback(t *testing.T) {
	t.Parallel()

	f := newDynamicFixture(nil)
	f.checker.CheckFunc = func(ctx context.Context, connStr string) error {
		if connStr == fallbackDSN {
			return nil
		}
		return authRejected()
	}
	r := newDynamicResolver(t, f, FallbackStatic)

	report := NewHealthChecker(nil, r, f.checker, nil).Check(context.Background())
	assert.True(t, report.Database.Healthy)
	assert.Equal(t, "using fallback connection string", report.Database.Detail)
}

func TestHealthChecker_ServeHTTP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		backendErr error
		wantStatus int
	}{
		{name: "healthy", wantStatus: http.StatusOK},
		{name: "unhealthy", backendErr: errors.New("connection refused"), wantStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newDynamicFixture(nil)
			r := newDynamicResolver(t, f, FallbackError)
			h := NewHealthChecker(&MockHealthBackend{HealthFunc: func(ctx context.Context) error {
				return tt.backendErr
			}}, r, f.checker, nil)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var report HealthReport
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
			assert.Equal(t, tt.backendErr == nil, report.Healthy)
			assert.WithinDuration(t, time.Now(), report.Timestamp, time.Minute)
			assert.NotContains(t, rec.Body.String(), "secret-1")
		})
	}
}
