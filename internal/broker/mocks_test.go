package broker

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/systmms/dbcreds/internal/backend"
	"github.com/systmms/dbcreds/internal/cache"
	"github.com/systmms/dbcreds/internal/logging"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// MockDynamicBackend issues lease-1, lease-2, ... unless IssueFunc is set.
type MockDynamicBackend struct {
	IssueFunc  func(ctx context.Context, role string) (*backend.DynamicCredential, error)
	RenewFunc  func(ctx context.Context, leaseID string, incrementSeconds int) (*backend.RenewedLease, error)
	RevokeFunc func(ctx context.Context, leaseID string) error

	LeaseDuration time.Duration

	issued  atomic.Int32
	mu      sync.Mutex
	revoked []string
}

func (m *MockDynamicBackend) IssueDynamicCredential(ctx context.Context, role string) (*backend.DynamicCredential, error) {
	n := m.issued.Add(1)
	if m.IssueFunc != nil {
		return m.IssueFunc(ctx, role)
	}
	d := m.LeaseDuration
	if d == 0 {
		d = time.Hour
	}
	return &backend.DynamicCredential{
		LeaseID:       fmt.Sprintf("database/creds/%s/lease-%d", role, n),
		Username:      fmt.Sprintf("v-%s-%d", role, n),
		Password:      fmt.Sprintf("secret-%d", n),
		LeaseDuration: d,
		Renewable:     true,
	}, nil
}

func (m *MockDynamicBackend) RenewLease(ctx context.Context, leaseID string, incrementSeconds int) (*backend.RenewedLease, error) {
	if m.RenewFunc != nil {
		return m.RenewFunc(ctx, leaseID, incrementSeconds)
	}
	return &backend.RenewedLease{LeaseID: leaseID, LeaseDuration: time.Duration(incrementSeconds) * time.Second}, nil
}

func (m *MockDynamicBackend) RevokeLease(ctx context.Context, leaseID string) error {
	m.mu.Lock()
	m.revoked = append(m.revoked, leaseID)
	m.mu.Unlock()
	if m.RevokeFunc != nil {
		return m.RevokeFunc(ctx, leaseID)
	}
	return nil
}

func (m *MockDynamicBackend) Issued() int {
	return int(m.issued.Load())
}

func (m *MockDynamicBackend) Revoked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.revoked))
	copy(out, m.revoked)
	return out
}

// MockStaticBackend returns app-user / static-pass-N unless GetFunc is set.
type MockStaticBackend struct {
	GetFunc    func(ctx context.Context, role string) (*backend.StaticCredential, error)
	RotateFunc func(ctx context.Context, role string) error

	LastRotated    string
	RotationPeriod string

	fetched atomic.Int32
	rotated atomic.Int32
}

func (m *MockStaticBackend) GetStaticCredential(ctx context.Context, role string) (*backend.StaticCredential, error) {
	n := m.fetched.Add(1)
	if m.GetFunc != nil {
		return m.GetFunc(ctx, role)
	}
	return &backend.StaticCredential{
		Username:       "app-user",
		Password:       fmt.Sprintf("static-pass-%d", n),
		LastRotated:    m.LastRotated,
		RotationPeriod: m.RotationPeriod,
	}, nil
}

func (m *MockStaticBackend) RotateStaticCredential(ctx context.Context, role string) error {
	m.rotated.Add(1)
	if m.RotateFunc != nil {
		return m.RotateFunc(ctx, role)
	}
	return nil
}

func (m *MockStaticBackend) Fetched() int {
	return int(m.fetched.Load())
}

type fakeBuilder struct{}

func (fakeBuilder) ConnectionString(username, password string) (string, error) {
	return fmt.Sprintf("postgres://%s:%s@db.internal:5432/app", username, password), nil
}

// MockChecker accepts every connection string unless CheckFunc is set.
type MockChecker struct {
	CheckFunc func(ctx context.Context, connStr string) error
	calls     atomic.Int32
}

func (m *MockChecker) Check(ctx context.Context, connStr string) error {
	m.calls.Add(1)
	if m.CheckFunc != nil {
		return m.CheckFunc(ctx, connStr)
	}
	return nil
}

type countingDrainer struct {
	drains atomic.Int32
}

func (d *countingDrainer) Drain() {
	d.drains.Add(1)
}

// syncBuffer is a log sink safe for concurrent writers and readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type dynamicFixture struct {
	manager *DynamicManager
	backend *MockDynamicBackend
	checker *MockChecker
	drainer *countingDrainer
	clock   *fakeClock
	cache   *cache.Cache
	logs    *syncBuffer
}

func newDynamicFixture(b *MockDynamicBackend) *dynamicFixture {
	if b == nil {
		b = &MockDynamicBackend{}
	}
	f := &dynamicFixture{
		backend: b,
		checker: &MockChecker{},
		drainer: &countingDrainer{},
		clock:   newFakeClock(),
		logs:    &syncBuffer{},
	}
	f.cache = cache.New(cache.WithClock(f.clock.Now))
	f.manager = NewDynamicManager(DynamicConfig{
		Role:     "app",
		Backend:  b,
		Builder:  fakeBuilder{},
		Checker:  f.checker,
		Cache:    f.cache,
		Registry: NewLeaseRegistry(f.clock.Now),
		Drainer:  f.drainer,
		Logger:   logging.NewWithWriter(f.logs, false, true),
		Clock:    f.clock.Now,
	})
	return f
}

type staticFixture struct {
	manager *StaticManager
	backend *MockStaticBackend
	clock   *fakeClock
	cache   *cache.Cache
	logs    *syncBuffer
}

func newStaticFixture(b *MockStaticBackend) *staticFixture {
	if b == nil {
		b = &MockStaticBackend{
			LastRotated:    "2024-03-01T06:00:00Z",
			RotationPeriod: "86400",
		}
	}
	f := &staticFixture{
		backend: b,
		clock:   newFakeClock(),
		logs:    &syncBuffer{},
	}
	f.cache = cache.New(cache.WithClock(f.clock.Now))
	f.manager = NewStaticManager(StaticConfig{
		Role:          "app-static",
		CacheDuration: 30 * time.Minute,
		BackendName:   "vault",
		Backend:       b,
		Builder:       fakeBuilder{},
		Cache:         f.cache,
		Logger:        logging.NewWithWriter(f.logs, false, true),
		Clock:         f.clock.Now,
	})
	return f
}
