package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	class string

	mu          sync.Mutex
	remaining   time.Duration
	cached      bool
	afterMint   time.Duration
	mintErr     error
	invalidated int
	mints       int
}

func (s *fakeSource) Class() string { return s.class }

func (s *fakeSource) GetConnectionString(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mints++
	if s.mintErr != nil {
		return "", s.mintErr
	}
	s.cached = true
	s.remaining = s.afterMint
	return "conn", nil
}

func (s *fakeSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated++
	s.cached = false
}

func (s *fakeSource) TimeRemaining() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining, s.cached
}

func (s *fakeSource) counts() (invalidated, mints int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidated, s.mints
}

func TestRefresher_SleepsUntilBeforeLowWater(t *testing.T) {
	t.Parallel()

	src := &fakeSource{class: ClassDynamic, cached: true, remaining: 50 * time.Minute}
	r := NewRefresher(RefresherConfig{
		Targets:  []RefreshTarget{{Source: src, LowWater: 10 * time.Minute}},
		MinSleep: 30 * time.Second,
		Lead:     time.Minute,
	})

	assert.Equal(t, 39*time.Minute, r.RunOnce(context.Background()))
	inv, mints := src.counts()
	assert.Zero(t, inv)
	assert.Zero(t, mints)
}

func TestRefresher_RefreshesAtLowWater(t *testing.T) {
	t.Parallel()

	src := &fakeSource{class: ClassDynamic, cached: true, remaining: 10 * time.Minute, afterMint: 55 * time.Minute}
	r := NewRefresher(RefresherConfig{
		Targets: []RefreshTarget{{Source: src, LowWater: 10 * time.Minute}},
		Lead:    time.Minute,
	})

	sleep := r.RunOnce(context.Background())
	inv, mints := src.counts()
	assert.Equal(t, 1, inv)
	assert.Equal(t, 1, mints)
	assert.Equal(t, 44*time.Minute, sleep)
}

func TestRefresher_MissingCredentialIsMinted(t *testing.T) {
	t.Parallel()

	src := &fakeSource{class: ClassStatic, afterMint: 30 * time.Minute}
	r := NewRefresher(RefresherConfig{Targets: []RefreshTarget{{Source: src}}})

	sleep := r.RunOnce(context.Background())
	_, mints := src.counts()
	assert.Equal(t, 1, mints)
	assert.Equal(t, 30*time.Minute-DefaultStaticLowWater-DefaultLead, sleep)
}

func TestRefresher_MinSleepFloor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		src  *fakeSource
	}{
		{name: "lease shorter than low water", src: &fakeSource{class: ClassDynamic, afterMint: 2 * time.Minute}},
		{name: "mint failure", src: &fakeSource{class: ClassDynamic, mintErr: errors.New("backend down")}},
		{name: "just above low water", src: &fakeSource{class: ClassDynamic, cached: true, remaining: 10*time.Minute + time.Second}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := NewRefresher(RefresherConfig{
				Targets:  []RefreshTarget{{Source: tt.src, LowWater: 10 * time.Minute}},
				MinSleep: 45 * time.Second,
				Lead:     time.Minute,
			})
			assert.Equal(t, 45*time.Second, r.RunOnce(context.Background()))
		})
	}
}

func TestRefresher_ShortestTargetWins(t *testing.T) {
	t.Parallel()

	dyn := &fakeSource{class: ClassDynamic, cached: true, remaining: 40 * time.Minute}
	st := &fakeSource{class: ClassStatic, cached: true, remaining: 20 * time.Minute}
	r := NewRefresher(RefresherConfig{
		Targets: []RefreshTarget{{Source: dyn}, {Source: st}},
		Lead:    time.Minute,
	})

	assert.Equal(t, 20*time.Minute-DefaultStaticLowWater-time.Minute, r.RunOnce(context.Background()))
}

func TestRefresher_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	src := &fakeSource{class: ClassDynamic, afterMint: 55 * time.Minute}
	r := NewRefresher(RefresherConfig{
		Targets:  []RefreshTarget{{Source: src}},
		MinSleep: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, mints := src.counts()
		return mints == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("refresher did not stop after cancellation")
	}
}

func TestRefresher_RunWithCancelledContext(t *testing.T) {
	t.Parallel()

	src := &fakeSource{class: ClassDynamic}
	r := NewRefresher(RefresherConfig{Targets: []RefreshTarget{{Source: src}}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, r.Run(ctx), context.Canceled)
	_, mints := src.counts()
	assert.Zero(t, mints)
}
