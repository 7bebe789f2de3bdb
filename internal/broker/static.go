package broker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/systmms/dbcreds/internal/backend"
	"github.com/systmms/dbcreds/internal/cache"
	dserrors "github.com/systmms/dbcreds/internal/errors"
	"github.com/systmms/dbcreds/internal/history"
	"github.com/systmms/dbcreds/internal/logging"
	"github.com/systmms/dbcreds/internal/metrics"
	"github.com/systmms/dbcreds/internal/secure"
)

const (
	staticFlight = "static"

	// DefaultStaticCacheDuration is how long a static credential is cached.
	DefaultStaticCacheDuration = 30 * time.Minute

	// DefaultRotationPeriod replaces a missing or unreadable rotation
	// period.
	DefaultRotationPeriod = 24 * time.Hour
)

// StaticConfig wires a StaticManager.
type StaticConfig struct {
	Role          string
	CacheDuration time.Duration
	// BackendName is recorded in rotation history.
	BackendName string

	Backend backend.StaticBackend
	Builder ConnectionStringBuilder
	// Checker and Drainer are optional.
	Checker ConnectionChecker
	Drainer PoolDrainer
	Cache   *cache.Cache
	History history.Store
	Logger  *logging.Logger
	Metrics *metrics.Recorder
	Clock   func() time.Time
}

// StaticManager serves backend-rotated credentials.
type StaticManager struct {
	role        string
	cacheFor    time.Duration
	backendName string
	backend     backend.StaticBackend
	builder     ConnectionStringBuilder
	checker     ConnectionChecker
	drainer     PoolDrainer
	cache       *cache.Cache
	history     history.Store
	logger      *logging.Logger
	metrics     *metrics.Recorder
	now         func() time.Time

	group singleflight.Group
}

type fetchResult struct {
	connStr string
	info    StaticCredentialInfo
}

// NewStaticManager creates a manager. A non-positive CacheDuration uses
// DefaultStaticCacheDuration.
func NewStaticManager(cfg StaticConfig) *StaticManager {
	m := &StaticManager{
		role:        cfg.Role,
		cacheFor:    cfg.CacheDuration,
		backendName: cfg.BackendName,
		backend:     cfg.Backend,
		builder:     cfg.Builder,
		checker:     cfg.Checker,
		drainer:     cfg.Drainer,
		cache:       cfg.Cache,
		history:     cfg.History,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		now:         cfg.Clock,
	}
	if m.cacheFor <= 0 {
		m.cacheFor = DefaultStaticCacheDuration
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = logging.Discard()
	}
	if m.cache == nil {
		m.cache = cache.New(cache.WithClock(m.now))
	}
	if m.history == nil {
		m.history = history.NewMemoryStore()
	}
	return m
}

// Class returns ClassStatic.
func (m *StaticManager) Class() string {
	return ClassStatic
}

// Role returns the static role served.
func (m *StaticManager) Role() string {
	return m.role
}

// GetConnectionString returns the cached connection string, fetching the
// credential on a miss. Concurrent misses share one fetch.
func (m *StaticManager) GetConnectionString(ctx context.Context) (string, error) {
	if v, ok := m.cache.Get(cache.KeyStaticConnection); ok {
		m.metrics.CacheLookup(ClassStatic, true)
		return v.(*secure.String).Reveal()
	}
	m.metrics.CacheLookup(ClassStatic, false)

	res, err := m.fetchCoalesced(ctx)
	if err != nil {
		return "", err
	}
	return res.connStr, nil
}

// GetCredentialInfo returns the cached credential metadata, fetching on a
// miss.
func (m *StaticManager) GetCredentialInfo(ctx context.Context) (StaticCredentialInfo, error) {
	if v, ok := m.cache.Get(cache.KeyStaticInfo); ok {
		return v.(StaticCredentialInfo), nil
	}

	res, err := m.fetchCoalesced(ctx)
	if err != nil {
		return StaticCredentialInfo{}, err
	}
	return res.info, nil
}

// RotateCredentials asks the backend to rotate now, drops the cached
// credential and fetches the new one. If the fetch fails the cache is left
// empty. The outcome is recorded in history.
func (m *StaticManager) RotateCredentials(ctx context.Context) RotationOutcome {
	outcome := m.rotate(ctx)
	m.metrics.Rotation(outcome.Success)

	entry := &history.Entry{
		Role:      m.role,
		Backend:   m.backendName,
		RotatedAt: outcome.RotatedAt,
		Username:  outcome.Username,
		Success:   outcome.Success,
		Error:     outcome.Error,
	}
	if err := m.history.Append(entry); err != nil {
		m.logger.Warn("Failed to record rotation history: %v", err)
	}

	if outcome.Success {
		m.logger.Info("Rotated static credential for role %s (user %s)", m.role, outcome.Username)
	} else {
		m.logger.Error("Rotation of static role %s failed: %s", m.role, outcome.Error)
	}
	return outcome
}

// History returns up to limit recorded rotations for the role, newest
// first.
func (m *StaticManager) History(limit int) ([]history.Entry, error) {
	return m.history.List(m.role, limit)
}

// Invalidate drops the cached credential and detaches any in-flight fetch.
func (m *StaticManager) Invalidate() {
	m.cache.Invalidate(cache.KeyStaticConnection, cache.KeyStaticInfo)
	m.group.Forget(staticFlight)
}

// TimeRemaining reports how long the cached credential stays cached.
func (m *StaticManager) TimeRemaining() (time.Duration, bool) {
	exp, ok := m.cache.ExpiresAt(cache.KeyStaticConnection)
	if !ok {
		return 0, false
	}
	return exp.Sub(m.now()), true
}

func (m *StaticManager) rotate(ctx context.Context) RotationOutcome {
	failed := func(err error) RotationOutcome {
		return RotationOutcome{
			RotatedAt: m.now(),
			Username:  "Unknown",
			Error:     err.Error(),
			Err:       err,
		}
	}

	err := m.backend.RotateStaticCredential(ctx, m.role)
	m.Invalidate()
	if err != nil {
		return failed(dserrors.NewCredentialError("rotate credential", ClassStatic, err))
	}
	if m.drainer != nil {
		m.drainer.Drain()
	}

	res, err := m.fetchCoalesced(ctx)
	if err != nil {
		return failed(err)
	}
	return RotationOutcome{
		RotatedAt: m.now(),
		Username:  res.info.Username,
		Success:   true,
	}
}

func (m *StaticManager) fetchCoalesced(ctx context.Context) (fetchResult, error) {
	ch := m.group.DoChan(staticFlight, func() (interface{}, error) {
		if r, ok := m.cached(); ok {
			return r, nil
		}
		return m.fetch(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return fetchResult{}, res.Err
		}
		return res.Val.(fetchResult), nil
	case <-ctx.Done():
		return fetchResult{}, ctx.Err()
	}
}

// cached returns the cached credential; a flight that finished after the
// caller's miss may have stored one.
func (m *StaticManager) cached() (fetchResult, bool) {
	connVal, ok := m.cache.Get(cache.KeyStaticConnection)
	if !ok {
		return fetchResult{}, false
	}
	infoVal, ok := m.cache.Get(cache.KeyStaticInfo)
	if !ok {
		return fetchResult{}, false
	}
	connStr, err := connVal.(*secure.String).Reveal()
	if err != nil {
		return fetchResult{}, false
	}
	return fetchResult{connStr: connStr, info: infoVal.(StaticCredentialInfo)}, true
}

func (m *StaticManager) fetch(ctx context.Context) (fetchResult, error) {
	start := time.Now()
	gen := m.cache.Generation(cache.KeyStaticConnection)

	res, err := m.fetchAndValidate(ctx)
	m.metrics.Mint(ClassStatic, err == nil, time.Since(start))
	if err != nil {
		return fetchResult{}, err
	}

	expiresAt := m.now().Add(m.cacheFor)
	if !m.cache.SetIfGeneration(cache.KeyStaticConnection, gen, expiresAt,
		cache.Item{Key: cache.KeyStaticConnection, Value: secure.NewString(res.connStr)},
		cache.Item{Key: cache.KeyStaticInfo, Value: res.info},
	) {
		m.logger.Debug("Static cache invalidated during fetch; result not cached")
	}
	return res, nil
}

func (m *StaticManager) fetchAndValidate(ctx context.Context) (fetchResult, error) {
	cred, err := m.backend.GetStaticCredential(ctx, m.role)
	if err != nil {
		return fetchResult{}, dserrors.NewCredentialError("fetch static credential", ClassStatic, err)
	}

	connStr, err := m.builder.ConnectionString(cred.Username, cred.Password)
	if err != nil {
		return fetchResult{}, dserrors.NewCredentialError("build connection string", ClassStatic, err)
	}

	if m.checker != nil {
		if err := m.checker.Check(ctx, connStr); err != nil {
			return fetchResult{}, dserrors.NewCredentialError("validate credential", ClassStatic, err)
		}
	}

	now := m.now()
	lastRotated := m.parseLastRotated(cred.LastRotated, now)
	period := m.parseRotationPeriod(cred.RotationPeriod)
	info := StaticCredentialInfo{
		Role:           m.role,
		Username:       cred.Username,
		Password:       secure.NewString(cred.Password),
		LastRotated:    lastRotated,
		RotationPeriod: period,
		NextRotation:   lastRotated.Add(period),
		RetrievedAt:    now,
	}
	return fetchResult{connStr: connStr, info: info}, nil
}

func (m *StaticManager) parseLastRotated(raw string, now time.Time) time.Time {
	raw = strings.TrimSpace(raw)
	if raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t
		}
	}
	m.logger.Warn("%v: last rotation %q for role %s, assuming now", dserrors.ErrRotationMetadataMalformed, raw, m.role)
	return now
}

func (m *StaticManager) parseRotationPeriod(raw string) time.Duration {
	d, err := parsePeriod(raw)
	if err != nil || d <= 0 {
		m.logger.Warn("%v: rotation period %q for role %s, assuming %s",
			dserrors.ErrRotationMetadataMalformed, raw, m.role, DefaultRotationPeriod)
		return DefaultRotationPeriod
	}
	return d
}

// parsePeriod accepts integer seconds or a Go duration string.
func parsePeriod(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty period")
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(raw)
}
