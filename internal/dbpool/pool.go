// Package dbpool hands out a *sql.DB bound to the credential the broker
// currently resolves. When the credential changes the old handle is retired
// and a new one opened; the broker drains the pool whenever it mints. A
// retired handle is closed once the last Exec using it returns.
package dbpool

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/systmms/dbcreds/internal/dbcheck"
	"github.com/systmms/dbcreds/internal/logging"
)

// Source runs fn with the current connection string, retrying once with a
// fresh credential if the database rejects the login.
type Source interface {
	Do(ctx context.Context, fn func(ctx context.Context, connStr string) error) error
}

// Pool caches one *sql.DB per connection string.
type Pool struct {
	driver string
	source Source
	open   dbcheck.Opener
	logger *logging.Logger

	maxOpen     int
	maxIdle     int
	maxLifetime time.Duration

	mu  sync.Mutex
	cur *handle
}

// handle is one *sql.DB and the number of Exec calls using it.
type handle struct {
	db      *sql.DB
	dsn     string
	refs    int
	retired bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithOpener overrides sql.Open.
func WithOpener(open dbcheck.Opener) Option {
	return func(p *Pool) {
		p.open = open
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithLimits sets pool sizing on every handle opened.
func WithLimits(maxOpen, maxIdle int, maxLifetime time.Duration) Option {
	return func(p *Pool) {
		p.maxOpen = maxOpen
		p.maxIdle = maxIdle
		p.maxLifetime = maxLifetime
	}
}

// New creates a pool for driverName. source may be set later with Bind.
func New(driverName string, source Source, opts ...Option) *Pool {
	p := &Pool{
		driver: driverName,
		source: source,
		open:   sql.Open,
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Bind sets the connection string source.
func (p *Pool) Bind(source Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.source = source
}

// Exec runs fn against the current handle. The handle stays open until fn
// returns even if the pool is drained meanwhile.
func (p *Pool) Exec(ctx context.Context, fn func(ctx context.Context, db *sql.DB) error) error {
	p.mu.Lock()
	source := p.source
	p.mu.Unlock()
	if source == nil {
		return errors.New("connection pool has no credential source")
	}

	return source.Do(ctx, func(ctx context.Context, connStr string) error {
		h, err := p.acquire(connStr)
		if err != nil {
			return err
		}
		defer p.release(h)
		return fn(ctx, h.db)
	})
}

// DB returns the handle for the current credential, verified with a ping.
// The handle is valid until the next Drain or credential change.
func (p *Pool) DB(ctx context.Context) (*sql.DB, error) {
	var out *sql.DB
	err := p.Exec(ctx, func(ctx context.Context, db *sql.DB) error {
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		out = db
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Drain retires the handle bound to the previous credential. Idle
// connections are dropped at once; the handle closes when in-flight Exec
// calls finish.
func (p *Pool) Drain() {
	p.mu.Lock()
	h := p.cur
	p.cur = nil
	p.mu.Unlock()

	if h != nil {
		p.logger.Debug("Draining database pool")
		p.retire(h)
	}
}

// Close drains the pool.
func (p *Pool) Close() error {
	p.Drain()
	return nil
}

// Stats reports the current handle's statistics; zero when drained.
func (p *Pool) Stats() sql.DBStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur == nil {
		return sql.DBStats{}
	}
	return p.cur.db.Stats()
}

func (p *Pool) acquire(connStr string) (*handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cur != nil && p.cur.dsn == connStr {
		p.cur.refs++
		return p.cur, nil
	}

	db, err := p.open(p.driver, connStr)
	if err != nil {
		return nil, err
	}
	if p.maxOpen > 0 {
		db.SetMaxOpenConns(p.maxOpen)
	}
	if p.maxIdle > 0 {
		db.SetMaxIdleConns(p.maxIdle)
	}
	if p.maxLifetime > 0 {
		db.SetConnMaxLifetime(p.maxLifetime)
	}

	if old := p.cur; old != nil {
		p.logger.Debug("Credential changed, replacing database pool")
		p.retireLocked(old)
	}
	p.cur = &handle{db: db, dsn: connStr, refs: 1}
	return p.cur, nil
}

func (p *Pool) release(h *handle) {
	p.mu.Lock()
	h.refs--
	closeNow := h.retired && h.refs == 0
	p.mu.Unlock()

	if closeNow {
		_ = h.db.Close()
	}
}

func (p *Pool) retire(h *handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retireLocked(h)
}

func (p *Pool) retireLocked(h *handle) {
	if h.retired {
		return
	}
	h.retired = true
	if h.refs == 0 {
		_ = h.db.Close()
		return
	}
	h.db.SetMaxIdleConns(0)
}
