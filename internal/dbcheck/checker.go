// Package dbcheck builds connection strings and proves that a credential
// can actually log in before the broker hands it out.
package dbcheck

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	dserrors "github.com/systmms/dbcreds/internal/errors"
	"github.com/systmms/dbcreds/internal/logging"
)

// DefaultTimeout bounds a validation attempt.
const DefaultTimeout = 15 * time.Second

// Opener opens a database handle. sql.Open by default; tests swap in
// sqlmock.
type Opener func(driverName, dsn string) (*sql.DB, error)

// Checker validates connection strings by opening a real connection.
type Checker struct {
	driver  string
	timeout time.Duration
	open    Opener
	logger  *logging.Logger
}

// Option configures a Checker.
type Option func(*Checker)

// WithOpener overrides how handles are opened.
func WithOpener(open Opener) Option {
	return func(c *Checker) {
		c.open = open
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Checker) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewChecker creates a checker for driverName. A non-positive timeout uses
// DefaultTimeout.
func NewChecker(driverName string, timeout time.Duration, opts ...Option) (*Checker, error) {
	d, err := NormalizeDriver(driverName)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Checker{
		driver:  d,
		timeout: timeout,
		open:    sql.Open,
		logger:  logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Driver returns the database/sql driver name in use.
func (c *Checker) Driver() string {
	return c.driver
}

// Check opens a fresh connection with connStr and pings it within the
// configured timeout. Failures are classified with Classify.
func (c *Checker) Check(ctx context.Context, connStr string) error {
	db, err := c.open(c.driver, connStr)
	if err != nil {
		return dserrors.NewCredentialError("validate connection", "", err, dserrors.ErrCredentialInvalid)
	}
	defer func() { _ = db.Close() }()

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(0)

	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err = db.PingContext(checkCtx)
	c.logger.Debug("Database ping finished in %s", time.Since(start).Round(time.Millisecond))
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if checkCtx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return dserrors.NewCredentialError("validate connection", "", err, dserrors.ErrValidationTimeout)
	}
	return Classify(err)
}

// Classify maps a driver error to broker error classes. Login refusals are
// both ErrCredentialInvalid and ErrAuthenticationRejected; permission
// problems are ErrCredentialInvalid; network failures are
// ErrBackendUnavailable. Errors already classified are returned as is.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var credErr *dserrors.CredentialError
	if errors.As(err, &credErr) {
		return err
	}

	if IsAuthenticationRejected(err) {
		return dserrors.NewCredentialError("validate connection", "", err,
			dserrors.ErrCredentialInvalid, dserrors.ErrAuthenticationRejected)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, driver.ErrBadConn) {
		return dserrors.NewCredentialError("validate connection", "", err, dserrors.ErrBackendUnavailable)
	}

	return dserrors.NewCredentialError("validate connection", "", fmt.Errorf("credentials valid but database connection failed, check user permissions: %w", err),
		dserrors.ErrCredentialInvalid)
}

// IsAuthenticationRejected reports whether err is the database refusing a
// login.
func IsAuthenticationRejected(err error) bool {
	if errors.Is(err, dserrors.ErrAuthenticationRejected) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "28P01", "28000":
			return true
		}
		return false
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1045
	}
	return false
}
