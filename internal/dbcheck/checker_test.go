package dbcheck

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dserrors "github.com/systmms/dbcreds/internal/errors"
)

func mockChecker(t *testing.T, timeout time.Duration, setup func(mock sqlmock.Sqlmock)) (*Checker, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	setup(mock)

	c, err := NewChecker("postgres", timeout, WithOpener(func(driverName, dsn string) (*sql.DB, error) {
		assert.Equal(t, "postgres", driverName)
		return db, nil
	}))
	require.NoError(t, err)
	return c, mock
}

func TestChecker_Check(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		setupMock  func(mock sqlmock.Sqlmock)
		wantErr    bool
		wantIs     []error
		wantNotIs  []error
		errContain string
	}{
		{
			name: "successful_ping",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectPing()
			},
		},
		{
			name: "postgres_password_rejected",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectPing().WillReturnError(&pq.Error{Code: "28P01", Message: "password authentication failed"})
			},
			wantErr: true,
			wantIs:  []error{dserrors.ErrCredentialInvalid, dserrors.ErrAuthenticationRejected},
		},
		{
			name: "mysql_access_denied",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectPing().WillReturnError(&mysql.MySQLError{Number: 1045, Message: "Access denied for user"})
			},
			wantErr: true,
			wantIs:  []error{dserrors.ErrCredentialInvalid, dserrors.ErrAuthenticationRejected},
		},
		{
			name: "insufficient_privilege",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectPing().WillReturnError(&pq.Error{Code: "42501", Message: "permission denied for database"})
			},
			wantErr:    true,
			wantIs:     []error{dserrors.ErrCredentialInvalid},
			wantNotIs:  []error{dserrors.ErrAuthenticationRejected},
			errContain: "check user permissions",
		},
		{
			name: "network_failure",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectPing().WillReturnError(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")})
			},
			wantErr:   true,
			wantIs:    []error{dserrors.ErrBackendUnavailable},
			wantNotIs: []error{dserrors.ErrCredentialInvalid},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c, mock := mockChecker(t, time.Second, tt.setupMock)
			err := c.Check(context.Background(), "postgres://u:p@h/d")

			if !tt.wantErr {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				for _, target := range tt.wantIs {
					assert.ErrorIs(t, err, target)
				}
				for _, target := range tt.wantNotIs {
					assert.NotErrorIs(t, err, target)
				}
				if tt.errContain != "" {
					assert.Contains(t, err.Error(), tt.errContain)
				}
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestChecker_Timeout(t *testing.T) {
	t.Parallel()

	c, _ := mockChecker(t, 20*time.Millisecond, func(mock sqlmock.Sqlmock) {
		mock.ExpectPing().WillDelayFor(500 * time.Millisecond)
	})

	err := c.Check(context.Background(), "dsn")
	assert.ErrorIs(t, err, dserrors.ErrValidationTimeout)
	assert.NotErrorIs(t, err, dserrors.ErrCredentialInvalid)
}

func TestChecker_CallerCancelled(t *testing.T) {
	t.Parallel()

	c, _ := mockChecker(t, time.Second, func(mock sqlmock.Sqlmock) {
		mock.ExpectPing().WillDelayFor(500 * time.Millisecond)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Check(ctx, "dsn")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestChecker_OpenFailure(t *testing.T) {
	t.Parallel()

	c, err := NewChecker("mysql", 0, WithOpener(func(driverName, dsn string) (*sql.DB, error) {
		return nil, errors.New("invalid DSN")
	}))
	require.NoError(t, err)
	assert.Equal(t, "mysql", c.Driver())

	err = c.Check(context.Background(), "bad")
	assert.ErrorIs(t, err, dserrors.ErrCredentialInvalid)
}

func TestNewChecker_UnsupportedDriver(t *testing.T) {
	t.Parallel()

	_, err := NewChecker("oracle", time.Second)
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestClassify(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Classify(nil))

	already := dserrors.NewCredentialError("x", "", errors.New("y"), dserrors.ErrBackendUnavailable)
	assert.Same(t, already, Classify(already).(*dserrors.CredentialError))

	assert.True(t, IsAuthenticationRejected(&pq.Error{Code: "28000"}))
	assert.False(t, IsAuthenticationRejected(&pq.Error{Code: "3D000"}))
	assert.False(t, IsAuthenticationRejected(&mysql.MySQLError{Number: 1044}))
	assert.True(t, IsAuthenticationRejected(dserrors.ErrAuthenticationRejected))
}
