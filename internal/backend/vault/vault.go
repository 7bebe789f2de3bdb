// Package vault talks to HashiCorp Vault's database secrets engine.
package vault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/systmms/dbcreds/internal/backend"
	dserrors "github.com/systmms/dbcreds/internal/errors"
	"github.com/systmms/dbcreds/internal/logging"
)

const (
	DefaultVaultAddr = "http://127.0.0.1:8200"
	DefaultMount     = "database"
	DefaultTimeout   = 30 * time.Second
)

// Config holds Vault connection and auth settings.
type Config struct {
	Address     string
	Token       string
	TokenSource string // config, env or keyring
	AuthMethod  string // token, userpass, approle, kubernetes
	Namespace   string
	Mount       string

	UserpassUsername string
	UserpassPassword string
	AppRoleID        string
	AppRoleSecretID  string
	K8SRole          string
	K8STokenPath     string

	CACert  string
	TLSSkip bool
	Timeout time.Duration
}

// Backend implements backend.DynamicBackend and backend.StaticBackend.
type Backend struct {
	mount  string
	client VaultClient
	logger *logging.Logger
}

var (
	_ backend.DynamicBackend = (*Backend)(nil)
	_ backend.StaticBackend  = (*Backend)(nil)
	_ backend.HealthChecker  = (*Backend)(nil)
)

// New creates a Backend with an HTTP client for cfg.
func New(cfg Config, logger *logging.Logger) (*Backend, error) {
	if cfg.Address == "" {
		cfg.Address = DefaultVaultAddr
	}
	client, err := NewHTTPVaultClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewWithClient(client, cfg.Mount, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client VaultClient, mount string, logger *logging.Logger) *Backend {
	if mount == "" {
		mount = DefaultMount
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Backend{
		mount:  strings.Trim(mount, "/"),
		client: client,
		logger: logger,
	}
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return "vault"
}

// IssueDynamicCredential reads <mount>/creds/<role>.
func (b *Backend) IssueDynamicCredential(ctx context.Context, role string) (*backend.DynamicCredential, error) {
	path := fmt.Sprintf("%s/creds/%s", b.mount, role)
	b.logger.Debug("Requesting dynamic credential from %s", path)

	resp, err := b.client.Read(ctx, path)
	if err != nil {
		return nil, mapError("issue dynamic credential", err)
	}
	if resp == nil || resp.LeaseID == "" {
		return nil, fmt.Errorf("vault returned no lease for role %q", role)
	}

	username, password, err := credentialFields(resp.Data)
	if err != nil {
		return nil, err
	}

	return &backend.DynamicCredential{
		LeaseID:       resp.LeaseID,
		Username:      username,
		Password:      password,
		LeaseDuration: time.Duration(resp.LeaseDuration) * time.Second,
		Renewable:     resp.Renewable,
	}, nil
}

// RenewLease extends a lease by incrementSeconds.
func (b *Backend) RenewLease(ctx context.Context, leaseID string, incrementSeconds int) (*backend.RenewedLease, error) {
	resp, err := b.client.Write(ctx, http.MethodPut, "sys/leases/renew", map[string]interface{}{
		"lease_id":  leaseID,
		"increment": incrementSeconds,
	})
	if err != nil {
		return nil, mapError("renew lease", err)
	}

	out := &backend.RenewedLease{LeaseID: leaseID}
	if resp != nil {
		if resp.LeaseID != "" {
			out.LeaseID = resp.LeaseID
		}
		out.LeaseDuration = time.Duration(resp.LeaseDuration) * time.Second
	}
	return out, nil
}

// RevokeLease revokes a lease immediately.
func (b *Backend) RevokeLease(ctx context.Context, leaseID string) error {
	_, err := b.client.Write(ctx, http.MethodPut, "sys/leases/revoke", map[string]interface{}{
		"lease_id": leaseID,
	})
	if err != nil {
		return mapError("revoke lease", err)
	}
	return nil
}

// GetStaticCredential reads <mount>/static-creds/<role>.
func (b *Backend) GetStaticCredential(ctx context.Context, role string) (*backend.StaticCredential, error) {
	path := fmt.Sprintf("%s/static-creds/%s", b.mount, role)
	b.logger.Debug("Reading static credential from %s", path)

	resp, err := b.client.Read(ctx, path)
	if err != nil {
		return nil, mapError("read static credential", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("vault returned no data for static role %q", role)
	}

	username, password, err := credentialFields(resp.Data)
	if err != nil {
		return nil, err
	}

	return &backend.StaticCredential{
		Username:       username,
		Password:       password,
		LastRotated:    stringify(resp.Data["last_vault_rotation"]),
		RotationPeriod: stringify(resp.Data["rotation_period"]),
	}, nil
}

// RotateStaticCredential triggers an immediate rotation.
func (b *Backend) RotateStaticCredential(ctx context.Context, role string) error {
	path := fmt.Sprintf("%s/rotate-role/%s", b.mount, role)
	if _, err := b.client.Write(ctx, http.MethodPost, path, nil); err != nil {
		return mapError("rotate static credential", err)
	}
	return nil
}

// Health reports whether Vault is reachable and unsealed.
func (b *Backend) Health(ctx context.Context) error {
	return b.client.Health(ctx)
}

func credentialFields(data map[string]interface{}) (string, string, error) {
	username, _ := data["username"].(string)
	password, _ := data["password"].(string)
	if username == "" || password == "" {
		return "", "", fmt.Errorf("vault response is missing username or password")
	}
	return username, password, nil
}

// stringify renders metadata values without interpreting them.
func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// mapError translates Vault failures into broker error classes.
func mapError(op string, err error) error {
	if errors.Is(err, dserrors.ErrBackendUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("vault %s: %w", op, err)
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.contains("lease not found"), statusErr.contains("invalid lease"):
			return fmt.Errorf("vault %s: %w: %v", op, dserrors.ErrLeaseNotFound, err)
		case statusErr.StatusCode == http.StatusForbidden:
			return fmt.Errorf("vault %s: permission denied: %w", op, err)
		case statusErr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("vault %s: role or path not found: %w", op, err)
		}
	}
	return fmt.Errorf("vault %s: %w", op, err)
}
