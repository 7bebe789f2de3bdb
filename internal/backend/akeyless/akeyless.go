// Package akeyless issues and reads database credentials through an Akeyless
// gateway. Dynamic secrets back leased logins, their temporary credentials
// standing in for leases; rotated secrets back static logins.
package akeyless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/systmms/dbcreds/internal/backend"
	"github.com/systmms/dbcreds/internal/cache"
	dserrors "github.com/systmms/dbcreds/internal/errors"
	"github.com/systmms/dbcreds/internal/logging"
)

// Authentication methods.
const (
	AuthToken   = "token"
	AuthAPIKey  = "api_key"
	AuthAWSIAM  = "aws_iam"
	AuthAzureAD = "azure_ad"
	AuthGCP     = "gcp"
)

// DefaultLeaseTTL applies when a dynamic secret omits ttl_in_minutes.
const DefaultLeaseTTL = time.Hour

const (
	tokenKey = "akeyless:token"
	// leaseSep joins the dynamic secret name and the temporary credential id.
	leaseSep = "#"
)

// Config describes how to reach and authenticate against the gateway.
type Config struct {
	GatewayURL      string
	AuthMethod      string
	Token           string
	AccessID        string
	AccessKey       string
	AzureADObjectID string
	GCPAudience     string
	// Host is the database host, required when extending temporary
	// credentials.
	Host    string
	Timeout time.Duration
}

// Backend implements backend.DynamicBackend and backend.StaticBackend.
type Backend struct {
	client Client
	host   string
	tokens *cache.Cache
	now    func() time.Time
	logger *logging.Logger
}

var (
	_ backend.DynamicBackend = (*Backend)(nil)
	_ backend.StaticBackend  = (*Backend)(nil)
	_ backend.HealthChecker  = (*Backend)(nil)
)

// Option configures a Backend.
type Option func(*Backend)

// WithClient injects a client in place of the SDK one.
func WithClient(client Client) Option {
	return func(b *Backend) {
		b.client = client
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithClock overrides the clock used for token expiry.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) {
		if now != nil {
			b.now = now
		}
	}
}

// New creates a Backend.
func New(cfg Config, opts ...Option) (*Backend, error) {
	if cfg.GatewayURL == "" {
		cfg.GatewayURL = DefaultGatewayURL
	}
	cfg.GatewayURL = strings.TrimRight(cfg.GatewayURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.AuthMethod == "" || (cfg.AuthMethod == AuthToken && cfg.Token == "" && cfg.AccessKey != "") {
		cfg.AuthMethod = AuthAPIKey
	}

	switch cfg.AuthMethod {
	case AuthToken:
		if cfg.Token == "" {
			return nil, errors.New("akeyless token authentication requires a token")
		}
	case AuthAPIKey:
		if cfg.AccessID == "" || cfg.AccessKey == "" {
			return nil, errors.New("akeyless api_key authentication requires access_id and access_key")
		}
	case AuthAWSIAM, AuthAzureAD, AuthGCP:
		if cfg.AccessID == "" {
			return nil, fmt.Errorf("akeyless %s authentication requires access_id", cfg.AuthMethod)
		}
	default:
		return nil, fmt.Errorf("unsupported akeyless auth method %q", cfg.AuthMethod)
	}

	b := &Backend{
		host:   cfg.Host,
		now:    time.Now,
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.tokens = cache.New(cache.WithClock(b.now))
	if b.client == nil {
		b.client = newSDKClient(cfg)
	}
	return b, nil
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return "akeyless"
}

// IssueDynamicCredential fetches a new temporary login from the dynamic
// secret named role.
func (b *Backend) IssueDynamicCredential(ctx context.Context, role string) (*backend.DynamicCredential, error) {
	var values map[string]string
	err := b.withToken(ctx, func(token string) error {
		var err error
		values, err = b.client.GetDynamicSecretValue(ctx, token, role, 0)
		return err
	})
	if err != nil {
		return nil, mapError("get dynamic secret value", role, err, nil)
	}

	id := values["id"]
	username := firstOf(values, "user", "username")
	password := values["password"]
	if id == "" || username == "" || password == "" {
		return nil, fmt.Errorf("dynamic secret %q returned no id, user or password", role)
	}

	ttl := DefaultLeaseTTL
	if raw := values["ttl_in_minutes"]; raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes <= 0 {
			b.logger.Warn("Dynamic secret %s reported ttl_in_minutes %q, assuming %s", role, raw, DefaultLeaseTTL)
		} else {
			ttl = time.Duration(minutes) * time.Minute
		}
	}

	return &backend.DynamicCredential{
		LeaseID:       role + leaseSep + id,
		Username:      username,
		Password:      password,
		LeaseDuration: ttl,
		Renewable:     true,
	}, nil
}

// RenewLease extends the temporary credential. Akeyless counts in whole
// minutes, so the increment is rounded up.
func (b *Backend) RenewLease(ctx context.Context, leaseID string, incrementSeconds int) (*backend.RenewedLease, error) {
	name, id, err := parseLeaseID(leaseID)
	if err != nil {
		return nil, err
	}

	minutes := (incrementSeconds + 59) / 60
	if minutes < 1 {
		minutes = 1
	}
	ttl := time.Duration(minutes) * time.Minute

	err = b.withToken(ctx, func(token string) error {
		return b.client.UpdateTmpCreds(ctx, token, name, b.host, id, ttl)
	})
	if err != nil {
		return nil, mapError("update temporary credentials", leaseID, err, dserrors.ErrLeaseNotFound)
	}
	return &backend.RenewedLease{LeaseID: leaseID, LeaseDuration: ttl}, nil
}

// RevokeLease deletes the temporary credential.
func (b *Backend) RevokeLease(ctx context.Context, leaseID string) error {
	name, id, err := parseLeaseID(leaseID)
	if err != nil {
		return err
	}

	err = b.withToken(ctx, func(token string) error {
		return b.client.DeleteTmpCreds(ctx, token, name, id)
	})
	if err != nil {
		return mapError("delete temporary credentials", leaseID, err, dserrors.ErrLeaseNotFound)
	}
	return nil
}

// GetStaticCredential reads the rotated secret named role and its rotation
// metadata.
func (b *Backend) GetStaticCredential(ctx context.Context, role string) (*backend.StaticCredential, error) {
	var out map[string]interface{}
	err := b.withToken(ctx, func(token string) error {
		var err error
		out, err = b.client.GetRotatedSecretValue(ctx, token, role)
		return err
	})
	if err != nil {
		return nil, mapError("get rotated secret value", role, err, nil)
	}

	username, password := rotatedCredential(out)
	if username == "" || password == "" {
		return nil, fmt.Errorf("rotated secret %q is missing username or password", role)
	}
	cred := &backend.StaticCredential{Username: username, Password: password}

	var info *ItemInfo
	err = b.withToken(ctx, func(token string) error {
		var err error
		info, err = b.client.DescribeItem(ctx, token, role)
		return err
	})
	if err != nil {
		// Metadata is best effort; the broker substitutes defaults.
		b.logger.Warn("Could not describe item %s: %v", role, err)
		return cred, nil
	}
	if info.LastRotated != nil {
		cred.LastRotated = info.LastRotated.UTC().Format(time.RFC3339)
	}
	if info.RotationIntervalDays > 0 {
		cred.RotationPeriod = (time.Duration(info.RotationIntervalDays) * 24 * time.Hour).String()
	}
	return cred, nil
}

// RotateStaticCredential asks the gateway to rotate the secret now. The
// gateway answers once the target has accepted the new password.
func (b *Backend) RotateStaticCredential(ctx context.Context, role string) error {
	err := b.withToken(ctx, func(token string) error {
		return b.client.RotateSecret(ctx, token, role)
	})
	if err != nil {
		return mapError("rotate secret", role, err, nil)
	}
	return nil
}

// Health authenticates against the gateway.
func (b *Backend) Health(ctx context.Context) error {
	if _, err := b.token(ctx); err != nil {
		return mapError("auth", "", err, nil)
	}
	return nil
}

func (b *Backend) token(ctx context.Context) (string, error) {
	if v, ok := b.tokens.Get(tokenKey); ok {
		return v.(string), nil
	}

	token, ttl, err := b.client.Authenticate(ctx)
	if err != nil {
		return "", err
	}
	b.tokens.Set(tokenKey, token, b.now().Add(ttl))
	b.logger.Debug("Authenticated against akeyless, token valid for %s", ttl)
	return token, nil
}

// withToken runs fn with a cached token, re-authenticating once when the
// gateway rejects it.
func (b *Backend) withToken(ctx context.Context, fn func(token string) error) error {
	token, err := b.token(ctx)
	if err != nil {
		return err
	}

	err = fn(token)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != 401 {
		return err
	}

	b.logger.Debug("Akeyless token rejected, re-authenticating")
	b.tokens.Invalidate(tokenKey)
	if token, err = b.token(ctx); err != nil {
		return err
	}
	return fn(token)
}

func parseLeaseID(leaseID string) (name, id string, err error) {
	i := strings.LastIndex(leaseID, leaseSep)
	if i <= 0 || i == len(leaseID)-1 {
		return "", "", fmt.Errorf("akeyless lease %q: %w", leaseID, dserrors.ErrLeaseNotFound)
	}
	return leaseID[:i], leaseID[i+1:], nil
}

// rotatedCredential digs the login out of a get-rotated-secret-value
// answer. The value is either a nested object or a JSON string, keyed by
// "value" or by the secret name.
func rotatedCredential(out map[string]interface{}) (username, password string) {
	var doc map[string]interface{}
	if v, ok := out["value"]; ok {
		doc = asObject(v)
	} else {
		for _, v := range out {
			if obj := asObject(v); obj != nil {
				doc = asObject(obj["value"])
				if doc == nil {
					doc = obj
				}
				break
			}
		}
	}
	if doc == nil {
		doc = out
	}

	username, _ = doc["username"].(string)
	if username == "" {
		username, _ = doc["user"].(string)
	}
	password, _ = doc["password"].(string)
	return username, password
}

func asObject(v interface{}) map[string]interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return t
	case string:
		var obj map[string]interface{}
		if json.Unmarshal([]byte(t), &obj) == nil {
			return obj
		}
	}
	return nil
}

func firstOf(values map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := values[k]; v != "" {
			return v
		}
	}
	return ""
}

func mapError(op, subject string, err error, notFound error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("akeyless %s: %w", op, err)
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.notFound() && notFound != nil:
			return fmt.Errorf("akeyless %s: %q: %w: %v", op, subject, notFound, err)
		case statusErr.notFound():
			return fmt.Errorf("akeyless %s: item %q not found: %w", op, subject, err)
		case statusErr.StatusCode == 401 || statusErr.StatusCode == 403:
			return fmt.Errorf("akeyless %s: permission denied: %w", op, err)
		}
	}
	return fmt.Errorf("akeyless %s: %w", op, err)
}
