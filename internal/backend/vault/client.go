package vault

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"

	dserrors "github.com/systmms/dbcreds/internal/errors"
	"github.com/systmms/dbcreds/internal/logging"
)

// KeyringService is the OS keyring service name tokens are stored under,
// keyed by Vault address.
const KeyringService = "dbcreds"

const defaultK8STokenPath = "/var/run/secrets/kubernetes.io/serviceaccount/token"

// VaultClient is the HTTP surface the backend needs. Split out for tests.
type VaultClient interface {
	Authenticate(ctx context.Context) error
	Read(ctx context.Context, path string) (*Response, error)
	Write(ctx context.Context, method, path string, body interface{}) (*Response, error)
	Health(ctx context.Context) error
}

// Response is the generic Vault API envelope.
type Response struct {
	LeaseID       string                 `json:"lease_id"`
	LeaseDuration int                    `json:"lease_duration"`
	Renewable     bool                   `json:"renewable"`
	Data          map[string]interface{} `json:"data"`
}

// StatusError is a non-2xx answer from Vault.
type StatusError struct {
	StatusCode int
	Errors     []string
}

func (e *StatusError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("vault returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("vault returned status %d: %s", e.StatusCode, strings.Join(e.Errors, "; "))
}

// Unwrap classifies server-side failures as backend unavailability.
func (e *StatusError) Unwrap() error {
	if e.StatusCode >= 500 {
		return dserrors.ErrBackendUnavailable
	}
	return nil
}

func (e *StatusError) contains(s string) bool {
	for _, msg := range e.Errors {
		if strings.Contains(strings.ToLower(msg), s) {
			return true
		}
	}
	return false
}

// HTTPVaultClient implements VaultClient over the Vault HTTP API.
type HTTPVaultClient struct {
	config     Config
	logger     *logging.Logger
	httpClient *http.Client
	keyringGet func(service, user string) (string, error)

	mu    sync.Mutex
	token string
}

// NewHTTPVaultClient builds a client with TLS settings from cfg.
func NewHTTPVaultClient(cfg Config, logger *logging.Logger) (*HTTPVaultClient, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	httpClient, err := buildHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	return &HTTPVaultClient{
		config:     cfg,
		logger:     logger,
		httpClient: httpClient,
		keyringGet: keyring.Get,
	}, nil
}

// Authenticate obtains a token with the configured method unless one is
// already held.
func (c *HTTPVaultClient) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	has := c.token != ""
	c.mu.Unlock()
	if has {
		return nil
	}

	var (
		token string
		err   error
	)
	switch c.config.AuthMethod {
	case "", "token":
		token, err = c.lookupToken()
	case "userpass":
		token, err = c.authenticateUserpass(ctx)
	case "approle":
		token, err = c.performLogin(ctx, "auth/approle/login", map[string]interface{}{
			"role_id":   c.config.AppRoleID,
			"secret_id": c.config.AppRoleSecretID,
		})
	case "k8s", "kubernetes":
		token, err = c.authenticateKubernetes(ctx)
	default:
		return fmt.Errorf("unsupported auth method: %s", c.config.AuthMethod)
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return nil
}

// Read issues a GET.
func (c *HTTPVaultClient) Read(ctx context.Context, path string) (*Response, error) {
	return c.Write(ctx, http.MethodGet, path, nil)
}

// Write issues a request with an optional JSON body. A 403 under a login
// based auth method re-authenticates once and retries.
func (c *HTTPVaultClient) Write(ctx context.Context, method, path string, body interface{}) (*Response, error) {
	if err := c.Authenticate(ctx); err != nil {
		return nil, fmt.Errorf("vault authentication failed: %w", err)
	}

	resp, err := c.do(ctx, method, path, body)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusForbidden && c.canRelogin() {
		c.logger.Debug("Vault returned 403, re-authenticating with %s", c.config.AuthMethod)
		c.clearToken()
		if authErr := c.Authenticate(ctx); authErr != nil {
			return nil, fmt.Errorf("vault re-authentication failed: %w", authErr)
		}
		return c.do(ctx, method, path, body)
	}
	return resp, err
}

// Health queries sys/health. Sealed, uninitialised or unreachable servers
// report ErrBackendUnavailable.
func (c *HTTPVaultClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("sys/health"), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req, false)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", dserrors.ErrBackendUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusTooManyRequests, 472, 473:
		return nil
	case http.StatusNotImplemented:
		return fmt.Errorf("%w: vault is not initialized", dserrors.ErrBackendUnavailable)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: vault is sealed", dserrors.ErrBackendUnavailable)
	default:
		return fmt.Errorf("%w: unexpected health status %d", dserrors.ErrBackendUnavailable, resp.StatusCode)
	}
}

func (c *HTTPVaultClient) do(ctx context.Context, method, path string, body interface{}) (*Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req, true)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", dserrors.ErrBackendUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNoContent {
		return &Response{}, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, readStatusError(resp)
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if errors.Is(err, io.EOF) {
			return &Response{}, nil
		}
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &out, nil
}

func readStatusError(resp *http.Response) error {
	raw, _ := io.ReadAll(resp.Body)
	var payload struct {
		Errors []string `json:"errors"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil && len(raw) > 0 {
		payload.Errors = []string{strings.TrimSpace(string(raw))}
	}
	return &StatusError{StatusCode: resp.StatusCode, Errors: payload.Errors}
}

func (c *HTTPVaultClient) url(path string) string {
	return strings.TrimSuffix(c.config.Address, "/") + "/v1/" + strings.TrimPrefix(path, "/")
}

func (c *HTTPVaultClient) setHeaders(req *http.Request, withToken bool) {
	if withToken {
		c.mu.Lock()
		req.Header.Set("X-Vault-Token", c.token)
		c.mu.Unlock()
	}
	if c.config.Namespace != "" {
		req.Header.Set("X-Vault-Namespace", c.config.Namespace)
	}
}

func (c *HTTPVaultClient) canRelogin() bool {
	switch c.config.AuthMethod {
	case "userpass", "approle", "k8s", "kubernetes":
		return true
	}
	return false
}

func (c *HTTPVaultClient) clearToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// lookupToken resolves a static token from the configured source.
func (c *HTTPVaultClient) lookupToken() (string, error) {
	switch c.config.TokenSource {
	case "keyring":
		token, err := c.keyringGet(KeyringService, c.config.Address)
		if err != nil {
			if errors.Is(err, keyring.ErrNotFound) {
				return "", fmt.Errorf("no vault token in keyring for %s", c.config.Address)
			}
			return "", fmt.Errorf("failed to read keyring: %w", err)
		}
		return token, nil
	case "env":
		if token := os.Getenv("VAULT_TOKEN"); token != "" {
			return token, nil
		}
		return "", fmt.Errorf("VAULT_TOKEN is not set")
	default:
		if c.config.Token != "" {
			return c.config.Token, nil
		}
		if token := os.Getenv("VAULT_TOKEN"); token != "" {
			return token, nil
		}
		return "", fmt.Errorf("no vault token found in config or VAULT_TOKEN environment variable")
	}
}

func (c *HTTPVaultClient) authenticateUserpass(ctx context.Context) (string, error) {
	password := c.config.UserpassPassword
	if password == "" {
		password = os.Getenv("VAULT_USERPASS_PASSWORD")
	}
	if password == "" {
		return "", fmt.Errorf("no password found for userpass auth")
	}
	return c.performLogin(ctx, "auth/userpass/login/"+c.config.UserpassUsername, map[string]interface{}{
		"password": password,
	})
}

func (c *HTTPVaultClient) authenticateKubernetes(ctx context.Context) (string, error) {
	tokenPath := c.config.K8STokenPath
	if tokenPath == "" {
		tokenPath = defaultK8STokenPath
	}
	jwt, err := os.ReadFile(tokenPath)
	if err != nil {
		return "", fmt.Errorf("failed to read kubernetes token: %w", err)
	}
	return c.performLogin(ctx, "auth/kubernetes/login", map[string]interface{}{
		"role": c.config.K8SRole,
		"jwt":  strings.TrimSpace(string(jwt)),
	})
}

func (c *HTTPVaultClient) performLogin(ctx context.Context, authPath string, authData map[string]interface{}) (string, error) {
	jsonData, err := json.Marshal(authData)
	if err != nil {
		return "", fmt.Errorf("failed to marshal auth data: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(authPath), bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req, false)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", dserrors.ErrBackendUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", readStatusError(resp)
	}

	var authResp struct {
		Auth struct {
			ClientToken string `json:"client_token"`
		} `json:"auth"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&authResp); err != nil {
		return "", fmt.Errorf("failed to decode auth response: %w", err)
	}
	if authResp.Auth.ClientToken == "" {
		return "", fmt.Errorf("no token received from vault")
	}
	return authResp.Auth.ClientToken, nil
}

// buildHTTPClient applies TLS verification settings and a CA bundle.
func buildHTTPClient(cfg Config) (*http.Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := &http.Client{Timeout: timeout}

	if !cfg.TLSSkip && cfg.CACert == "" {
		return client, nil
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.TLSSkip,
	}
	if cfg.CACert != "" {
		pem, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}
	client.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	return client, nil
}
