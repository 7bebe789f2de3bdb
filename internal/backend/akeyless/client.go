package akeyless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	akeyless "github.com/akeylesslabs/akeyless-go/v3"

	dserrors "github.com/systmms/dbcreds/internal/errors"
)

// DefaultGatewayURL is the public Akeyless API endpoint.
const DefaultGatewayURL = "https://api.akeyless.io"

// tokenTTL is how long an Akeyless access token is reused. Tokens last
// 30 minutes; the margin covers clock skew.
const tokenTTL = 25 * time.Minute

// ItemInfo is the rotation metadata of a rotated secret.
type ItemInfo struct {
	LastRotated          *time.Time
	RotationIntervalDays int64
}

// Client is the subset of the Akeyless API the backend uses.
type Client interface {
	Authenticate(ctx context.Context) (string, time.Duration, error)
	GetDynamicSecretValue(ctx context.Context, token, name string, timeout time.Duration) (map[string]string, error)
	UpdateTmpCreds(ctx context.Context, token, name, host, id string, ttl time.Duration) error
	DeleteTmpCreds(ctx context.Context, token, name, id string) error
	GetRotatedSecretValue(ctx context.Context, token, name string) (map[string]interface{}, error)
	RotateSecret(ctx context.Context, token, name string) error
	DescribeItem(ctx context.Context, token, name string) (*ItemInfo, error)
}

// StatusError is a non-2xx answer from the Akeyless API.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("akeyless returned status %d: %s", e.StatusCode, e.Message)
}

// Unwrap classifies server-side failures as backend unavailability.
func (e *StatusError) Unwrap() error {
	if e.StatusCode >= 500 {
		return dserrors.ErrBackendUnavailable
	}
	return nil
}

func (e *StatusError) notFound() bool {
	if e.StatusCode == http.StatusNotFound {
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "not found") || strings.Contains(msg, "itemnotfound")
}

// sdkClient implements Client with the official SDK.
type sdkClient struct {
	api    *akeyless.APIClient
	config Config
}

func newSDKClient(cfg Config) *sdkClient {
	configuration := akeyless.NewConfiguration()
	configuration.Servers = []akeyless.ServerConfiguration{
		{URL: cfg.GatewayURL},
	}
	configuration.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &sdkClient{
		api:    akeyless.NewAPIClient(configuration),
		config: cfg,
	}
}

// Authenticate obtains an access token for the configured method.
func (c *sdkClient) Authenticate(ctx context.Context) (string, time.Duration, error) {
	body := akeyless.NewAuthWithDefaults()
	body.SetAccessId(c.config.AccessID)

	switch c.config.AuthMethod {
	case AuthToken:
		return c.config.Token, tokenTTL, nil
	case AuthAPIKey:
		body.SetAccessKey(c.config.AccessKey)
	case AuthAWSIAM:
		body.SetAccessType("aws_iam")
	case AuthAzureAD:
		body.SetAccessType("azure_ad")
		if c.config.AzureADObjectID != "" {
			body.SetCloudId(c.config.AzureADObjectID)
		}
	case AuthGCP:
		body.SetAccessType("gcp")
		if c.config.GCPAudience != "" {
			body.SetGcpAudience(c.config.GCPAudience)
		}
	default:
		return "", 0, fmt.Errorf("unsupported authentication method: %s", c.config.AuthMethod)
	}

	out, resp, err := c.api.V2Api.Auth(ctx).Body(*body).Execute()
	if err != nil {
		return "", 0, fmt.Errorf("%s authentication failed: %w", c.config.AuthMethod, apiError(ctx, resp, err))
	}
	token := out.GetToken()
	if token == "" {
		return "", 0, errors.New("akeyless returned an empty token")
	}
	return token, tokenTTL, nil
}

func (c *sdkClient) GetDynamicSecretValue(ctx context.Context, token, name string, timeout time.Duration) (map[string]string, error) {
	body := akeyless.NewGetDynamicSecretValue(name)
	body.SetToken(token)
	if timeout > 0 {
		body.SetTimeout(int64(timeout.Seconds()))
	}

	out, resp, err := c.api.V2Api.GetDynamicSecretValue(ctx).Body(*body).Execute()
	if err != nil {
		return nil, apiError(ctx, resp, err)
	}
	return out, nil
}

func (c *sdkClient) UpdateTmpCreds(ctx context.Context, token, name, host, id string, ttl time.Duration) error {
	body := akeyless.NewDynamicSecretTmpCredsUpdate(host, name, int64(ttl/time.Minute), id)
	body.SetToken(token)

	resp, err := c.api.V2Api.DynamicSecretTmpCredsUpdate(ctx).Body(*body).Execute()
	return apiError(ctx, resp, err)
}

func (c *sdkClient) DeleteTmpCreds(ctx context.Context, token, name, id string) error {
	body := akeyless.NewDynamicSecretTmpCredsDelete(name, id)
	body.SetToken(token)

	resp, err := c.api.V2Api.DynamicSecretTmpCredsDelete(ctx).Body(*body).Execute()
	return apiError(ctx, resp, err)
}

func (c *sdkClient) GetRotatedSecretValue(ctx context.Context, token, name string) (map[string]interface{}, error) {
	body := akeyless.NewGetRotatedSecretValue(name)
	body.SetToken(token)
	body.SetIgnoreCache("true")

	out, resp, err := c.api.V2Api.GetRotatedSecretValue(ctx).Body(*body).Execute()
	if err != nil {
		return nil, apiError(ctx, resp, err)
	}
	return out, nil
}

func (c *sdkClient) RotateSecret(ctx context.Context, token, name string) error {
	body := akeyless.NewRotateSecret(name)
	body.SetToken(token)

	_, resp, err := c.api.V2Api.RotateSecret(ctx).Body(*body).Execute()
	return apiError(ctx, resp, err)
}

func (c *sdkClient) DescribeItem(ctx context.Context, token, name string) (*ItemInfo, error) {
	body := akeyless.NewDescribeItem(name)
	body.SetToken(token)

	item, resp, err := c.api.V2Api.DescribeItem(ctx).Body(*body).Execute()
	if err != nil {
		return nil, apiError(ctx, resp, err)
	}
	return &ItemInfo{
		LastRotated:          item.LastRotationDate,
		RotationIntervalDays: item.GetRotationInterval(),
	}, nil
}

// apiError turns an SDK failure into a StatusError, or ErrBackendUnavailable
// when no response arrived.
func apiError(ctx context.Context, resp *http.Response, err error) error {
	if err == nil {
		return nil
	}
	if resp == nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", dserrors.ErrBackendUnavailable, err)
	}

	msg := err.Error()
	var openAPIErr akeyless.GenericOpenAPIError
	if errors.As(err, &openAPIErr) && len(openAPIErr.Body()) > 0 {
		msg = strings.TrimSpace(string(openAPIErr.Body()))
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: msg}
}

var _ Client = (*sdkClient)(nil)
