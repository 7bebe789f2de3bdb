// Package awssm reads and rotates static database credentials stored in AWS
// Secrets Manager. The secret value is the JSON document written by the RDS
// rotation lambdas ({"username": ..., "password": ...}).
package awssm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/systmms/dbcreds/internal/backend"
	dserrors "github.com/systmms/dbcreds/internal/errors"
	"github.com/systmms/dbcreds/internal/logging"
)

const DefaultRegion = "us-east-1"

// Rotation wait defaults. RotateSecret only starts the rotation function;
// the new version becomes AWSCURRENT when the function finishes.
const (
	DefaultRotationPoll    = 2 * time.Second
	DefaultRotationTimeout = 2 * time.Minute
	maxRotationPoll        = 15 * time.Second
)

// SecretsManagerClientAPI is the subset of the SDK client in use.
type SecretsManagerClientAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	DescribeSecret(ctx context.Context, params *secretsmanager.DescribeSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error)
	RotateSecret(ctx context.Context, params *secretsmanager.RotateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.RotateSecretOutput, error)
	ListSecrets(ctx context.Context, params *secretsmanager.ListSecretsInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error)
}

// Config selects region and an optional endpoint override (LocalStack).
type Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// Backend implements backend.StaticBackend.
type Backend struct {
	client SecretsManagerClientAPI
	region string
	logger *logging.Logger

	rotationPoll    time.Duration
	rotationTimeout time.Duration
}

var (
	_ backend.StaticBackend = (*Backend)(nil)
	_ backend.HealthChecker = (*Backend)(nil)
)

// Option configures a Backend.
type Option func(*Backend)

// WithClient injects a client, skipping SDK config loading.
func WithClient(client SecretsManagerClientAPI) Option {
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

// WithRotationWait sets how often and how long RotateStaticCredential polls
// for the new version to become current.
func WithRotationWait(poll, timeout time.Duration) Option {
	return func(b *Backend) {
		if poll > 0 {
			b.rotationPoll = poll
		}
		if timeout > 0 {
			b.rotationTimeout = timeout
		}
	}
}

// New creates a Backend. Without WithClient the default AWS credential
// chain is used.
func New(ctx context.Context, cfg Config, opts ...Option) (*Backend, error) {
	region := cfg.Region
	if region == "" {
		region = DefaultRegion
	}

	b := &Backend{
		region:          region,
		logger:          logging.Discard(),
		rotationPoll:    DefaultRotationPoll,
		rotationTimeout: DefaultRotationTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.client != nil {
		return b, nil
	}

	configOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOpts = append(configOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var clientOpts []func(*secretsmanager.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		clientOpts = append(clientOpts, func(o *secretsmanager.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	b.client = secretsmanager.NewFromConfig(awsCfg, clientOpts...)
	return b, nil
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return "aws-secretsmanager"
}

// GetStaticCredential reads the secret value and its rotation metadata.
// role is the secret id or ARN.
func (b *Backend) GetStaticCredential(ctx context.Context, role string) (*backend.StaticCredential, error) {
	value, err := b.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(role),
	})
	if err != nil {
		return nil, mapError("get secret value", role, err)
	}
	if value.SecretString == nil {
		return nil, fmt.Errorf("secret %q has no string value", role)
	}

	var doc struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal([]byte(*value.SecretString), &doc); err != nil {
		return nil, fmt.Errorf("secret %q is not a JSON credential document: %w", role, err)
	}
	if doc.Username == "" || doc.Password == "" {
		return nil, fmt.Errorf("secret %q is missing username or password", role)
	}

	cred := &backend.StaticCredential{Username: doc.Username, Password: doc.Password}

	desc, err := b.client.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{
		SecretId: aws.String(role),
	})
	if err != nil {
		// Metadata is best effort; the broker substitutes defaults.
		b.logger.Warn("Could not describe secret %s: %v", role, err)
		return cred, nil
	}
	if desc.LastRotatedDate != nil {
		cred.LastRotated = desc.LastRotatedDate.UTC().Format(time.RFC3339)
	}
	if desc.RotationRules != nil && desc.RotationRules.AutomaticallyAfterDays != nil {
		days := *desc.RotationRules.AutomaticallyAfterDays
		cred.RotationPeriod = (time.Duration(days) * 24 * time.Hour).String()
	}
	return cred, nil
}

// RotateStaticCredential starts an immediate rotation using the secret's
// configured rotation function and waits until the new version is
// AWSCURRENT, so a read afterwards returns the rotated password.
func (b *Backend) RotateStaticCredential(ctx context.Context, role string) error {
	out, err := b.client.RotateSecret(ctx, &secretsmanager.RotateSecretInput{
		SecretId:          aws.String(role),
		RotateImmediately: aws.Bool(true),
	})
	if err != nil {
		return mapError("rotate secret", role, err)
	}
	if out == nil || aws.ToString(out.VersionId) == "" {
		b.logger.Warn("Rotation of %s returned no version id, not waiting for completion", role)
		return nil
	}
	return b.waitForCurrent(ctx, role, aws.ToString(out.VersionId))
}

// waitForCurrent polls DescribeSecret with backoff until versionID carries
// the AWSCURRENT stage.
func (b *Backend) waitForCurrent(ctx context.Context, role, versionID string) error {
	ctx, cancel := context.WithTimeout(ctx, b.rotationTimeout)
	defer cancel()

	delay := b.rotationPoll
	for {
		desc, err := b.client.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{
			SecretId: aws.String(role),
		})
		switch {
		case err == nil:
			for _, stage := range desc.VersionIdsToStages[versionID] {
				if stage == "AWSCURRENT" {
					b.logger.Debug("Version %s of %s is current", versionID, role)
					return nil
				}
			}
		case ctx.Err() == nil:
			b.logger.Debug("Describing %s while waiting for rotation: %v", role, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("aws secretsmanager rotate secret: version %s of %q not current after %s: %w",
				versionID, role, b.rotationTimeout, ctx.Err())
		case <-timer.C:
		}
		delay *= 2
		if delay > maxRotationPoll {
			delay = maxRotationPoll
		}
	}
}

// Health issues a minimal ListSecrets call.
func (b *Backend) Health(ctx context.Context) error {
	_, err := b.client.ListSecrets(ctx, &secretsmanager.ListSecretsInput{MaxResults: aws.Int32(1)})
	if err != nil {
		return mapError("list secrets", "", err)
	}
	return nil
}

func mapError(op, secretID string, err error) error {
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return fmt.Errorf("aws secretsmanager %s: secret %q not found: %w", op, secretID, err)
	}

	var sendErr *smithyhttp.RequestSendError
	if errors.As(err, &sendErr) {
		return fmt.Errorf("aws secretsmanager %s: %w: %v", op, dserrors.ErrBackendUnavailable, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InternalServiceError", "ServiceUnavailable", "ThrottlingException", "RequestTimeout":
			return fmt.Errorf("aws secretsmanager %s: %w: %v", op, dserrors.ErrBackendUnavailable, err)
		}
		if strings.Contains(apiErr.ErrorCode(), "AccessDenied") {
			return fmt.Errorf("aws secretsmanager %s: permission denied: %w", op, err)
		}
	}
	return fmt.Errorf("aws secretsmanager %s: %w", op, err)
}
