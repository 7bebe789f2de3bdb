package awssm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dserrors "github.com/systmms/dbcreds/internal/errors"
)

type mockSecretsManagerClient struct {
	GetSecretValueFunc func(ctx context.Context, params *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error)
	DescribeSecretFunc func(ctx context.Context, params *secretsmanager.DescribeSecretInput) (*secretsmanager.DescribeSecretOutput, error)
	RotateSecretFunc   func(ctx context.Context, params *secretsmanager.RotateSecretInput) (*secretsmanager.RotateSecretOutput, error)
	ListSecretsFunc    func(ctx context.Context, params *secretsmanager.ListSecretsInput) (*secretsmanager.ListSecretsOutput, error)
}

func (m *mockSecretsManagerClient) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	if m.GetSecretValueFunc != nil {
		return m.GetSecretValueFunc(ctx, params)
	}
	return nil, errors.New("GetSecretValue not mocked")
}

func (m *mockSecretsManagerClient) DescribeSecret(ctx context.Context, params *secretsmanager.DescribeSecretInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error) {
	if m.DescribeSecretFunc != nil {
		return m.DescribeSecretFunc(ctx, params)
	}
	return &secretsmanager.DescribeSecretOutput{}, nil
}

func (m *mockSecretsManagerClient) RotateSecret(ctx context.Context, params *secretsmanager.RotateSecretInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.RotateSecretOutput, error) {
	if m.RotateSecretFunc != nil {
		return m.RotateSecretFunc(ctx, params)
	}
	return &secretsmanager.RotateSecretOutput{}, nil
}

func (m *mockSecretsManagerClient) ListSecrets(ctx context.Context, params *secretsmanager.ListSecretsInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error) {
	if m.ListSecretsFunc != nil {
		return m.ListSecretsFunc(ctx, params)
	}
	return &secretsmanager.ListSecretsOutput{}, nil
}

func newBackend(t *testing.T, client SecretsManagerClientAPI) *Backend {
	t.Helper()
	b, err := New(context.Background(), Config{}, WithClient(client))
	require.NoError(t, err)
	return b
}

func TestBackend_GetStaticCredential(t *testing.T) {
	t.Parallel()

	rotated := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	client := &mockSecretsManagerClient{
		GetSecretValueFunc: func(ctx context.Context, params *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
			assert.Equal(t, "prod/reporting", aws.ToString(params.SecretId))
			return &secretsmanager.GetSecretValueOutput{
				SecretString: aws.String(`{"username":"reporting","password":"pw","engine":"postgres"}`),
			}, nil
		},
		DescribeSecretFunc: func(ctx context.Context, params *secretsmanager.DescribeSecretInput) (*secretsmanager.DescribeSecretOutput, error) {
			return &secretsmanager.DescribeSecretOutput{
				LastRotatedDate: &rotated,
				RotationRules:   &types.RotationRulesType{AutomaticallyAfterDays: aws.Int64(30)},
			}, nil
		},
	}

	cred, err := newBackend(t, client).GetStaticCredential(context.Background(), "prod/reporting")
	require.NoError(t, err)
	assert.Equal(t, "reporting", cred.Username)
	assert.Equal(t, "pw", cred.Password)
	assert.Equal(t, "2026-03-01T08:00:00Z", cred.LastRotated)

	period, err := time.ParseDuration(cred.RotationPeriod)
	require.NoError(t, err)
	assert.Equal(t, 30*24*time.Hour, period)
}

func TestBackend_GetStaticCredential_DescribeFailureIsSoft(t *testing.T) {
	t.Parallel()

	client := &mockSecretsManagerClient{
		GetSecretValueFunc: func(ctx context.Context, params *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
			return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(`{"username":"u","password":"p"}`)}, nil
		},
		DescribeSecretFunc: func(ctx context.Context, params *secretsmanager.DescribeSecretInput) (*secretsmanager.DescribeSecretOutput, error) {
			return nil, errors.New("describe denied")
		},
	}

	cred, err := newBackend(t, client).GetStaticCredential(context.Background(), "s")
	require.NoError(t, err)
	assert.Empty(t, cred.LastRotated)
	assert.Empty(t, cred.RotationPeriod)
}

func TestBackend_GetStaticCredential_BadDocument(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		secret *string
		want   string
	}{
		{name: "binary secret", secret: nil, want: "no string value"},
		{name: "not json", secret: aws.String("plain"), want: "not a JSON credential document"},
		{name: "missing password", secret: aws.String(`{"username":"u"}`), want: "missing username or password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client := &mockSecretsManagerClient{
				GetSecretValueFunc: func(ctx context.Context, params *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
					return &secretsmanager.GetSecretValueOutput{SecretString: tt.secret}, nil
				},
			}
			_, err := newBackend(t, client).GetStaticCredential(context.Background(), "s")
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestBackend_ErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		err         error
		unavailable bool
		contains    string
	}{
		{
			name:     "not found",
			err:      &types.ResourceNotFoundException{Message: aws.String("nope")},
			contains: "not found",
		},
		{
			name:        "throttled",
			err:         &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"},
			unavailable: true,
		},
		{
			name:        "network",
			err:         &smithyhttp.RequestSendError{Err: errors.New("dial tcp: connection refused")},
			unavailable: true,
		},
		{
			name:     "access denied",
			err:      &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "no"},
			contains: "permission denied",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client := &mockSecretsManagerClient{
				GetSecretValueFunc: func(ctx context.Context, params *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
					return nil, tt.err
				},
			}
			_, err := newBackend(t, client).GetStaticCredential(context.Background(), "s")
			require.Error(t, err)
			assert.Equal(t, tt.unavailable, errors.Is(err, dserrors.ErrBackendUnavailable))
			if tt.contains != "" {
				assert.Contains(t, err.Error(), tt.contains)
			}
		})
	}
}

func TestBackend_RotateStaticCredential(t *testing.T) {
	t.Parallel()

	var called bool
	client := &mockSecretsManagerClient{
		RotateSecretFunc: func(ctx context.Context, params *secretsmanager.RotateSecretInput) (*secretsmanager.RotateSecretOutput, error) {
			called = true
			assert.Equal(t, "prod/reporting", aws.ToString(params.SecretId))
			assert.True(t, aws.ToBool(params.RotateImmediately))
			return &secretsmanager.RotateSecretOutput{}, nil
		},
	}

	require.NoError(t, newBackend(t, client).RotateStaticCredential(context.Background(), "prod/reporting"))
	assert.True(t, called)
}

func TestBackend_Health(t *testing.T) {
	t.Parallel()

	b := newBackend(t, &mockSecretsManagerClient{})
	assert.Equal(t, "aws-secretsmanager", b.Name())
	assert.NoError(t, b.Health(context.Background()))

	down := newBackend(t, &mockSecretsManagerClient{
		ListSecretsFunc: func(ctx context.Context, params *secretsmanager.ListSecretsInput) (*secretsmanager.ListSecretsOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "ServiceUnavailable"}
		},
	})
	assert.ErrorIs(t, down.Health(context.Background()), dserrors.ErrBackendUnavailable)
}

func TestBackend_RotateStaticCredential_WaitsForCurrentVersion(t *testing.T) {
	t.Parallel()

	var describes int
	client := &mockSecretsManagerClient{
		RotateSecretFunc: func(ctx context.Context, params *secretsmanager.RotateSecretInput) (*secretsmanager.RotateSecretOutput, error) {
			return &secretsmanager.RotateSecretOutput{VersionId: aws.String("v2")}, nil
		},
		DescribeSecretFunc: func(ctx context.Context, params *secretsmanager.DescribeSecretInput) (*secretsmanager.DescribeSecretOutput, error) {
			describes++
			stages := map[string][]string{
				"v1": {"AWSCURRENT"},
				"v2": {"AWSPENDING"},
			}
			if describes >= 3 {
				stages = map[string][]string{
					"v1": {"AWSPREVIOUS"},
					"v2": {"AWSCURRENT"},
				}
			}
			return &secretsmanager.DescribeSecretOutput{VersionIdsToStages: stages}, nil
		},
	}

	b, err := New(context.Background(), Config{}, WithClient(client), WithRotationWait(time.Millisecond, time.Second))
	require.NoError(t, err)

	require.NoError(t, b.RotateStaticCredential(context.Background(), "prod/reporting"))
	assert.Equal(t, 3, describes)
}

func TestBackend_RotateStaticCredential_TimesOut(t *testing.T) {
	t.Parallel()

	client := &mockSecretsManagerClient{
		RotateSecretFunc: func(ctx context.Context, params *secretsmanager.RotateSecretInput) (*secretsmanager.RotateSecretOutput, error) {
			return &secretsmanager.RotateSecretOutput{VersionId: aws.String("v2")}, nil
		},
		DescribeSecretFunc: func(ctx context.Context, params *secretsmanager.DescribeSecretInput) (*secretsmanager.DescribeSecretOutput, error) {
			return &secretsmanager.DescribeSecretOutput{VersionIdsToStages: map[string][]string{
				"v1": {"AWSCURRENT"},
				"v2": {"AWSPENDING"},
			}}, nil
		},
	}

	b, err := New(context.Background(), Config{}, WithClient(client), WithRotationWait(time.Millisecond, 20*time.Millisecond))
	require.NoError(t, err)

	err = b.RotateStaticCredential(context.Background(), "prod/reporting")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "not current")
}

func TestBackend_RotateStaticCredential_CallerCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	client := &mockSecretsManagerClient{
		RotateSecretFunc: func(ctx context.Context, params *secretsmanager.RotateSecretInput) (*secretsmanager.RotateSecretOutput, error) {
			return &secretsmanager.RotateSecretOutput{VersionId: aws.String("v2")}, nil
		},
		DescribeSecretFunc: func(ctx context.Context, params *secretsmanager.DescribeSecretInput) (*secretsmanager.DescribeSecretOutput, error) {
			cancel()
			return &secretsmanager.DescribeSecretOutput{}, nil
		},
	}

	b, err := New(context.Background(), Config{}, WithClient(client), WithRotationWait(time.Hour, time.Hour))
	require.NoError(t, err)

	assert.ErrorIs(t, b.RotateStaticCredential(ctx, "prod/reporting"), context.Canceled)
}
