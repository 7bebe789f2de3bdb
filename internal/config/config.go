package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	dserrors "github.com/systmms/dbcreds/internal/errors"
	"github.com/systmms/dbcreds/internal/logging"
)

// DefaultPath is the configuration file used when --config is not given.
const DefaultPath = "dbcreds.yaml"

// Credential modes.
const (
	ModeDynamic = "dynamic"
	ModeStatic  = "static"
)

// Fallback policies.
const (
	FallbackError  = "error"
	FallbackStatic = "static"
)

//go:embed schema.json
var schemaJSON []byte

// Config holds the runtime configuration
type Config struct {
	Path       string
	Logger     *logging.Logger
	Definition *Definition
}

// Definition is the dbcreds.yaml structure.
type Definition struct {
	Version     int               `yaml:"version"`
	Backend     BackendConfig     `yaml:"backend"`
	Database    DatabaseConfig    `yaml:"database"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Fallback    FallbackConfig    `yaml:"fallback"`
	Refresher   RefresherConfig   `yaml:"refresher"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	History     HistoryConfig     `yaml:"history"`
}

// BackendConfig selects and configures the secret backend.
type BackendConfig struct {
	Type        string `yaml:"type"`
	Address     string `yaml:"address"`
	Token       string `yaml:"token"`
	TokenSource string `yaml:"token_source"`
	AuthMethod  string `yaml:"auth_method"`
	Namespace   string `yaml:"namespace"`
	CACert      string `yaml:"ca_cert"`
	TLSSkip     bool   `yaml:"tls_skip"`
	Mount       string `yaml:"mount"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	TimeoutMs   int    `yaml:"timeout_ms"`

	UserpassUsername string `yaml:"userpass_username"`
	UserpassPassword string `yaml:"userpass_password"`
	AppRoleID        string `yaml:"approle_role_id"`
	AppRoleSecretID  string `yaml:"approle_secret_id"`
	K8SRole          string `yaml:"k8s_role"`
	K8STokenPath     string `yaml:"k8s_token_path"`

	AccessID        string `yaml:"access_id"`
	AccessKey       string `yaml:"access_key"`
	AzureADObjectID string `yaml:"azure_ad_object_id"`
	GCPAudience     string `yaml:"gcp_audience"`
}

// DatabaseConfig describes the database credentials are issued for.
type DatabaseConfig struct {
	Driver           string            `yaml:"driver"`
	Host             string            `yaml:"host"`
	Port             int               `yaml:"port"`
	Name             string            `yaml:"name"`
	SSLMode          string            `yaml:"sslmode"`
	Params           map[string]string `yaml:"params"`
	ConnectTimeoutMs int               `yaml:"connect_timeout_ms"`
	MaxOpenConns     int               `yaml:"max_open_conns"`
	MaxIdleConns     int               `yaml:"max_idle_conns"`
}

// CredentialsConfig selects the credential source.
type CredentialsConfig struct {
	Mode               string   `yaml:"mode"`
	DynamicRole        string   `yaml:"dynamic_role"`
	StaticRole         string   `yaml:"static_role"`
	StaticCacheMinutes int      `yaml:"static_cache_minutes"`
	SafetyMargin       Duration `yaml:"safety_margin"`
}

// FallbackConfig is the policy applied when resolution fails.
type FallbackConfig struct {
	OnFailure        string `yaml:"on_failure"`
	ConnectionString string `yaml:"connection_string"`
}

// RefresherConfig tunes the background refresher.
type RefresherConfig struct {
	Enabled         bool     `yaml:"enabled"`
	DynamicLowWater Duration `yaml:"dynamic_low_water"`
	StaticLowWater  Duration `yaml:"static_low_water"`
	MinSleep        Duration `yaml:"min_sleep"`
	Lead            Duration `yaml:"lead"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// HistoryConfig controls where rotation history is written.
type HistoryConfig struct {
	Dir string `yaml:"dir"`
}

// Duration accepts Go duration strings ("10m") or integer seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if secs, err := strconv.ParseInt(value.Value, 10, 64); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Defaults returns a Definition with every default filled in.
func Defaults() Definition {
	return Definition{
		Backend: BackendConfig{
			Type:       "vault",
			AuthMethod: "token",
			Mount:      "database",
			TimeoutMs:  30000,
		},
		Database: DatabaseConfig{
			Driver:           "postgres",
			ConnectTimeoutMs: 15000,
		},
		Credentials: CredentialsConfig{
			Mode:               ModeDynamic,
			StaticCacheMinutes: 30,
			SafetyMargin:       Duration(5 * time.Minute),
		},
		Fallback: FallbackConfig{
			OnFailure: FallbackError,
		},
		Refresher: RefresherConfig{
			Enabled:         true,
			DynamicLowWater: Duration(10 * time.Minute),
			StaticLowWater:  Duration(2 * time.Minute),
			MinSleep:        Duration(30 * time.Second),
			Lead:            Duration(time.Minute),
		},
		Metrics: MetricsConfig{
			Port: 9090,
			Path: "/metrics",
		},
	}
}

// Load reads, validates and parses the configuration file
func (c *Config) Load() error {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return dserrors.ConfigError{
				Field:      "path",
				Value:      c.Path,
				Message:    "configuration file not found",
				Suggestion: "Create " + DefaultPath + " or pass --config",
			}
		}
		return dserrors.UserError{
			Message:    "Failed to read configuration file",
			Details:    err.Error(),
			Suggestion: "Check file permissions and path",
			Err:        err,
		}
	}

	def, err := Parse(data)
	if err != nil {
		return err
	}

	c.Definition = def
	return nil
}

// Parse decodes data, validates it against the schema, applies defaults
// and environment overrides, and checks cross-field rules.
func Parse(data []byte) (*Definition, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, dserrors.ConfigError{
			Message:    "invalid YAML syntax in configuration file",
			Suggestion: "Check for indentation errors, missing quotes, or invalid characters. Use a YAML validator",
		}
	}
	if raw == nil {
		raw = map[string]interface{}{}
	}

	if err := validateSchema(raw); err != nil {
		return nil, err
	}

	def := Defaults()
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, dserrors.ConfigError{
			Message:    err.Error(),
			Suggestion: "Durations take values like 30s, 10m or 1h",
		}
	}

	if def.Version != 0 {
		return nil, dserrors.ConfigError{
			Field:      "version",
			Value:      def.Version,
			Message:    "unsupported configuration version",
			Suggestion: "Set 'version: 0' at the top of your " + DefaultPath,
		}
	}

	def.applyEnv()

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func validateSchema(raw map[string]interface{}) error {
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration for validation: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewBytesLoader(jsonData),
	)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}

	var messages []string
	for _, desc := range result.Errors() {
		messages = append(messages, desc.String())
	}
	return dserrors.ConfigError{
		Message:    "schema validation failed:\n  - " + strings.Join(messages, "\n  - "),
		Suggestion: "Check field names and value types against the documented configuration",
	}
}

// applyEnv applies the conventional Vault and Akeyless environment variables
// and the fallback override. Environment wins over the file.
func (d *Definition) applyEnv() {
	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		d.Backend.Address = addr
	}
	if token := os.Getenv("VAULT_TOKEN"); token != "" && d.Backend.TokenSource != "keyring" {
		d.Backend.Token = token
	}
	if ns := os.Getenv("VAULT_NAMESPACE"); ns != "" {
		d.Backend.Namespace = ns
	}
	if ca := os.Getenv("VAULT_CACERT"); ca != "" {
		d.Backend.CACert = ca
	}
	if skip := os.Getenv("VAULT_SKIP_VERIFY"); skip == "1" || strings.EqualFold(skip, "true") {
		d.Backend.TLSSkip = true
	}
	if id := os.Getenv("AKEYLESS_ACCESS_ID"); id != "" {
		d.Backend.AccessID = id
	}
	if key := os.Getenv("AKEYLESS_ACCESS_KEY"); key != "" {
		d.Backend.AccessKey = key
	}
	if fb := os.Getenv("DBCREDS_FALLBACK_CONNECTION_STRING"); fb != "" {
		d.Fallback.ConnectionString = fb
	}
}

// Validate checks rules the schema cannot express.
func (d *Definition) Validate() error {
	switch d.Credentials.Mode {
	case ModeDynamic:
		if d.Credentials.DynamicRole == "" {
			return dserrors.ConfigError{
				Field:      "credentials.dynamic_role",
				Message:    "dynamic mode requires a role",
				Suggestion: "Set credentials.dynamic_role to the database secrets engine role",
			}
		}
		if d.Backend.Type != "vault" && d.Backend.Type != "akeyless" {
			return dserrors.ConfigError{
				Field:      "backend.type",
				Value:      d.Backend.Type,
				Message:    "backend cannot issue dynamic credentials",
				Suggestion: "Use backend.type: vault or akeyless, or credentials.mode: static",
			}
		}
	case ModeStatic:
		if d.Credentials.StaticRole == "" {
			return dserrors.ConfigError{
				Field:      "credentials.static_role",
				Message:    "static mode requires a role",
				Suggestion: "Set credentials.static_role to the static role or secret id",
			}
		}
	}

	if d.Database.Host == "" {
		return dserrors.ConfigError{
			Field:      "database.host",
			Message:    "database host is required",
			Suggestion: "Set database.host",
		}
	}

	if d.Fallback.OnFailure == FallbackStatic && d.Fallback.ConnectionString == "" {
		return dserrors.ConfigError{
			Field:      "fallback.connection_string",
			Message:    "fallback policy 'static' needs a connection string",
			Suggestion: "Set fallback.connection_string or DBCREDS_FALLBACK_CONNECTION_STRING",
		}
	}

	if d.Credentials.SafetyMargin.Std() < 0 {
		return dserrors.ConfigError{
			Field:   "credentials.safety_margin",
			Value:   d.Credentials.SafetyMargin.Std(),
			Message: "safety margin cannot be negative",
		}
	}

	if d.Refresher.MinSleep.Std() <= 0 {
		return dserrors.ConfigError{
			Field:      "refresher.min_sleep",
			Value:      d.Refresher.MinSleep.Std(),
			Message:    "minimum sleep must be positive",
			Suggestion: "Use a value such as 30s",
		}
	}

	return nil
}

// StaticCacheDuration is how long static connection strings are cached.
func (d *Definition) StaticCacheDuration() time.Duration {
	return time.Duration(d.Credentials.StaticCacheMinutes) * time.Minute
}

// BackendTimeout returns the backend request timeout.
func (d *Definition) BackendTimeout() time.Duration {
	if d.Backend.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(d.Backend.TimeoutMs) * time.Millisecond
}

// ConnectTimeout returns the database validation timeout.
func (d *Definition) ConnectTimeout() time.Duration {
	if d.Database.ConnectTimeoutMs <= 0 {
		return 15 * time.Second
	}
	return time.Duration(d.Database.ConnectTimeoutMs) * time.Millisecond
}

// Role returns the role for the configured mode.
func (d *Definition) Role() string {
	if d.Credentials.Mode == ModeStatic {
		return d.Credentials.StaticRole
	}
	return d.Credentials.DynamicRole
}
