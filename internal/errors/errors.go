package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Credential broker failure classes. Callers match them with errors.Is.
var (
	// ErrBackendUnavailable means the secret backend (or the database host)
	// could not be reached. Transient; safe to retry with backoff higher up.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrCredentialInvalid means a freshly issued credential was rejected by
	// the database. This is a role or permission problem and is not retried.
	ErrCredentialInvalid = errors.New("credential rejected by database")

	// ErrValidationTimeout means the trial database connection did not
	// complete in time.
	ErrValidationTimeout = errors.New("credential validation timed out")

	// ErrLeaseNotFound means the backend does not know the lease (already
	// expired or revoked).
	ErrLeaseNotFound = errors.New("lease not found")

	// ErrAuthenticationRejected means the database refused a login made
	// with a credential. Triggers one invalidate-and-retry.
	ErrAuthenticationRejected = errors.New("database authentication rejected")

	// ErrRotationMetadataMalformed marks unparsable rotation metadata. It is
	// logged, never returned from a resolve.
	ErrRotationMetadataMalformed = errors.New("rotation metadata malformed")

	// ErrUnsupported is returned by backends for operations they cannot do.
	ErrUnsupported = errors.New("operation not supported by backend")
)

// UserError represents an error that should be shown to the user with helpful context
type UserError struct {
	Message    string
	Suggestion string
	Details    string
	Err        error
}

func (e UserError) Error() string {
	var parts []string

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	if e.Details != "" {
		parts = append(parts, "\n  Details: "+e.Details)
	}

	if e.Suggestion != "" {
		parts = append(parts, "\n  💡 Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error with helpful context
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "Configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}

	return msg
}

// CredentialError carries the operation and credential class a failure
// happened in. Kinds lists the sentinel classes the failure belongs to;
// a database login refusal during mint is both ErrCredentialInvalid and
// ErrAuthenticationRejected.
type CredentialError struct {
	Op      string
	Class   string
	LeaseID string
	Kinds   []error
	Err     error
}

// NewCredentialError builds a CredentialError of the given kinds.
func NewCredentialError(op, class string, err error, kinds ...error) *CredentialError {
	return &CredentialError{Op: op, Class: class, Kinds: kinds, Err: err}
}

// WithLease attaches a lease id.
func (e *CredentialError) WithLease(leaseID string) *CredentialError {
	e.LeaseID = leaseID
	return e
}

func (e *CredentialError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Class != "" {
		fmt.Fprintf(&b, " (%s)", e.Class)
	}
	if e.LeaseID != "" {
		fmt.Fprintf(&b, " lease %q", e.LeaseID)
	}
	if len(e.Kinds) > 0 {
		b.WriteString(": ")
		b.WriteString(e.Kinds[0].Error())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kinds and the cause to errors.Is / errors.As.
func (e *CredentialError) Unwrap() []error {
	out := make([]error, 0, len(e.Kinds)+1)
	out = append(out, e.Kinds...)
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrCredentialInvalid) && !errors.Is(err, ErrAuthenticationRejected) {
		return false
	}
	if errors.Is(err, ErrBackendUnavailable) || errors.Is(err, ErrValidationTimeout) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"timeout",
		"temporary failure",
		"connection reset",
		"broken pipe",
		"rate limit",
		"throttling",
		"too many requests",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// SimplifyError simplifies complex error messages for users
func SimplifyError(err error) error {
	if err == nil {
		return nil
	}

	// Already a user-friendly error
	var userErr UserError
	if errors.As(err, &userErr) {
		return err
	}
	var cfgErr ConfigError
	if errors.As(err, &cfgErr) {
		return err
	}

	switch {
	case errors.Is(err, ErrBackendUnavailable):
		return UserError{
			Message:    "Secret backend is unreachable",
			Suggestion: "Check the backend address and network connectivity. Run 'dbcreds health' for diagnostics",
			Err:        err,
		}
	case errors.Is(err, ErrAuthenticationRejected), errors.Is(err, ErrCredentialInvalid):
		return UserError{
			Message:    "The database rejected the issued credential",
			Suggestion: "Check the role's creation statements and the database grants",
			Err:        err,
		}
	case errors.Is(err, ErrValidationTimeout):
		return UserError{
			Message:    "Timed out validating the credential against the database",
			Suggestion: "Increase database.connect_timeout_ms or check database reachability",
			Err:        err,
		}
	case errors.Is(err, ErrLeaseNotFound):
		return UserError{
			Message:    "Lease not found",
			Suggestion: "The lease already expired or was revoked. Run 'dbcreds lease list'",
			Err:        err,
		}
	}

	errStr := err.Error()

	if strings.Contains(errStr, "yaml:") {
		return ConfigError{
			Message:    "Invalid YAML format",
			Suggestion: "Check for indentation errors and missing quotes",
		}
	}

	if strings.Contains(errStr, "permission denied") {
		return UserError{
			Message:    "Permission denied",
			Suggestion: "Check the backend token's policies for this path",
			Err:        err,
		}
	}

	return err
}
