package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCAUnreachable marks a signing request that never reached the CA.
	ErrCAUnreachable = errors.New("certificate authority unreachable")

	// ErrHealthUnreachable marks a health probe that could not reach its endpoint.
	ErrHealthUnreachable = errors.New("health endpoint unreachable")

	// ErrStoreUnavailable marks an object store call that failed in transit.
	ErrStoreUnavailable = errors.New("backup store unavailable")

	// ErrLeaseHeld is returned when another rotation already owns the cluster lease.
	ErrLeaseHeld = errors.New("rotation lease held by another operation")
)

// ConfigError reports invalid or missing configuration.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Configf builds a ConfigError for a field.
func Configf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ConfigErrors aggregates several configuration problems found in one validation pass.
type ConfigErrors []*ConfigError

func (e ConfigErrors) Error() string {
	parts := make([]string, 0, len(e))
	for _, ce := range e {
		parts = append(parts, ce.Error())
	}
	return strings.Join(parts, "; ")
}

// As lets errors.As find the first ConfigError of the aggregate.
func (e ConfigErrors) As(target any) bool {
	t, ok := target.(**ConfigError)
	if !ok || len(e) == 0 {
		return false
	}
	*t = e[0]
	return true
}

// OrNil returns nil for an empty aggregate.
func (e ConfigErrors) OrNil() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// TransientError wraps an infrastructure failure that is worth retrying.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError for op. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, ErrCAUnreachable) ||
		errors.Is(err, ErrHealthUnreachable) ||
		errors.Is(err, ErrStoreUnavailable)
}

// IntegrityKind names the integrity check that failed.
type IntegrityKind string

const (
	ChecksumMismatch        IntegrityKind = "checksum_mismatch"
	DecryptionFailed        IntegrityKind = "decryption_failed"
	FingerprintMismatch     IntegrityKind = "fingerprint_mismatch"
	ChainVerificationFailed IntegrityKind = "chain_verification_failed"
)

// IntegrityError reports material that failed verification. It must never be retried
// against the same artifact.
type IntegrityError struct {
	Kind     IntegrityKind
	Subject  string
	Expected string
	Actual   string
	Err      error
}

func (e *IntegrityError) Error() string {
	msg := fmt.Sprintf("integrity: %s: %s", e.Kind, e.Subject)
	if e.Expected != "" || e.Actual != "" {
		msg += fmt.Sprintf(" (expected %s, got %s)", e.Expected, e.Actual)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// IsIntegrity reports whether err is an IntegrityError of the given kind. An empty
// kind matches any integrity failure.
func IsIntegrity(err error, kind IntegrityKind) bool {
	var ie *IntegrityError
	if !errors.As(err, &ie) {
		return false
	}
	return kind == "" || ie.Kind == kind
}

// QuorumRiskError reports that a restart would leave the cluster without a safe majority.
type QuorumRiskError struct {
	Healthy int
	Total   int
	Reason  string
}

func (e *QuorumRiskError) Error() string {
	return fmt.Sprintf("quorum risk: %d/%d members healthy: %s", e.Healthy, e.Total, e.Reason)
}
