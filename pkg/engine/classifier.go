package engine

import (
	"errors"
	"fmt"
	"strings"
)

// FailureKind is the closed set of failure kinds reported by a Backend.
type FailureKind string

const (
	// FailureUnknown is any failure not matching a known kind.
	FailureUnknown FailureKind = "unknown"

	// FailureAlreadyRegistered means the logical name is already in the registry.
	FailureAlreadyRegistered FailureKind = "already_registered"

	// FailureAlreadyInitialized means initialize already ran on the target.
	FailureAlreadyInitialized FailureKind = "already_initialized"

	// FailureNotYetFinalized means a referenced address still reads as the
	// zero placeholder because confirmation has not propagated.
	FailureNotYetFinalized FailureKind = "not_yet_finalized"

	// FailureVersionRejected means the registry refused a versioned repoint.
	FailureVersionRejected FailureKind = "version_rejected"
)

// FailureKinds lists every known kind.
var FailureKinds = []FailureKind{
	FailureUnknown,
	FailureAlreadyRegistered,
	FailureAlreadyInitialized,
	FailureNotYetFinalized,
	FailureVersionRejected,
}

// ParseFailureKind maps a wire value to a kind. Unrecognized values are unknown.
func ParseFailureKind(s string) FailureKind {
	k := FailureKind(strings.ToLower(s))
	for _, known := range FailureKinds {
		if k == known {
			return k
		}
	}
	return FailureUnknown
}

// RemoteError is the structured failure returned by Backend implementations.
type RemoteError struct {
	Kind    FailureKind
	Message string
	Err     error
}

// NewRemoteError creates a remote error of the given kind.
func NewRemoteError(kind FailureKind, format string, args ...any) *RemoteError {
	return &RemoteError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Classify returns the failure kind of err. Errors that are not
// *RemoteError, or carry a kind outside the closed set, are unknown.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureUnknown
	}
	var re *RemoteError
	if !errors.As(err, &re) {
		return FailureUnknown
	}
	switch re.Kind {
	case FailureAlreadyRegistered:
		return FailureAlreadyRegistered
	case FailureAlreadyInitialized:
		return FailureAlreadyInitialized
	case FailureNotYetFinalized:
		return FailureNotYetFinalized
	case FailureVersionRejected:
		return FailureVersionRejected
	case FailureUnknown:
		return FailureUnknown
	default:
		return FailureUnknown
	}
}

// ErrorClassFor maps a failure kind onto the engine error taxonomy.
func ErrorClassFor(kind FailureKind) ErrorClass {
	switch kind {
	case FailureAlreadyRegistered, FailureAlreadyInitialized:
		return ErrorClassAlreadyDone
	case FailureNotYetFinalized:
		return ErrorClassTransient
	case FailureVersionRejected:
		return ErrorClassValidation
	case FailureUnknown:
		return ErrorClassFatal
	default:
		return ErrorClassFatal
	}
}

// ZeroAddress is the placeholder value returned for unset addresses.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// IsZeroAddress reports whether addr is empty or the zero placeholder.
func IsZeroAddress(addr string) bool {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(addr), "0x"), "0X")
	return strings.Trim(trimmed, "0") == ""
}

// AddressValue converts a Read result into an address string.
// A zero address becomes a NotYetFinalized failure.
func AddressValue(v any, what string) (string, error) {
	addr, ok := v.(string)
	if !ok {
		return "", NewRemoteError(FailureUnknown, "%s: expected address, got %T", what, v)
	}
	if IsZeroAddress(addr) {
		return "", NewRemoteError(FailureNotYetFinalized, "%s is still the zero address", what)
	}
	return addr, nil
}
