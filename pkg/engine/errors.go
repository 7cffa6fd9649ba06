package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates remote state that has not propagated yet.
	// Retried a bounded number of times, then reclassified as fatal.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassAlreadyDone indicates the remote side already holds the
	// desired state (already registered, already initialized).
	ErrorClassAlreadyDone ErrorClass = "already_done"

	// ErrorClassFatal indicates an unclassified failure that aborts the run.
	ErrorClassFatal ErrorClass = "fatal"

	// ErrorClassValidation indicates a problem detected before or during a
	// stage that must not lead to further remote calls.
	// Examples: cyclic dependencies, unknown dependencies, version regressions.
	ErrorClassValidation ErrorClass = "validation"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Entity is the entity that caused the error, if applicable.
	Entity string `json:"entity,omitempty"`

	// Stage is the stage being executed when the error occurred.
	Stage string `json:"stage,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Entity != "" && e.Stage != "" {
		msg = fmt.Sprintf("%s (entity=%s, stage=%s)", msg, e.Entity, e.Stage)
	} else if e.Entity != "" {
		msg = fmt.Sprintf("%s (entity=%s)", msg, e.Entity)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when both class and code are equal.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewAlreadyDoneError creates a new already-done error.
func NewAlreadyDoneError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassAlreadyDone,
		Message: message,
		Err:     err,
	}
}

// NewFatalError creates a new fatal error.
func NewFatalError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassFatal,
		Message: message,
		Err:     err,
	}
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassValidation,
		Message: message,
		Code:    ErrCodeValidation,
		Err:     err,
	}
}

// WithEntity adds entity context to an error.
func (e *EngineError) WithEntity(entity string) *EngineError {
	e.Entity = entity
	return e
}

// WithStage adds stage context to an error.
func (e *EngineError) WithStage(stage string) *EngineError {
	e.Stage = stage
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return hasClass(err, ErrorClassTransient)
}

// IsAlreadyDone returns true if the error is classified as already done.
func IsAlreadyDone(err error) bool {
	return hasClass(err, ErrorClassAlreadyDone)
}

// IsFatal returns true if the error is classified as fatal.
func IsFatal(err error) bool {
	return hasClass(err, ErrorClassFatal)
}

// IsValidation returns true if the error is classified as a validation error.
func IsValidation(err error) bool {
	return hasClass(err, ErrorClassValidation)
}

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// Common error codes.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeMissingAddress      = "MISSING_ADDRESS"
	ErrCodeIncompatibleUpgrade = "INCOMPATIBLE_UPGRADE"
	ErrCodeCyclicDependency    = "CYCLIC_DEPENDENCY"
	ErrCodeUnknownDependency   = "UNKNOWN_DEPENDENCY"
	ErrCodeDuplicateEntity     = "DUPLICATE_ENTITY"
	ErrCodeUnresolvedReference = "UNRESOLVED_REFERENCE"
	ErrCodeDependencyPending   = "DEPENDENCY_PENDING"
	ErrCodeNotRegistered       = "NOT_REGISTERED"
	ErrCodePolicyDenied        = "POLICY_DENIED"
	ErrCodeRemoteFailure       = "REMOTE_FAILURE"
	ErrCodeNotFinalized        = "NOT_FINALIZED"
	ErrCodeHookFailed          = "HOOK_FAILED"
	ErrCodeStore               = "STORE_ERROR"
)

// Sentinel errors for errors.Is checks.
var (
	// ErrMissingAddress is returned when a done stage has no recorded address.
	ErrMissingAddress = &EngineError{Class: ErrorClassFatal, Code: ErrCodeMissingAddress, Message: "missing address"}

	// ErrIncompatibleUpgrade is returned when a versioned repoint would lower the version.
	ErrIncompatibleUpgrade = &EngineError{Class: ErrorClassValidation, Code: ErrCodeIncompatibleUpgrade, Message: "incompatible upgrade"}

	// ErrCyclicDependency is returned when the entity graph contains a cycle.
	ErrCyclicDependency = &EngineError{Class: ErrorClassValidation, Code: ErrCodeCyclicDependency, Message: "cyclic dependency"}

	// ErrUnknownDependency is returned when an entity depends on an undeclared name.
	ErrUnknownDependency = &EngineError{Class: ErrorClassValidation, Code: ErrCodeUnknownDependency, Message: "unknown dependency"}

	// ErrPolicyDenied is returned when the policy gate rejects a plan or upgrade.
	ErrPolicyDenied = &EngineError{Class: ErrorClassValidation, Code: ErrCodePolicyDenied, Message: "policy denied"}
)
