package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: provisioner timeouts, unreachable counterparts, store contention.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a failure that retrying cannot fix.
	// Examples: policy rejection, a generator bug, a provisioner refusing a definition.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes carried by ProcessError. A terminated process records one of these.
const (
	CodePolicyRejected          = "POLICY_REJECTED"
	CodeGenerationFailed        = "GENERATION_FAILED"
	CodeProvisioningFailed      = "PROVISIONING_FAILED"
	CodeDeprovisioningFailed    = "DEPROVISIONING_FAILED"
	CodeTransientInfrastructure = "TRANSIENT_INFRASTRUCTURE"
	CodeRequestFailed           = "REQUEST_FAILED"
	CodeDataFlowFailed          = "DATA_FLOW_FAILED"
	CodeCancelled               = "CANCELLED"
	CodeValidation              = "VALIDATION_FAILED"
	CodeNotFound                = "NOT_FOUND"
	CodeConflict                = "CONFLICT"
)

// ProcessError is a classified error raised while advancing a transfer process.
// nolint:revive // ProcessError reads better than Error at call sites outside the package
type ProcessError struct {
	// Class decides whether the manager retries.
	Class ErrorClass `json:"class"`

	// Code is one of the Code* constants.
	Code string `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// ProcessID is the transfer process the error belongs to, if known.
	ProcessID string `json:"process_id,omitempty"`

	// Operation names the step that failed (e.g. "provision", "dispatch").
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details holds extra context such as policy violations.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.ProcessID != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (process=%s, operation=%s)", msg, e.ProcessID, e.Operation)
	} else if e.ProcessID != "" {
		msg = fmt.Sprintf("%s (process=%s)", msg, e.ProcessID)
	} else if e.Operation != "" {
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ProcessError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a ProcessError with the same class and code.
func (e *ProcessError) Is(target error) bool {
	t, ok := target.(*ProcessError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a retryable error with CodeTransientInfrastructure.
func NewTransientError(message string, err error) *ProcessError {
	return &ProcessError{
		Class:   ErrorClassTransient,
		Code:    CodeTransientInfrastructure,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a non-retryable error with the given code.
func NewPermanentError(code, message string, err error) *ProcessError {
	return &ProcessError{
		Class:   ErrorClassPermanent,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewPolicyRejectedError creates the error returned when a policy denies provisioning.
func NewPolicyRejectedError(failures []string) *ProcessError {
	e := NewPermanentError(CodePolicyRejected, "policy evaluation failed", nil)
	e.Details = map[string]interface{}{"failures": failures}
	return e
}

// NewGenerationFailedError wraps an unexpected generator error.
func NewGenerationFailedError(generator string, err error) *ProcessError {
	return NewPermanentError(CodeGenerationFailed, "resource definition generation failed", err).
		WithDetail("generator", generator)
}

// NewProvisioningFailedError wraps a provisioner-reported failure.
func NewProvisioningFailedError(message string, err error) *ProcessError {
	return NewPermanentError(CodeProvisioningFailed, message, err)
}

// WithProcess adds process context to an error.
func (e *ProcessError) WithProcess(processID string) *ProcessError {
	e.ProcessID = processID
	return e
}

// WithOperation adds operation context to an error.
func (e *ProcessError) WithOperation(operation string) *ProcessError {
	e.Operation = operation
	return e
}

// WithDetail adds a detail field to the error context.
func (e *ProcessError) WithDetail(key string, value interface{}) *ProcessError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Failures returns the policy failures attached by NewPolicyRejectedError.
func (e *ProcessError) Failures() []string {
	if f, ok := e.Details["failures"].([]string); ok {
		return f
	}
	return nil
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *ProcessError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *ProcessError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// CodeOf returns the code of a ProcessError in err's chain, or "" if there is none.
func CodeOf(err error) string {
	var e *ProcessError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Classify converts an arbitrary error into a ProcessError. Deadline, cancellation
// and network timeout errors are transient; anything else unclassified is reported
// as a permanent failure with fallbackCode.
func Classify(err error, fallbackCode string) *ProcessError {
	if err == nil {
		return nil
	}
	var e *ProcessError
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTransientError("operation timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return NewTransientError("operation cancelled", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTransientError("network timeout", err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return NewTransientError("connection failed", err)
	}
	return NewPermanentError(fallbackCode, err.Error(), err)
}
