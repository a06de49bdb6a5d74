package orchestrator

import (
	"errors"
	"fmt"
)

// Code is a machine-readable failure classification carried by every
// surfaced error.
type Code string

const (
	CodeValidation              Code = "VALIDATION_ERROR"
	CodeSecurityViolation       Code = "SECURITY_VIOLATION"
	CodeToolExecution           Code = "TOOL_EXECUTION_ERROR"
	CodeInsufficientInformation Code = "INSUFFICIENT_INFORMATION"
	CodeIntegrity               Code = "INTEGRITY_ERROR"
)

// ErrInsufficientInformation is the quarantined model's explicit refusal.
// It must surface distinctly and is never coerced into a success value.
var ErrInsufficientInformation = errors.New("quarantined model: insufficient information")

// ValidationError marks a malformed plan or step. It blocks the request
// before any step executes.
type ValidationError struct {
	Reason string
	Step   int // -1 when the plan as a whole is at fault
}

func (e *ValidationError) Error() string {
	if e.Step >= 0 {
		return fmt.Sprintf("validation failed at step %d: %s", e.Step, e.Reason)
	}
	return "validation failed: " + e.Reason
}

func (e *ValidationError) Code() Code { return CodeValidation }

// SecurityViolation is a policy denial. It halts all remaining steps.
type SecurityViolation struct {
	Policy string
	Reason string
	Step   int
}

func (e *SecurityViolation) Error() string {
	return fmt.Sprintf("security violation at step %d (policy %s): %s", e.Step, e.Policy, e.Reason)
}

func (e *SecurityViolation) Code() Code { return CodeSecurityViolation }

// ToolExecutionError wraps a failing tool invocation. It is recoverable:
// the failure is captured as an error-tagged value and execution
// continues.
type ToolExecutionError struct {
	Tool string
	Step int
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed at step %d: %v", e.Tool, e.Step, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }
func (e *ToolExecutionError) Code() Code    { return CodeToolExecution }

// IntegrityError marks a violated value or graph invariant. The affected
// value is never returned as usable output.
type IntegrityError struct {
	ValueID string
	Reason  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation on value %s: %s", e.ValueID, e.Reason)
}

func (e *IntegrityError) Code() Code { return CodeIntegrity }

// coder is implemented by every taxonomy error.
type coder interface{ Code() Code }

// CodeOf extracts the machine-readable code from an error, walking
// wrapped chains. Unclassified errors report CodeToolExecution only when
// wrapped as such; otherwise an empty code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrInsufficientInformation) {
		return CodeInsufficientInformation
	}
	var c coder
	if errors.As(err, &c) {
		return c.Code()
	}
	return ""
}
