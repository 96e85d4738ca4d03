package executor

import (
	"fmt"

	"github.com/triage-ai/palisade/services/mcp_gate/internal/risk"
)

// ErrorType classifies why an execution did not complete.
type ErrorType string

const (
	ErrSanitizationBlocked ErrorType = "sanitization_blocked"
	ErrSecurityDenied      ErrorType = "security_denied"
	ErrPermissionDenied    ErrorType = "permission_denied"
	ErrExecutionFailed     ErrorType = "execution_failed"
	ErrConcurrencyLimited  ErrorType = "concurrency_limited"
	ErrValidation          ErrorType = "validation_error"
)

// Error is returned for every unsuccessful execution. SecurityReason never
// contains raw parameter values.
type Error struct {
	Type           ErrorType
	SecurityReason string
	RiskLevel      risk.Level
	RequestID      string
	Err            error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.SecurityReason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.SecurityReason)
}

func (e *Error) Unwrap() error { return e.Err }

// denied reports whether the error is a refusal rather than a failure.
func (e *Error) denied() bool {
	return e.Type != ErrExecutionFailed
}
