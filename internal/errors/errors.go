package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes.
type Code int

const (
	CodeSuccess         Code = 0
	CodeInternal        Code = 1
	CodeUsage           Code = 2
	CodeAuth            Code = 10
	CodeRateLimited     Code = 11
	CodeUnavailable     Code = 12
	CodeUnsupported     Code = 13
	CodeStale           Code = 14
	CodeBlocked         Code = 16
	CodeSimulation      Code = 20
	CodeConstraint      Code = 21
	CodeApproval        Code = 22
	CodeTimeout         Code = 23
	CodeSigner          Code = 24
	CodeKillSwitch      Code = 30
	CodeSecurity        Code = 31
	CodePolicy          Code = 32
	CodeProviderOffline Code = 33
	CodeNonceCollision  Code = 34
	CodeVelocity        Code = 35
)

// Error is a typed error that carries a stable error code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

func ExitCode(err error) int {
	if err == nil {
		return int(CodeSuccess)
	}
	if cliErr, ok := As(err); ok {
		return int(cliErr.Code)
	}
	return int(CodeInternal)
}

func CodeOf(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	if cliErr, ok := As(err); ok {
		return cliErr.Code
	}
	return CodeInternal
}

func SecurityBreach(message string) *Error {
	return New(CodeSecurity, message)
}

func PolicyViolation(message string) *Error {
	return New(CodePolicy, message)
}

func ProviderOffline(route string) *Error {
	return New(CodeProviderOffline, fmt.Sprintf("submission route %s is unavailable", route))
}

func NonceCollision(address string) *Error {
	return New(CodeNonceCollision, fmt.Sprintf("nonce reservation already in flight for %s", address))
}

// IsSecurity reports errors that must fail closed: they are never retried
// and are recorded as security events.
func IsSecurity(err error) bool {
	switch CodeOf(err) {
	case CodeKillSwitch, CodeSecurity, CodePolicy, CodeProviderOffline, CodeNonceCollision, CodeVelocity:
		return true
	default:
		return false
	}
}

// IsRetryable reports transient errors that a bounded retry loop may repeat.
func IsRetryable(err error) bool {
	if err == nil || IsSecurity(err) {
		return false
	}
	switch CodeOf(err) {
	case CodeUnavailable, CodeTimeout, CodeRateLimited:
		return true
	default:
		return false
	}
}

// TypeName is the snake_case label used in error envelopes and audit records.
func TypeName(code Code) string {
	switch code {
	case CodeUsage:
		return "usage_error"
	case CodeAuth:
		return "auth_error"
	case CodeRateLimited:
		return "rate_limited"
	case CodeUnavailable:
		return "provider_unavailable"
	case CodeUnsupported:
		return "unsupported"
	case CodeStale:
		return "stale_data"
	case CodeBlocked:
		return "command_blocked"
	case CodeSimulation:
		return "simulation_failed"
	case CodeConstraint:
		return "constraint_violation"
	case CodeApproval:
		return "approval_required"
	case CodeTimeout:
		return "timeout"
	case CodeSigner:
		return "signer_error"
	case CodeKillSwitch:
		return "kill_switch_active"
	case CodeSecurity:
		return "security_breach"
	case CodePolicy:
		return "policy_violation"
	case CodeProviderOffline:
		return "provider_offline"
	case CodeNonceCollision:
		return "nonce_collision"
	case CodeVelocity:
		return "velocity_limit"
	default:
		return "internal_error"
	}
}
