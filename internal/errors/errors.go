package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes.
type Code int

const (
	CodeSuccess     Code = 0
	CodeInternal    Code = 1
	CodeUsage       Code = 2
	CodeConfig      Code = 3
	CodeAuth        Code = 10
	CodeRateLimited Code = 11
	CodeUnavailable Code = 12
	CodeUnsupported Code = 13
	CodeStale       Code = 14
	CodeNoRoute     Code = 20
	CodeSimulation  Code = 21
	CodeReverted    Code = 22
	CodeTimeout     Code = 23
	CodeSigner      Code = 24
	CodePlan        Code = 25
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

// CodeOf returns the code of the outermost typed error, or CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	if cliErr, ok := As(err); ok {
		return cliErr.Code
	}
	return CodeInternal
}

// Retryable reports whether err is a transient failure worth another attempt.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeUnavailable, CodeRateLimited, CodeTimeout, CodeSimulation, CodeReverted, CodeStale:
		return true
	}
	return false
}

// TypeName is the snake_case label used in envelopes, logs and metrics.
func TypeName(code Code) string {
	switch code {
	case CodeSuccess:
		return "ok"
	case CodeUsage:
		return "usage_error"
	case CodeConfig:
		return "config_error"
	case CodeAuth:
		return "auth_error"
	case CodeRateLimited:
		return "rate_limited"
	case CodeUnavailable:
		return "unavailable"
	case CodeUnsupported:
		return "unsupported"
	case CodeStale:
		return "stale_data"
	case CodeNoRoute:
		return "no_route"
	case CodeSimulation:
		return "simulation_failed"
	case CodeReverted:
		return "reverted"
	case CodeTimeout:
		return "timeout"
	case CodeSigner:
		return "signer_error"
	case CodePlan:
		return "plan_error"
	default:
		return "internal_error"
	}
}

func ExitCode(err error) int {
	return int(CodeOf(err))
}
