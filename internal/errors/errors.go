package errors

import (
	"errors"
	"fmt"
	"slices"
)

// Code is a stable, machine-readable error type mapped to process exit codes.
type Code int

const (
	CodeSuccess       Code = 0
	CodeInternal      Code = 1
	CodeUsage         Code = 2
	CodeAuth          Code = 10
	CodeRateLimited   Code = 11
	CodeUnavailable   Code = 12
	CodeUnsupported   Code = 13
	CodeStale         Code = 14
	CodePartialStrict Code = 15
	CodeBlocked       Code = 16

	CodeInvalidAmount       Code = 20
	CodeUnknownToken        Code = 21
	CodeNoWallet            Code = 22
	CodeAlreadyExists       Code = 23
	CodeNoRoute             Code = 24
	CodeBuildFailed         Code = 25
	CodeSignFailed          Code = 26
	CodeSubmitRejected      Code = 27
	CodeConfirmationTimeout Code = 28
	CodeStoreUnavailable    Code = 29
)

var kinds = map[Code]string{
	CodeInternal:            "internal_error",
	CodeUsage:               "usage_error",
	CodeAuth:                "auth_error",
	CodeRateLimited:         "rate_limited",
	CodeUnavailable:         "provider_unavailable",
	CodeUnsupported:         "unsupported",
	CodeStale:               "stale_data",
	CodePartialStrict:       "partial_results",
	CodeBlocked:             "command_blocked",
	CodeInvalidAmount:       "invalid_amount",
	CodeUnknownToken:        "unknown_token",
	CodeNoWallet:            "no_wallet",
	CodeAlreadyExists:       "already_exists",
	CodeNoRoute:             "no_route",
	CodeBuildFailed:         "build_failed",
	CodeSignFailed:          "sign_failed",
	CodeSubmitRejected:      "submit_rejected",
	CodeConfirmationTimeout: "confirmation_timeout",
	CodeStoreUnavailable:    "store_unavailable",
}

// Codes lists every non-success code in ascending order.
func Codes() []Code {
	out := make([]Code, 0, len(kinds))
	for c := range kinds {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// String returns the snake_case kind for the code.
func (c Code) String() string {
	if k, ok := kinds[c]; ok {
		return k
	}
	return fmt.Sprintf("code_%d", int(c))
}

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
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Kind returns the snake_case kind of err, or "ok" for nil.
func Kind(err error) string {
	if err == nil {
		return "ok"
	}
	return CodeOf(err).String()
}

// Retryable is true for transient provider failures only.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeUnavailable, CodeRateLimited:
		return true
	default:
		return false
	}
}

// IsSwapFailure reports whether code belongs to the build/sign/submit/confirm stage.
func IsSwapFailure(code Code) bool {
	switch code {
	case CodeBuildFailed, CodeSignFailed, CodeSubmitRejected, CodeConfirmationTimeout:
		return true
	default:
		return false
	}
}

func ExitCode(err error) int {
	return int(CodeOf(err))
}
