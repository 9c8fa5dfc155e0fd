package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Class is the classification every provider call outcome reduces to
// before it reaches the retry policy.
type Class int

const (
	// ClassSuccess means the call returned a usable payload.
	ClassSuccess Class = iota
	// ClassQuotaExceeded is a provider-reported rate/usage limit rejection.
	ClassQuotaExceeded
	// ClassTransient covers network failures and server-side 5xx errors.
	ClassTransient
	// ClassValidationFailed means the payload arrived but does not satisfy
	// the required response schema.
	ClassValidationFailed
	// ClassFatal is never retried.
	ClassFatal
)

// String returns a stable name for logging.
func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassQuotaExceeded:
		return "quota_exceeded"
	case ClassTransient:
		return "transient"
	case ClassValidationFailed:
		return "validation_failed"
	default:
		return "fatal"
	}
}

// CallError is the error shape every provider call must reduce to.
type CallError struct {
	Class    Class
	Provider string
	// Detail carries the schema violation description for validation
	// failures, used to build the corrective follow-up.
	Detail string
	Err    error
}

// Error implements error.
func (e *CallError) Error() string {
	msg := fmt.Sprintf("llm call %s", e.Class)
	if e.Provider != "" {
		msg += " provider=" + e.Provider
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause.
func (e *CallError) Unwrap() error { return e.Err }

// QuotaError builds a quota-exceeded outcome.
func QuotaError(provider string, err error) error {
	return &CallError{Class: ClassQuotaExceeded, Provider: provider, Err: err}
}

// TransientError builds a retryable server/network outcome.
func TransientError(provider string, err error) error {
	return &CallError{Class: ClassTransient, Provider: provider, Err: err}
}

// ValidationError builds a schema-violation outcome. detail feeds the
// corrective instruction on retry.
func ValidationError(provider, detail string, err error) error {
	return &CallError{Class: ClassValidationFailed, Provider: provider, Detail: detail, Err: err}
}

// FatalError builds a non-retryable outcome.
func FatalError(provider, detail string, err error) error {
	return &CallError{Class: ClassFatal, Provider: provider, Detail: detail, Err: err}
}

// Classify reduces any error from a provider call to a Class. Unknown
// errors default to fatal so nothing retries blindly; network-level
// failures classify as transient.
func Classify(err error) Class {
	if err == nil {
		return ClassSuccess
	}
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr.Class
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassFatal
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	return ClassFatal
}

// RootClass walks the unwrap chain and returns the innermost CallError
// classification. Exhausted retries wrap the final recoverable failure
// in a fatal error; RootClass recovers what actually went wrong.
func RootClass(err error) Class {
	class := Classify(err)
	for err != nil {
		var callErr *CallError
		if errors.As(err, &callErr) {
			class = callErr.Class
			err = callErr.Err
			continue
		}
		err = errors.Unwrap(err)
	}
	return class
}

// ValidationDetail returns the schema-violation detail of a validation
// failure, or the error text when no structured detail is present.
func ValidationDetail(err error) string {
	var callErr *CallError
	if errors.As(err, &callErr) && callErr.Detail != "" {
		return callErr.Detail
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
