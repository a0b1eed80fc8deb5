package domain

import (
	"errors"
	"fmt"
)

// Error types for consistent error handling across the onboarding service.
//
// Three families matter to callers:
//   - "stop, environment is broken": ErrConfiguration
//   - "fix your input": ErrAccountCreationFailed, ErrValidation
//   - "try again": ErrUpstreamUnavailable, ErrReconciliationFailed, ErrVersionConflict
//
// IsRetryable tells them apart.

// ErrConfiguration indicates client and server credentials belong to different
// deployment environments, or a credential is malformed. Never retried.
type ErrConfiguration struct {
	Reason string
}

func (e *ErrConfiguration) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// ErrAccountCreationFailed indicates the provider rejected the account profile.
// Param names the offending field when the provider reports one.
type ErrAccountCreationFailed struct {
	Param  string
	Reason string
	Err    error
}

func (e *ErrAccountCreationFailed) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("account creation failed on '%s': %s", e.Param, e.Reason)
	}
	return fmt.Sprintf("account creation failed: %s", e.Reason)
}

func (e *ErrAccountCreationFailed) Unwrap() error {
	return e.Err
}

// ErrAccountNotFound indicates the provider no longer knows the connected account.
type ErrAccountNotFound struct {
	AccountID string
}

func (e *ErrAccountNotFound) Error() string {
	return fmt.Sprintf("connected account not found at provider: %s", e.AccountID)
}

// ErrUpstreamUnavailable indicates a transient provider or network failure.
type ErrUpstreamUnavailable struct {
	Operation string
	Err       error
}

func (e *ErrUpstreamUnavailable) Error() string {
	return fmt.Sprintf("upstream unavailable [%s]: %v", e.Operation, e.Err)
}

func (e *ErrUpstreamUnavailable) Unwrap() error {
	return e.Err
}

// ErrReconciliationFailed indicates the read-then-promote path could not complete.
// The mirror is left exactly as it was.
type ErrReconciliationFailed struct {
	UserID int64
	Err    error
}

func (e *ErrReconciliationFailed) Error() string {
	return fmt.Sprintf("reconciliation failed for user %d: %v", e.UserID, e.Err)
}

func (e *ErrReconciliationFailed) Unwrap() error {
	return e.Err
}

// ErrVersionConflict indicates an optimistic-lock mismatch on the mirror row.
type ErrVersionConflict struct {
	UserID   int64
	Expected int64
}

func (e *ErrVersionConflict) Error() string {
	return fmt.Sprintf("mirror for user %d changed concurrently (expected version %d)", e.UserID, e.Expected)
}

// ErrVersionRetired indicates a request addressed a retired protocol generation.
type ErrVersionRetired struct {
	Version    string
	ActivePath string
}

func (e *ErrVersionRetired) Error() string {
	return fmt.Sprintf("protocol version %s has been retired, use %s", e.Version, e.ActivePath)
}

// ErrNotFound indicates a resource was not found.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrValidation indicates a validation error (bad input).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrForbidden indicates the caller lacks permission for the operation.
type ErrForbidden struct {
	Action string
}

func (e *ErrForbidden) Error() string {
	return fmt.Sprintf("forbidden: %s", e.Action)
}

// ErrUnauthorized indicates invalid credentials or token.
type ErrUnauthorized struct {
	Message string
}

func (e *ErrUnauthorized) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "unauthorized"
}

// IsRetryable reports whether the caller may retry err with backoff.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var upstream *ErrUpstreamUnavailable
	var reconcile *ErrReconciliationFailed
	var conflict *ErrVersionConflict
	switch {
	case errors.As(err, &upstream), errors.As(err, &conflict):
		return true
	case errors.As(err, &reconcile):
		// A reconciliation that failed because the account vanished will not heal by retrying.
		var missing *ErrAccountNotFound
		var cfg *ErrConfiguration
		return !errors.As(err, &missing) && !errors.As(err, &cfg)
	}
	return false
}
