// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package experiment

import (
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Error Taxonomy
// -----------------------------------------------------------------------------
//
// Four caller-fault families surface synchronously and are never retried:
// validation, invalid state, not found, and permission. Transient storage
// errors are retried internally by the tracker's flush loop and never reach
// the original caller.
//
// All families are sentinel errors; call sites wrap them with %w and callers
// classify with errors.Is.

var (
	// ErrValidation indicates a malformed spec or event. Caller's fault.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidState indicates an illegal lifecycle transition.
	ErrInvalidState = errors.New("invalid state transition")

	// ErrNotFound indicates an unknown experiment, variant, or assignment.
	ErrNotFound = errors.New("not found")

	// ErrPermission indicates the caller's role may not invoke the operation.
	ErrPermission = errors.New("permission denied")

	// ErrTransientStorage indicates a retryable storage failure. The flush
	// loop retries these with backoff; they are surfaced only via health
	// metrics.
	ErrTransientStorage = errors.New("transient storage failure")
)

// ValidationErrorf wraps ErrValidation with a formatted detail message.
func ValidationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

// InvalidStateErrorf wraps ErrInvalidState with a formatted detail message.
func InvalidStateErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidState}, args...)...)
}

// NotFoundErrorf wraps ErrNotFound with a formatted detail message.
func NotFoundErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
}

// IsRetryable reports whether err should be retried by the flush loop.
//
// Only transient storage failures are retryable; every caller-fault family
// is permanent.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientStorage)
}

// -----------------------------------------------------------------------------
// Roles
// -----------------------------------------------------------------------------

// Role is the caller's role as supplied by the auth collaborator. The core
// does not authenticate; it only enforces which roles may invoke which
// operations.
type Role string

const (
	// RoleAdmin may invoke every operation.
	RoleAdmin Role = "admin"

	// RoleExperimenter may create experiments and drive their lifecycle.
	RoleExperimenter Role = "experimenter"

	// RoleService may assign and track, but not manage experiments.
	RoleService Role = "service"
)

// CanManage reports whether the role may create experiments and drive
// lifecycle transitions. Assign and Track are open to every role.
func (r Role) CanManage() bool {
	return r == RoleAdmin || r == RoleExperimenter
}
