// Unified error handling for the shock assay controller
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Configuration errors
	ErrConfigSection    ErrorCode = "CONFIG_SECTION"
	ErrConfigOption     ErrorCode = "CONFIG_OPTION"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Validation errors, raised before a run starts
	ErrValidationPhase    ErrorCode = "VALIDATION_PHASE"
	ErrValidationTimeline ErrorCode = "VALIDATION_TIMELINE"
	ErrValidationSchedule ErrorCode = "VALIDATION_SCHEDULE"

	// Device I/O errors
	ErrProtocolIO         ErrorCode = "PROTOCOL_IO"
	ErrDeviceDisconnected ErrorCode = "DEVICE_DISCONNECTED"

	// Run errors
	ErrRunBusy    ErrorCode = "RUN_BUSY"
	ErrRunAborted ErrorCode = "RUN_ABORTED"
	ErrRuntime    ErrorCode = "RUNTIME"
)

// HostError is the unified error type for the host system
type HostError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Section is the config section or phase name
	Section string

	// Option is the config option name (if applicable)
	Option string

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *HostError) Error() string {
	msg := e.Message
	if e.Err != nil && e.Message == "" {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Section != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Code, e.Section, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying error
func (e *HostError) Unwrap() error {
	return e.Err
}

// SetSection sets the context section
func (e *HostError) SetSection(section string) *HostError {
	e.Section = section
	return e
}

// SetOption sets the config option
func (e *HostError) SetOption(option string) *HostError {
	e.Option = option
	return e
}

// SetContext adds additional context
func (e *HostError) SetContext(key string, value interface{}) *HostError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// New creates a new HostError
func New(code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
	}
}

// PhaseError creates an error for a phase that failed validation
func PhaseError(name string, err error) *HostError {
	return Wrap(err, ErrValidationPhase, "invalid phase").SetSection(name)
}

// TimelineError creates an error for a timeline that cannot be run
func TimelineError(err error) *HostError {
	return Wrap(err, ErrValidationTimeline, "timeline rejected")
}

// ProtocolIOError creates an error for a failed device read or write
func ProtocolIOError(operation string, err error) *HostError {
	return Wrap(err, ErrProtocolIO, fmt.Sprintf("device %s failed", operation))
}

// AbortError creates the error recorded on an aborted run
func AbortError(err error) *HostError {
	return Wrap(err, ErrRunAborted, "run aborted")
}

// RuntimeError creates a general runtime error
func RuntimeError(message string) *HostError {
	return New(ErrRuntime, message)
}

// RecoverPanic converts a recovered panic value into a HostError.
// It must be called with the value returned by recover().
func RecoverPanic(r interface{}) *HostError {
	if r == nil {
		return nil
	}
	switch x := r.(type) {
	case string:
		return RuntimeError(fmt.Sprintf("panic: %s", x))
	case error:
		return Wrap(x, ErrRuntime, "panic")
	default:
		return RuntimeError(fmt.Sprintf("panic: %v", x))
	}
}

// Is checks if error matches given error code anywhere in its chain
func Is(err error, code ErrorCode) bool {
	var hostErr *HostError
	for err != nil {
		if stderrors.As(err, &hostErr) {
			if hostErr.Code == code {
				return true
			}
			err = hostErr.Err
			continue
		}
		return false
	}
	return false
}

// IsValidation checks if error is a pre-run validation error
func IsValidation(err error) bool {
	return Is(err, ErrValidationPhase) ||
		Is(err, ErrValidationTimeline) ||
		Is(err, ErrValidationSchedule)
}

// IsConfig checks if error is a config error
func IsConfig(err error) bool {
	return Is(err, ErrConfigSection) ||
		Is(err, ErrConfigOption) ||
		Is(err, ErrConfigValidation)
}
