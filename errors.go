// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import (
	"errors"
	"fmt"
)

// ErrorCode represents specific error categories for KVM operations.
type ErrorCode int

const (
	// ErrProtocol indicates a protocol-level error.
	ErrProtocol ErrorCode = iota
	// ErrAuthentication indicates the device rejected the credentials.
	ErrAuthentication
	// ErrNetwork indicates a socket failure.
	ErrNetwork
	// ErrConfiguration indicates a configuration error.
	ErrConfiguration
	// ErrTimeout indicates the connect or auth phase exceeded its deadline.
	ErrTimeout
	// ErrValidation indicates input validation failure.
	ErrValidation
	// ErrUnsupported indicates no mutually acceptable security scheme or
	// an unsupported sub-protocol.
	ErrUnsupported
	// ErrDesync indicates a framing invariant was violated on the inbound stream.
	ErrDesync
	// ErrNotConnected indicates the session is not in the normal stage.
	ErrNotConnected
)

// String returns the string representation of the error code.
func (e ErrorCode) String() string {
	switch e {
	case ErrProtocol:
		return "protocol"
	case ErrAuthentication:
		return "authentication"
	case ErrNetwork:
		return "network"
	case ErrConfiguration:
		return "configuration"
	case ErrTimeout:
		return "timeout"
	case ErrValidation:
		return "validation"
	case ErrUnsupported:
		return "unsupported"
	case ErrDesync:
		return "desync"
	case ErrNotConnected:
		return "not connected"
	default:
		return "unknown"
	}
}

// Terminal reports whether an error of this code ends the session.
// Desync is recoverable until it repeats past the configured limit.
func (e ErrorCode) Terminal() bool {
	switch e {
	case ErrNetwork, ErrTimeout, ErrAuthentication, ErrUnsupported:
		return true
	default:
		return false
	}
}

var (
	// ErrNeedMore is returned by decode functions when the buffer holds a
	// prefix of a message. It is a signal to keep buffering, not a failure.
	ErrNeedMore = errors.New("kvm: need more bytes")

	// ErrQueueFull is returned internally when the outbound queue has no room.
	// The command is dropped and counted; callers of the send API never see it.
	ErrQueueFull = errors.New("kvm: outbound queue full")
)

// KVMError provides structured error information with operation context,
// error codes, and message wrapping.
type KVMError struct {
	Op      string
	Code    ErrorCode
	Message string
	Err     error
}

// Error returns the formatted error message.
func (e *KVMError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("kvm %s: %s: %s: %v", e.Code.String(), e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("kvm %s: %s: %s", e.Code.String(), e.Op, e.Message)
}

// Unwrap returns the underlying error for error chain unwrapping.
func (e *KVMError) Unwrap() error {
	return e.Err
}

// Is reports whether this error matches the target error.
func (e *KVMError) Is(target error) bool {
	var kvmErr *KVMError
	if errors.As(target, &kvmErr) {
		return e.Code == kvmErr.Code && e.Op == kvmErr.Op
	}
	return false
}

// AuthFailedError carries the non-zero security-result status the device
// returned. It is always wrapped in a KVMError with code ErrAuthentication.
type AuthFailedError struct {
	Status uint32
}

func (e *AuthFailedError) Error() string {
	return fmt.Sprintf("security result %d", e.Status)
}

// DesyncError describes a recoverable framing violation together with the
// number of bytes the decoder advises skipping to resynchronise.
type DesyncError struct {
	Tag    uint8
	Reason string
	Skip   int
}

func (e *DesyncError) Error() string {
	return fmt.Sprintf("tag %d: %s (skip %d)", e.Tag, e.Reason, e.Skip)
}

// NewKVMError creates a new KVMError with the specified parameters.
func NewKVMError(op string, code ErrorCode, message string, err error) *KVMError {
	return &KVMError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WrapError wraps an existing error with KVM-specific context.
// Returns nil if the input error is nil.
func WrapError(op string, code ErrorCode, message string, err error) error {
	if err == nil {
		return nil
	}
	return &KVMError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsKVMError checks if an error is a KVMError and optionally matches specific error codes.
// If no codes are provided, returns true for any KVMError.
func IsKVMError(err error, code ...ErrorCode) bool {
	var kvmErr *KVMError
	if !errors.As(err, &kvmErr) {
		return false
	}

	if len(code) == 0 {
		return true
	}

	for _, c := range code {
		if kvmErr.Code == c {
			return true
		}
	}
	return false
}

// GetErrorCode extracts the error code from a KVMError.
// Returns -1 if the error is not a KVMError.
func GetErrorCode(err error) ErrorCode {
	var kvmErr *KVMError
	if errors.As(err, &kvmErr) {
		return kvmErr.Code
	}
	return ErrorCode(-1)
}

// AuthStatus returns the device status code of an authentication failure.
func AuthStatus(err error) (uint32, bool) {
	var af *AuthFailedError
	if errors.As(err, &af) {
		return af.Status, true
	}
	return 0, false
}

func protocolError(op, message string, err error) error {
	return NewKVMError(op, ErrProtocol, message, err)
}

func authenticationError(op, message string, err error) error {
	return NewKVMError(op, ErrAuthentication, message, err)
}

func networkError(op, message string, err error) error {
	return NewKVMError(op, ErrNetwork, message, err)
}

func configurationError(op, message string, err error) error {
	return NewKVMError(op, ErrConfiguration, message, err)
}

func timeoutError(op, message string, err error) error {
	return NewKVMError(op, ErrTimeout, message, err)
}

func validationError(op, message string, err error) error {
	return NewKVMError(op, ErrValidation, message, err)
}

func unsupportedError(op, message string, err error) error {
	return NewKVMError(op, ErrUnsupported, message, err)
}

func desyncError(op, message string, err error) error {
	return NewKVMError(op, ErrDesync, message, err)
}

func notConnectedError(op string, state State) error {
	return NewKVMError(op, ErrNotConnected, "session is "+state.String(), nil)
}
