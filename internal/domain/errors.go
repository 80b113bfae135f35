package domain

import (
	"errors"
	"fmt"
)

// Error codes sent to clients in error frames.
const (
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeStorageError  = "STORAGE_ERROR"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// Handshake rejection reasons.
const (
	ReasonMissingCredential = "missing credential"
	ReasonInvalidCredential = "invalid credential"
	ReasonTimedOut          = "credential verification timed out"
)

// AuthenticationError rejects a connection attempt. It is fatal to that
// attempt only.
type AuthenticationError struct {
	Reason string
	Err    error
}

func NewAuthenticationError(reason string, err error) *AuthenticationError {
	return &AuthenticationError{Reason: reason, Err: err}
}

func (e *AuthenticationError) Error() string {
	return e.Reason
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ValidationError is a malformed or forbidden inbound event. It is reported
// to the sender and the connection stays open.
type ValidationError struct {
	Code    string
	Message string
	Err     error
}

// NewValidationError builds a BAD_REQUEST validation error.
func NewValidationError(message string, err error) *ValidationError {
	return &ValidationError{Code: ErrCodeBadRequest, Message: message, Err: err}
}

// NewForbiddenError builds a FORBIDDEN validation error, used when the
// sender is not a member of the chat.
func NewForbiddenError(message string, err error) *ValidationError {
	return &ValidationError{Code: ErrCodeForbidden, Message: message, Err: err}
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error { return e.Err }

// StorageError is a persistence failure. No fan-out happens and the client
// may resubmit.
type StorageError struct {
	Op  string
	Err error
}

func NewStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// DeliveryError is a publish failure after persistence. It is logged and
// never reported to the sender.
type DeliveryError struct {
	EventID string
	Err     error
}

func NewDeliveryError(eventID string, err error) *DeliveryError {
	return &DeliveryError{EventID: eventID, Err: err}
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery of event %s failed: %v", e.EventID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// ErrorCode maps an error to the code of the error frame and the message
// the client may see. Unknown errors are INTERNAL_ERROR with a generic text.
func ErrorCode(err error) (code string, message string) {
	var valErr *ValidationError
	var storeErr *StorageError
	switch {
	case errors.As(err, &valErr):
		return valErr.Code, valErr.Message
	case errors.As(err, &storeErr):
		return ErrCodeStorageError, "message could not be saved, please retry"
	default:
		return ErrCodeInternalError, "internal error"
	}
}
