package errors

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrBadRequest        = errors.New("bad request")
	ErrInternalError     = errors.New("internal error")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNotConnected      = errors.New("not connected")
	ErrNoToken           = errors.New("no auth token")
	ErrTokenExpired      = errors.New("token expired")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrDrainInProgress   = errors.New("offline queue drain already in progress")
	ErrAckTimeout        = errors.New("acknowledgement timeout")
	ErrServerRejected    = errors.New("rejected by server")
	ErrAlreadySettled    = errors.New("message already settled")
)

type AppError struct {
	Code    codes.Code
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NewAppError(code codes.Code, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func NotFound(message string) *AppError {
	return &AppError{Code: codes.NotFound, Message: message, Err: ErrNotFound}
}

func BadRequest(message string) *AppError {
	return &AppError{Code: codes.InvalidArgument, Message: message, Err: ErrBadRequest}
}

func Unauthorized(message string, err error) *AppError {
	if err == nil {
		err = ErrUnauthorized
	}
	return &AppError{Code: codes.Unauthenticated, Message: message, Err: err}
}

// NotConnected is returned synchronously by operations that need a live
// connection, so callers can tell it apart from a failed send.
func NotConnected(op string) *AppError {
	return &AppError{Code: codes.Unavailable, Message: op, Err: ErrNotConnected}
}

func Rejected(message string) *AppError {
	return &AppError{Code: codes.Aborted, Message: message, Err: ErrServerRejected}
}

func InvalidTransition(from, to string) *AppError {
	return &AppError{
		Code:    codes.FailedPrecondition,
		Message: fmt.Sprintf("%s -> %s", from, to),
		Err:     ErrInvalidTransition,
	}
}

func Internal(message string, err error) *AppError {
	return &AppError{Code: codes.Internal, Message: message, Err: err}
}

func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return codes.Unknown
}

func IsNotConnected(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNotConnected)
}

func IsNotFound(err error) bool {
	if err == nil {
		return false
	}

	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Code == codes.NotFound {
		return true
	}

	return errors.Is(err, ErrNotFound)
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}
