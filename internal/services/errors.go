package services

import (
	"fmt"

	"github.com/pkg/errors"
)

type ServiceError struct {
	Status  int
	Message string
	cause   error
}

func (e ServiceError) Error() string {
	return e.Message
}

func (e ServiceError) Unwrap() error {
	return e.cause
}

func ErrNotFound(msg string) error {
	return ServiceError{Status: 404, Message: msg}
}

func ErrBadRequest(msg string) error {
	return ServiceError{Status: 400, Message: msg}
}

func ErrForbidden(msg string) error {
	return ServiceError{Status: 403, Message: msg}
}

func ErrUnauthorized(msg string) error {
	return ServiceError{Status: 401, Message: msg}
}

func ErrConflict(msg string) error {
	return ServiceError{Status: 409, Message: msg}
}

func ErrUnavailable(msg string) error {
	return ServiceError{Status: 503, Message: msg}
}

// ErrInternal keeps the original message and a stack for error reporting.
func ErrInternal(err error) error {
	if err == nil {
		return nil
	}
	var svcErr ServiceError
	if errors.As(err, &svcErr) {
		return svcErr
	}
	return ServiceError{Status: 500, Message: "internal: " + err.Error(), cause: errors.WithStack(err)}
}

func WrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}
