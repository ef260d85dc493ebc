package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"storyline/api/internal/store"
)

type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindNotFound      ErrorKind = "not_found"
	KindConflict      ErrorKind = "conflict"
	KindAuthorization ErrorKind = "authorization"
	KindInvariant     ErrorKind = "invariant"
	KindStore         ErrorKind = "store"
)

type DomainError struct {
	Kind    ErrorKind
	Status  int
	Code    string
	Message string
	Details any
	Err     error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func domainError(kind ErrorKind, status int, code, message string, details any) *DomainError {
	return &DomainError{
		Kind:    kind,
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(err error) *DomainError {
	var fieldErrors validation.Errors
	if errors.As(err, &fieldErrors) {
		details := make(map[string]string, len(fieldErrors))
		for field, fieldErr := range fieldErrors {
			details[field] = fieldErr.Error()
		}
		return &DomainError{Kind: KindValidation, Status: http.StatusUnprocessableEntity, Code: "VALIDATION_ERROR", Message: "Invalid input", Details: details, Err: err}
	}
	return &DomainError{Kind: KindValidation, Status: http.StatusUnprocessableEntity, Code: "VALIDATION_ERROR", Message: err.Error(), Err: err}
}

func forbidden(message string) *DomainError {
	return domainError(KindAuthorization, http.StatusForbidden, "FORBIDDEN", message, nil)
}

// classify turns any error into a *DomainError. Store sentinels map to their
// kind; anything unrecognised is a store failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}

	classified := &DomainError{Err: err}
	switch {
	case errors.Is(err, store.ErrNotFound):
		classified.Kind, classified.Status, classified.Code, classified.Message = KindNotFound, http.StatusNotFound, "NOT_FOUND", "Not found"
	case errors.Is(err, store.ErrConflict):
		classified.Kind, classified.Status, classified.Code, classified.Message = KindConflict, http.StatusConflict, "CONFLICT", "Conflicts with current state"
	case errors.Is(err, store.ErrForbidden):
		classified.Kind, classified.Status, classified.Code, classified.Message = KindAuthorization, http.StatusForbidden, "FORBIDDEN", "Forbidden"
	case errors.Is(err, store.ErrInvariant):
		classified.Kind, classified.Status, classified.Code, classified.Message = KindInvariant, http.StatusUnprocessableEntity, "INVARIANT_VIOLATION", "Revision does not belong to story"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		classified.Kind, classified.Status, classified.Code, classified.Message = KindStore, http.StatusServiceUnavailable, "STORE_TIMEOUT", "Store did not respond in time"
	default:
		classified.Kind, classified.Status, classified.Code, classified.Message = KindStore, http.StatusServiceUnavailable, "STORE_ERROR", "Store unavailable"
	}
	return classified
}

// KindOf reports the kind of a classified error, or "" for nil.
func KindOf(err error) ErrorKind {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Kind
	}
	if err == nil {
		return ""
	}
	return KindStore
}
