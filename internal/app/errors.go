package app

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/coderaugment/bonsai-app-sub000/internal/attachment"
	"github.com/coderaugment/bonsai-app-sub000/internal/document"
	"github.com/coderaugment/bonsai-app-sub000/internal/export"
	"github.com/coderaugment/bonsai-app-sub000/internal/store"
	"github.com/coderaugment/bonsai-app-sub000/internal/workflow"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

// mapError turns package errors into the HTTP status, code, message and
// details of the error body.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	var gateErr *workflow.GateNotSatisfiedError
	if errors.As(err, &gateErr) {
		return http.StatusConflict, "GATE_NOT_SATISFIED", gateErr.Error(), map[string]any{
			"gate":     gateErr.Gate,
			"document": gateErr.Document,
		}
	}
	var transitionErr *workflow.InvalidTransitionError
	if errors.As(err, &transitionErr) {
		return http.StatusConflict, "INVALID_TRANSITION", transitionErr.Error(), map[string]any{
			"from": transitionErr.From,
			"to":   transitionErr.To,
		}
	}

	switch {
	case errors.Is(err, workflow.ErrTerminalState):
		return http.StatusConflict, "TERMINAL_STATE", "Ticket is done and cannot change state", nil
	case errors.Is(err, workflow.ErrUnknownState):
		return http.StatusUnprocessableEntity, "UNKNOWN_STATE", err.Error(), nil
	case errors.Is(err, document.ErrNoSuchDocument):
		return http.StatusNotFound, "NO_SUCH_DOCUMENT", "No such document", nil
	case errors.Is(err, document.ErrVersionConflict):
		return http.StatusConflict, "VERSION_CONFLICT", "Document version conflict, retry", nil
	case errors.Is(err, document.ErrInvalidType):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid document type", nil
	case errors.Is(err, store.ErrStaleWrite):
		return http.StatusConflict, "STALE_WRITE", "Ticket changed since it was read", nil
	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict, "DUPLICATE", "Already exists", nil
	case errors.Is(err, store.ErrNotFound), errors.Is(err, attachment.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be html or pdf", nil
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF export is not available on this server", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
