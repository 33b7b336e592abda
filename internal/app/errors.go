package app

import (
	"fmt"
	"net/http"
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

func invalidInput(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "validation_error", message, nil)
}

func forbidden(message string) *DomainError {
	return domainError(http.StatusForbidden, "forbidden", message, nil)
}

func notFound(what string) *DomainError {
	return domainError(http.StatusNotFound, "not_found", what+" not found", nil)
}

var errUnauthorized = domainError(http.StatusUnauthorized, "unauthorized", "Unauthorized", nil)
