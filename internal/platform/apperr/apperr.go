// Package apperr defines the error taxonomy shared by the preauthorization
// services and its mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrDuplicate is returned by repositories when an insert loses a
// unique-constraint race. Services recover by re-reading the winner.
var ErrDuplicate = errors.New("duplicate")

// NotFoundError reports a missing aggregate or linked entity.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return e.Resource + " not found"
	}
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// ValidationError reports input the caller must fix before retrying.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// InvalidTransitionError reports an operation attempted from a state that
// does not permit it.
type InvalidTransitionError struct {
	Operation string
	From      string
	To        string
	Hint      string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("cannot %s from status %s", e.Operation, e.From)
	if e.To != "" {
		msg += " (requested " + e.To + ")"
	}
	if e.Hint != "" {
		msg += ": " + e.Hint
	}
	return msg
}

// MissingRequirementError lists requirement codes that are still unmet.
type MissingRequirementError struct {
	Message string
	Codes   []string
}

func (e *MissingRequirementError) Error() string {
	return e.Message + ": " + strings.Join(e.Codes, ", ")
}

// ConfigurationError reports invalid operator-supplied configuration such
// as an unsupported payer rules schema.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string { return e.Message }

func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

func Validation(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

func Configuration(format string, args ...interface{}) error {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

func IsInvalidTransition(err error) bool {
	var e *InvalidTransitionError
	return errors.As(err, &e)
}

func IsMissingRequirement(err error) bool {
	var e *MissingRequirementError
	return errors.As(err, &e)
}

func IsConfiguration(err error) bool {
	var e *ConfigurationError
	return errors.As(err, &e)
}

// HTTPStatus maps an error from the taxonomy onto an HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsNotFound(err):
		return http.StatusNotFound
	case IsValidation(err), IsInvalidTransition(err), IsMissingRequirement(err):
		return http.StatusBadRequest
	case IsConfiguration(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
