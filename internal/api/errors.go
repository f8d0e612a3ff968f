// errors.go - structured error envelope for API responses
package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/docuflow/backend/internal/pipeline"
)

// APIError is the envelope every endpoint returns on failure. Handlers
// return these; the global ErrorHandler renders them.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewBadRequestError flags an invalid request payload or parameter.
func NewBadRequestError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusBadRequest,
		Code:    "bad_request",
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewNotFoundError flags a missing resource.
func NewNotFoundError(resource, id string) *APIError {
	return &APIError{
		Status:  http.StatusNotFound,
		Code:    "not_found",
		Message: fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// NewConflictError flags a request refused by mutual exclusion.
func NewConflictError(message string) *APIError {
	return &APIError{
		Status:  http.StatusConflict,
		Code:    "conflict",
		Message: message,
	}
}

// NewUnavailableError flags a request the service cannot take on right now.
func NewUnavailableError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusServiceUnavailable,
		Code:    "unavailable",
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewInternalError flags an unexpected server-side failure.
func NewInternalError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusInternalServerError,
		Code:    "internal",
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// newEnqueueError translates task-queue failures into API errors.
func newEnqueueError(err error) *APIError {
	switch {
	case errors.Is(err, pipeline.ErrQueueFull):
		return NewUnavailableError("task queue is full, retry later", err)
	case errors.Is(err, pipeline.ErrQueueClosed):
		return NewUnavailableError("pipeline is shutting down", err)
	default:
		return NewInternalError("failed to enqueue task", err)
	}
}

// ErrorHandler renders every handler error as the APIError envelope.
// Usage: e.HTTPErrorHandler = api.ErrorHandler
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var apiErr *APIError
	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &apiErr):
	case errors.As(err, &httpErr):
		apiErr = &APIError{
			Status:  httpErr.Code,
			Code:    "http_error",
			Message: fmt.Sprintf("%v", httpErr.Message),
		}
	default:
		apiErr = NewInternalError("an unexpected error occurred", err)
	}

	if err := c.JSON(apiErr.Status, apiErr); err != nil {
		c.Logger().Error(err)
	}
}
