package api

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusCoder is implemented by errors that have an associated HTTP status code.
type StatusCoder interface {
	StatusCode() int
}

// ErrorResponse is the JSON error body returned by the gateway.
type ErrorResponse struct {
	Message string `json:"message"`
}

// NotFoundError indicates a requested resource was not found.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no such %s: %s", e.Resource, e.ID)
}

func (e *NotFoundError) StatusCode() int {
	return http.StatusNotFound
}

// ConflictError indicates a resource already exists.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

func (e *ConflictError) StatusCode() int {
	return http.StatusConflict
}

// InvalidParameterError indicates an invalid request parameter.
type InvalidParameterError struct {
	Message string
}

func (e *InvalidParameterError) Error() string {
	return e.Message
}

func (e *InvalidParameterError) StatusCode() int {
	return http.StatusBadRequest
}

// NotReadyError indicates a resource exists but cannot serve yet,
// e.g. an endpoint that is still Creating.
type NotReadyError struct {
	Resource string
	ID       string
	Status   string
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("%s %s is not ready (status %s)", e.Resource, e.ID, e.Status)
}

func (e *NotReadyError) StatusCode() int {
	return http.StatusServiceUnavailable
}

// IsNotFound reports whether err (or anything it wraps) is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err (or anything it wraps) is a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// HTTPStatus returns the status code carried by err, or 500.
func HTTPStatus(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return http.StatusInternalServerError
}
