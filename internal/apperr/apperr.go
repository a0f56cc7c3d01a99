// Package apperr defines the error kinds used across the service and their
// HTTP rendering contract.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for retry decisions and HTTP status mapping.
type Kind int

const (
	BadRequest Kind = iota
	NotFound
	Internal
	Storage
	Download
	Processing
	Timeout
)

func (k Kind) String() string {
	switch k {
	case BadRequest:
		return "bad_request"
	case NotFound:
		return "not_found"
	case Internal:
		return "internal_error"
	case Storage:
		return "storage_error"
	case Download:
		return "download_error"
	case Processing:
		return "processing_error"
	case Timeout:
		return "timeout_error"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps the kind to the status code the boundary renders.
func (k Kind) HTTPStatus() int {
	switch k {
	case BadRequest, Download:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Timeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Error is the service-wide error type. Message text is user-visible for
// download/processing failures, which surface subprocess stderr verbatim.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	switch e.Kind {
	case BadRequest:
		return fmt.Sprintf("Bad Request error: %s", e.Message)
	case NotFound:
		return fmt.Sprintf("Not Found error: %s", e.Message)
	case Storage:
		return fmt.Sprintf("Storage error: %s", e.Message)
	case Download:
		return fmt.Sprintf("Download error: %s", e.Message)
	case Processing:
		return fmt.Sprintf("Processing error: %s", e.Message)
	case Timeout:
		return fmt.Sprintf("Timeout error: %s", e.Message)
	default:
		return fmt.Sprintf("Internal error: %s", e.Message)
	}
}

// New constructs an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from err, defaulting to Internal for errors that
// did not originate in this package.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return Internal
}

// MessageOf returns the bare message without the kind prefix.
func MessageOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}

// Envelope is the JSON error body rendered by the HTTP boundary.
type Envelope struct {
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

// ToEnvelope renders err into the boundary's JSON envelope.
func ToEnvelope(err error) Envelope {
	return Envelope{
		Error:     "request_failed",
		ErrorType: KindOf(err).String(),
		Message:   MessageOf(err),
	}
}
