// Package apierr classifies transport and PocketBase failures into
// NetworkError and APIError.
package apierr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// CodeUnknown is used when a failed response carries no field error.
const CodeUnknown = "unknown"

// NetworkError is a transport level failure: offline, DNS, refused
// connection or a request that ran past its deadline.
type NetworkError struct {
	Timeout bool
	Err     error
}

func (e *NetworkError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("request timeout: %v", e.Err)
	}

	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status  int
	Code    string
	Message string
	// Body is the raw response body, kept for endpoints that map their
	// failures differently.
	Body []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
}

// Classify maps an error returned by the HTTP transport into a typed error.
// Errors that are already typed are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return err
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return err
	}

	return &NetworkError{Timeout: isTimeout(err), Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var ne net.Error

	return errors.As(err, &ne) && ne.Timeout()
}

type errorBody struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type fieldError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FromResponse builds an APIError from a failed response. The first field
// error in data wins over the top level message, which wins over the
// status text.
func FromResponse(status int, statusText string, body []byte) *APIError {
	if statusText == "" {
		statusText = http.StatusText(status)
	}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return &APIError{Status: status, Code: CodeUnknown, Message: statusText, Body: body}
	}

	code, message := CodeUnknown, eb.Message
	if fe, ok := firstFieldError(eb.Data); ok {
		if fe.Code != "" {
			code = fe.Code
		}
		if fe.Message != "" {
			message = fe.Message
		}
	}

	if message == "" {
		message = statusText
	}

	return &APIError{Status: status, Code: code, Message: message, Body: body}
}

// firstFieldError returns the first entry of the data object in document
// order. A map would lose the order the backend reported the fields in.
func firstFieldError(raw json.RawMessage) (fieldError, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return fieldError{}, false
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	if _, err := dec.Token(); err != nil {
		return fieldError{}, false
	}

	if !dec.More() {
		return fieldError{}, false
	}

	if _, err := dec.Token(); err != nil {
		return fieldError{}, false
	}

	var fe fieldError
	if err := dec.Decode(&fe); err != nil {
		return fieldError{}, false
	}

	return fe, true
}

// IsAuthFailure reports whether err is a 401 or 403 APIError.
func IsAuthFailure(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}

	return apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden
}

func IsNotFound(err error) bool {
	var apiErr *APIError

	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

func IsNetwork(err error) bool {
	var netErr *NetworkError

	return errors.As(err, &netErr)
}

// Humanize turns an error from login or signup into a message for the user.
func Humanize(err error) string {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		if netErr.Timeout {
			return "Request timed out. Please try again."
		}

		return "Network error. Please check your connection."
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}

	return "An unexpected error occurred"
}
