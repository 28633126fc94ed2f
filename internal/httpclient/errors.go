package httpclient

import (
	"fmt"
	"io"
	"net/http"
)

// maxErrorBody caps how much of an error response is kept in the message
const maxErrorBody = 4096

// HTTPError represents a non-success HTTP response
type HTTPError struct {
	StatusCode int
	Message    string
	URL        string
}

// Error returns the error message
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d for URL %s: %s", e.StatusCode, e.URL, e.Message)
}

// NewHTTPError creates a new HTTP error
func NewHTTPError(statusCode int, url, message string) error {
	return &HTTPError{
		StatusCode: statusCode,
		URL:        url,
		Message:    message,
	}
}

// FromResponse builds an HTTPError from a response, reading a bounded part of the body
func FromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return NewHTTPError(resp.StatusCode, resp.Request.URL.Redacted(), string(body))
}
