package httpclient

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPError(t *testing.T) {
	t.Parallel()

	err := NewHTTPError(http.StatusServiceUnavailable, "https://example.com/x", "busy")
	require.Equal(t, "HTTP 503 for URL https://example.com/x: busy", err.Error())

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	require.Equal(t, http.StatusServiceUnavailable, httpErr.StatusCode)
}

func TestFromResponse(t *testing.T) {
	t.Parallel()

	u, err := url.Parse("https://example.com/indexes/users")
	require.NoError(t, err)

	resp := &http.Response{
		StatusCode: http.StatusForbidden,
		Body:       io.NopCloser(strings.NewReader(strings.Repeat("x", maxErrorBody*2))),
		Request:    &http.Request{URL: u},
	}

	got := FromResponse(resp)
	var httpErr *HTTPError
	require.ErrorAs(t, got, &httpErr)
	require.Equal(t, http.StatusForbidden, httpErr.StatusCode)
	require.Len(t, httpErr.Message, maxErrorBody)
	require.Equal(t, "https://example.com/indexes/users", httpErr.URL)
}
