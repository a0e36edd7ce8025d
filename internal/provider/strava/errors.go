package strava

import (
	"fmt"
	"io"
	"net/http"
)

// maxErrorBodySize caps how much of an error response is kept.
const maxErrorBodySize = 500

// HTTPError carries a non-2xx answer from the provider API.
type HTTPError struct {
	StatusCode int
	Body       string
	URL        string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s (status %d): %s", http.StatusText(e.StatusCode), e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s (status %d)", http.StatusText(e.StatusCode), e.StatusCode)
}

// Retryable reports whether the provider signalled a transient condition.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func parseErrorResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize+1))
	text := string(body)
	if len(text) > maxErrorBodySize {
		text = text[:maxErrorBodySize] + "..."
	}
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Body:       text,
		URL:        resp.Request.URL.Redacted(),
	}
}
