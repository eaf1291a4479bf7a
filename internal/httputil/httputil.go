// Package httputil holds the HTTP client plumbing shared by the backend and
// provider clients.
package httputil

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	DefaultTimeout  = 10 * time.Second
	BackendTimeout  = 20 * time.Second
	MaxResponseBody = 2 << 20 // 2 MiB
)

func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// ReadBody reads at most MaxResponseBody bytes, then drains and closes the
// body so the connection can be reused.
func ReadBody(resp *http.Response) ([]byte, error) {
	defer DrainBody(resp)
	return io.ReadAll(io.LimitReader(resp.Body, MaxResponseBody))
}

func DrainBody(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}

// ValidateBaseURL checks that rawURL is an absolute http(s) URL.
func ValidateBaseURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL must use http or https scheme")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// Truncate shortens b to maxRunes runes for log and error messages.
func Truncate(b []byte, maxRunes int) string {
	r := []rune(string(b))
	if len(r) > maxRunes {
		return string(r[:maxRunes]) + "..."
	}
	return string(r)
}
