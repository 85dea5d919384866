package transport

import (
	"net/http"
	"time"
)

// NewHTTPClient returns the default HTTPClient: a *http.Client with a sane
// timeout. *http.Client already satisfies HTTPClient without a wrapper.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &http.Client{Timeout: timeout}
}
