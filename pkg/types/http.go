package types

import (
	"fmt"
	"net/http"
	"time"
)

// DefaultHTTPTimeout bounds every outbound integration call.
const DefaultHTTPTimeout = 10 * time.Second

// HTTPClientInterface is the slice of *http.Client the integrations use, so tests can stub it.
type HTTPClientInterface interface {
	Do(req *http.Request) (*http.Response, error)
}

// RealHTTPClient sends integration requests over a bounded http.Client.
type RealHTTPClient struct {
	Client *http.Client
}

// NewRealHTTPClient returns a client using DefaultHTTPTimeout.
func NewRealHTTPClient() *RealHTTPClient {
	return NewRealHTTPClientWithTimeout(DefaultHTTPTimeout)
}

// NewRealHTTPClientWithTimeout returns a client whose requests give up after timeout.
// A non-positive timeout falls back to DefaultHTTPTimeout.
func NewRealHTTPClientWithTimeout(timeout time.Duration) *RealHTTPClient {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &RealHTTPClient{Client: &http.Client{Timeout: timeout}}
}

func (c *RealHTTPClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending %s %s: %w", req.Method, req.URL.Redacted(), err)
	}
	return resp, nil
}
