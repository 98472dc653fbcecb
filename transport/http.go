package transport

import (
	"fmt"
	"net/http"
)

// HTTPTransport wraps the standard library transport with configured
// timeouts and connection pooling.
type HTTPTransport struct {
	transport *http.Transport
	client    *http.Client
}

// NewHTTPTransport creates a pooled transport. A nil config uses defaults.
func NewHTTPTransport(config *Config) *HTTPTransport {
	if config == nil {
		config = DefaultConfig()
	}

	transport := &http.Transport{
		MaxIdleConns:        config.MaxIdleConns,
		MaxIdleConnsPerHost: config.MaxIdleConnsPerHost,
		IdleConnTimeout:     config.IdleConnTimeout,
		ForceAttemptHTTP2:   true,
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   config.Timeout,
	}

	return &HTTPTransport{
		transport: transport,
		client:    client,
	}
}

// RoundTrip executes a single HTTP transaction. Implements
// http.RoundTripper.
func (t *HTTPTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q, only http and https are served", req.URL.Scheme)
	}
	return t.transport.RoundTrip(req)
}

// Client returns the pooled http.Client for direct use.
func (t *HTTPTransport) Client() *http.Client {
	return t.client
}

// Close releases idle connections.
func (t *HTTPTransport) Close() error {
	t.transport.CloseIdleConnections()
	return nil
}
