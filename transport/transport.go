// Package transport provides the pooled outbound HTTP client shared by the
// extraction, image-search and commerce clients. One pool per process keeps
// connection reuse high across stages hitting the same endpoints.
package transport

import "time"

// Config holds pooling and timeout settings for the outbound client.
type Config struct {
	// Timeout caps one request end-to-end. Zero means no client-level cap;
	// callers govern requests through context deadlines instead. The
	// extraction client needs this because its adaptive timeout exceeds any
	// sensible fixed cap.
	Timeout time.Duration

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// DefaultConfig returns the pooling defaults.
func DefaultConfig() *Config {
	return &Config{
		Timeout:             30 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
}
