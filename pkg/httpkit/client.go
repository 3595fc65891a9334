// Package httpkit builds preconfigured *http.Client instances for the
// orchestrator's external HTTP collaborators (the sidecar, presigned
// object-store URLs, any supervisor endpoints queried over HTTP).
package httpkit

import (
	"crypto/tls"
	"net/http"
	"time"
)

// ClientConfig controls timeouts, retry count, and transport pooling for
// a constructed client. MaxRetries is advisory only: NewClient does not
// use it and the constructed client never retries.
type ClientConfig struct {
	Timeout                time.Duration
	MaxRetries             int
	DisableSSLVerification bool
	MaxIdleConns           int
	IdleConnTimeout        time.Duration
	TLSHandshakeTimeout    time.Duration
	ResponseHeaderTimeout  time.Duration
}

// DefaultClientConfig is a general-purpose configuration suitable for
// most internal collaborators.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:               30 * time.Second,
		MaxRetries:            3,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
	}
}

// SidecarClientConfig favours short deadlines: the sidecar lives one hop
// away in the same pod network namespace.
func SidecarClientConfig(executeTimeout time.Duration) ClientConfig {
	return ClientConfig{
		Timeout:               executeTimeout,
		MaxRetries:            1,
		MaxIdleConns:          4,
		IdleConnTimeout:       60 * time.Second,
		TLSHandshakeTimeout:   2 * time.Second,
		ResponseHeaderTimeout: executeTimeout,
	}
}

// PresignedURLClientConfig is used when the orchestrator itself follows
// a presigned object-store URL (e.g. to verify a direct upload landed).
func PresignedURLClientConfig(timeout time.Duration) ClientConfig {
	return ClientConfig{
		Timeout:               timeout,
		MaxRetries:            2,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: timeout / 2,
	}
}

// NewClient builds an *http.Client from config.
func NewClient(config ClientConfig) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:          config.MaxIdleConns,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
	}
	if config.DisableSSLVerification {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{
		Timeout:   config.Timeout,
		Transport: transport,
	}
}

// NewClientWithTimeout builds a client from DefaultClientConfig with the
// timeout overridden.
func NewClientWithTimeout(timeout time.Duration) *http.Client {
	config := DefaultClientConfig()
	config.Timeout = timeout
	return NewClient(config)
}

// NewDefaultClient builds a client from DefaultClientConfig.
func NewDefaultClient() *http.Client {
	return NewClient(DefaultClientConfig())
}
