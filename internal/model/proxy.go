// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	Ctx      context.Context
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     io.ReadCloser
}

// ForwardRequest is one logical upstream call, replayable across attempts.
// Origin must already be normalized to scheme://host:port.
type ForwardRequest struct {
	Upstream string // upstream name, used for metrics and logs
	Origin   string
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	// ContentLength is -1 when the upstream did not declare a length
	// (chunked or close-delimited bodies).
	ContentLength int64
	// Attempts is the number of upstream requests issued for this response.
	Attempts int
}
