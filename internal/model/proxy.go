// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest is the normalized inbound request handed to the core.
// The core treats it as read-only with two exceptions: URL may be replaced
// by its dot-segment-free form, and Body by a replayable copy when it has to
// be read before forwarding.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	URL    *url.URL
	Header http.Header
	Body   io.ReadCloser
}

// Path returns the request URL path, or "/" when no URL is set.
func (r *ProxyRequest) Path() string {
	if r.URL == nil || r.URL.Path == "" {
		return "/"
	}
	return r.URL.Path
}

// EscapedPath returns the request path as it appeared on the wire, or "/"
// when no URL is set.
func (r *ProxyRequest) EscapedPath() string {
	if r.URL == nil {
		return "/"
	}
	if p := r.URL.EscapedPath(); p != "" {
		return p
	}
	return "/"
}

// ProxyResponse is either a relayed upstream response or a locally built one.
// The consumer is responsible for closing Body.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
