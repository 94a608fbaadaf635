package service

import (
	"net/http"
	"strings"
)

// hopByHopHeaders are connection-scoped and never cross the proxy.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// securityHeaders are overlaid on relayed responses when enabled.
var securityHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
}

// buildRequestHeaders copies the inbound headers and applies overrides.
// Inbound values come first; overrides win.
func buildRequestHeaders(src http.Header, forceJSON bool) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	stripHopByHop(dst)
	if forceJSON {
		dst.Set("Content-Type", "application/json")
	}
	return dst
}

// buildResponseHeaders copies the upstream headers, optionally overlaying
// the security headers.
func buildResponseHeaders(src http.Header, secure bool) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	stripHopByHop(dst)
	if secure {
		for _, kv := range securityHeaders {
			dst.Set(kv[0], kv[1])
		}
	}
	return dst
}

func stripHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
