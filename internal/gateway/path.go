package gateway

import (
	"net/url"
	"path"
	"strings"
)

// cleanURL returns u with "." and ".." segments of its escaped path resolved,
// percent-encoded ones included. u itself is returned when there is nothing to
// resolve.
func cleanURL(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	escaped, ok := resolveDots(u.EscapedPath(), dotSegment)
	if !ok {
		return u
	}
	decoded, err := url.PathUnescape(escaped)
	if err != nil {
		return u
	}
	out := *u
	out.Path = decoded
	out.RawPath = escaped
	return &out
}

// resolveDots removes the segments of p that isDot recognizes and reports
// whether it found any. A trailing slash, or a trailing dot segment, leaves a
// trailing slash.
func resolveDots(p string, isDot func(string) string) (string, bool) {
	segs := strings.Split(p, "/")
	found := false
	for i, s := range segs {
		if d := isDot(s); d != "" {
			segs[i] = d
			found = true
		}
	}
	if !found {
		return p, false
	}

	last := segs[len(segs)-1]
	trailing := last == "" || last == "." || last == ".."

	cleaned := path.Clean("/" + strings.Join(segs, "/"))
	if trailing && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned, true
}

// dotSegment returns "." or ".." when s is one of them, possibly
// percent-encoded, and "" otherwise.
func dotSegment(s string) string {
	if s == "" || len(s) > len("%2e%2e") || strings.Trim(s, ".%2eE") != "" {
		return ""
	}
	d, err := url.PathUnescape(s)
	if err != nil {
		return ""
	}
	if d == "." || d == ".." {
		return d
	}
	return ""
}

// literalDot is dotSegment for paths that are already decoded.
func literalDot(s string) string {
	if s == "." || s == ".." {
		return s
	}
	return ""
}
