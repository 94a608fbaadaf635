// Package botpath extracts the bot token and API method from request paths
// of the form /bot<token>/<method>.
package botpath

import (
	"errors"
	"fmt"
	"regexp"
)

// DefaultPattern is the path layout used by the Telegram Bot API.
const DefaultPattern = `(?i)^/bot(?P<token>[^/]+)/(?P<method>[a-z]+)`

// ErrNoMatch is returned when a path does not follow the bot path layout.
var ErrNoMatch = errors.New("path does not match bot path pattern")

// Pattern is the compiled DefaultPattern.
var Pattern = regexp.MustCompile(DefaultPattern)

var tokenSegment = regexp.MustCompile(`(?i)/bot[^/\s"?]+`)

// Parsed holds the routing fields extracted from a path.
type Parsed struct {
	Token     string
	APIMethod string
}

// Parser extracts Parsed fields with a fixed pattern.
type Parser struct {
	re       *regexp.Regexp
	tokenIdx int
	methIdx  int
}

// NewParser compiles expr and checks that it exposes the token and method groups.
func NewParser(expr string) (*Parser, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile path pattern: %w", err)
	}
	return newParser(re)
}

// MustParser is like NewParser but panics on error.
func MustParser(re *regexp.Regexp) *Parser {
	p, err := newParser(re)
	if err != nil {
		panic(err)
	}
	return p
}

func newParser(re *regexp.Regexp) (*Parser, error) {
	p := &Parser{
		re:       re,
		tokenIdx: re.SubexpIndex("token"),
		methIdx:  re.SubexpIndex("method"),
	}
	if p.tokenIdx < 0 || p.methIdx < 0 {
		return nil, fmt.Errorf("path pattern %q must define named groups \"token\" and \"method\"", re.String())
	}
	return p, nil
}

// Regexp returns the compiled pattern, for use as a route predicate.
func (p *Parser) Regexp() *regexp.Regexp {
	return p.re
}

// Parse extracts the token and API method from path.
func (p *Parser) Parse(path string) (Parsed, error) {
	m := p.re.FindStringSubmatch(path)
	if m == nil || m[p.tokenIdx] == "" || m[p.methIdx] == "" {
		return Parsed{}, ErrNoMatch
	}
	return Parsed{Token: m[p.tokenIdx], APIMethod: m[p.methIdx]}, nil
}

// Redact replaces every /bot<token> segment in s with /bot[REDACTED].
func Redact(s string) string {
	return tokenSegment.ReplaceAllString(s, "/bot[REDACTED]")
}
