// Package service implements the forward-and-relay pipeline between the
// inbound request and the upstream Bot API.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"tg-bot-proxy/internal/botpath"
	"tg-bot-proxy/internal/client"
	"tg-bot-proxy/internal/config"
	"tg-bot-proxy/internal/model"
)

// ErrInvalidToken is returned when token validation is enabled and the
// token does not carry the configured prefix.
var ErrInvalidToken = errors.New("bot token rejected by prefix check")

// ErrReadBody is returned when the inbound body cannot be read.
var ErrReadBody = errors.New("read request body")

// ErrBodyTooLarge is reported by inbound body readers that enforce a size
// limit. It reaches callers wrapped in ErrReadBody.
var ErrBodyTooLarge = errors.New("request body too large")

// ForwardError reports a network-level failure reaching the upstream.
// Upstream 4xx/5xx responses are relayed and never produce a ForwardError.
type ForwardError struct {
	Err error
}

func (e *ForwardError) Error() string {
	return "forward to upstream: " + e.Err.Error()
}

func (e *ForwardError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the upstream deadline expired.
func (e *ForwardError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// Forwarder builds upstream requests from inbound ones, dispatches them and
// relays the result. It holds only configuration and is safe for concurrent use.
type Forwarder struct {
	client          *client.UpstreamClient
	logger          *slog.Logger
	baseURL         string
	parser          *botpath.Parser
	urlMode         string
	securityHeaders bool
	tokenPrefix     string
}

// NewForwarder creates a Forwarder from the upstream and proxy settings.
func NewForwarder(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) (*Forwarder, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream base_url %q must be absolute", cfg.Upstream.BaseURL)
	}

	parser := botpath.MustParser(botpath.Pattern)
	if pattern := cfg.Proxy.PathPattern; pattern != "" && pattern != botpath.DefaultPattern {
		parser, err = botpath.NewParser(pattern)
		if err != nil {
			return nil, err
		}
	}

	mode := cfg.Proxy.URLMode
	if mode == "" {
		mode = config.URLModeRebuild
	}

	return &Forwarder{
		client:          c,
		logger:          logger.With("component", "forwarder"),
		baseURL:         strings.TrimRight(u.String(), "/"),
		parser:          parser,
		urlMode:         mode,
		securityHeaders: cfg.Proxy.SecurityHeaders,
		tokenPrefix:     cfg.Proxy.TokenPrefix,
	}, nil
}

// Parser returns the path parser the Forwarder extracts routing fields with.
func (f *Forwarder) Parser() *botpath.Parser {
	return f.parser
}

// Forward sends pr to the upstream and returns the relayed response.
// The caller is responsible for closing the response body.
//
// Errors: botpath.ErrNoMatch when routing fields are needed but the path
// does not carry them, ErrInvalidToken, ErrReadBody, or *ForwardError.
func (f *Forwarder) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	var parsed botpath.Parsed
	if f.needsParse() {
		p, err := f.parser.Parse(pr.EscapedPath())
		if err != nil {
			return nil, fmt.Errorf("parse path: %w", err)
		}
		parsed = p
	}

	if f.tokenPrefix != "" && !strings.HasPrefix(unescapeToken(parsed.Token), f.tokenPrefix) {
		return nil, ErrInvalidToken
	}

	upstreamURL := f.buildUpstreamURL(pr, parsed)
	header := buildRequestHeaders(pr.Header, f.urlMode == config.URLModeRebuild)

	var body io.Reader
	if pr.Method == http.MethodPost {
		b, err := duplicateBody(pr)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrReadBody, err)
		}
		body = bytes.NewReader(b)
	}

	f.logger.Debug("forwarding request",
		"method", pr.Method,
		"api_method", parsed.APIMethod,
		"url_mode", f.urlMode,
	)

	ctx := pr.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	resp, err := f.client.DoStream(ctx, pr.Method, upstreamURL, header, body)
	if err != nil {
		return nil, &ForwardError{Err: err}
	}

	resp.Header = buildResponseHeaders(resp.Header, f.securityHeaders)
	return resp, nil
}

func (f *Forwarder) needsParse() bool {
	return f.urlMode == config.URLModeRebuild || f.tokenPrefix != ""
}

// unescapeToken decodes a token taken from the escaped path. Tokens that are
// not valid escapes are compared as they are.
func unescapeToken(tok string) string {
	if t, err := url.PathUnescape(tok); err == nil {
		return t
	}
	return tok
}

// buildUpstreamURL returns <base>/bot<token>/<method> in rebuild mode and
// <base><path>?<query> in passthrough mode. The query is dropped when rebuilding.
// Token and method are parsed from the escaped path and forwarded as sent.
func (f *Forwarder) buildUpstreamURL(pr *model.ProxyRequest, parsed botpath.Parsed) string {
	if f.urlMode == config.URLModeRebuild {
		return f.baseURL + "/bot" + parsed.Token + "/" + parsed.APIMethod
	}

	path := pr.EscapedPath()
	query := ""
	if pr.URL != nil {
		query = pr.URL.RawQuery
	}
	if query != "" {
		return f.baseURL + path + "?" + query
	}
	return f.baseURL + path
}

// duplicateBody reads the inbound body and puts back a replayable copy, so
// later readers of pr.Body see the same bytes.
func duplicateBody(pr *model.ProxyRequest) ([]byte, error) {
	if pr.Body == nil || pr.Body == http.NoBody {
		return nil, nil
	}
	b, err := io.ReadAll(pr.Body)
	_ = pr.Body.Close()
	if err != nil {
		return nil, err
	}
	pr.Body = io.NopCloser(bytes.NewReader(b))
	return b, nil
}
