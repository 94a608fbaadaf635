package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"tg-bot-proxy/internal/botpath"
	"tg-bot-proxy/internal/config"
	"tg-bot-proxy/internal/metrics"
	"tg-bot-proxy/internal/model"
	"tg-bot-proxy/internal/service"
)

// fakeForwarder records calls and answers with a fixed result.
type fakeForwarder struct {
	calls int
	last  *model.ProxyRequest
	resp  func() *model.ProxyResponse
	err   error
	panic any
}

func (f *fakeForwarder) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	f.calls++
	f.last = pr
	if f.panic != nil {
		panic(f.panic)
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp(), nil
	}
	return &model.ProxyResponse{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       io.NopCloser(strings.NewReader(`{"ok":true}`)),
	}, nil
}

func newTestGateway(fwd Forwarder, proxy config.ProxyConfig, logs io.Writer, m *metrics.Metrics) *Gateway {
	if proxy.Routes == "" {
		proxy.Routes = config.RoutesPattern
	}
	if logs == nil {
		logs = io.Discard
	}
	logger := slog.New(slog.NewTextHandler(logs, nil))
	return newGateway(fwd, botpath.MustParser(botpath.Pattern), &config.Config{Proxy: proxy}, logger, m)
}

func request(method, path string) *model.ProxyRequest {
	return &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: method,
		URL:    &url.URL{Scheme: "https", Host: "proxy.example.com", Path: path},
		Header: http.Header{},
		Body:   http.NoBody,
	}
}

func requestURL(t *testing.T, method, rawURL string) *model.ProxyRequest {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	pr := request(method, "/")
	pr.URL = u
	return pr
}

func bodyOf(t *testing.T, resp *model.ProxyResponse) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return string(b)
}

func rejections(t *testing.T, m *metrics.Metrics, reason string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != "tg_bot_proxy_rejections_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "reason" && lp.GetValue() == reason {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestHandle_PatternRoutes(t *testing.T) {
	fwd := &fakeForwarder{}
	m := metrics.New()
	g := newTestGateway(fwd, config.ProxyConfig{}, nil, m)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantCalls  int
	}{
		{"GET bot path", http.MethodGet, "/bot8178658513:abc/getMe", http.StatusOK, 1},
		{"POST bot path", http.MethodPost, "/bot8178658513:abc/sendMessage", http.StatusOK, 1},
		{"PUT bot path", http.MethodPut, "/bot8178658513:abc/sendMessage", http.StatusNotFound, 0},
		{"empty token", http.MethodGet, "/bot/sendMessage", http.StatusNotFound, 0},
		{"digits in method", http.MethodGet, "/botABC/SendMessage123", http.StatusNotFound, 0},
		{"unrelated path", http.MethodGet, "/other/path", http.StatusNotFound, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fwd.calls = 0
			resp := g.Handle(request(tt.method, tt.path))
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if fwd.calls != tt.wantCalls {
				t.Errorf("forward calls = %d, want %d", fwd.calls, tt.wantCalls)
			}
			if tt.wantStatus == http.StatusNotFound {
				want := `{"ok":false,"error_code":404,"description":"No matching route found"}`
				if body := bodyOf(t, resp); body != want {
					t.Errorf("body = %s, want %s", body, want)
				}
			}
		})
	}

	if got := rejections(t, m, metrics.ReasonNotFound); got != 4 {
		t.Errorf("not_found rejections = %v, want 4", got)
	}
}

func TestHandle_Whitelist(t *testing.T) {
	fwd := &fakeForwarder{}
	m := metrics.New()
	g := newTestGateway(fwd, config.ProxyConfig{
		Routes:    config.RoutesAny,
		Whitelist: []string{"/bot8178658513:", "/file/bot8178658513:"},
	}, nil, m)

	resp := g.Handle(request(http.MethodPost, "/bot8178658513:abc/sendMessage"))
	if resp.StatusCode != http.StatusOK {
		t.Errorf("whitelisted: StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if fwd.calls != 1 {
		t.Fatalf("whitelisted: forward calls = %d, want 1", fwd.calls)
	}

	resp = g.Handle(request(http.MethodGet, "/other/path"))
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("rejected: StatusCode = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
	if body := bodyOf(t, resp); body != "Forbidden" {
		t.Errorf("rejected: body = %q, want %q", body, "Forbidden")
	}
	if fwd.calls != 1 {
		t.Errorf("rejected: forward calls = %d, want still 1", fwd.calls)
	}
	if got := rejections(t, m, metrics.ReasonForbidden); got != 1 {
		t.Errorf("forbidden rejections = %v, want 1", got)
	}

	escapes := []string{
		"https://proxy.example.com/bot8178658513:abc/../../botOTHER:xyz/sendMessage",
		"https://proxy.example.com/bot8178658513:abc/%2e%2e/%2E%2E/botOTHER:xyz/sendMessage",
		"https://proxy.example.com/bot8178658513:abc/.%2e/../botOTHER:xyz/sendMessage",
		"https://proxy.example.com/bot8178658513:abc%2F..%2F..%2FbotOTHER:xyz/sendMessage",
		"https://proxy.example.com/file/bot8178658513:abc/../../../botOTHER:xyz/getMe",
	}
	for _, rawURL := range escapes {
		resp := g.Handle(requestURL(t, http.MethodGet, rawURL))
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("%s: StatusCode = %d, want %d", rawURL, resp.StatusCode, http.StatusForbidden)
		}
	}
	if fwd.calls != 1 {
		t.Errorf("dot segments: forward calls = %d, want still 1", fwd.calls)
	}
}

func TestHandle_ForwardsCleanedPath(t *testing.T) {
	fwd := &fakeForwarder{}
	g := newTestGateway(fwd, config.ProxyConfig{
		Routes:    config.RoutesAny,
		Whitelist: []string{"/bot8178658513:"},
	}, nil, nil)

	resp := g.Handle(requestURL(t, http.MethodGet, "https://proxy.example.com/bot8178658513:abc/x/%2e%2e/getMe?offset=1"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if fwd.last == nil {
		t.Fatal("request not forwarded")
	}
	if got := fwd.last.EscapedPath(); got != "/bot8178658513:abc/getMe" {
		t.Errorf("forwarded path = %q, want %q", got, "/bot8178658513:abc/getMe")
	}
	if got := fwd.last.URL.RawQuery; got != "offset=1" {
		t.Errorf("forwarded query = %q, want %q", got, "offset=1")
	}
}

func TestHandle_WhitelistBeforeRoutes(t *testing.T) {
	fwd := &fakeForwarder{}
	g := newTestGateway(fwd, config.ProxyConfig{Whitelist: []string{"/bot1:"}}, nil, nil)

	// Matches the route pattern but not the whitelist.
	resp := g.Handle(request(http.MethodGet, "/bot2:x/getMe"))
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
	if fwd.calls != 0 {
		t.Errorf("forward calls = %d, want 0", fwd.calls)
	}
}

func TestHandle_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
		reason     string
	}{
		{"parse failure", fmt.Errorf("parse path: %w", botpath.ErrNoMatch), 400, "Bad Request", metrics.ReasonBadRequest},
		{"body read failure", fmt.Errorf("%w: %w", service.ErrReadBody, errors.New("eof")), 400, "Bad Request", metrics.ReasonBadRequest},
		{"body too large", fmt.Errorf("%w: %w", service.ErrReadBody, service.ErrBodyTooLarge), 413, "Request Entity Too Large", metrics.ReasonBodyTooLarge},
		{"token rejected", service.ErrInvalidToken, 403, "Forbidden", metrics.ReasonForbidden},
		{"connection refused", &service.ForwardError{Err: errors.New("dial tcp: connection refused")}, 500, "Internal Server Error", metrics.ReasonUpstreamError},
		{"timeout", &service.ForwardError{Err: &url.Error{Op: "Get", URL: "x", Err: context.DeadlineExceeded}}, 504, "Gateway Timeout", metrics.ReasonUpstreamTimeout},
		{"unknown", errors.New("boom"), 500, "Internal Server Error", metrics.ReasonUpstreamError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()
			g := newTestGateway(&fakeForwarder{err: tt.err}, config.ProxyConfig{Routes: config.RoutesAny}, nil, m)

			resp := g.Handle(request(http.MethodGet, "/bot1:x/getMe"))
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if body := bodyOf(t, resp); body != tt.wantBody {
				t.Errorf("body = %q, want %q", body, tt.wantBody)
			}
			if got := rejections(t, m, tt.reason); got != 1 {
				t.Errorf("%s rejections = %v, want 1", tt.reason, got)
			}
		})
	}
}

func TestHandle_ErrorsDoNotLeakToken(t *testing.T) {
	var logs bytes.Buffer
	err := &service.ForwardError{Err: &url.Error{
		Op:  "Post",
		URL: "https://api.telegram.org/bot8178658513:secret/sendMessage",
		Err: errors.New("connection reset"),
	}}
	g := newTestGateway(&fakeForwarder{err: err}, config.ProxyConfig{}, &logs, nil)

	resp := g.Handle(request(http.MethodPost, "/bot8178658513:secret/sendMessage"))
	body := bodyOf(t, resp)

	if strings.Contains(body, "secret") || strings.Contains(body, "connection reset") {
		t.Errorf("response body leaks details: %q", body)
	}
	if strings.Contains(logs.String(), "8178658513:secret") {
		t.Errorf("logs leak token: %q", logs.String())
	}
	if !strings.Contains(logs.String(), "connection reset") {
		t.Errorf("logs = %q, want error detail", logs.String())
	}
}

func TestHandle_RecoversPanic(t *testing.T) {
	g := newTestGateway(&fakeForwarder{panic: "kaboom"}, config.ProxyConfig{Routes: config.RoutesAny}, nil, nil)

	resp := g.Handle(request(http.MethodGet, "/anything"))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}
}

func TestHandle_RelaysUpstreamStatus(t *testing.T) {
	fwd := &fakeForwarder{resp: func() *model.ProxyResponse {
		return &model.ProxyResponse{
			StatusCode: http.StatusTooManyRequests,
			Header:     http.Header{"Retry-After": {"3"}},
			Body:       io.NopCloser(strings.NewReader(`{"ok":false,"error_code":429}`)),
		}
	}}
	m := metrics.New()
	g := newTestGateway(fwd, config.ProxyConfig{}, nil, m)

	resp := g.Handle(request(http.MethodGet, "/bot1:x/getMe"))
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}
	if resp.Header.Get("Retry-After") != "3" {
		t.Error("Retry-After not relayed")
	}
	if got := rejections(t, m, metrics.ReasonUpstreamError); got != 0 {
		t.Errorf("upstream_error rejections = %v, want 0 for relayed upstream errors", got)
	}
}

func TestAllowed(t *testing.T) {
	g := &Gateway{}
	if !g.allowed("/anything") {
		t.Error("empty whitelist must allow everything")
	}

	g.whitelist = []string{"/bot1:", "/file/"}
	tests := []struct {
		path string
		want bool
	}{
		{"/bot1:abc/getMe", true},
		{"/file/bot1:abc/x.jpg", true},
		{"/bot2:abc/getMe", false},
		{"/bot1:abc/../../bot2:abc/getMe", false},
		{"/bot1:abc/x/../getMe", true},
		{"/", false},
	}
	for _, tt := range tests {
		if got := g.allowed(tt.path); got != tt.want {
			t.Errorf("allowed(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestCleanURL(t *testing.T) {
	tests := []struct {
		rawURL   string
		wantPath string
	}{
		{"https://p.example.com/bot1:x/getMe", "/bot1:x/getMe"},
		{"https://p.example.com/a/b/../c", "/a/c"},
		{"https://p.example.com/a/./b", "/a/b"},
		{"https://p.example.com/a/%2e%2e/b", "/b"},
		{"https://p.example.com/a/%2E/b/", "/a/b/"},
		{"https://p.example.com/a/b/..", "/a/"},
		{"https://p.example.com/../../a", "/a"},
		{"https://p.example.com/..", "/"},
		{"https://p.example.com/a%2Fb/../c", "/c"},
		{"https://p.example.com/x/../bot1%3Ax/getMe", "/bot1%3Ax/getMe"},
		{"https://p.example.com/a/..b/c", "/a/..b/c"},
	}

	for _, tt := range tests {
		t.Run(tt.rawURL, func(t *testing.T) {
			u, err := url.Parse(tt.rawURL)
			if err != nil {
				t.Fatal(err)
			}
			got := cleanURL(u)
			if p := got.EscapedPath(); p != tt.wantPath {
				t.Errorf("cleanURL(%q) path = %q, want %q", tt.rawURL, p, tt.wantPath)
			}
		})
	}
}
