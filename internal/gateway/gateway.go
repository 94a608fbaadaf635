// Package gateway is the proxy entry point: it applies the path whitelist,
// dispatches through the route table and turns every failure into one of
// the canned responses.
package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"tg-bot-proxy/internal/botpath"
	"tg-bot-proxy/internal/config"
	"tg-bot-proxy/internal/metrics"
	"tg-bot-proxy/internal/model"
	"tg-bot-proxy/internal/response"
	"tg-bot-proxy/internal/router"
	"tg-bot-proxy/internal/service"
)

// Forwarder is the upstream side of the pipeline.
type Forwarder interface {
	Forward(*model.ProxyRequest) (*model.ProxyResponse, error)
}

// Gateway handles one normalized request at a time and never returns an error.
// Its state is built once and only read afterwards.
type Gateway struct {
	router    *router.Router
	whitelist []string
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// New builds the route table for the configured strategy. The metrics
// parameter is optional.
func New(fwd *service.Forwarder, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Gateway {
	return newGateway(fwd, fwd.Parser(), cfg, logger, m)
}

func newGateway(fwd Forwarder, parser *botpath.Parser, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Gateway {
	g := &Gateway{
		whitelist: append([]string(nil), cfg.Proxy.Whitelist...),
		logger:    logger.With("component", "gateway"),
		metrics:   m,
	}

	rt := router.New()
	switch cfg.Proxy.Routes {
	case config.RoutesAny:
		rt.All(fwd.Forward)
	default:
		re := parser.Regexp()
		rt.Get(re, fwd.Forward).Post(re, fwd.Forward)
	}
	rt.NotFound(func(*model.ProxyRequest) (*model.ProxyResponse, error) {
		g.metrics.Reject(metrics.ReasonNotFound)
		return response.NotFound(), nil
	})
	g.router = rt

	g.logger.Debug("route table built",
		"strategy", cfg.Proxy.Routes,
		"routes", rt.Len(),
		"whitelist", len(g.whitelist),
	)

	return g
}

// Handle answers pr. Rejections and failures are mapped to canned responses;
// error details go to the log only.
func (g *Gateway) Handle(pr *model.ProxyRequest) (resp *model.ProxyResponse) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("panic while handling request",
				"panic", botpath.Redact(fmt.Sprint(r)),
				"path", botpath.Redact(pr.Path()),
			)
			g.metrics.Reject(metrics.ReasonUpstreamError)
			resp = response.InternalError()
		}
	}()

	pr.URL = cleanURL(pr.URL)

	if !g.allowed(pr.Path()) {
		g.logger.Warn("path not whitelisted", "path", botpath.Redact(pr.Path()))
		g.metrics.Reject(metrics.ReasonForbidden)
		return response.Forbidden()
	}

	resp, err := g.router.Route(pr)
	if err != nil {
		return g.mapError(pr, err)
	}
	if resp == nil {
		return g.mapError(pr, errors.New("handler returned no response"))
	}
	return resp
}

// allowed reports whether the decoded path starts with a whitelisted prefix,
// both as given and with dot segments hidden behind encoded slashes resolved.
// An empty whitelist allows everything.
func (g *Gateway) allowed(path string) bool {
	if len(g.whitelist) == 0 {
		return true
	}
	resolved, _ := resolveDots(path, literalDot)
	return g.hasPrefix(path) && g.hasPrefix(resolved)
}

func (g *Gateway) hasPrefix(path string) bool {
	for _, prefix := range g.whitelist {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (g *Gateway) mapError(pr *model.ProxyRequest, err error) *model.ProxyResponse {
	path := botpath.Redact(pr.Path())
	msg := sanitizeError(err)

	switch {
	case errors.Is(err, service.ErrBodyTooLarge):
		g.logger.Warn("request body too large", "path", path)
		g.metrics.Reject(metrics.ReasonBodyTooLarge)
		return response.PayloadTooLarge()

	case errors.Is(err, botpath.ErrNoMatch), errors.Is(err, service.ErrReadBody):
		g.logger.Warn("bad request", "err", msg, "path", path)
		g.metrics.Reject(metrics.ReasonBadRequest)
		return response.BadRequest()

	case errors.Is(err, service.ErrInvalidToken):
		g.logger.Warn("token rejected", "path", path)
		g.metrics.Reject(metrics.ReasonForbidden)
		return response.Forbidden()
	}

	var fe *service.ForwardError
	if errors.As(err, &fe) && fe.Timeout() {
		g.logger.Error("upstream timeout", "err", msg, "path", path)
		g.metrics.Reject(metrics.ReasonUpstreamTimeout)
		return response.GatewayTimeout()
	}

	g.logger.Error("proxy error", "err", msg, "path", path)
	g.metrics.Reject(metrics.ReasonUpstreamError)
	return response.InternalError()
}

// sanitizeError redacts bot tokens from error messages that may contain upstream URLs.
func sanitizeError(err error) string {
	return botpath.Redact(err.Error())
}
