package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"tg-bot-proxy/internal/botpath"
	"tg-bot-proxy/internal/gateway"
	"tg-bot-proxy/internal/model"
	"tg-bot-proxy/internal/service"
)

// ProxyHandler adapts echo requests to the gateway and writes its responses back.
type ProxyHandler struct {
	gateway *gateway.Gateway
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(gw *gateway.Gateway, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		gateway: gw,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle passes the request through the gateway and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:    req.Context(),
		Method: req.Method,
		URL:    req.URL,
		Header: req.Header,
		Body:   limitedBody(req.Body),
	}

	resp := h.gateway.Handle(pr)
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// The status is already on the wire, so a failed copy can only be logged;
	// the client sees a truncated body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", botpath.Redact(err.Error()),
			"path", botpath.Redact(req.URL.Path),
		)
	}

	return nil
}

// bodyLimitReader reports echo's body limit as service.ErrBodyTooLarge.
type bodyLimitReader struct {
	io.ReadCloser
}

func (r bodyLimitReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	if errors.Is(err, echo.ErrStatusRequestEntityTooLarge) {
		err = service.ErrBodyTooLarge
	}
	return n, err
}

func limitedBody(body io.ReadCloser) io.ReadCloser {
	if body == nil || body == http.NoBody {
		return body
	}
	return bodyLimitReader{body}
}
