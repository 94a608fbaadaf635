// Package response builds the canned responses the proxy returns for
// requests it rejects or fails to forward.
package response

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"tg-bot-proxy/internal/model"
)

// NotFoundDescription is the description carried by the 404 body.
const NotFoundDescription = "No matching route found"

const (
	contentTypeJSON = "application/json"
	contentTypeText = "text/plain; charset=utf-8"
)

// errorBody mirrors the Bot API error envelope.
type errorBody struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// NotFound returns 404 with {"ok":false,"error_code":404,"description":"No matching route found"}.
func NotFound() *model.ProxyResponse {
	b, _ := json.Marshal(errorBody{ErrorCode: http.StatusNotFound, Description: NotFoundDescription})
	return build(http.StatusNotFound, contentTypeJSON, string(b))
}

// Forbidden returns 403 "Forbidden".
func Forbidden() *model.ProxyResponse {
	return text(http.StatusForbidden)
}

// BadRequest returns 400 "Bad Request".
func BadRequest() *model.ProxyResponse {
	return text(http.StatusBadRequest)
}

// PayloadTooLarge returns 413 "Request Entity Too Large".
func PayloadTooLarge() *model.ProxyResponse {
	return text(http.StatusRequestEntityTooLarge)
}

// InternalError returns 500 "Internal Server Error".
func InternalError() *model.ProxyResponse {
	return text(http.StatusInternalServerError)
}

// GatewayTimeout returns 504 "Gateway Timeout".
func GatewayTimeout() *model.ProxyResponse {
	return text(http.StatusGatewayTimeout)
}

func text(status int) *model.ProxyResponse {
	return build(status, contentTypeText, http.StatusText(status))
}

func build(status int, contentType, body string) *model.ProxyResponse {
	h := make(http.Header)
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	return &model.ProxyResponse{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}
