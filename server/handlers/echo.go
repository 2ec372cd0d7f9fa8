// a RESPONDER handler that echoes PARAMS back as the response body,
// exercising BEGIN_REQUEST -> PARAMS -> STDIN -> STDOUT -> END_REQUEST
// end to end without requiring an external application.
package handlers

import (
	"strings"

	"github.com/kfcemployee/gofcgi/server/request"
)

// echoHandler writes the request's sorted params back to stdout on its
// first step and finishes. A real deployment registers its own Factory
// through the same registry.Registry interface instead.
type echoHandler struct {
	request.BaseHandler
	wrote bool
}

// NewEchoFactory returns a registry.Factory for the RESPONDER role that
// builds an echoHandler.
func NewEchoFactory() func(r *request.Request) request.Handler {
	return func(r *request.Request) request.Handler {
		return &echoHandler{BaseHandler: request.BaseHandler{Request: r}}
	}
}

// Step writes "params: " followed by the sorted key=value pairs once
// PARAMS has closed, then finishes with app status 0. Returns false (not
// yet done) until the request is ready, so the pool re-enqueues it.
func (h *echoHandler) Step() bool {
	if !h.Request.Ready() {
		return false
	}
	if h.wrote {
		return true
	}
	h.wrote = true

	body := "params: " + strings.Join(h.Request.SortedParams(), " ")
	if _, err := h.Request.Send([]byte(body)); err != nil {
		_ = h.Request.Finish(1)
		return true
	}
	_ = h.Request.Finish(0)
	return true
}
