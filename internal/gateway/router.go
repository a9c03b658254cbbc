package gateway

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mfukushim/avatar-shell-sub000/pkg/protocol"
)

// MethodHandler serves one RPC method. It must answer via client.SendResponse.
type MethodHandler func(ctx context.Context, client *Client, req *protocol.RequestFrame)

// MethodRouter maps method names to handlers.
type MethodRouter struct {
	server   *Server
	mu       sync.RWMutex
	handlers map[string]MethodHandler
}

func NewMethodRouter(s *Server) *MethodRouter {
	r := &MethodRouter{server: s, handlers: make(map[string]MethodHandler)}
	r.Register(protocol.MethodHealth, func(_ context.Context, c *Client, req *protocol.RequestFrame) {
		c.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{
			"status":   "ok",
			"protocol": protocol.ProtocolVersion,
		}))
	})
	return r
}

func (r *MethodRouter) Register(method string, h MethodHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

// Handle rate-limits and dispatches one request.
func (r *MethodRouter) Handle(ctx context.Context, c *Client, req *protocol.RequestFrame) {
	if rl := r.server.rateLimiter; rl.Enabled() && !rl.Allow(c.id) {
		c.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrRateLimited, "rate limit exceeded"))
		return
	}

	r.mu.RLock()
	h, ok := r.handlers[req.Method]
	r.mu.RUnlock()
	if !ok {
		c.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnknownMethod, "unknown method: "+req.Method))
		return
	}

	defer func() {
		if p := recover(); p != nil {
			slog.Error("method handler panicked", "method", req.Method, "panic", p)
			c.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, "internal error"))
		}
	}()
	h(ctx, c, req)
}
