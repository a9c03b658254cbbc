package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/mfukushim/avatar-shell-sub000/internal/config"
	"github.com/mfukushim/avatar-shell-sub000/pkg/protocol"
)

// gatewayClient is the CLI side of the gateway protocol. Responses are
// matched to calls by id; events are buffered for the caller to drain.
type gatewayClient struct {
	conn   *websocket.Conn
	events chan protocol.Envelope

	mu      sync.Mutex
	pending map[string]chan protocol.Envelope
	done    chan struct{}
	err     error
}

func dialGateway(ctx context.Context, cfg *config.Config) (*gatewayClient, error) {
	host := cfg.Gateway.Host
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}
	url := fmt.Sprintf("ws://%s:%d/ws", host, cfg.Gateway.Port)
	header := http.Header{}
	if cfg.Gateway.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Gateway.Token)
	}

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("connect to gateway at %s: %w", url, err)
	}
	conn.SetReadLimit(1 << 20)

	c := &gatewayClient{
		conn:    conn,
		events:  make(chan protocol.Envelope, 256),
		pending: make(map[string]chan protocol.Envelope),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *gatewayClient) readLoop() {
	defer close(c.done)
	for {
		var env protocol.Envelope
		if err := wsjson.Read(context.Background(), c.conn, &env); err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return
		}
		switch env.Type {
		case protocol.FrameTypeResponse:
			c.mu.Lock()
			ch, ok := c.pending[env.ID]
			delete(c.pending, env.ID)
			c.mu.Unlock()
			if ok {
				ch <- env
			}
		case protocol.FrameTypeEvent:
			select {
			case c.events <- env:
			default:
			}
		}
	}
}

// call sends a request and waits for its response payload.
func (c *gatewayClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	ch := make(chan protocol.Envelope, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	req := protocol.RequestFrame{Type: protocol.FrameTypeRequest, ID: id, Method: method, Params: raw}
	if err := wsjson.Write(ctx, c.conn, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case env := <-ch:
		if !env.OK {
			if env.Error != nil {
				return nil, fmt.Errorf("%s: %s (%s)", method, env.Error.Message, env.Error.Code)
			}
			return nil, fmt.Errorf("%s failed", method)
		}
		return env.Payload, nil
	case <-c.done:
		return nil, c.closedErr()
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *gatewayClient) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return fmt.Errorf("gateway connection closed: %w", c.err)
	}
	return errors.New("gateway connection closed")
}

func (c *gatewayClient) Close() {
	c.conn.Close(websocket.StatusNormalClosure, "bye")
}
