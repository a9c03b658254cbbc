package methods

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfukushim/avatar-shell-sub000/internal/avatar"
	"github.com/mfukushim/avatar-shell-sub000/internal/bus"
	"github.com/mfukushim/avatar-shell-sub000/internal/config"
	"github.com/mfukushim/avatar-shell-sub000/internal/contextlog"
	"github.com/mfukushim/avatar-shell-sub000/internal/gateway"
	"github.com/mfukushim/avatar-shell-sub000/internal/generators"
	"github.com/mfukushim/avatar-shell-sub000/internal/tools"
	"github.com/mfukushim/avatar-shell-sub000/pkg/protocol"
)

type harness struct {
	url  string
	mgr  *avatar.Manager
	gate *tools.Gate
}

func newHarness(t *testing.T, gw config.GatewayConfig) *harness {
	t.Helper()
	b := bus.New()
	notifier := bus.NewNotifier(b)
	gate := tools.NewGate(tools.GateOptions{Consent: notifier})
	mgr := avatar.NewManager(avatar.ManagerOptions{
		Generators: generators.NewRegistry(nil, generators.Deps{}),
		Gate:       gate,
		Notifier:   notifier,
	})
	require.NoError(t, mgr.Sync(context.Background(), &config.Config{
		Avatars:    []config.AvatarConfig{{ID: "mika", Name: "Mika", Generator: "main"}},
		Generators: map[string]config.GeneratorConfig{"main": {Kind: "echo"}},
	}))

	srv := gateway.NewServer(gw, b)
	NewChatMethods(mgr).Register(srv.Router())
	NewConsentMethods(gate).Register(srv.Router())
	ts := httptest.NewServer(srv.BuildMux())

	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		mgr.StopAll(ctx)
	})
	return &harness{url: ts.URL, mgr: mgr, gate: gate}
}

func (h *harness) dial(t *testing.T, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(h.url, "http")+"/ws", header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// call sends one request and returns its response plus every event seen
// before it.
func call(t *testing.T, conn *websocket.Conn, method string, params any) (protocol.Envelope, []protocol.Envelope) {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	id := uuid.NewString()
	require.NoError(t, conn.WriteJSON(protocol.RequestFrame{
		Type: protocol.FrameTypeRequest, ID: id, Method: method, Params: raw,
	}))
	var events []protocol.Envelope
	for {
		env := read(t, conn)
		if env.Type == protocol.FrameTypeResponse && env.ID == id {
			return env, events
		}
		events = append(events, env)
	}
}

func read(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var env protocol.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

// awaitMessage reads events until an avatar.message carries text.
func awaitMessage(t *testing.T, conn *websocket.Conn, seen []protocol.Envelope, text string) {
	t.Helper()
	match := func(env protocol.Envelope) bool {
		if env.Type != protocol.FrameTypeEvent || env.Event != protocol.EventAvatarMessage {
			return false
		}
		var ev struct {
			Messages []contextlog.Message `json:"messages"`
		}
		if json.Unmarshal(env.Payload, &ev) != nil {
			return false
		}
		for _, m := range ev.Messages {
			if m.Text() == text {
				return true
			}
		}
		return false
	}
	for _, env := range seen {
		if match(env) {
			return
		}
	}
	for {
		if match(read(t, conn)) {
			return
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t, config.GatewayConfig{})
	resp, err := http.Get(h.url + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocket_RequiresToken(t *testing.T) {
	h := newHarness(t, config.GatewayConfig{Token: "s3cret"})
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(h.url, "http")+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn := h.dial(t, http.Header{"Authorization": []string{"Bearer s3cret"}})
	res, _ := call(t, conn, protocol.MethodHealth, nil)
	assert.True(t, res.OK)
}

func TestChatSend_RepliesThroughEvents(t *testing.T) {
	h := newHarness(t, config.GatewayConfig{})
	conn := h.dial(t, nil)

	res, events := call(t, conn, protocol.MethodChatSend, protocol.ChatSendParams{AvatarID: "mika", Sender: "alice", Text: "hi"})
	require.True(t, res.OK, "%+v", res.Error)
	awaitMessage(t, conn, events, "echo: hi")

	res, _ = call(t, conn, protocol.MethodChatHistory, protocol.ChatHistoryParams{AvatarID: "mika"})
	require.True(t, res.OK)
	var hist struct {
		Messages []contextlog.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(res.Payload, &hist))
	require.Len(t, hist.Messages, 2)
	assert.Equal(t, "alice", hist.Messages[0].Sender)
}

func TestChatSend_Errors(t *testing.T) {
	h := newHarness(t, config.GatewayConfig{})
	conn := h.dial(t, nil)

	res, _ := call(t, conn, protocol.MethodChatSend, protocol.ChatSendParams{AvatarID: "nobody", Text: "hi"})
	require.False(t, res.OK)
	assert.Equal(t, protocol.ErrNotFound, res.Error.Code)

	res, _ = call(t, conn, protocol.MethodChatSend, protocol.ChatSendParams{AvatarID: "mika"})
	require.False(t, res.OK)
	assert.Equal(t, protocol.ErrInvalidRequest, res.Error.Code)

	res, _ = call(t, conn, "avatars.delete", nil)
	require.False(t, res.OK)
	assert.Equal(t, protocol.ErrUnknownMethod, res.Error.Code)
}

func TestChatInject_Dedupes(t *testing.T) {
	h := newHarness(t, config.GatewayConfig{})
	conn := h.dial(t, nil)
	params := protocol.ChatInjectParams{AvatarID: "mika", Messages: []protocol.ExternalTalk{{ID: "ext-1", Sender: "bob", Text: "hello from elsewhere"}}}

	res, _ := call(t, conn, protocol.MethodChatInject, params)
	require.True(t, res.OK)
	assert.JSONEq(t, `{"added":1}`, string(res.Payload))

	res, _ = call(t, conn, protocol.MethodChatInject, params)
	require.True(t, res.OK)
	assert.JSONEq(t, `{"added":0}`, string(res.Payload))

	o, _ := h.mgr.Get("mika")
	msgs := o.Messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].External)
}

func TestAvatarsList(t *testing.T) {
	h := newHarness(t, config.GatewayConfig{})
	conn := h.dial(t, nil)
	res, _ := call(t, conn, protocol.MethodAvatarsList, nil)
	require.True(t, res.OK)
	var out struct {
		Avatars []avatar.Info `json:"avatars"`
	}
	require.NoError(t, json.Unmarshal(res.Payload, &out))
	require.Len(t, out.Avatars, 1)
	assert.Equal(t, "Mika", out.Avatars[0].Name)
}

func TestConsent_UnknownAndInvalid(t *testing.T) {
	h := newHarness(t, config.GatewayConfig{})
	conn := h.dial(t, nil)

	res, _ := call(t, conn, protocol.MethodConsentAnswer, protocol.ConsentAnswerParams{ID: "missing", Choice: "allow"})
	require.False(t, res.OK)
	assert.Equal(t, protocol.ErrNotFound, res.Error.Code)

	res, _ = call(t, conn, protocol.MethodConsentAnswer, protocol.ConsentAnswerParams{ID: "missing", Choice: "maybe"})
	require.False(t, res.OK)
	assert.Equal(t, protocol.ErrInvalidRequest, res.Error.Code)

	res, _ = call(t, conn, protocol.MethodConsentList, nil)
	require.True(t, res.OK)
	assert.JSONEq(t, `{"pending":[]}`, string(res.Payload))
}
