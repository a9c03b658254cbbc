package methods

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/mfukushim/avatar-shell-sub000/internal/avatar"
	"github.com/mfukushim/avatar-shell-sub000/internal/contextlog"
	"github.com/mfukushim/avatar-shell-sub000/internal/gateway"
	"github.com/mfukushim/avatar-shell-sub000/pkg/protocol"
)

// Avatars is the subset of the avatar manager the RPC handlers use.
type Avatars interface {
	Get(id string) (*avatar.Orchestrator, bool)
	List() []avatar.Info
}

// ChatMethods serves chat.send, chat.history, chat.inject and avatars.list.
type ChatMethods struct {
	avatars Avatars
}

func NewChatMethods(avatars Avatars) *ChatMethods {
	return &ChatMethods{avatars: avatars}
}

func (m *ChatMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodChatSend, m.handleSend)
	router.Register(protocol.MethodChatHistory, m.handleHistory)
	router.Register(protocol.MethodChatInject, m.handleInject)
	router.Register(protocol.MethodAvatarsList, m.handleList)
}

func (m *ChatMethods) lookup(client *gateway.Client, req *protocol.RequestFrame, id string) (*avatar.Orchestrator, bool) {
	if id == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "avatarId is required"))
		return nil, false
	}
	o, ok := m.avatars.Get(id)
	if !ok {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "avatar not found: "+id))
		return nil, false
	}
	return o, true
}

func (m *ChatMethods) handleSend(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params protocol.ChatSendParams
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	if params.Text == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "text is required"))
		return
	}
	o, ok := m.lookup(client, req, params.AvatarID)
	if !ok {
		return
	}

	msg, err := o.Say(ctx, params.Sender, params.Text)
	if err != nil {
		slog.Warn("chat.send", "avatar", params.AvatarID, "error", err)
		code := protocol.ErrInternal
		if errors.Is(err, avatar.ErrStopped) {
			code = protocol.ErrNotFound
		}
		client.SendResponse(protocol.NewErrorResponse(req.ID, code, err.Error()))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{"message": msg}))
}

func (m *ChatMethods) handleHistory(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params protocol.ChatHistoryParams
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	o, ok := m.lookup(client, req, params.AvatarID)
	if !ok {
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{"messages": o.History(params.Limit)}))
}

func (m *ChatMethods) handleInject(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params protocol.ChatInjectParams
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	o, ok := m.lookup(client, req, params.AvatarID)
	if !ok {
		return
	}

	msgs := make([]contextlog.Message, 0, len(params.Messages))
	for _, t := range params.Messages {
		msg := contextlog.NewText(contextlog.ClassTalk, contextlog.RoleHuman, contextlog.LineSurface, t.Text)
		msg.Sender = t.Sender
		if t.ID != "" {
			msg.ID = t.ID
		}
		msgs = append(msgs, msg)
	}
	n, err := o.Inject(ctx, msgs...)
	if err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error()))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{"added": n}))
}

func (m *ChatMethods) handleList(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{"avatars": m.avatars.List()}))
}
