package methods

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mfukushim/avatar-shell-sub000/internal/gateway"
	"github.com/mfukushim/avatar-shell-sub000/internal/tools"
	"github.com/mfukushim/avatar-shell-sub000/pkg/protocol"
)

// ConsentMethods lets a connected human answer tool consent requests.
type ConsentMethods struct {
	gate *tools.Gate
}

func NewConsentMethods(gate *tools.Gate) *ConsentMethods {
	return &ConsentMethods{gate: gate}
}

func (m *ConsentMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodConsentAnswer, m.handleAnswer)
	router.Register(protocol.MethodConsentList, m.handleList)
}

func (m *ConsentMethods) handleAnswer(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params protocol.ConsentAnswerParams
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	if params.ID == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "id is required"))
		return
	}
	choice := tools.Choice(params.Choice)
	if !choice.Valid() {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "choice must be allow, always or deny"))
		return
	}
	if err := m.gate.Answer(params.ID, choice); err != nil {
		code := protocol.ErrInternal
		if errors.Is(err, tools.ErrUnknownConsent) {
			code = protocol.ErrNotFound
		}
		client.SendResponse(protocol.NewErrorResponse(req.ID, code, err.Error()))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{"id": params.ID, "choice": choice}))
}

func (m *ConsentMethods) handleList(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		AvatarID string `json:"avatarId"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	pending := m.gate.Pending(params.AvatarID)
	if pending == nil {
		pending = []tools.ConsentRequest{}
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{"pending": pending}))
}
