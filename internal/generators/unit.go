// Package generators defines the generation unit exchanged in the
// think/act loop and the pluggable generators that answer it.
package generators

import (
	"github.com/mfukushim/avatar-shell-sub000/internal/contextlog"
)

// Target says where a generator's output lands in the log.
type Target struct {
	Class       contextlog.Class
	Role        contextlog.Role
	ContextLine contextlog.ContextLine
}

// DefaultTarget is where replies go when a daemon does not say otherwise.
func DefaultTarget() Target {
	return Target{Class: contextlog.ClassTalk, Role: contextlog.RoleBot, ContextLine: contextlog.LineSurface}
}

// Unit is one hop of the think/act loop. An inbound unit carries input for
// a generator; an outbound unit carries its output, possibly tool calls.
type Unit struct {
	ID          string
	AvatarID    string
	Generator   string
	DaemonID    string // empty for human input
	Generation  int
	Messages    []contextlog.Message
	Context     []contextlog.Message // fixed context; nil means the live log
	Target      Target
	SideChannel bool
}

// Next derives the unit for the following hop: same routing, generation+1.
func (u Unit) Next(msgs []contextlog.Message) Unit {
	return Unit{
		ID:          contextlog.NewID(),
		AvatarID:    u.AvatarID,
		Generator:   u.Generator,
		DaemonID:    u.DaemonID,
		Generation:  u.Generation + 1,
		Messages:    msgs,
		Context:     u.Context,
		Target:      u.Target,
		SideChannel: u.SideChannel,
	}
}

// ToolCalls collects every tool call requested by the unit's messages.
func (u Unit) ToolCalls() []contextlog.ToolCall {
	var out []contextlog.ToolCall
	for _, m := range u.Messages {
		if m.HasToolCalls() {
			out = append(out, m.Content.ToolCalls...)
		}
	}
	return out
}

// Output builds a generator output message addressed to t.
func Output(generator string, t Target, content contextlog.Content) contextlog.Message {
	m := contextlog.NewText(t.Class, t.Role, t.ContextLine, "")
	m.Content = content
	m.Generator = generator
	if content.Kind == contextlog.ContentToolRequest {
		m.Role = contextlog.RoleToolRequest
	}
	return m
}
