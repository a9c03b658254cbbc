package contextlog

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Class groups messages by where they came from.
type Class string

const (
	ClassTalk          Class = "talk"
	ClassCommunication Class = "communication"
	ClassDaemon        Class = "daemon"
	ClassPhysics       Class = "physics"
	ClassSystem        Class = "system"
)

// Role identifies the author of a message within a conversation turn.
type Role string

const (
	RoleHuman        Role = "human"
	RoleBot          Role = "bot"
	RoleToolRequest  Role = "toolReq"
	RoleToolResponse Role = "toolRes"
	RoleSystem       Role = "system"
)

// ContextLine controls visibility: inner messages reach the main generator,
// surface messages reach the UI as well, outer messages reach neither.
type ContextLine string

const (
	LineInner   ContextLine = "inner"
	LineSurface ContextLine = "surface"
	LineOuter   ContextLine = "outer"
)

// ContentKind tags the payload carried by a Message.
type ContentKind string

const (
	ContentText         ContentKind = "text"
	ContentMedia        ContentKind = "media"
	ContentToolRequest  ContentKind = "toolRequest"
	ContentToolResponse ContentKind = "toolResponse"
	ContentCommand      ContentKind = "command"
)

// ToolCall is a single tool invocation requested by a generator.
type ToolCall struct {
	ID      string         `json:"id"`
	Catalog string         `json:"catalog,omitempty"`
	Name    string         `json:"name"`
	Input   map[string]any `json:"input,omitempty"`
}

// ToolResult is the outcome of one ToolCall.
type ToolResult struct {
	CallID  string `json:"callId"`
	Name    string `json:"name"`
	Output  string `json:"output"`
	IsError bool   `json:"isError,omitempty"`
}

// Content is the polymorphic payload of a Message. Kind decides which fields are set.
type Content struct {
	Kind        ContentKind  `json:"kind"`
	Text        string       `json:"text,omitempty"`
	MediaURL    string       `json:"mediaUrl,omitempty"`
	MimeType    string       `json:"mimeType,omitempty"`
	ToolCalls   []ToolCall   `json:"toolCalls,omitempty"`
	ToolResults []ToolResult `json:"toolResults,omitempty"`
	Command     string       `json:"command,omitempty"`
}

// Message is one immutable turn in an avatar's log.
type Message struct {
	ID              string      `json:"id"`
	Timestamp       time.Time   `json:"timestamp"`
	Class           Class       `json:"class"`
	Role            Role        `json:"role"`
	ContextLine     ContextLine `json:"contextLine"`
	IsRequestAction bool        `json:"isRequestAction,omitempty"`
	External        bool        `json:"external,omitempty"` // arrived through an outside transport
	Sender          string      `json:"sender,omitempty"`   // display handle of the author
	Generator       string      `json:"generator,omitempty"`
	Content         Content     `json:"content"`
}

// NewID returns a time-ordered unique message id.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewText builds a text message with a fresh id.
func NewText(class Class, role Role, line ContextLine, text string) Message {
	return Message{
		ID:          NewID(),
		Timestamp:   time.Now(),
		Class:       class,
		Role:        role,
		ContextLine: line,
		Content:     Content{Kind: ContentText, Text: text},
	}
}

// Text returns the textual body of the message, flattening tool payloads.
func (m Message) Text() string {
	switch m.Content.Kind {
	case ContentToolRequest:
		names := make([]string, 0, len(m.Content.ToolCalls))
		for _, c := range m.Content.ToolCalls {
			names = append(names, c.Name)
		}
		return strings.Join(names, ",")
	case ContentToolResponse:
		outs := make([]string, 0, len(m.Content.ToolResults))
		for _, r := range m.Content.ToolResults {
			outs = append(outs, r.Output)
		}
		return strings.Join(outs, "\n")
	case ContentCommand:
		return m.Content.Command
	case ContentMedia:
		if m.Content.Text != "" {
			return m.Content.Text
		}
		return m.Content.MediaURL
	default:
		return m.Content.Text
	}
}

// HasToolCalls reports whether the message asks for tool execution.
func (m Message) HasToolCalls() bool {
	return m.Content.Kind == ContentToolRequest && len(m.Content.ToolCalls) > 0
}

// Visible filters out outer messages, which never reach a generator prompt.
func Visible(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ContextLine == LineOuter {
			continue
		}
		out = append(out, m)
	}
	return out
}
