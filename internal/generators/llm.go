package generators

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/mfukushim/avatar-shell-sub000/internal/config"
	"github.com/mfukushim/avatar-shell-sub000/internal/contextlog"
	"github.com/mfukushim/avatar-shell-sub000/internal/providers"
)

// llmGenerator adapts a chat-completion provider to the Generator contract.
type llmGenerator struct {
	name     string
	cfg      config.GeneratorConfig
	provider providers.Provider
	limiter  *rate.Limiter
	deps     Deps
}

func newLLM(name string, cfg config.GeneratorConfig, deps Deps) (Generator, error) {
	if cfg.APIKey == "" && (cfg.APIBase == "" || cfg.Kind != "openai") {
		return nil, fmt.Errorf("%w: set AVATAR_SHELL_%s_API_KEY", ErrMissingCredentials, config.EnvName(name))
	}
	var p providers.Provider
	switch cfg.Kind {
	case "anthropic":
		p = providers.NewAnthropicProvider(name, cfg.APIKey, cfg.APIBase, cfg.Model)
	case "dashscope":
		p = providers.NewDashScopeProvider(name, cfg.APIKey, cfg.APIBase, cfg.Model)
	default:
		p = providers.NewOpenAIProvider(name, cfg.APIKey, cfg.APIBase, cfg.Model)
	}
	return NewLLM(name, cfg, p, deps), nil
}

// NewLLM wraps p. A positive cfg.RateRPM bounds the request rate.
func NewLLM(name string, cfg config.GeneratorConfig, p providers.Provider, deps Deps) Generator {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateRPM > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RateRPM)), 1)
	}
	return &llmGenerator{name: name, cfg: cfg, provider: p, limiter: limiter, deps: deps}
}

func (g *llmGenerator) Name() string { return g.name }

func (g *llmGenerator) GenerateContext(ctx context.Context, unit Unit, history []contextlog.Message) ([]Unit, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s: rate limit: %w", g.name, err)
	}

	req := providers.ChatRequest{
		Messages: g.buildMessages(unit, history),
		Model:    g.cfg.Model,
		Options:  map[string]any{},
	}
	if g.cfg.MaxTokens > 0 {
		req.Options[providers.OptMaxTokens] = g.cfg.MaxTokens
	}
	if g.cfg.Temperature > 0 {
		req.Options[providers.OptTemperature] = g.cfg.Temperature
	}
	if g.deps.Tools != nil {
		req.Tools = g.deps.Tools.Definitions(unit.AvatarID)
	}

	var (
		resp *providers.ChatResponse
		err  error
	)
	if g.cfg.Stream && g.deps.Stream != nil {
		resp, err = g.provider.ChatStream(ctx, req, func(c providers.StreamChunk) {
			if c.Content != "" {
				g.deps.Stream(unit.AvatarID, g.name, c.Content)
			}
		})
	} else {
		resp, err = g.provider.Chat(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if resp.Usage != nil {
		slog.Debug("generator usage", "generator", g.name, "avatar", unit.AvatarID,
			"prompt", resp.Usage.PromptTokens, "completion", resp.Usage.CompletionTokens)
	}

	var out []contextlog.Message
	if resp.Content != "" {
		out = append(out, Output(g.name, unit.Target, contextlog.Content{Kind: contextlog.ContentText, Text: resp.Content}))
	}
	if len(resp.ToolCalls) > 0 {
		calls := make([]contextlog.ToolCall, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			calls = append(calls, contextlog.ToolCall{ID: tc.ID, Name: tc.Name, Input: tc.Arguments})
		}
		out = append(out, Output(g.name, unit.Target, contextlog.Content{Kind: contextlog.ContentToolRequest, ToolCalls: calls}))
	}
	if len(out) == 0 {
		return nil, nil
	}
	return []Unit{unit.Next(out)}, nil
}

func (g *llmGenerator) buildMessages(unit Unit, history []contextlog.Message) []providers.Message {
	msgs := make([]providers.Message, 0, len(history)+len(unit.Messages)+1)
	if g.deps.Persona != nil {
		if p := g.deps.Persona(unit.AvatarID); p != "" {
			msgs = append(msgs, providers.Message{Role: "system", Content: p})
		}
	}
	for _, m := range history {
		msgs = append(msgs, toProvider(m)...)
	}
	for _, m := range unit.Messages {
		msgs = append(msgs, toProvider(m)...)
	}
	return msgs
}

// toProvider maps a log message to chat messages. A tool response carrying
// several results becomes one "tool" message per result.
func toProvider(m contextlog.Message) []providers.Message {
	switch m.Content.Kind {
	case contextlog.ContentToolRequest:
		calls := make([]providers.ToolCall, 0, len(m.Content.ToolCalls))
		for _, c := range m.Content.ToolCalls {
			calls = append(calls, providers.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Input})
		}
		return []providers.Message{{Role: "assistant", ToolCalls: calls}}
	case contextlog.ContentToolResponse:
		out := make([]providers.Message, 0, len(m.Content.ToolResults))
		for _, r := range m.Content.ToolResults {
			out = append(out, providers.Message{Role: "tool", Content: r.Output, ToolCallID: r.CallID})
		}
		return out
	case contextlog.ContentMedia:
		return []providers.Message{{Role: "user", Content: m.Content.Text, ImageURL: m.Content.MediaURL}}
	}

	role := "user"
	switch m.Role {
	case contextlog.RoleBot:
		role = "assistant"
	case contextlog.RoleSystem:
		role = "system"
	}
	return []providers.Message{{Role: role, Content: m.Text()}}
}
