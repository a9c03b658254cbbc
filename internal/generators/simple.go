package generators

import (
	"context"
	"strings"

	"github.com/mfukushim/avatar-shell-sub000/internal/config"
	"github.com/mfukushim/avatar-shell-sub000/internal/contextlog"
)

// echoGenerator replies with the text of its input. Useful offline and in tests.
type echoGenerator struct{ name string }

func newEcho(name string, _ config.GeneratorConfig, _ Deps) (Generator, error) {
	return &echoGenerator{name: name}, nil
}

func (g *echoGenerator) Name() string { return g.name }

func (g *echoGenerator) GenerateContext(_ context.Context, unit Unit, _ []contextlog.Message) ([]Unit, error) {
	parts := make([]string, 0, len(unit.Messages))
	for _, m := range unit.Messages {
		if t := m.Text(); t != "" {
			parts = append(parts, t)
		}
	}
	out := Output(g.name, unit.Target, contextlog.Content{
		Kind: contextlog.ContentText,
		Text: "echo: " + strings.Join(parts, "\n"),
	})
	return []Unit{unit.Next([]contextlog.Message{out})}, nil
}

// staticGenerator always answers with the configured text.
type staticGenerator struct {
	name string
	text string
}

func newStatic(name string, cfg config.GeneratorConfig, _ Deps) (Generator, error) {
	return &staticGenerator{name: name, text: cfg.Text}, nil
}

func (g *staticGenerator) Name() string { return g.name }

func (g *staticGenerator) GenerateContext(_ context.Context, unit Unit, _ []contextlog.Message) ([]Unit, error) {
	out := Output(g.name, unit.Target, contextlog.Content{Kind: contextlog.ContentText, Text: g.text})
	return []Unit{unit.Next([]contextlog.Message{out})}, nil
}
