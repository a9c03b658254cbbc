package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mfukushim/avatar-shell-sub000/internal/config"
	"github.com/mfukushim/avatar-shell-sub000/internal/contextlog"
	"github.com/mfukushim/avatar-shell-sub000/internal/providers"
	"github.com/mfukushim/avatar-shell-sub000/internal/tracing"
)

var tracer = tracing.Tracer("github.com/mfukushim/avatar-shell-sub000/internal/tools")

// ErrUnknownConsent is returned by Answer for an id that is not waiting.
var ErrUnknownConsent = errors.New("no pending consent request")

// Choice is a human's answer to a consent request.
type Choice string

const (
	ChoiceAllow  Choice = "allow"  // this call only
	ChoiceAlways Choice = "always" // until the avatar's permissions are next replaced
	ChoiceDeny   Choice = "deny"
)

// Valid reports whether c is one of the known choices.
func (c Choice) Valid() bool {
	return c == ChoiceAllow || c == ChoiceAlways || c == ChoiceDeny
}

// ConsentRequest asks a human whether a tool call may run.
type ConsentRequest struct {
	ID          string         `json:"id"`
	AvatarID    string         `json:"avatarId"`
	Catalog     string         `json:"catalog"`
	Tool        string         `json:"tool"`
	Input       map[string]any `json:"input,omitempty"`
	RequestedAt time.Time      `json:"requestedAt"`
}

// ConsentChannel carries consent requests to a human operator. Answers
// come back through Gate.Answer.
type ConsentChannel interface {
	PublishConsent(req ConsentRequest)
	PublishConsentResolved(req ConsentRequest, choice Choice)
}

type waitHandle struct {
	req    ConsentRequest
	answer chan Choice // buffered 1; written once
}

// GateOptions configures a Gate.
type GateOptions struct {
	Registry *Registry
	Consent  ConsentChannel // nil: every ask resolves to deny
	Clock    clockwork.Clock
	Timeout  time.Duration // unanswered consent resolves to deny (default 5m)
}

// Gate is the permission and consent checkpoint between a generator's tool
// request and the catalog that runs it.
type Gate struct {
	registry *Registry
	consent  ConsentChannel
	clock    clockwork.Clock
	timeout  time.Duration

	mu      sync.Mutex
	perms   map[string]config.ToolPermissions
	always  map[string]map[string]bool // avatar -> "catalog/tool"
	waiting map[string]*waitHandle
}

func NewGate(opts GateOptions) *Gate {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	return &Gate{
		registry: opts.Registry,
		consent:  opts.Consent,
		clock:    opts.Clock,
		timeout:  opts.Timeout,
		perms:    make(map[string]config.ToolPermissions),
		always:   make(map[string]map[string]bool),
		waiting:  make(map[string]*waitHandle),
	}
}

// Registry returns the catalogs behind the gate.
func (g *Gate) Registry() *Registry { return g.registry }

// SetPermissions installs an avatar's permission table and drops any
// "always" grants made under the previous one.
func (g *Gate) SetPermissions(avatarID string, perms config.ToolPermissions) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.perms[avatarID] = perms
	delete(g.always, avatarID)
}

// Forget removes an avatar and denies its outstanding consent requests.
func (g *Gate) Forget(avatarID string) {
	g.mu.Lock()
	delete(g.perms, avatarID)
	delete(g.always, avatarID)
	var drop []*waitHandle
	for id, w := range g.waiting {
		if w.req.AvatarID == avatarID {
			drop = append(drop, w)
			delete(g.waiting, id)
		}
	}
	g.mu.Unlock()
	for _, w := range drop {
		w.answer <- ChoiceDeny
	}
}

// Authorize decides a call for avatarID. "always" grants upgrade ask to allow.
func (g *Gate) Authorize(avatarID, catalog, tool string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	d := Authorize(g.perms[avatarID], catalog, tool)
	if d == NeedsConsent && g.always[avatarID][catalog+"/"+tool] {
		return Allowed
	}
	return d
}

// Definitions lists the tools avatarID may attempt, in provider form.
func (g *Gate) Definitions(avatarID string) []providers.ToolDefinition {
	g.mu.Lock()
	perms := g.perms[avatarID]
	g.mu.Unlock()

	offered := Offered(perms, g.registry.List())
	defs := make([]providers.ToolDefinition, 0, len(offered))
	for _, d := range offered {
		defs = append(defs, ToProviderDef(d))
	}
	return defs
}

// Pending returns the consent requests still waiting for avatarID, oldest first.
// An empty avatarID returns all of them.
func (g *Gate) Pending(avatarID string) []ConsentRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []ConsentRequest
	for _, w := range g.waiting {
		if avatarID == "" || w.req.AvatarID == avatarID {
			out = append(out, w.req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

// Answer resolves a waiting consent request.
func (g *Gate) Answer(id string, choice Choice) error {
	if !choice.Valid() {
		return fmt.Errorf("invalid consent choice %q", choice)
	}
	g.mu.Lock()
	w, ok := g.waiting[id]
	if ok {
		delete(g.waiting, id)
		if choice == ChoiceAlways {
			grants := g.always[w.req.AvatarID]
			if grants == nil {
				grants = make(map[string]bool)
				g.always[w.req.AvatarID] = grants
			}
			grants[w.req.Catalog+"/"+w.req.Tool] = true
		}
	}
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConsent, id)
	}
	w.answer <- choice
	return nil
}

// requestConsent publishes a request and suspends until it is answered,
// times out, or ctx ends. Anything but an explicit allow is a deny.
func (g *Gate) requestConsent(ctx context.Context, avatarID, catalog, tool string, input map[string]any) Choice {
	if g.consent == nil {
		return ChoiceDeny
	}
	w := &waitHandle{
		req: ConsentRequest{
			ID:          uuid.NewString(),
			AvatarID:    avatarID,
			Catalog:     catalog,
			Tool:        tool,
			Input:       input,
			RequestedAt: g.clock.Now(),
		},
		answer: make(chan Choice, 1),
	}
	g.mu.Lock()
	g.waiting[w.req.ID] = w
	g.mu.Unlock()

	slog.Info("tool consent requested", "avatar", avatarID, "tool", tool, "consent", w.req.ID)
	g.consent.PublishConsent(w.req)

	timeout := g.clock.NewTimer(g.timeout)
	defer timeout.Stop()

	var choice Choice
	select {
	case choice = <-w.answer:
	case <-timeout.Chan():
		choice = ChoiceDeny
		slog.Info("tool consent timed out", "avatar", avatarID, "tool", tool, "consent", w.req.ID)
	case <-ctx.Done():
		choice = ChoiceDeny
	}

	g.mu.Lock()
	delete(g.waiting, w.req.ID)
	g.mu.Unlock()

	g.consent.PublishConsentResolved(w.req, choice)
	return choice
}

// Execute runs one tool call through the gate. It never fails: refusals
// and provider errors come back as an error result for the generator.
func (g *Gate) Execute(ctx context.Context, avatarID string, call contextlog.ToolCall) contextlog.ToolResult {
	catalog := call.Catalog
	if catalog == "" {
		if d, ok := g.registry.Resolve(call.Name); ok {
			catalog = d.Catalog
		}
	}

	ctx, span := tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("avatar.id", avatarID),
		attribute.String("tool.catalog", catalog),
		attribute.String("tool.name", call.Name),
	))
	defer span.End()

	res := g.execute(ctx, avatarID, catalog, call)
	if res.IsError {
		span.SetStatus(codes.Error, res.ForLLM)
		if res.Err != nil {
			span.RecordError(res.Err)
		}
	}
	return contextlog.ToolResult{CallID: call.ID, Name: call.Name, Output: res.ForLLM, IsError: res.IsError}
}

func (g *Gate) execute(ctx context.Context, avatarID, catalog string, call contextlog.ToolCall) *Result {
	if catalog == "" {
		slog.Warn("tool not found", "avatar", avatarID, "tool", call.Name)
		return Unavailable(call.Name, "unknown tool")
	}

	switch g.Authorize(avatarID, catalog, call.Name) {
	case Denied:
		slog.Info("tool denied", "avatar", avatarID, "catalog", catalog, "tool", call.Name)
		return Unavailable(call.Name, "not permitted")
	case NeedsConsent:
		if c := g.requestConsent(ctx, avatarID, catalog, call.Name, call.Input); c == ChoiceDeny {
			return Unavailable(call.Name, "denied by user")
		}
	}

	res, err := g.registry.Invoke(ctx, catalog, call.Name, call.Input)
	if err != nil {
		slog.Warn("tool failed", "avatar", avatarID, "tool", call.Name, "error", err)
		return Unavailable(call.Name, err.Error()).WithError(err)
	}
	if res == nil {
		return NewResult("")
	}
	return res
}
