package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mfukushim/avatar-shell-sub000/internal/contextlog"
	"github.com/mfukushim/avatar-shell-sub000/internal/generators"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// toolLooper asks for a tool on every hop, no matter what comes back.
type toolLooper struct {
	calls atomic.Int32
}

func (g *toolLooper) Name() string { return "looper" }

func (g *toolLooper) GenerateContext(_ context.Context, u generators.Unit, _ []contextlog.Message) ([]generators.Unit, error) {
	g.calls.Add(1)
	out := generators.Output("looper", u.Target, contextlog.Content{
		Kind:      contextlog.ContentToolRequest,
		ToolCalls: []contextlog.ToolCall{{ID: contextlog.NewID(), Name: "again"}},
	})
	return []generators.Unit{u.Next([]contextlog.Message{out})}, nil
}

// sameGen asks for a tool but hands back its input unit unchanged apart
// from the messages, never advancing the generation.
type sameGen struct {
	calls atomic.Int32
}

func (g *sameGen) Name() string { return "same" }

func (g *sameGen) GenerateContext(_ context.Context, u generators.Unit, _ []contextlog.Message) ([]generators.Unit, error) {
	g.calls.Add(1)
	u.Messages = []contextlog.Message{generators.Output("same", u.Target, contextlog.Content{
		Kind:      contextlog.ContentToolRequest,
		ToolCalls: []contextlog.ToolCall{{ID: contextlog.NewID(), Name: "again"}},
	})}
	return []generators.Unit{u}, nil
}

type failing struct{}

func (failing) Name() string { return "broken" }

func (failing) GenerateContext(context.Context, generators.Unit, []contextlog.Message) ([]generators.Unit, error) {
	return nil, errors.New("upstream 503")
}

// historySpy records the history it was given.
type historySpy struct {
	mu   sync.Mutex
	seen [][]contextlog.Message
}

func (p *historySpy) Name() string { return "spy" }

func (p *historySpy) GenerateContext(_ context.Context, u generators.Unit, history []contextlog.Message) ([]generators.Unit, error) {
	p.mu.Lock()
	p.seen = append(p.seen, history)
	p.mu.Unlock()
	out := generators.Output("spy", u.Target, contextlog.Content{Kind: contextlog.ContentText, Text: "ok"})
	return []generators.Unit{u.Next([]contextlog.Message{out})}, nil
}

type staticSource map[string]generators.Generator

func (s staticSource) Get(name string) (generators.Generator, error) {
	if g, ok := s[name]; ok {
		return g, nil
	}
	return nil, generators.ErrUnknownGenerator
}

type countingTools struct{ calls atomic.Int32 }

func (c *countingTools) Execute(_ context.Context, _ string, call contextlog.ToolCall) contextlog.ToolResult {
	c.calls.Add(1)
	return contextlog.ToolResult{CallID: call.ID, Name: call.Name, Output: "done"}
}

type sinkRecorder struct {
	mu       sync.Mutex
	statuses []string
	side     []contextlog.Message
}

func (s *sinkRecorder) GeneratorStatus(_, _, status, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
}

func (s *sinkRecorder) SideOutput(_ string, msgs []contextlog.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.side = append(s.side, msgs...)
}

func newLog(t *testing.T) *contextlog.Log {
	t.Helper()
	l := contextlog.New(contextlog.Options{AvatarID: "mika"})
	l.Start()
	t.Cleanup(l.Close)
	return l
}

func humanUnit(gen, text string) generators.Unit {
	msg := contextlog.NewText(contextlog.ClassTalk, contextlog.RoleHuman, contextlog.LineSurface, text)
	return generators.Unit{
		AvatarID:  "mika",
		Generator: gen,
		Messages:  []contextlog.Message{msg},
		Target:    generators.DefaultTarget(),
	}
}

func waitIdle(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.WaitIdle(ctx))
}

func stop(d *Dispatcher) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d.Stop(ctx)
}

func TestThinkAct_AlwaysToolTerminatesWithinMaxGen(t *testing.T) {
	log := newLog(t)
	gen := &toolLooper{}
	tools := &countingTools{}
	var steps atomic.Int32
	d := New(Options{
		AvatarID:   "mika",
		Log:        log,
		Generators: staticSource{"looper": gen},
		Tools:      tools,
		MaxGen:     2,
		AfterStep:  func() { steps.Add(1) },
	})
	defer stop(d)

	require.NoError(t, d.Submit(humanUnit("looper", "go")))
	waitIdle(t, d)

	assert.EqualValues(t, 2, gen.calls.Load(), "one generator call per round trip")
	assert.EqualValues(t, 2, tools.calls.Load())
	assert.EqualValues(t, 3, steps.Load(), "two think hops plus the cutoff")

	// gen1 toolReq, gen2 toolRes+gen3 toolReq, gen4 toolRes (cutoff)
	msgs := log.Current()
	require.Len(t, msgs, 4)
	assert.Equal(t, contextlog.RoleToolRequest, msgs[0].Role)
	assert.Equal(t, contextlog.RoleToolResponse, msgs[1].Role)
	assert.Equal(t, contextlog.RoleToolRequest, msgs[2].Role)
	assert.Equal(t, contextlog.RoleToolResponse, msgs[3].Role)
}

func TestThinkAct_CeilingHoldsWhenGeneratorKeepsGeneration(t *testing.T) {
	log := newLog(t)
	gen := &sameGen{}
	tools := &countingTools{}
	d := New(Options{AvatarID: "mika", Log: log, Generators: staticSource{"same": gen}, Tools: tools, MaxGen: 2})
	defer stop(d)

	require.NoError(t, d.Submit(humanUnit("same", "go")))
	waitIdle(t, d)

	assert.EqualValues(t, 2, gen.calls.Load())
	assert.EqualValues(t, 2, tools.calls.Load())
	assert.Len(t, log.Current(), 4)
}

func TestThink_FirstHopInputNotAppended(t *testing.T) {
	log := newLog(t)
	spy := &historySpy{}
	d := New(Options{AvatarID: "mika", Log: log, Generators: staticSource{"spy": spy}, Tools: &countingTools{}})
	defer stop(d)

	require.NoError(t, d.Submit(humanUnit("spy", "hi")))
	waitIdle(t, d)

	msgs := log.Current()
	require.Len(t, msgs, 1)
	assert.Equal(t, "ok", msgs[0].Text())
	assert.Equal(t, contextlog.RoleBot, msgs[0].Role)
}

func TestThink_HistoryExcludesOuterAndOwnInput(t *testing.T) {
	log := newLog(t)
	seed := []contextlog.Message{
		contextlog.NewText(contextlog.ClassTalk, contextlog.RoleHuman, contextlog.LineSurface, "earlier"),
		contextlog.NewText(contextlog.ClassDaemon, contextlog.RoleSystem, contextlog.LineOuter, "meta"),
	}
	u := humanUnit("spy", "now")
	seed = append(seed, u.Messages...)
	_, err := log.Append(context.Background(), seed...)
	require.NoError(t, err)

	spy := &historySpy{}
	d := New(Options{AvatarID: "mika", Log: log, Generators: staticSource{"spy": spy}, Tools: &countingTools{}})
	defer stop(d)
	require.NoError(t, d.Submit(u))
	waitIdle(t, d)

	spy.mu.Lock()
	defer spy.mu.Unlock()
	require.Len(t, spy.seen, 1)
	require.Len(t, spy.seen[0], 1)
	assert.Equal(t, "earlier", spy.seen[0][0].Text())
}

func TestThink_FixedContextUsedOnFirstHop(t *testing.T) {
	log := newLog(t)
	spy := &historySpy{}
	d := New(Options{AvatarID: "mika", Log: log, Generators: staticSource{"spy": spy}, Tools: &countingTools{}})
	defer stop(d)

	u := humanUnit("spy", "trigger")
	u.Context = []contextlog.Message{contextlog.NewText(contextlog.ClassTalk, contextlog.RoleHuman, contextlog.LineSurface, "before")}
	require.NoError(t, d.Submit(u))
	waitIdle(t, d)

	spy.mu.Lock()
	defer spy.mu.Unlock()
	require.Len(t, spy.seen, 1)
	require.Len(t, spy.seen[0], 1)
	assert.Equal(t, "before", spy.seen[0][0].Text())
}

func TestThink_GeneratorErrorEndsHop(t *testing.T) {
	log := newLog(t)
	sink := &sinkRecorder{}
	d := New(Options{AvatarID: "mika", Log: log, Generators: staticSource{"broken": failing{}}, Tools: &countingTools{}, Sink: sink})
	defer stop(d)

	require.NoError(t, d.Submit(humanUnit("broken", "hi")))
	waitIdle(t, d)

	assert.Zero(t, log.Len())
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []string{"running", "stopped"}, sink.statuses)
}

func TestThink_UnknownGeneratorIsDropped(t *testing.T) {
	log := newLog(t)
	d := New(Options{AvatarID: "mika", Log: log, Generators: staticSource{}, Tools: &countingTools{}})
	defer stop(d)

	require.NoError(t, d.Submit(humanUnit("nobody", "hi")))
	waitIdle(t, d)
	assert.Zero(t, log.Len())
}

func TestThink_SideChannelBypassesLog(t *testing.T) {
	log := newLog(t)
	sink := &sinkRecorder{}
	d := New(Options{AvatarID: "mika", Log: log, Generators: staticSource{"spy": &historySpy{}}, Tools: &countingTools{}, Sink: sink})
	defer stop(d)

	u := humanUnit("spy", "whisper")
	u.SideChannel = true
	require.NoError(t, d.Submit(u))
	waitIdle(t, d)

	assert.Zero(t, log.Len())
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.side, 1)
	assert.Equal(t, "ok", sink.side[0].Text())
}

func TestSubmit_AfterStop(t *testing.T) {
	d := New(Options{AvatarID: "mika", Log: newLog(t), Generators: staticSource{}, Tools: &countingTools{}})
	stop(d)
	assert.ErrorIs(t, d.Submit(humanUnit("spy", "late")), ErrStopped)
}

// blocking holds every call until released.
type blocking struct{ release chan struct{} }

func (b *blocking) Name() string { return "slow" }

func (b *blocking) GenerateContext(ctx context.Context, u generators.Unit, _ []contextlog.Message) ([]generators.Unit, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return nil, nil
}

func TestThink_ConcurrentUnitsDoNotSerialize(t *testing.T) {
	b := &blocking{release: make(chan struct{})}
	spy := &historySpy{}
	log := newLog(t)
	d := New(Options{AvatarID: "mika", Log: log, Generators: staticSource{"slow": b, "spy": spy}, Tools: &countingTools{}})
	defer stop(d)

	require.NoError(t, d.Submit(humanUnit("slow", "first")))
	require.NoError(t, d.Submit(humanUnit("spy", "second")))

	require.Eventually(t, func() bool { return log.Len() == 1 }, time.Second, 5*time.Millisecond,
		"second unit completes while the first is still running")
	close(b.release)
	waitIdle(t, d)
}
