package daemon

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfukushim/avatar-shell-sub000/internal/config"
	"github.com/mfukushim/avatar-shell-sub000/internal/contextlog"
)

func def(id string, kind config.TriggerKind, cond config.TriggerCondition) config.DaemonDefinition {
	return config.DaemonDefinition{
		ID:      id,
		Enabled: true,
		Trigger: config.DaemonTrigger{Kind: kind, Condition: cond},
		Action:  config.DaemonAction{Generator: "echo"},
	}
}

func talk(role contextlog.Role, text string) contextlog.Message {
	return contextlog.NewText(contextlog.ClassTalk, role, contextlog.LineSurface, text)
}

func TestStartup_FiresOnlyOnFirstContact(t *testing.T) {
	e, err := Build("a", []config.DaemonDefinition{def("hello", config.TriggerStartup, config.TriggerCondition{})}, nil)
	require.NoError(t, err)

	res := e.Evaluate(contextlog.Delta{Initial: true})
	require.Len(t, res.Fires, 1)
	assert.Nil(t, res.Fires[0].Trigger)

	// Not again, even for another empty delta.
	assert.Empty(t, e.Evaluate(contextlog.Delta{Initial: true}).Fires)
	assert.Empty(t, e.Evaluate(contextlog.Delta{Added: []contextlog.Message{talk(contextlog.RoleHuman, "hi")}}).Fires)
}

func TestStartup_NotWithHistory(t *testing.T) {
	e, err := Build("a", []config.DaemonDefinition{def("hello", config.TriggerStartup, config.TriggerCondition{})}, nil)
	require.NoError(t, err)
	res := e.Evaluate(contextlog.Delta{Before: []contextlog.Message{talk(contextlog.RoleHuman, "old")}, Initial: true})
	assert.Empty(t, res.Fires)
}

func TestStartup_SurvivesRebuild(t *testing.T) {
	counters := &Counters{}
	defs := []config.DaemonDefinition{def("hello", config.TriggerStartup, config.TriggerCondition{})}
	e1, _ := Build("a", defs, counters)
	require.Len(t, e1.Evaluate(contextlog.Delta{Initial: true}).Fires, 1)

	e2, _ := Build("a", defs, counters)
	assert.Empty(t, e2.Evaluate(contextlog.Delta{Initial: true}).Fires)
}

func TestStartup_EveryStartupDaemonFires(t *testing.T) {
	counters := &Counters{}
	defs := []config.DaemonDefinition{
		def("greet", config.TriggerStartup, config.TriggerCondition{}),
		def("introduce", config.TriggerStartup, config.TriggerCondition{}),
	}
	e, err := Build("a", defs, counters)
	require.NoError(t, err)

	res := e.Evaluate(contextlog.Delta{Initial: true})
	require.Len(t, res.Fires, 2)
	assert.Equal(t, "greet", res.Fires[0].Def.ID)
	assert.Equal(t, "introduce", res.Fires[1].Def.ID)

	// A rebuild keeps both marked.
	e2, _ := Build("a", defs, counters)
	assert.Empty(t, e2.Evaluate(contextlog.Delta{Initial: true}).Fires)
}

func TestContextPattern_MatchesEachMessageWithPreTriggerContext(t *testing.T) {
	e, err := Build("a", []config.DaemonDefinition{
		def("echo-human", config.TriggerContextPattern, config.TriggerCondition{Class: "talk", Role: "human"}),
	}, nil)
	require.NoError(t, err)

	before := []contextlog.Message{talk(contextlog.RoleBot, "earlier")}
	h1 := talk(contextlog.RoleHuman, "one")
	bot := talk(contextlog.RoleBot, "reply")
	h2 := talk(contextlog.RoleHuman, "two")
	res := e.Evaluate(contextlog.Delta{Before: before, Added: []contextlog.Message{h1, bot, h2}})

	require.Len(t, res.Fires, 2)
	assert.Equal(t, h1.ID, res.Fires[0].Trigger.ID)
	assert.Len(t, res.Fires[0].Context, 1)
	assert.Equal(t, h2.ID, res.Fires[1].Trigger.ID)
	assert.Len(t, res.Fires[1].Context, 3)
	assert.True(t, res.Talk)
}

func TestContextPattern_NeverMatchesDaemonClass(t *testing.T) {
	e, _ := Build("a", []config.DaemonDefinition{
		def("any", config.TriggerContextPattern, config.TriggerCondition{}),
	}, nil)
	m := contextlog.NewText(contextlog.ClassDaemon, contextlog.RoleHuman, contextlog.LineOuter, "meta")
	assert.Empty(t, e.Evaluate(contextlog.Delta{Added: []contextlog.Message{m}}).Fires)
}

func TestContextPattern_ContextLineFilter(t *testing.T) {
	e, _ := Build("a", []config.DaemonDefinition{
		def("inner-only", config.TriggerContextPattern, config.TriggerCondition{Role: "human", ContextLine: "inner"}),
	}, nil)
	surface := talk(contextlog.RoleHuman, "visible")
	inner := contextlog.NewText(contextlog.ClassTalk, contextlog.RoleHuman, contextlog.LineInner, "hidden")

	res := e.Evaluate(contextlog.Delta{Added: []contextlog.Message{surface, inner}})
	require.Len(t, res.Fires, 1)
	assert.Equal(t, inner.ID, res.Fires[0].Trigger.ID)
}

func TestSummaryCounter_FiresAndResets(t *testing.T) {
	counters := &Counters{}
	e, err := Build("a", []config.DaemonDefinition{
		def("summarize", config.TriggerSummaryCounter, config.TriggerCondition{Threshold: 3}),
	}, counters)
	require.NoError(t, err)

	two := []contextlog.Message{talk(contextlog.RoleHuman, "a"), talk(contextlog.RoleBot, "b")}
	assert.Empty(t, e.Evaluate(contextlog.Delta{Added: two}).Fires)
	s, _ := counters.Snapshot()
	assert.Equal(t, 2, s)

	assert.Len(t, e.Evaluate(contextlog.Delta{Added: two}).Fires, 1)
	s, _ = counters.Snapshot()
	assert.Equal(t, 0, s)
}

func TestExternalCounter_CountsOnlyExternal(t *testing.T) {
	counters := &Counters{}
	e, _ := Build("a", []config.DaemonDefinition{
		def("ext", config.TriggerExternalTalkCount, config.TriggerCondition{Threshold: 2}),
	}, counters)

	ext := talk(contextlog.RoleHuman, "from outside")
	ext.External = true
	local := talk(contextlog.RoleHuman, "local")

	assert.Empty(t, e.Evaluate(contextlog.Delta{Added: []contextlog.Message{ext, local}}).Fires)
	ext2 := talk(contextlog.RoleHuman, "again")
	ext2.External = true
	assert.Len(t, e.Evaluate(contextlog.Delta{Added: []contextlog.Message{ext2}}).Fires, 1)
	_, x := counters.Snapshot()
	assert.Equal(t, 0, x)
}

func TestBuild_SkipsInvalidKeepsRest(t *testing.T) {
	e, err := Build("a", []config.DaemonDefinition{
		def("bad", "moon-phase", config.TriggerCondition{}),
		def("ok", config.TriggerContextPattern, config.TriggerCondition{}),
		def("timer", config.TriggerOneShotMinutes, config.TriggerCondition{Minutes: 1}),
	}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrUnknownTrigger))
	assert.Equal(t, 1, e.Len(), "timer daemons belong to the scheduler")
}

func TestSuppressedDeltaIsIgnored(t *testing.T) {
	e, _ := Build("a", []config.DaemonDefinition{def("any", config.TriggerContextPattern, config.TriggerCondition{})}, nil)
	res := e.Evaluate(contextlog.Delta{Added: []contextlog.Message{talk(contextlog.RoleHuman, "x")}, Suppressed: true})
	assert.Empty(t, res.Fires)
	assert.False(t, res.Talk)
}
