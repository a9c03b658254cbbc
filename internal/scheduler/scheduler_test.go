package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mfukushim/avatar-shell-sub000/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func timerDef(id string, kind config.TriggerKind, cond config.TriggerCondition) config.DaemonDefinition {
	return config.DaemonDefinition{ID: id, Enabled: true, Trigger: config.DaemonTrigger{Kind: kind, Condition: cond}}
}

type recorder struct {
	ch chan string
}

func newRecorder() *recorder { return &recorder{ch: make(chan string, 64)} }

func (r *recorder) fire(d config.DaemonDefinition) { r.ch <- d.ID }

func (r *recorder) expect(t *testing.T, id string) {
	t.Helper()
	select {
	case got := <-r.ch:
		require.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timer %s did not fire", id)
	}
}

func (r *recorder) none(t *testing.T) {
	t.Helper()
	select {
	case got := <-r.ch:
		t.Fatalf("unexpected fire of %s", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func block(t *testing.T, fc *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, fc.BlockUntilContext(ctx, n))
}

func TestOneShot_FiresOnceThenDisposes(t *testing.T) {
	fc := clockwork.NewFakeClock()
	rec := newRecorder()
	s := New("a", fc, rec.fire)
	defer s.Stop()

	require.NoError(t, s.Rebuild([]config.DaemonDefinition{
		timerDef("once", config.TriggerOneShotMinutes, config.TriggerCondition{Minutes: 0.5}),
	}))
	block(t, fc, 1)

	fc.Advance(29 * time.Second)
	rec.none(t)
	fc.Advance(time.Second)
	rec.expect(t, "once")

	require.Eventually(t, func() bool { return len(s.Active()) == 0 }, time.Second, 5*time.Millisecond)
	fc.Advance(time.Hour)
	rec.none(t)
}

func TestRepeat_FiresOnArmThenEveryPeriod(t *testing.T) {
	fc := clockwork.NewFakeClock()
	rec := newRecorder()
	s := New("a", fc, rec.fire)
	defer s.Stop()

	require.NoError(t, s.Rebuild([]config.DaemonDefinition{
		timerDef("tick", config.TriggerOneShotMinutes, config.TriggerCondition{Minutes: 0.25, IsRepeatMin: true}),
	}))
	rec.expect(t, "tick")

	for i := 0; i < 3; i++ {
		block(t, fc, 1)
		fc.Advance(15 * time.Second)
		rec.expect(t, "tick")
	}

	block(t, fc, 1)
	require.True(t, s.Cancel("tick"))
	fc.Advance(time.Minute)
	rec.none(t)
	assert.Empty(t, s.Active())
}

func TestRebuild_ReplacesAllTasks(t *testing.T) {
	fc := clockwork.NewFakeClock()
	rec := newRecorder()
	s := New("a", fc, rec.fire)
	defer s.Stop()

	require.NoError(t, s.Rebuild([]config.DaemonDefinition{
		timerDef("old", config.TriggerOneShotMinutes, config.TriggerCondition{Minutes: 1}),
	}))
	block(t, fc, 1)
	require.NoError(t, s.Rebuild([]config.DaemonDefinition{
		timerDef("new", config.TriggerOneShotMinutes, config.TriggerCondition{Minutes: 2}),
	}))
	assert.Equal(t, []string{"new"}, s.Active())
	block(t, fc, 1)

	fc.Advance(time.Minute)
	rec.none(t)
	fc.Advance(time.Minute)
	rec.expect(t, "new")
}

func TestRebuild_ReportsInvalidKeepsValid(t *testing.T) {
	fc := clockwork.NewFakeClock()
	s := New("a", fc, newRecorder().fire)
	defer s.Stop()

	err := s.Rebuild([]config.DaemonDefinition{
		timerDef("bad", config.TriggerDailyTime, config.TriggerCondition{Time: "99:99"}),
		timerDef("good", config.TriggerOneShotMinutes, config.TriggerCondition{Minutes: 1}),
	})
	require.ErrorIs(t, err, config.ErrInvalidCondition)
	assert.Equal(t, []string{"good"}, s.Active())
}

func TestResetMatching_LeavesOthersUntouched(t *testing.T) {
	fc := clockwork.NewFakeClock()
	rec := newRecorder()
	s := New("a", fc, rec.fire)
	defer s.Stop()

	isIdle := func(d config.DaemonDefinition) bool { return d.Trigger.Kind == config.TriggerIdleMinutes }
	require.NoError(t, s.Rebuild([]config.DaemonDefinition{
		timerDef("idle", config.TriggerIdleMinutes, config.TriggerCondition{Minutes: 2}),
		timerDef("other", config.TriggerOneShotMinutes, config.TriggerCondition{Minutes: 3}),
	}))
	block(t, fc, 2)

	fc.Advance(90 * time.Second)
	assert.Equal(t, 1, s.ResetMatching(isIdle))
	block(t, fc, 2)

	// The idle countdown restarted at 90s; "other" still fires at 180s.
	fc.Advance(90 * time.Second)
	rec.expect(t, "other")
	rec.none(t)

	fc.Advance(30 * time.Second)
	rec.expect(t, "idle")

	// A fired idle timer stays live and can be restarted by later talk.
	assert.Equal(t, []string{"idle"}, s.Active())
	assert.Equal(t, 1, s.ResetMatching(isIdle))
	block(t, fc, 1)
	fc.Advance(2 * time.Minute)
	rec.expect(t, "idle")
}

func TestEnqueue_WaitsForMerge(t *testing.T) {
	fc := clockwork.NewFakeClock()
	rec := newRecorder()
	s := New("a", fc, rec.fire)
	defer s.Stop()

	s.Enqueue(timerDef("adhoc", config.TriggerOneShotMinutes, config.TriggerCondition{Minutes: 1}))
	assert.Empty(t, s.Active())

	assert.Equal(t, 1, s.MergePending())
	assert.Equal(t, []string{"adhoc"}, s.Active())
	block(t, fc, 1)
	fc.Advance(time.Minute)
	rec.expect(t, "adhoc")
}

func TestDelayFor(t *testing.T) {
	now := time.Date(2026, 3, 1, 7, 29, 30, 0, time.UTC)
	tests := []struct {
		name   string
		def    config.DaemonDefinition
		want   time.Duration
		wantOK bool
	}{
		{"one-shot", timerDef("x", config.TriggerOneShotMinutes, config.TriggerCondition{Minutes: 0.5}), 30 * time.Second, true},
		{"repeat starts now", timerDef("x", config.TriggerOneShotMinutes, config.TriggerCondition{Minutes: 5, IsRepeatMin: true}), 0, true},
		{"daily later today", timerDef("x", config.TriggerDailyTime, config.TriggerCondition{Time: "07:30"}), 30 * time.Second, true},
		{"daily tomorrow", timerDef("x", config.TriggerDailyTime, config.TriggerCondition{Time: "07:00"}), 23*time.Hour + 30*time.Minute + 30*time.Second, true},
		{"datetime future", timerDef("x", config.TriggerDateTime, config.TriggerCondition{DateTime: "2026-03-01T08:00:00Z"}), 30*time.Minute + 30*time.Second, true},
		{"datetime past", timerDef("x", config.TriggerDateTime, config.TriggerCondition{DateTime: "2026-03-01T07:00:00Z"}), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := DelayFor(tt.def, now)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
