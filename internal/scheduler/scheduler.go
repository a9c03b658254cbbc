// Package scheduler runs the timer-driven daemons of one avatar. Each live
// timer is a goroutine sleeping on a clockwork timer; rebuilding the
// scheduler cancels every goroutine before any new one is started.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/jonboulle/clockwork"

	"github.com/mfukushim/avatar-shell-sub000/internal/config"
)

// FireFunc runs when a timer elapses. It runs on the timer goroutine and
// must hand off long work; Cancel and Rebuild wait for it to return.
type FireFunc func(def config.DaemonDefinition)

type task struct {
	def    config.DaemonDefinition
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns one task per active timer-driven daemon.
type Scheduler struct {
	avatarID string
	clock    clockwork.Clock
	fire     FireFunc

	rebuildMu sync.Mutex // serializes Rebuild/ResetMatching/MergePending

	mu      sync.Mutex
	tasks   map[string]*task
	pending []config.DaemonDefinition
	stopped bool
}

// New creates an empty scheduler. A nil clock means the real clock.
func New(avatarID string, clock clockwork.Clock, fire FireFunc) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		avatarID: avatarID,
		clock:    clock,
		fire:     fire,
		tasks:    make(map[string]*task),
	}
}

// Clock returns the scheduler's time source.
func (s *Scheduler) Clock() clockwork.Clock { return s.clock }

// Rebuild replaces every live task with tasks for the enabled timer-driven
// definitions in defs. Delays are computed from the scheduler clock. Ad-hoc
// timers queued with Enqueue are not affected.
func (s *Scheduler) Rebuild(defs []config.DaemonDefinition) error {
	s.rebuildMu.Lock()
	defer s.rebuildMu.Unlock()

	s.mu.Lock()
	old := s.tasks
	s.tasks = make(map[string]*task)
	s.mu.Unlock()
	stopTasks(values(old))

	now := s.clock.Now()
	var errs []error
	armed := 0
	for _, d := range defs {
		if !d.Enabled || !d.Trigger.Kind.Scheduled() {
			continue
		}
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		ok, err := s.arm(d, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			armed++
		}
	}
	slog.Debug("timers rebuilt", "avatar", s.avatarID, "armed", armed, "replaced", len(old))
	return errors.Join(errs...)
}

// Cancel stops and removes the task for id. Once Cancel returns, that task
// never fires again.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel()
	<-t.done
	return true
}

// ResetMatching restarts the countdown of every live task whose definition
// satisfies match. Other tasks keep their remaining delay.
func (s *Scheduler) ResetMatching(match func(config.DaemonDefinition) bool) int {
	s.rebuildMu.Lock()
	defer s.rebuildMu.Unlock()

	s.mu.Lock()
	var hit []*task
	for id, t := range s.tasks {
		if match(t.def) {
			hit = append(hit, t)
			delete(s.tasks, id)
		}
	}
	s.mu.Unlock()
	stopTasks(hit)

	now := s.clock.Now()
	for _, t := range hit {
		if _, err := s.arm(t.def, now); err != nil {
			slog.Warn("timer reset failed", "avatar", s.avatarID, "daemon", t.def.ID, "error", err)
		}
	}
	return len(hit)
}

// Enqueue queues an ad-hoc timer. It becomes live at the next MergePending.
func (s *Scheduler) Enqueue(def config.DaemonDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, def)
}

// MergePending arms every queued ad-hoc timer.
func (s *Scheduler) MergePending() int {
	s.rebuildMu.Lock()
	defer s.rebuildMu.Unlock()

	s.mu.Lock()
	queued := s.pending
	s.pending = nil
	s.mu.Unlock()

	now := s.clock.Now()
	n := 0
	for _, d := range queued {
		ok, err := s.arm(d, now)
		if err != nil {
			slog.Warn("ad-hoc timer rejected", "avatar", s.avatarID, "daemon", d.ID, "error", err)
			continue
		}
		if ok {
			n++
		}
	}
	return n
}

// Active returns the ids of live tasks, sorted.
func (s *Scheduler) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stop cancels every task and drops queued timers. The scheduler accepts
// no further tasks.
func (s *Scheduler) Stop() {
	s.rebuildMu.Lock()
	defer s.rebuildMu.Unlock()

	s.mu.Lock()
	old := s.tasks
	s.tasks = make(map[string]*task)
	s.pending = nil
	s.stopped = true
	s.mu.Unlock()
	stopTasks(values(old))
}

// arm starts a task for d. It returns false when d has nothing left to do
// (an absolute time already in the past).
func (s *Scheduler) arm(d config.DaemonDefinition, now time.Time) (bool, error) {
	delay, ok, err := DelayFor(d, now)
	if err != nil {
		return false, err
	}
	if !ok {
		slog.Info("timer skipped, time already passed", "avatar", s.avatarID, "daemon", d.ID)
		return false, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{def: d, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		return false, nil
	}
	prev := s.tasks[d.ID]
	s.tasks[d.ID] = t
	s.mu.Unlock()
	if prev != nil {
		prev.cancel()
		<-prev.done
	}

	go s.run(ctx, t, delay)
	return true, nil
}

func (s *Scheduler) run(ctx context.Context, t *task, delay time.Duration) {
	defer close(t.done)
	for {
		if delay > 0 {
			timer := s.clock.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.Chan():
			}
		}
		if ctx.Err() != nil {
			return
		}

		slog.Debug("timer fired", "avatar", s.avatarID, "daemon", t.def.ID)
		s.fire(t.def)

		next, again := nextDelay(t.def, s.clock.Now())
		if !again && t.def.Trigger.Kind == config.TriggerIdleMinutes {
			// Idle timers stay live until ResetMatching restarts them.
			<-ctx.Done()
			return
		}
		if !again {
			s.mu.Lock()
			if s.tasks[t.def.ID] == t {
				delete(s.tasks, t.def.ID)
			}
			s.mu.Unlock()
			return
		}
		delay = next
	}
}

// DelayFor computes how long to wait before the first fire of d. ok is
// false when d should not be armed at all.
func DelayFor(d config.DaemonDefinition, now time.Time) (delay time.Duration, ok bool, err error) {
	c := d.Trigger.Condition
	switch d.Trigger.Kind {
	case config.TriggerOneShotMinutes:
		if c.IsRepeatMin {
			return 0, true, nil
		}
		return minutes(c.Minutes), true, nil
	case config.TriggerIdleMinutes:
		return minutes(c.Minutes), true, nil
	case config.TriggerDailyTime:
		next, err := nextDaily(c.Time, now)
		if err != nil {
			return 0, false, err
		}
		return next.Sub(now), true, nil
	case config.TriggerDateTime:
		at, err := time.Parse(time.RFC3339, c.DateTime)
		if err != nil {
			return 0, false, fmt.Errorf("daemon %s: %w: %v", d.ID, config.ErrInvalidCondition, err)
		}
		if !at.After(now) {
			return 0, false, nil
		}
		return at.Sub(now), true, nil
	}
	return 0, false, fmt.Errorf("daemon %s: %w %q is not timer-driven", d.ID, config.ErrUnknownTrigger, d.Trigger.Kind)
}

// nextDelay decides whether a task re-arms after firing.
func nextDelay(d config.DaemonDefinition, now time.Time) (time.Duration, bool) {
	c := d.Trigger.Condition
	switch d.Trigger.Kind {
	case config.TriggerOneShotMinutes, config.TriggerIdleMinutes:
		if c.IsRepeatMin && c.Minutes > 0 {
			return minutes(c.Minutes), true
		}
	case config.TriggerDailyTime:
		next, err := nextDaily(c.Time, now)
		if err == nil {
			return next.Sub(now), true
		}
	}
	return 0, false
}

// nextDaily returns the next occurrence strictly after the current minute.
func nextDaily(spec string, now time.Time) (time.Time, error) {
	expr, err := config.DailyExpr(spec)
	if err != nil {
		return time.Time{}, err
	}
	from := now.Truncate(time.Minute).Add(time.Minute)
	next, err := gronx.NextTickAfter(expr, from, true)
	if err != nil {
		return time.Time{}, fmt.Errorf("next tick for %q: %w", expr, err)
	}
	return next, nil
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}

func values(m map[string]*task) []*task {
	out := make([]*task, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	return out
}

// stopTasks cancels every task first, then waits, so no task outlives the call.
func stopTasks(tasks []*task) {
	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		<-t.done
	}
}
