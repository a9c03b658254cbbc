// Package daemon evaluates context-driven daemon triggers against
// context log deltas.
package daemon

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/mfukushim/avatar-shell-sub000/internal/config"
	"github.com/mfukushim/avatar-shell-sub000/internal/contextlog"
)

// Fire is one daemon activation. Trigger is nil for fires that have no
// triggering message (startup, counters).
type Fire struct {
	Def     config.DaemonDefinition
	Trigger *contextlog.Message
	Context []contextlog.Message // log as seen just before the trigger
}

// Result is the outcome of evaluating one delta.
type Result struct {
	Fires []Fire
	Talk  bool // a human spoke; idle countdowns restart
}

// Counters are the per-avatar summary and external-talk counters, plus
// which startup daemons have already fired. They belong to the avatar, not
// to an engine, so a rebuild keeps their values.
type Counters struct {
	mu       sync.Mutex
	summary  int
	external int
	started  map[string]bool // startup daemon id -> fired
}

// Snapshot returns the current counter values.
func (c *Counters) Snapshot() (summary, external int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary, c.external
}

// Engine holds the enabled context-driven daemons of one avatar. An Engine
// is immutable; a configuration change builds a new one.
type Engine struct {
	avatarID string
	defs     []config.DaemonDefinition
	counters *Counters
}

// Build validates defs and keeps the enabled context-driven ones in
// definition order. Invalid definitions are skipped and reported in the
// returned error; the engine is usable either way.
func Build(avatarID string, defs []config.DaemonDefinition, counters *Counters) (*Engine, error) {
	if counters == nil {
		counters = &Counters{}
	}
	e := &Engine{avatarID: avatarID, counters: counters}
	var errs []error
	for _, d := range defs {
		if !d.Enabled {
			continue
		}
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if d.Trigger.Kind.Scheduled() {
			continue
		}
		e.defs = append(e.defs, d)
	}
	return e, errors.Join(errs...)
}

// Len returns the number of active context-driven daemons.
func (e *Engine) Len() int { return len(e.defs) }

// Evaluate decides which daemons fire for d. It must be called from the
// log's writer goroutine, which is what serializes counter updates.
func (e *Engine) Evaluate(d contextlog.Delta) Result {
	var res Result
	if d.Suppressed {
		return res
	}

	for _, m := range d.Added {
		if m.Class == contextlog.ClassTalk && m.Role == contextlog.RoleHuman {
			res.Talk = true
			break
		}
	}

	counterHit := e.bumpCounters(d)

	for _, def := range e.defs {
		switch def.Trigger.Kind {
		case config.TriggerStartup:
			if len(d.Before) == 0 && d.Empty() && e.markStartup(def.ID) {
				res.Fires = append(res.Fires, Fire{Def: def})
			}
		case config.TriggerContextPattern:
			for i := range d.Added {
				m := d.Added[i]
				if !matches(def.Trigger.Condition, m) {
					continue
				}
				res.Fires = append(res.Fires, Fire{Def: def, Trigger: &m, Context: d.PreTrigger(i)})
			}
		case config.TriggerSummaryCounter, config.TriggerExternalTalkCount:
			if counterHit[def.ID] {
				res.Fires = append(res.Fires, Fire{Def: def, Context: d.After()})
			}
		}
	}

	for _, f := range res.Fires {
		slog.Debug("daemon fired", "avatar", e.avatarID, "daemon", f.Def.ID, "kind", f.Def.Trigger.Kind)
	}
	return res
}

// bumpCounters adds the delta to both counters once, then reports which
// counter daemons crossed their threshold. A counter that fired any
// daemon is reset to zero.
func (e *Engine) bumpCounters(d contextlog.Delta) map[string]bool {
	if d.Empty() {
		return nil
	}
	external := 0
	for _, m := range d.Added {
		if m.External {
			external++
		}
	}

	c := e.counters
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summary += len(d.Added)
	c.external += external

	hit := make(map[string]bool)
	var resetSummary, resetExternal bool
	for _, def := range e.defs {
		th := def.Trigger.Condition.Threshold
		switch def.Trigger.Kind {
		case config.TriggerSummaryCounter:
			if c.summary >= th {
				hit[def.ID] = true
				resetSummary = true
			}
		case config.TriggerExternalTalkCount:
			if c.external >= th {
				hit[def.ID] = true
				resetExternal = true
			}
		}
	}
	if resetSummary {
		c.summary = 0
	}
	if resetExternal {
		c.external = 0
	}
	return hit
}

func (e *Engine) markStartup(id string) bool {
	c := e.counters
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started[id] {
		return false
	}
	if c.started == nil {
		c.started = make(map[string]bool)
	}
	c.started[id] = true
	return true
}

func matches(cond config.TriggerCondition, m contextlog.Message) bool {
	if m.Class == contextlog.ClassDaemon {
		return false
	}
	if cond.Class != "" && string(m.Class) != cond.Class {
		return false
	}
	if cond.Role != "" && string(m.Role) != cond.Role {
		return false
	}
	if cond.ContextLine != "" && string(m.ContextLine) != cond.ContextLine {
		return false
	}
	return true
}
