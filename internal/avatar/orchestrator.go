// Package avatar wires one avatar's log, trigger engine, timers and
// dispatch loop together, and keeps the registry of running avatars.
package avatar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mfukushim/avatar-shell-sub000/internal/config"
	"github.com/mfukushim/avatar-shell-sub000/internal/contextlog"
	"github.com/mfukushim/avatar-shell-sub000/internal/daemon"
	"github.com/mfukushim/avatar-shell-sub000/internal/dispatch"
	"github.com/mfukushim/avatar-shell-sub000/internal/generators"
	"github.com/mfukushim/avatar-shell-sub000/internal/scheduler"
	"github.com/mfukushim/avatar-shell-sub000/internal/tools"
)

// ErrStopped is returned by operations on a stopped avatar.
var ErrStopped = errors.New("avatar stopped")

// Notifier receives everything an avatar pushes outward. Best effort.
type Notifier interface {
	MessagesAppended(avatarID string, msgs []contextlog.Message)
	SideOutput(avatarID string, msgs []contextlog.Message)
	GeneratorStatus(avatarID, generator, status, unitID string)
	Alert(avatarID, message string)
}

// Options configures an Orchestrator.
type Options struct {
	Config     config.AvatarConfig
	Dispatch   config.DispatchConfig
	Generators dispatch.GeneratorSource
	Gate       *tools.Gate
	Sink       contextlog.Sink      // nil = memory only
	History    []contextlog.Message // replayed from the sink
	Notifier   Notifier             // nil = discard
	Clock      clockwork.Clock      // nil = real clock
}

// job is one unit of work for the fire goroutine: either the result of
// a delta evaluation or a timer that elapsed.
type job struct {
	result daemon.Result
	timer  *config.DaemonDefinition
}

// Orchestrator owns one avatar: its context log, the trigger engine and
// timer scheduler built from its daemons, and the dispatch loop.
type Orchestrator struct {
	id     string
	log    *contextlog.Log
	gens   dispatch.GeneratorSource
	sched  *scheduler.Scheduler
	disp   *dispatch.Dispatcher
	gate   *tools.Gate
	notify Notifier
	clock  clockwork.Clock

	counters *daemon.Counters
	engine   atomic.Pointer[daemon.Engine]

	applyMu sync.Mutex
	cfgMu   sync.RWMutex
	cfg     config.AvatarConfig

	// fire queue: filled by the log observer and timers, drained in order
	// by a single goroutine so same-delta fires are prepared sequentially.
	qmu     sync.Mutex
	queue   []job
	pending atomic.Int64 // queued or being handled
	wakeq   chan struct{}
	done    chan struct{}
	drained chan struct{}

	stopping atomic.Bool
	stopOnce sync.Once
}

// New builds and starts an avatar. Daemon configuration errors do not
// abort construction; they are returned alongside the running avatar.
func New(opts Options) (*Orchestrator, error) {
	cfg := opts.Config
	if cfg.ID == "" {
		return nil, fmt.Errorf("avatar: empty id")
	}
	if opts.Generators == nil {
		return nil, fmt.Errorf("avatar %s: no generator source", cfg.ID)
	}
	if opts.Gate == nil {
		opts.Gate = tools.NewGate(tools.GateOptions{Clock: opts.Clock})
	}
	if opts.Notifier == nil {
		opts.Notifier = discard{}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	o := &Orchestrator{
		id:       cfg.ID,
		gens:     opts.Generators,
		gate:     opts.Gate,
		notify:   opts.Notifier,
		clock:    opts.Clock,
		counters: &daemon.Counters{},
		wakeq:    make(chan struct{}, 1),
		done:     make(chan struct{}),
		drained:  make(chan struct{}),
	}

	o.log = contextlog.New(contextlog.Options{
		AvatarID: cfg.ID,
		Initial:  opts.History,
		Sink:     opts.Sink,
		Observer: o.onDelta,
		OnAppend: opts.Notifier.MessagesAppended,
	})
	o.sched = scheduler.New(cfg.ID, opts.Clock, o.onTimer)
	o.disp = dispatch.New(dispatch.Options{
		AvatarID:    cfg.ID,
		Log:         o.log,
		Generators:  opts.Generators,
		Tools:       opts.Gate,
		Sink:        opts.Notifier,
		MaxGen:      opts.Dispatch.MaxGen,
		QueueSize:   opts.Dispatch.QueueSize,
		ToolContext: o.toolContext,
		AfterStep:   func() { o.sched.MergePending() },
	})

	// The engine must exist before the log publishes its initial delta,
	// otherwise startup daemons would miss it.
	engErr := o.installEngine(cfg)
	go o.fireLoop()
	o.log.Start()
	schedErr := o.sched.Rebuild(cfg.Daemons)

	err := configError(engErr, schedErr, o.checkGenerators(cfg))
	if err != nil {
		o.alert(err)
	}
	slog.Info("avatar started", "avatar", o.id, "history", len(opts.History), "daemons", o.engine.Load().Len(), "timers", len(o.sched.Active()))
	return o, err
}

// ID returns the avatar id.
func (o *Orchestrator) ID() string { return o.id }

// Config returns the avatar's current configuration.
func (o *Orchestrator) Config() config.AvatarConfig {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.cfg
}

// Apply replaces the avatar's rule set. The trigger engine is swapped in
// one step and every timer is cancelled before the new ones are armed.
// Invalid daemons are skipped and reported; the rest keep running.
func (o *Orchestrator) Apply(cfg config.AvatarConfig) error {
	if o.stopping.Load() {
		return ErrStopped
	}
	o.applyMu.Lock()
	defer o.applyMu.Unlock()

	engErr := o.installEngine(cfg)
	schedErr := o.sched.Rebuild(cfg.Daemons)

	err := configError(engErr, schedErr, o.checkGenerators(cfg))
	if err != nil {
		o.alert(err)
	}
	slog.Info("avatar rebuilt", "avatar", o.id, "daemons", o.engine.Load().Len(), "timers", len(o.sched.Active()))
	return err
}

func (o *Orchestrator) installEngine(cfg config.AvatarConfig) error {
	eng, err := daemon.Build(cfg.ID, cfg.Daemons, o.counters)
	o.cfgMu.Lock()
	o.cfg = cfg
	o.cfgMu.Unlock()
	o.gate.SetPermissions(cfg.ID, cfg.Tools)
	o.engine.Store(eng)
	return err
}

// configError reports each invalid daemon once: the engine validates every
// definition, the scheduler only its own.
func configError(engErr, schedErr, genErr error) error {
	if engErr == nil {
		engErr = schedErr
	}
	return errors.Join(engErr, genErr)
}

// checkGenerators resolves every generator cfg refers to, so a missing
// credential is reported with the rebuild rather than on each hop.
func (o *Orchestrator) checkGenerators(cfg config.AvatarConfig) error {
	names := []string{cfg.Generator}
	for _, d := range cfg.Daemons {
		if d.Enabled && d.Action.Generator != "" {
			names = append(names, d.Action.Generator)
		}
	}
	seen := make(map[string]bool, len(names))
	var errs []error
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		if _, err := o.gens.Get(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) alert(err error) {
	slog.Warn("avatar configuration error", "avatar", o.id, "error", err)
	o.notify.Alert(o.id, err.Error())
}

// Say appends a human talk message and asks the main generator to answer it.
func (o *Orchestrator) Say(ctx context.Context, sender, text string) (contextlog.Message, error) {
	if o.stopping.Load() {
		return contextlog.Message{}, ErrStopped
	}
	msg := contextlog.NewText(contextlog.ClassTalk, contextlog.RoleHuman, contextlog.LineSurface, text)
	msg.Sender = sender
	if _, err := o.log.Append(ctx, msg); err != nil {
		return contextlog.Message{}, fmt.Errorf("append: %w", err)
	}
	unit := generators.Unit{
		AvatarID:  o.id,
		Generator: o.Config().Generator,
		Messages:  []contextlog.Message{msg},
		Target:    generators.DefaultTarget(),
	}
	if err := o.disp.Submit(unit); err != nil {
		return msg, fmt.Errorf("submit: %w", err)
	}
	return msg, nil
}

// Inject appends messages produced outside the avatar, such as a relay of
// another participant. They are flagged external; ids already present are
// dropped. It returns how many were added.
func (o *Orchestrator) Inject(ctx context.Context, msgs ...contextlog.Message) (int, error) {
	if o.stopping.Load() {
		return 0, ErrStopped
	}
	for i := range msgs {
		msgs[i].External = true
	}
	d, err := o.log.Append(ctx, msgs...)
	if err != nil {
		return 0, err
	}
	return len(d.Added), nil
}

// History returns up to limit of the most recent messages visible to a
// front end. A non-positive limit returns all of them.
func (o *Orchestrator) History(limit int) []contextlog.Message {
	var out []contextlog.Message
	for _, m := range o.log.Current() {
		if m.ContextLine == contextlog.LineSurface {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Messages returns the full log snapshot.
func (o *Orchestrator) Messages() []contextlog.Message { return o.log.Current() }

// Info summarizes a running avatar.
type Info struct {
	ID       string   `json:"id"`
	Name     string   `json:"name,omitempty"`
	Messages int      `json:"messages"`
	Daemons  int      `json:"daemons"`
	Timers   []string `json:"timers,omitempty"`
	Busy     bool     `json:"busy"`
}

func (o *Orchestrator) Info() Info {
	cfg := o.Config()
	return Info{
		ID:       o.id,
		Name:     cfg.Name,
		Messages: o.log.Len(),
		Daemons:  o.engine.Load().Len(),
		Timers:   o.sched.Active(),
		Busy:     o.disp.Busy(),
	}
}

// Idle blocks until no fire is waiting and the dispatch loop is empty.
func (o *Orchestrator) Idle(ctx context.Context) error {
	t := time.NewTicker(5 * time.Millisecond)
	defer t.Stop()
	for o.pending.Load() > 0 || o.disp.Busy() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// Stop tears the avatar down. The next delta skips trigger evaluation,
// timers are cancelled, and in-flight generator hops finish (or are
// cancelled when ctx ends) before the log closes.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.stopOnce.Do(func() {
		o.stopping.Store(true)
		o.log.SuppressNext()
		o.sched.Stop()
		o.disp.Stop(ctx)
		close(o.done)
		<-o.drained
		o.log.Close()
		o.gate.Forget(o.id)
		slog.Info("avatar stopped", "avatar", o.id)
	})
}

// onDelta runs on the log's writer goroutine. It evaluates the engine
// there, so counters see deltas in order, and hands the fires off.
func (o *Orchestrator) onDelta(d contextlog.Delta) {
	if o.stopping.Load() {
		return
	}
	res := o.engine.Load().Evaluate(d)
	if len(res.Fires) == 0 && !res.Talk {
		return
	}
	o.push(job{result: res})
}

// onTimer runs on a scheduler goroutine.
func (o *Orchestrator) onTimer(def config.DaemonDefinition) {
	if o.stopping.Load() {
		return
	}
	o.push(job{timer: &def})
}

func (o *Orchestrator) push(j job) {
	o.pending.Add(1)
	o.qmu.Lock()
	o.queue = append(o.queue, j)
	o.qmu.Unlock()
	select {
	case o.wakeq <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) fireLoop() {
	defer close(o.drained)
	for {
		select {
		case <-o.done:
			o.qmu.Lock()
			o.pending.Add(-int64(len(o.queue)))
			o.queue = nil
			o.qmu.Unlock()
			return
		case <-o.wakeq:
		}
		for {
			o.qmu.Lock()
			if len(o.queue) == 0 {
				o.qmu.Unlock()
				break
			}
			j := o.queue[0]
			o.queue = o.queue[1:]
			o.qmu.Unlock()
			o.handle(j)
			o.pending.Add(-1)
		}
	}
}

func (o *Orchestrator) handle(j job) {
	if o.stopping.Load() {
		return
	}
	ctx := context.Background()
	if j.timer != nil {
		o.execute(ctx, daemon.Fire{Def: *j.timer})
		return
	}
	if j.result.Talk {
		if n := o.sched.ResetMatching(isIdle); n > 0 {
			slog.Debug("idle timers restarted", "avatar", o.id, "count", n)
		}
	}
	for _, f := range j.result.Fires {
		o.execute(ctx, f)
	}
}

func isIdle(d config.DaemonDefinition) bool {
	return d.Trigger.Kind == config.TriggerIdleMinutes
}

// execute turns one fire into exactly one generation unit.
func (o *Orchestrator) execute(ctx context.Context, f daemon.Fire) {
	act := f.Def.Action
	unit := generators.Unit{
		AvatarID:    o.id,
		Generator:   act.Generator,
		DaemonID:    f.Def.ID,
		Target:      targetFor(act),
		SideChannel: act.SideChannel,
	}
	if unit.Generator == "" {
		unit.Generator = o.Config().Generator
	}

	switch {
	case f.Trigger == nil:
		msg := contextlog.NewText(contextlog.ClassSystem, contextlog.RoleSystem, contextlog.LineInner, render(act.Template, nil))
		msg.IsRequestAction = true
		if _, err := o.log.Append(ctx, msg); err != nil {
			slog.Error("daemon request append failed", "avatar", o.id, "daemon", f.Def.ID, "error", err)
			return
		}
		unit.Messages = []contextlog.Message{msg}
	case act.Direct:
		unit.Messages = []contextlog.Message{*f.Trigger}
		unit.Context = contextlog.Visible(f.Context)
	default:
		msg := contextlog.NewText(contextlog.ClassDaemon, contextlog.RoleHuman, contextlog.LineOuter, render(act.Template, f.Trigger))
		msg.IsRequestAction = true
		if _, err := o.log.Append(ctx, msg); err != nil {
			slog.Error("daemon request append failed", "avatar", o.id, "daemon", f.Def.ID, "error", err)
			return
		}
		unit.Messages = []contextlog.Message{msg}
		unit.Context = contextlog.Visible(f.Context)
	}

	if err := o.disp.Submit(unit); err != nil {
		slog.Warn("daemon request dropped", "avatar", o.id, "daemon", f.Def.ID, "error", err)
		return
	}
	slog.Info("daemon fired", "avatar", o.id, "daemon", f.Def.ID, "kind", f.Def.Trigger.Kind, "generator", unit.Generator)
}

func (o *Orchestrator) toolContext(ctx context.Context, u generators.Unit) context.Context {
	ctx = tools.WithAvatarID(ctx, o.id)
	ctx = tools.WithGenerator(ctx, u.Generator)
	ctx = tools.WithTimerQueue(ctx, o.sched)
	return tools.WithClock(ctx, o.clock)
}

// render expands {from} and {body} from the triggering message.
func render(tmpl string, trigger *contextlog.Message) string {
	if trigger == nil {
		return tmpl
	}
	from := trigger.Sender
	if from == "" {
		from = string(trigger.Role)
	}
	return strings.NewReplacer("{from}", from, "{body}", trigger.Text()).Replace(tmpl)
}

func targetFor(act config.DaemonAction) generators.Target {
	t := generators.DefaultTarget()
	if act.Class != "" {
		t.Class = contextlog.Class(act.Class)
	}
	if act.Role != "" {
		t.Role = contextlog.Role(act.Role)
	}
	if act.ContextLine != "" {
		t.ContextLine = contextlog.ContextLine(act.ContextLine)
	}
	return t
}

type discard struct{}

func (discard) MessagesAppended(string, []contextlog.Message)  {}
func (discard) SideOutput(string, []contextlog.Message)        {}
func (discard) GeneratorStatus(string, string, string, string) {}
func (discard) Alert(string, string)                           {}
