// Package dispatch runs an avatar's think/act loop: generators answer
// inbound units, requested tool calls go through the gate, and their
// results come back as new inbound units until the generation ceiling.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mfukushim/avatar-shell-sub000/internal/contextlog"
	"github.com/mfukushim/avatar-shell-sub000/internal/generators"
	"github.com/mfukushim/avatar-shell-sub000/internal/tracing"
	"github.com/mfukushim/avatar-shell-sub000/pkg/protocol"
)

var tracer = tracing.Tracer("github.com/mfukushim/avatar-shell-sub000/internal/dispatch")

// ErrQueueFull is returned by Submit when the inbound queue is at capacity.
var ErrQueueFull = errors.New("dispatch: queue full")

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("dispatch: stopped")

// Log is the part of the context log the dispatcher writes to.
type Log interface {
	Append(ctx context.Context, msgs ...contextlog.Message) (contextlog.Delta, error)
	Current() []contextlog.Message
}

// GeneratorSource resolves generator names.
type GeneratorSource interface {
	Get(name string) (generators.Generator, error)
}

// ToolRunner executes one tool call and never fails.
type ToolRunner interface {
	Execute(ctx context.Context, avatarID string, call contextlog.ToolCall) contextlog.ToolResult
}

// Sink receives status changes and side-channel output. Best effort.
type Sink interface {
	GeneratorStatus(avatarID, generator, status, unitID string)
	SideOutput(avatarID string, msgs []contextlog.Message)
}

// Options configures a Dispatcher.
type Options struct {
	AvatarID   string
	Log        Log
	Generators GeneratorSource
	Tools      ToolRunner
	Sink       Sink // optional

	MaxGen    int // round trips before the hard cutoff (default 2)
	QueueSize int // capacity of each channel (default 32)

	// ToolContext decorates the context of a tool hop, e.g. with the
	// avatar's timer queue.
	ToolContext func(ctx context.Context, u generators.Unit) context.Context
	// AfterStep runs after every think hop.
	AfterStep func()
}

// Dispatcher owns the inbound and outbound channels of one avatar and the
// two workers draining them. A worker parks when its channel is empty and
// is restarted by the next enqueue.
type Dispatcher struct {
	opts Options

	inbound  chan generators.Unit
	outbound chan generators.Unit

	thinkRunning atomic.Bool
	actRunning   atomic.Bool
	inflight     atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex // guards stopped and wg.Add from outside the workers
	stopped bool
	wg      sync.WaitGroup
}

func New(opts Options) *Dispatcher {
	if opts.MaxGen <= 0 {
		opts.MaxGen = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 32
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		opts:     opts,
		inbound:  make(chan generators.Unit, opts.QueueSize),
		outbound: make(chan generators.Unit, opts.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Submit queues an inbound unit. It does not block: a full queue is an error.
func (d *Dispatcher) Submit(u generators.Unit) error {
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if u.ID == "" {
		u.ID = contextlog.NewID()
	}
	d.inflight.Add(1)
	select {
	case d.inbound <- u:
	default:
		d.inflight.Add(-1)
		return ErrQueueFull
	}
	d.Wake()
	return nil
}

// Wake restarts any parked worker whose channel has work.
func (d *Dispatcher) Wake() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if len(d.inbound) > 0 && d.thinkRunning.CompareAndSwap(false, true) {
		d.wg.Add(1)
		go d.worker(d.inbound, &d.thinkRunning, d.think)
	}
	if len(d.outbound) > 0 && d.actRunning.CompareAndSwap(false, true) {
		d.wg.Add(1)
		go d.worker(d.outbound, &d.actRunning, d.act)
	}
}

// Busy reports whether any unit is queued or being processed.
func (d *Dispatcher) Busy() bool { return d.inflight.Load() > 0 }

// WaitIdle blocks until no unit is queued or in flight.
func (d *Dispatcher) WaitIdle(ctx context.Context) error {
	t := time.NewTicker(5 * time.Millisecond)
	defer t.Stop()
	for d.Busy() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// Stop refuses new work and waits for in-flight hops to finish. If ctx
// ends first, in-flight generator and tool calls are cancelled.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.cancel()
		<-done
	}
	d.cancel()
}

// worker drains ch, handing each unit to its own goroutine so one slow
// generator or pending consent does not hold up the avatar's other work.
func (d *Dispatcher) worker(ch chan generators.Unit, running *atomic.Bool, handle func(generators.Unit)) {
	defer d.wg.Done()
	for {
		select {
		case u := <-ch:
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				defer d.inflight.Add(-1)
				handle(u)
			}()
			continue
		default:
		}
		running.Store(false)
		// An enqueue may have raced with the store; take the work back if so.
		if len(ch) == 0 || !running.CompareAndSwap(false, true) {
			return
		}
	}
}

// enqueue hands a unit to the next stage. Internal hops block rather than
// drop work.
func (d *Dispatcher) enqueue(ch chan generators.Unit, u generators.Unit) {
	d.inflight.Add(1)
	select {
	case ch <- u:
	case <-d.ctx.Done():
		d.inflight.Add(-1)
		return
	}
	d.wakeInternal(ch)
}

// wakeInternal restarts a worker from inside a hop; the caller already
// holds a wait group slot, so stopped does not block it.
func (d *Dispatcher) wakeInternal(ch chan generators.Unit) {
	running, handle := &d.thinkRunning, d.think
	if ch == d.outbound {
		running, handle = &d.actRunning, d.act
	}
	if running.CompareAndSwap(false, true) {
		d.wg.Add(1)
		go d.worker(ch, running, handle)
	}
}

func (d *Dispatcher) think(u generators.Unit) {
	if d.opts.AfterStep != nil {
		defer d.opts.AfterStep()
	}
	ctx, span := tracer.Start(d.ctx, "dispatch.think", trace.WithAttributes(
		attribute.String("avatar.id", d.opts.AvatarID),
		attribute.String("generator", u.Generator),
		attribute.Int("generation", u.Generation),
	))
	defer span.End()

	if u.Generation >= 2*d.opts.MaxGen {
		slog.Info("generation limit reached", "avatar", d.opts.AvatarID, "generator", u.Generator, "generation", u.Generation)
		span.SetAttributes(attribute.Bool("cutoff", true))
		d.record(ctx, u, u.Messages)
		return
	}

	gen, err := d.opts.Generators.Get(u.Generator)
	if err != nil {
		slog.Error("generator unavailable", "avatar", d.opts.AvatarID, "generator", u.Generator, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "generator unavailable")
		if u.Generation > 0 {
			d.record(ctx, u, u.Messages)
		}
		return
	}

	d.status(u, protocol.StatusRunning)
	out, err := gen.GenerateContext(ctx, u, d.history(u))
	d.status(u, protocol.StatusStopped)

	var msgs []contextlog.Message
	if u.Generation > 0 {
		msgs = append(msgs, u.Messages...)
	}
	if err != nil {
		slog.Warn("generator failed", "avatar", d.opts.AvatarID, "generator", u.Generator, "generation", u.Generation, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "generator failed")
		d.record(ctx, u, msgs)
		return
	}
	// Numbering and routing belong to the loop, whatever the generator
	// put on its units.
	for i, o := range out {
		out[i] = u.Next(o.Messages)
		msgs = append(msgs, o.Messages...)
	}
	d.record(ctx, u, msgs)

	for _, o := range out {
		if len(o.ToolCalls()) > 0 {
			d.enqueue(d.outbound, o)
		}
	}
}

func (d *Dispatcher) act(u generators.Unit) {
	ctx := d.ctx
	if d.opts.ToolContext != nil {
		ctx = d.opts.ToolContext(ctx, u)
	}
	ctx, span := tracer.Start(ctx, "dispatch.act", trace.WithAttributes(
		attribute.String("avatar.id", d.opts.AvatarID),
		attribute.Int("generation", u.Generation),
	))
	defer span.End()

	calls := u.ToolCalls()
	results := make([]contextlog.ToolResult, 0, len(calls))
	for _, call := range calls {
		results = append(results, d.opts.Tools.Execute(ctx, d.opts.AvatarID, call))
	}
	span.SetAttributes(attribute.Int("tool.calls", len(calls)))

	target := u.Target
	res := contextlog.NewText(target.Class, contextlog.RoleToolResponse, target.ContextLine, "")
	res.Content = contextlog.Content{Kind: contextlog.ContentToolResponse, ToolResults: results}
	res.Generator = u.Generator

	d.enqueue(d.inbound, u.Next([]contextlog.Message{res}))
}

// history is the visible context for a hop, without the unit's own input.
func (d *Dispatcher) history(u generators.Unit) []contextlog.Message {
	base := u.Context
	if base == nil || u.Generation > 0 {
		base = d.opts.Log.Current()
	}
	own := make(map[string]struct{}, len(u.Messages))
	for _, m := range u.Messages {
		own[m.ID] = struct{}{}
	}
	out := make([]contextlog.Message, 0, len(base))
	for _, m := range contextlog.Visible(base) {
		if _, dup := own[m.ID]; dup {
			continue
		}
		out = append(out, m)
	}
	return out
}

// record commits a hop's messages, or publishes them on the side channel.
func (d *Dispatcher) record(ctx context.Context, u generators.Unit, msgs []contextlog.Message) {
	if len(msgs) == 0 {
		return
	}
	if u.SideChannel {
		if d.opts.Sink != nil {
			d.opts.Sink.SideOutput(d.opts.AvatarID, msgs)
		}
		return
	}
	if _, err := d.opts.Log.Append(ctx, msgs...); err != nil {
		slog.Error("append generation output failed", "avatar", d.opts.AvatarID, "generator", u.Generator, "error", err)
	}
}

func (d *Dispatcher) status(u generators.Unit, status string) {
	if d.opts.Sink != nil {
		d.opts.Sink.GeneratorStatus(d.opts.AvatarID, u.Generator, status, u.ID)
	}
}
