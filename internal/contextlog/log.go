package contextlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("contextlog: log closed")

// Sink durably records appended messages. An append whose Sink call fails
// is not committed to the in-memory log either.
type Sink interface {
	AppendMessages(ctx context.Context, avatarID string, msgs []Message) error
}

// Delta is what one append changed: the log as it was before, and the
// messages that were actually added (re-delivered ids are dropped).
type Delta struct {
	Before     []Message
	Added      []Message
	Initial    bool // published once when the log starts
	Suppressed bool // swallowed by SuppressNext; observers should not react
}

// Empty reports whether nothing was appended.
func (d Delta) Empty() bool { return len(d.Added) == 0 }

// After returns the log including the delta.
func (d Delta) After() []Message {
	out := make([]Message, 0, len(d.Before)+len(d.Added))
	out = append(out, d.Before...)
	return append(out, d.Added...)
}

// PreTrigger returns the log truncated to just before Added[i].
func (d Delta) PreTrigger(i int) []Message {
	out := make([]Message, 0, len(d.Before)+i)
	out = append(out, d.Before...)
	return append(out, d.Added[:i]...)
}

// Observer reacts to a committed delta. It runs on the log's writer
// goroutine, so it must not call Append synchronously.
type Observer func(Delta)

// Options configures a Log.
type Options struct {
	AvatarID string
	Initial  []Message // replayed history, treated as already persisted
	Sink     Sink      // nil = memory only
	Observer Observer
	OnAppend func(avatarID string, added []Message) // notification hook, best effort
	Buffer   int                                    // update channel capacity (default 64)
}

type appendReq struct {
	ctx   context.Context
	msgs  []Message
	reply chan appendResp
}

type appendResp struct {
	delta Delta
	err   error
}

// Log is the ordered, append-only history of one avatar. All mutations go
// through a single update channel consumed by one goroutine, so an observer
// always sees "state before" and "what was just added" consistently.
type Log struct {
	avatarID string
	sink     Sink
	onAppend func(string, []Message)

	observer atomic.Pointer[Observer]
	updates  chan appendReq

	mu   sync.RWMutex
	msgs []Message
	ids  map[string]struct{}

	forceStop atomic.Bool

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// New creates a log. Call Start to begin consuming appends.
func New(opts Options) *Log {
	buf := opts.Buffer
	if buf <= 0 {
		buf = 64
	}
	l := &Log{
		avatarID: opts.AvatarID,
		sink:     opts.Sink,
		onAppend: opts.OnAppend,
		updates:  make(chan appendReq, buf),
		ids:      make(map[string]struct{}, len(opts.Initial)),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, m := range opts.Initial {
		if _, dup := l.ids[m.ID]; dup {
			continue
		}
		l.ids[m.ID] = struct{}{}
		l.msgs = append(l.msgs, m)
	}
	if opts.Observer != nil {
		l.SetObserver(opts.Observer)
	}
	return l
}

// SetObserver replaces the delta observer.
func (l *Log) SetObserver(obs Observer) {
	if obs == nil {
		l.observer.Store(nil)
		return
	}
	l.observer.Store(&obs)
}

// Start launches the writer goroutine and publishes the initial delta.
func (l *Log) Start() {
	l.startOnce.Do(func() {
		go l.run()
	})
}

// Close stops the writer goroutine. Pending and future appends fail with ErrClosed.
func (l *Log) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.startOnce.Do(func() { close(l.stopped) })
	<-l.stopped
}

// SuppressNext makes the next committed delta skip observer evaluation.
// Used while stopping an avatar so teardown does not launch new work.
func (l *Log) SuppressNext() {
	l.forceStop.Store(true)
}

// Current returns the last published snapshot. The returned slice is
// capacity-capped and never mutated afterwards, so it is safe to retain.
func (l *Log) Current() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.msgs[:len(l.msgs):len(l.msgs)]
}

// Len returns the number of messages in the log.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.msgs)
}

// Contains reports whether a message id is already present.
func (l *Log) Contains(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.ids[id]
	return ok
}

// Append serializes msgs through the writer goroutine and returns the
// resulting delta. Ids already present are silently dropped.
func (l *Log) Append(ctx context.Context, msgs ...Message) (Delta, error) {
	req := appendReq{ctx: ctx, msgs: msgs, reply: make(chan appendResp, 1)}
	select {
	case l.updates <- req:
	case <-l.done:
		return Delta{}, ErrClosed
	case <-ctx.Done():
		return Delta{}, ctx.Err()
	}
	select {
	case resp := <-req.reply:
		return resp.delta, resp.err
	case <-l.done:
		return Delta{}, ErrClosed
	}
}

func (l *Log) run() {
	defer close(l.stopped)

	l.notify(Delta{Before: l.Current(), Initial: true})

	for {
		select {
		case <-l.done:
			return
		case req := <-l.updates:
			delta, err := l.apply(req)
			req.reply <- appendResp{delta: delta, err: err}
		}
	}
}

func (l *Log) apply(req appendReq) (Delta, error) {
	before := l.Current()

	seen := make(map[string]struct{}, len(req.msgs))
	added := make([]Message, 0, len(req.msgs))
	l.mu.RLock()
	for _, m := range req.msgs {
		if m.ID == "" {
			m.ID = NewID()
		}
		if _, dup := l.ids[m.ID]; dup {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		added = append(added, m)
	}
	l.mu.RUnlock()

	if len(added) == 0 {
		slog.Debug("contextlog: duplicate delivery dropped", "avatar", l.avatarID, "count", len(req.msgs))
		return Delta{Before: before}, nil
	}

	if l.sink != nil {
		if err := l.sink.AppendMessages(req.ctx, l.avatarID, added); err != nil {
			return Delta{Before: before}, fmt.Errorf("persist messages: %w", err)
		}
	}

	l.mu.Lock()
	for _, m := range added {
		l.ids[m.ID] = struct{}{}
	}
	l.msgs = append(l.msgs, added...)
	l.mu.Unlock()

	if l.onAppend != nil {
		l.onAppend(l.avatarID, added)
	}

	delta := Delta{Before: before, Added: added}
	l.notify(delta)
	return delta, nil
}

func (l *Log) notify(d Delta) {
	if l.forceStop.Swap(false) {
		d.Suppressed = true
		slog.Debug("contextlog: trigger evaluation suppressed", "avatar", l.avatarID)
	}
	obs := l.observer.Load()
	if obs == nil || d.Suppressed {
		return
	}
	(*obs)(d)
}
