package tools

import (
	"context"

	"github.com/jonboulle/clockwork"

	"github.com/mfukushim/avatar-shell-sub000/internal/config"
)

// Tool execution context keys. The dispatcher injects these before a call
// so builtin tools can act on the avatar that issued it.

type toolContextKey string

const (
	ctxAvatarID   toolContextKey = "tool_avatar_id"
	ctxGenerator  toolContextKey = "tool_generator"
	ctxTimerQueue toolContextKey = "tool_timer_queue"
	ctxClock      toolContextKey = "tool_clock"
)

// TimerQueue accepts ad-hoc timer daemons. They go live after the current
// generation step completes.
type TimerQueue interface {
	Enqueue(def config.DaemonDefinition)
}

func WithAvatarID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxAvatarID, id)
}

func AvatarIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxAvatarID).(string)
	return v
}

// WithGenerator records the generator that issued the call.
func WithGenerator(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ctxGenerator, name)
}

func GeneratorFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxGenerator).(string)
	return v
}

func WithTimerQueue(ctx context.Context, q TimerQueue) context.Context {
	return context.WithValue(ctx, ctxTimerQueue, q)
}

func TimerQueueFromCtx(ctx context.Context) TimerQueue {
	v, _ := ctx.Value(ctxTimerQueue).(TimerQueue)
	return v
}

func WithClock(ctx context.Context, c clockwork.Clock) context.Context {
	return context.WithValue(ctx, ctxClock, c)
}

// ClockFromCtx returns the injected clock, or the real one.
func ClockFromCtx(ctx context.Context) clockwork.Clock {
	if v, ok := ctx.Value(ctxClock).(clockwork.Clock); ok {
		return v
	}
	return clockwork.NewRealClock()
}
