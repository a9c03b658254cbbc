package contextlog

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingSink struct {
	mu   sync.Mutex
	got  []Message
	fail error
}

func (s *recordingSink) AppendMessages(_ context.Context, _ string, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.got = append(s.got, msgs...)
	return nil
}

func startLog(t *testing.T, opts Options) *Log {
	t.Helper()
	l := New(opts)
	l.Start()
	t.Cleanup(l.Close)
	return l
}

func TestAppend_ReturnsDeltaAgainstPreviousState(t *testing.T) {
	l := startLog(t, Options{AvatarID: "a1"})
	ctx := context.Background()

	first := NewText(ClassTalk, RoleHuman, LineSurface, "hello")
	d1, err := l.Append(ctx, first)
	require.NoError(t, err)
	assert.Empty(t, d1.Before)
	require.Len(t, d1.Added, 1)

	second := NewText(ClassTalk, RoleBot, LineSurface, "hi")
	d2, err := l.Append(ctx, second)
	require.NoError(t, err)
	require.Len(t, d2.Before, 1)
	assert.Equal(t, first.ID, d2.Before[0].ID)
	assert.Equal(t, 2, l.Len())
}

func TestAppend_DropsRedeliveredIDs(t *testing.T) {
	l := startLog(t, Options{AvatarID: "a1"})
	ctx := context.Background()

	msg := NewText(ClassTalk, RoleHuman, LineSurface, "echo")
	_, err := l.Append(ctx, msg)
	require.NoError(t, err)

	d, err := l.Append(ctx, msg, msg)
	require.NoError(t, err)
	assert.True(t, d.Empty())
	assert.Equal(t, 1, l.Len())
}

func TestAppend_ObserverSeesConsistentDeltas(t *testing.T) {
	var mu sync.Mutex
	var deltas []Delta
	l := startLog(t, Options{AvatarID: "a1", Observer: func(d Delta) {
		mu.Lock()
		deltas = append(deltas, d)
		mu.Unlock()
	}})

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Append(ctx, NewText(ClassTalk, RoleHuman, LineSurface, "x"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, deltas, 21) // initial + 20 appends
	assert.True(t, deltas[0].Initial)
	for i, d := range deltas[1:] {
		assert.Len(t, d.Before, i, "delta %d must observe all previous appends", i)
	}
}

func TestSuppressNext_SwallowsExactlyOneDelta(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	l := startLog(t, Options{AvatarID: "a1", Observer: func(d Delta) {
		mu.Lock()
		calls++
		mu.Unlock()
	}})
	ctx := context.Background()

	// Flush the initial delta through the writer first.
	_, err := l.Append(ctx, NewText(ClassTalk, RoleHuman, LineSurface, "one"))
	require.NoError(t, err)

	l.SuppressNext()
	_, err = l.Append(ctx, NewText(ClassTalk, RoleHuman, LineSurface, "two"))
	require.NoError(t, err)
	_, err = l.Append(ctx, NewText(ClassTalk, RoleHuman, LineSurface, "three"))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, calls) // initial, one, three
	assert.Equal(t, 3, l.Len())
}

func TestAppend_SinkFailureDoesNotCommit(t *testing.T) {
	sink := &recordingSink{fail: errors.New("disk full")}
	l := startLog(t, Options{AvatarID: "a1", Sink: sink})

	_, err := l.Append(context.Background(), NewText(ClassTalk, RoleHuman, LineSurface, "lost"))
	require.Error(t, err)
	assert.Equal(t, 0, l.Len())
}

func TestAppend_AfterCloseFails(t *testing.T) {
	l := New(Options{AvatarID: "a1"})
	l.Start()
	l.Close()

	_, err := l.Append(context.Background(), NewText(ClassTalk, RoleHuman, LineSurface, "late"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestInitialHistoryIsReplayed(t *testing.T) {
	old := NewText(ClassTalk, RoleHuman, LineSurface, "before restart")
	initial := make(chan Delta, 1)
	l := startLog(t, Options{
		AvatarID: "a1",
		Initial:  []Message{old},
		Observer: func(d Delta) {
			if d.Initial {
				initial <- d
			}
		},
	})

	d := <-initial
	require.Len(t, d.Before, 1)
	assert.True(t, l.Contains(old.ID))
}

func TestPreTriggerAndVisible(t *testing.T) {
	a := NewText(ClassTalk, RoleHuman, LineSurface, "a")
	b := NewText(ClassDaemon, RoleSystem, LineOuter, "b")
	c := NewText(ClassTalk, RoleHuman, LineSurface, "c")
	d := Delta{Before: []Message{a}, Added: []Message{b, c}}

	pre := d.PreTrigger(1)
	require.Len(t, pre, 2)
	assert.Equal(t, b.ID, pre[1].ID)
	assert.Len(t, Visible(d.After()), 2)
}
