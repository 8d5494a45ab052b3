package control

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	for _, s := range []string{"pause", "START", " kill ", "open"} {
		_, err := ParseKind(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseKind("resume")
	assert.True(t, errors.Is(err, ErrUnknownCommand))
}

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue(4)
	ctx := context.Background()

	results := make(chan error, 2)
	go func() { results <- q.Submit(ctx, Command{Kind: KindPause, JobID: "a"}) }()

	first := <-q.C()
	assert.Equal(t, Command{Kind: KindPause, JobID: "a"}, first.Command)

	go func() { results <- q.Submit(ctx, Command{Kind: KindKill, JobID: "b"}) }()
	first.Reply(nil)
	require.NoError(t, <-results)

	second := <-q.C()
	assert.Equal(t, KindKill, second.Kind)
	second.Reply(ErrUnknownJob)
	assert.True(t, errors.Is(<-results, ErrUnknownJob))
}

func TestQueue_TryNext(t *testing.T) {
	q := NewQueue(1)
	_, ok := q.TryNext()
	assert.False(t, ok)

	go func() { _ = q.Submit(context.Background(), Command{Kind: KindOpen, JobID: "x"}) }()
	require.Eventually(t, func() bool {
		r, ok := q.TryNext()
		if ok {
			r.Reply(nil)
		}
		return ok
	}, time.Second, time.Millisecond)
}

func TestQueue_SubmitContextCancelled(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Submit(ctx, Command{Kind: KindStart, JobID: "a"})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestQueue_Close(t *testing.T) {
	q := NewQueue(2)
	done := make(chan error, 1)
	go func() { done <- q.Submit(context.Background(), Command{Kind: KindPause, JobID: "a"}) }()

	require.Eventually(t, func() bool { return len(q.ch) == 1 }, time.Second, time.Millisecond)
	q.Close()
	assert.True(t, errors.Is(<-done, ErrClosed))

	assert.True(t, errors.Is(q.Submit(context.Background(), Command{Kind: KindPause, JobID: "a"}), ErrClosed))
	q.Close()
}
