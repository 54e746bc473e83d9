package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyRemover struct {
	mu       sync.Mutex
	failures int
	calls    []string
}

func (r *flakyRemover) Remove(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, key)
	if r.failures > 0 {
		r.failures--
		return errors.New("connection refused")
	}
	return nil
}

func TestCleanup_DeletesOnFirstFlush(t *testing.T) {
	remover := &flakyRemover{}
	c := NewCleanupRetrier(remover, nil, time.Second, 5)

	c.Enqueue("u1/t1/a.jpg")
	c.Enqueue("u1/t2/b.jpg")
	require.Equal(t, 2, c.PendingCount())

	c.Flush(context.Background())
	assert.Zero(t, c.PendingCount())
	assert.Len(t, remover.calls, 2)
}

func TestCleanup_RetriesAcrossFlushes(t *testing.T) {
	remover := &flakyRemover{failures: 2}
	c := NewCleanupRetrier(remover, nil, time.Second, 5)
	c.Enqueue("u1/t1/a.jpg")

	c.Flush(context.Background())
	require.Equal(t, 1, c.PendingCount(), "failed delete stays queued")
	c.Flush(context.Background())
	require.Equal(t, 1, c.PendingCount())
	c.Flush(context.Background())
	assert.Zero(t, c.PendingCount())
	assert.Len(t, remover.calls, 3)
}

func TestCleanup_GivesUpAfterMaxAttempts(t *testing.T) {
	remover := &flakyRemover{failures: 100}
	feed := &memFeed{}
	c := NewCleanupRetrier(remover, feed, time.Second, 3)
	c.Enqueue("u1/t1/a.jpg")

	for i := 0; i < 3; i++ {
		c.Flush(context.Background())
	}

	assert.Zero(t, c.PendingCount(), "abandoned key leaves the queue")
	attempts, ok := c.GaveUp.Load("u1/t1/a.jpg")
	require.True(t, ok)
	assert.Equal(t, 3, attempts)
	require.Len(t, feed.events, 1)
	assert.Equal(t, EventCleanupFailed, feed.events[0].Type)

	// A further flush does not retry the abandoned key.
	c.Flush(context.Background())
	assert.Len(t, remover.calls, 3)
}

func TestCleanup_EnqueueIsIdempotent(t *testing.T) {
	remover := &flakyRemover{failures: 1}
	c := NewCleanupRetrier(remover, nil, time.Second, 5)

	c.Enqueue("u1/t1/a.jpg")
	c.Flush(context.Background())

	// Re-enqueueing a key mid-retry must not reset its attempt count.
	c.Enqueue("u1/t1/a.jpg")
	c.Flush(context.Background())
	assert.Zero(t, c.PendingCount())
}
