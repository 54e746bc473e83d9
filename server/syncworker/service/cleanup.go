package service

import (
	"context"
	"sync"
	"time"

	commonlog "media_shuttle/server/common/log"
)

type objectRemover interface {
	Remove(ctx context.Context, key string) error
}

// CleanupRetrier deletes remote objects whose transfers are already
// durable locally. Deletion runs on its own slower schedule and its
// failures never reach the message acknowledgment path; the bucket's
// lifecycle policy is the final backstop for objects it gives up on.
type CleanupRetrier struct {
	blobs       objectRemover
	interval    time.Duration
	maxAttempts int
	feed        eventNotifier

	mu      sync.Mutex
	pending map[string]int

	GaveUp sync.Map // storage key -> attempt count, for /stats visibility
}

func NewCleanupRetrier(blobs objectRemover, feed eventNotifier, interval time.Duration, maxAttempts int) *CleanupRetrier {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &CleanupRetrier{
		blobs:       blobs,
		interval:    interval,
		maxAttempts: maxAttempts,
		feed:        feed,
		pending:     map[string]int{},
	}
}

func (c *CleanupRetrier) Enqueue(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[key]; !ok {
		c.pending[key] = 0
	}
}

func (c *CleanupRetrier) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *CleanupRetrier) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Flush(ctx)
		}
	}
}

// Flush attempts every pending delete once.
func (c *CleanupRetrier) Flush(ctx context.Context) {
	c.mu.Lock()
	batch := make(map[string]int, len(c.pending))
	for key, attempts := range c.pending {
		batch[key] = attempts
	}
	c.mu.Unlock()

	for key, attempts := range batch {
		err := c.blobs.Remove(ctx, key)
		if err == nil {
			c.drop(key)
			commonlog.Debugf("event=remote_cleanup status=deleted storage_key=%s attempts=%d", key, attempts+1)
			continue
		}
		attempts++
		if attempts >= c.maxAttempts {
			c.drop(key)
			c.GaveUp.Store(key, attempts)
			commonlog.Exceptionf("event=remote_cleanup status=gave_up storage_key=%s attempts=%d error=%v", key, attempts, err)
			if c.feed != nil {
				c.feed.Notify(OpsEvent{Type: EventCleanupFailed, StorageKey: key, Detail: err.Error(), At: time.Now().UTC()})
			}
			continue
		}
		c.bump(key, attempts)
		commonlog.Warnf("event=remote_cleanup status=retrying storage_key=%s attempts=%d error=%v", key, attempts, err)
	}
}

func (c *CleanupRetrier) drop(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, key)
}

func (c *CleanupRetrier) bump(key string, attempts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[key]; ok {
		c.pending[key] = attempts
	}
}
