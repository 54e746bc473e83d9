package service

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	commonlog "media_shuttle/server/common/log"
)

// NotificationDedup short-circuits duplicate bucket notifications
// with a redis SetNX before the record store is touched. It is an
// optimization only: the conditional record transition is the real
// idempotency guard, so redis being unreachable degrades to
// first-seen for everything.
type NotificationDedup struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewNotificationDedup(rdb *redis.Client, ttl time.Duration) *NotificationDedup {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &NotificationDedup{rdb: rdb, ttl: ttl}
}

func (d *NotificationDedup) FirstSeen(ctx context.Context, key string) bool {
	ok, err := d.rdb.SetNX(ctx, "shuttle:relay:seen:"+key, "1", d.ttl).Result()
	if err != nil {
		commonlog.Warnf("event=relay_dedup status=redis_error key=%q error=%v", key, err)
		return true
	}
	return ok
}
