package object

import (
	"context"
	"net/url"

	commonlog "media_shuttle/server/common/log"
)

// CreatedObject is one object-created notification. Delivery is
// at-least-once and may contain duplicates; consumers must be
// idempotent.
type CreatedObject struct {
	Key       string
	SizeBytes int64
	EventName string
}

// ListenCreated streams object-created notifications for the bucket
// until ctx is done or the underlying notification stream fails, in
// which case the returned channel closes and the caller re-dials.
func (s *Store) ListenCreated(ctx context.Context, prefix string, events []string) <-chan CreatedObject {
	out := make(chan CreatedObject)
	go func() {
		defer close(out)
		for info := range s.client.ListenBucketNotification(ctx, s.bucket, prefix, "", events) {
			if info.Err != nil {
				commonlog.Warnf("event=bucket_notification status=stream_error bucket=%s error=%v", s.bucket, info.Err)
				return
			}
			for _, record := range info.Records {
				key, err := url.QueryUnescape(record.S3.Object.Key)
				if err != nil {
					commonlog.Warnf("event=bucket_notification status=bad_key bucket=%s raw_key=%q error=%v", s.bucket, record.S3.Object.Key, err)
					continue
				}
				select {
				case out <- CreatedObject{Key: key, SizeBytes: record.S3.Object.Size, EventName: record.EventName}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
