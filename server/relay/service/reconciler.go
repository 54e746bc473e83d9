package service

import (
	"context"
	"sync/atomic"
	"time"

	commonlog "media_shuttle/server/common/log"
	"media_shuttle/server/transfer/domain"
)

type stuckLister interface {
	ListStuckUploaded(ctx context.Context, olderThan time.Duration, limit int) ([]domain.TransferRecord, error)
}

// Reconciler is the backstop for the relay's inherent asymmetry: a
// record can reach uploaded while the queue publish fails, leaving a
// transfer no worker will ever see. The sweep re-publishes a message
// for every record stuck in uploaded past a threshold age; the
// worker's idempotency check absorbs any resulting duplicates.
type Reconciler struct {
	store       stuckLister
	publisher   uploadedPublisher
	bucket      string
	interval    time.Duration
	olderThan   time.Duration
	limit       int
	Republished atomic.Int64
}

func NewReconciler(store stuckLister, publisher uploadedPublisher, bucket string, interval, olderThan time.Duration, limit int) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if olderThan <= 0 {
		olderThan = 10 * time.Minute
	}
	if limit <= 0 {
		limit = 100
	}
	return &Reconciler{
		store:     store,
		publisher: publisher,
		bucket:    bucket,
		interval:  interval,
		olderThan: olderThan,
		limit:     limit,
	}
}

func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := r.Sweep(ctx)
			if err != nil {
				commonlog.Errorf("event=transfer_reconcile status=failed error=%v", err)
				continue
			}
			if count > 0 {
				commonlog.Warnf("event=transfer_reconcile status=republished count=%d older_than=%s", count, r.olderThan)
			}
		}
	}
}

// Sweep re-publishes one message per stuck transfer and returns how
// many it republished.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	stuck, err := r.store.ListStuckUploaded(ctx, r.olderThan, r.limit)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, item := range stuck {
		msg := domain.TransferMessage{
			OwnerID:    item.OwnerID,
			TransferID: item.TransferID,
			StorageKey: item.StorageKey,
			Bucket:     r.bucket,
			SizeBytes:  item.SizeBytes,
			EmittedAt:  time.Now().UTC(),
		}
		if err := r.publisher.PublishUploaded(ctx, msg); err != nil {
			commonlog.Errorf("event=transfer_reconcile status=publish_failed owner_id=%s transfer_id=%s error=%v", item.OwnerID, item.TransferID, err)
			continue
		}
		count++
	}
	r.Republished.Add(int64(count))
	return count, nil
}
