package service

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	commonlog "media_shuttle/server/common/log"
	"media_shuttle/server/common/infra/object"
	"media_shuttle/server/transfer/domain"
)

type recordStore interface {
	MarkUploaded(ctx context.Context, ownerID, transferID string, sizeBytes int64) error
}

type uploadedPublisher interface {
	PublishUploaded(ctx context.Context, msg domain.TransferMessage) error
}

type notificationDeduper interface {
	FirstSeen(ctx context.Context, key string) bool
}

// Stats are the relay's operator-visible counters.
type Stats struct {
	Received   atomic.Int64
	Skipped    atomic.Int64
	Duplicates atomic.Int64
	Published  atomic.Int64
	Errors     atomic.Int64
}

func (s *Stats) Snapshot() map[string]int64 {
	return map[string]int64{
		"received":   s.Received.Load(),
		"skipped":    s.Skipped.Load(),
		"duplicates": s.Duplicates.Load(),
		"published":  s.Published.Load(),
		"errors":     s.Errors.Load(),
	}
}

// RelayService turns object-created notifications into transfer
// records marked uploaded plus exactly one queue message per
// transition. Notifications are at-least-once and possibly
// duplicated, so everything here is a no-op the second time around.
type RelayService struct {
	store        recordStore
	publisher    uploadedPublisher
	dedup        notificationDeduper
	bucket       string
	retryInitial time.Duration
	maxElapsed   time.Duration
	Stats        Stats
}

func NewRelayService(store recordStore, publisher uploadedPublisher, dedup notificationDeduper, bucket string) *RelayService {
	return &RelayService{
		store:        store,
		publisher:    publisher,
		dedup:        dedup,
		bucket:       bucket,
		retryInitial: 500 * time.Millisecond,
		maxElapsed:   30 * time.Second,
	}
}

func (s *RelayService) HandleObjectCreated(ctx context.Context, obj object.CreatedObject) error {
	s.Stats.Received.Add(1)

	ownerID, transferID, err := domain.ParseStorageKey(obj.Key)
	if err != nil {
		// Foreign object in the bucket, not part of the pipeline.
		s.Stats.Skipped.Add(1)
		commonlog.Warnf("event=transfer_relay status=skipped key=%q error=%v", obj.Key, err)
		return nil
	}
	if s.dedup != nil && !s.dedup.FirstSeen(ctx, obj.Key) {
		s.Stats.Duplicates.Add(1)
		commonlog.Debugf("event=transfer_relay status=duplicate_notification owner_id=%s transfer_id=%s", ownerID, transferID)
		return nil
	}

	err = s.retryTransient(ctx, func() error {
		return s.store.MarkUploaded(ctx, ownerID, transferID, obj.SizeBytes)
	})
	if errors.Is(err, domain.ErrStaleState) || errors.Is(err, domain.ErrNotFound) {
		// Record already past pending, or never authorized here.
		s.Stats.Duplicates.Add(1)
		commonlog.Infof("event=transfer_relay status=already_applied owner_id=%s transfer_id=%s", ownerID, transferID)
		return nil
	}
	if err != nil {
		s.Stats.Errors.Add(1)
		return err
	}

	msg := domain.TransferMessage{
		OwnerID:    ownerID,
		TransferID: transferID,
		StorageKey: obj.Key,
		Bucket:     s.bucket,
		SizeBytes:  obj.SizeBytes,
		EmittedAt:  time.Now().UTC(),
	}
	err = s.retryTransient(ctx, func() error {
		return s.publisher.PublishUploaded(ctx, msg)
	})
	if err != nil {
		// The record already says uploaded but no message made it
		// out. The reconciliation sweep will re-publish; until then
		// nothing else will drive this transfer.
		s.Stats.Errors.Add(1)
		commonlog.Exceptionf("event=transfer_relay status=publish_failed owner_id=%s transfer_id=%s storage_key=%s error=%v", ownerID, transferID, obj.Key, err)
		return err
	}

	s.Stats.Published.Add(1)
	commonlog.Infof("event=transfer_relay status=published owner_id=%s transfer_id=%s size_bytes=%d", ownerID, transferID, obj.SizeBytes)
	return nil
}

// Run consumes the notification stream, re-dialing with backoff when
// it drops. Handling never blocks on worker availability; the queue
// decouples the two.
func (s *RelayService) Run(ctx context.Context, blobs *object.Store, events []string) {
	wait := backoff.NewExponentialBackOff()
	wait.MaxElapsedTime = 0
	for {
		stream := blobs.ListenCreated(ctx, "", events)
		for obj := range stream {
			if err := s.HandleObjectCreated(ctx, obj); err != nil {
				commonlog.Errorf("event=transfer_relay status=handle_failed key=%q error=%v", obj.Key, err)
			}
			wait.Reset()
		}
		if ctx.Err() != nil {
			return
		}
		delay := wait.NextBackOff()
		commonlog.Warnf("event=transfer_relay status=stream_closed retry_in=%s", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func (s *RelayService) retryTransient(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryInitial
	b.MaxElapsedTime = s.maxElapsed
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrStaleState) || errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrValidation) {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}
