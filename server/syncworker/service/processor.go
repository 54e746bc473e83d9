package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/renameio/v2"

	commonlog "media_shuttle/server/common/log"
	"media_shuttle/server/transfer/domain"
)

// Disposition tells the consume loop what to do with the delivery.
type Disposition int

const (
	// DispositionAck removes the message; the transfer is complete or
	// was already completed by a prior attempt.
	DispositionAck Disposition = iota
	// DispositionRetry leaves the message for redelivery after a
	// transient failure.
	DispositionRetry
	// DispositionDeadLetter routes the message to the dead-letter
	// queue; it must not be retried.
	DispositionDeadLetter
)

type recordStore interface {
	Get(ctx context.Context, ownerID, transferID string) (domain.TransferRecord, error)
	IncrementAttempt(ctx context.Context, ownerID, transferID string) (int, error)
	MarkDownloaded(ctx context.Context, ownerID, transferID, localPath string) error
	MarkFailed(ctx context.Context, ownerID, transferID, reason string) error
}

type blobOpener interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

type remoteCleaner interface {
	Enqueue(key string)
}

type eventNotifier interface {
	Notify(ev OpsEvent)
}

// Stats are the worker's operator-visible counters.
type Stats struct {
	Processed    atomic.Int64
	Downloaded   atomic.Int64
	Duplicates   atomic.Int64
	Retried      atomic.Int64
	DeadLettered atomic.Int64
}

func (s *Stats) Snapshot() map[string]int64 {
	return map[string]int64{
		"processed":     s.Processed.Load(),
		"downloaded":    s.Downloaded.Load(),
		"duplicates":    s.Duplicates.Load(),
		"retried":       s.Retried.Load(),
		"dead_lettered": s.DeadLettered.Load(),
	}
}

// Processor drives one queue message through the download state
// machine: validate, idempotency check, stream download, atomic
// rename, record transition, remote cleanup. Delivery is
// at-least-once; the idempotency check and the conditional record
// transition make the effect at-most-once.
type Processor struct {
	store       recordStore
	blobs       blobOpener
	cleaner     remoteCleaner
	feed        eventNotifier
	thumbs      *Thumbnailer
	localRoot   string
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
	Stats       Stats
}

type ProcessorConfig struct {
	LocalRoot   string
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func NewProcessor(store recordStore, blobs blobOpener, cleaner remoteCleaner, feed eventNotifier, thumbs *Thumbnailer, cfg ProcessorConfig) *Processor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 2 * time.Minute
	}
	return &Processor{
		store:       store,
		blobs:       blobs,
		cleaner:     cleaner,
		feed:        feed,
		thumbs:      thumbs,
		localRoot:   cfg.LocalRoot,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		backoffCap:  cfg.BackoffCap,
	}
}

func (p *Processor) Process(ctx context.Context, body []byte) Disposition {
	p.Stats.Processed.Add(1)

	var msg domain.TransferMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		commonlog.Errorf("event=transfer_sync status=malformed_payload error=%v", err)
		return p.deadLetter(ctx, msg, "malformed payload: "+err.Error(), false)
	}
	if err := msg.Validate(); err != nil {
		commonlog.Errorf("event=transfer_sync status=invalid_payload error=%v", err)
		return p.deadLetter(ctx, msg, err.Error(), false)
	}

	rec, err := p.store.Get(ctx, msg.OwnerID, msg.TransferID)
	if errors.Is(err, domain.ErrNotFound) {
		commonlog.Errorf("event=transfer_sync status=unknown_transfer owner_id=%s transfer_id=%s", msg.OwnerID, msg.TransferID)
		return p.deadLetter(ctx, msg, "no record for message", false)
	}
	if err != nil {
		commonlog.Warnf("event=transfer_sync status=record_fetch_failed owner_id=%s transfer_id=%s error=%v", msg.OwnerID, msg.TransferID, err)
		return p.retry()
	}

	// Idempotency guard: a duplicate delivery, or a prior attempt
	// that crashed after completing the work.
	if rec.Status == domain.StatusDownloaded {
		p.Stats.Duplicates.Add(1)
		commonlog.Infof("event=transfer_sync status=already_downloaded owner_id=%s transfer_id=%s", msg.OwnerID, msg.TransferID)
		return DispositionAck
	}
	if rec.Status == domain.StatusFailed {
		commonlog.Warnf("event=transfer_sync status=record_failed_terminal owner_id=%s transfer_id=%s", msg.OwnerID, msg.TransferID)
		return DispositionAck
	}
	attempts, err := p.store.IncrementAttempt(ctx, msg.OwnerID, msg.TransferID)
	if err != nil {
		commonlog.Warnf("event=transfer_sync status=attempt_increment_failed owner_id=%s transfer_id=%s error=%v", msg.OwnerID, msg.TransferID, err)
		return p.retry()
	}
	if attempts > p.maxAttempts {
		reason := fmt.Sprintf("%v: %d attempts", domain.ErrCapacityExceeded, attempts)
		commonlog.Errorf("event=transfer_sync status=attempts_exhausted owner_id=%s transfer_id=%s attempts=%d", msg.OwnerID, msg.TransferID, attempts)
		return p.deadLetter(ctx, msg, reason, true)
	}
	if attempts > 1 {
		p.Stats.Retried.Add(1)
		if !p.throttle(ctx, attempts) {
			return p.retry()
		}
	}

	if rec.Status == domain.StatusPending {
		// Message outran the relay's record transition. Redelivered
		// under the attempt budget above, so a record that never
		// transitions dead-letters instead of requeueing forever.
		return p.retry()
	}

	localPath, err := p.localPathFor(rec)
	if err != nil {
		return p.deadLetter(ctx, msg, err.Error(), true)
	}
	expected := rec.SizeBytes
	if expected == 0 {
		expected = msg.SizeBytes
	}

	done, err := p.materialize(ctx, msg.StorageKey, localPath, expected)
	if err != nil {
		commonlog.Warnf("event=transfer_sync status=download_failed owner_id=%s transfer_id=%s attempt=%d error=%v", msg.OwnerID, msg.TransferID, attempts, err)
		return p.retry()
	}
	if done {
		commonlog.Infof("event=transfer_sync status=local_file_reused owner_id=%s transfer_id=%s path=%s", msg.OwnerID, msg.TransferID, localPath)
	}

	err = p.store.MarkDownloaded(ctx, msg.OwnerID, msg.TransferID, localPath)
	if err != nil && !errors.Is(err, domain.ErrStaleState) {
		commonlog.Warnf("event=transfer_sync status=record_transition_failed owner_id=%s transfer_id=%s error=%v", msg.OwnerID, msg.TransferID, err)
		return p.retry()
	}
	if errors.Is(err, domain.ErrStaleState) {
		// A concurrent attempt won the conditional update. Its file
		// is identical to ours, so there is nothing to undo.
		p.Stats.Duplicates.Add(1)
		commonlog.Infof("event=transfer_sync status=lost_transition_race owner_id=%s transfer_id=%s", msg.OwnerID, msg.TransferID)
		return DispositionAck
	}

	// The local copy is durable; the remote object is now a cleanup
	// concern and must never delay the acknowledgment below.
	p.cleaner.Enqueue(msg.StorageKey)

	if p.thumbs != nil {
		p.thumbs.Generate(localPath, rec.ContentType)
	}

	p.Stats.Downloaded.Add(1)
	p.notify(OpsEvent{
		Type:       EventDownloaded,
		OwnerID:    msg.OwnerID,
		TransferID: msg.TransferID,
		StorageKey: msg.StorageKey,
		Detail:     localPath,
	})
	commonlog.Infof("event=transfer_sync status=downloaded owner_id=%s transfer_id=%s size_bytes=%d path=%s attempts=%d", msg.OwnerID, msg.TransferID, expected, localPath, attempts)
	return DispositionAck
}

// materialize gets the object onto disk at localPath with its size
// verified. It returns done=true when an existing verified file was
// reused, which happens when a prior attempt crashed between the
// rename and the record transition.
func (p *Processor) materialize(ctx context.Context, storageKey, localPath string, expected int64) (bool, error) {
	if fi, err := os.Stat(localPath); err == nil {
		if fi.Size() == expected {
			return true, nil
		}
		commonlog.Warnf("event=transfer_sync status=stale_local_file path=%s have=%d want=%d", localPath, fi.Size(), expected)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o750); err != nil {
		return false, domain.Transient(err)
	}

	obj, err := p.blobs.Open(ctx, storageKey)
	if err != nil {
		return false, domain.Transient(err)
	}
	defer obj.Close()

	// Temp file in the destination directory so the final rename
	// stays on one filesystem and is atomic.
	pending, err := renameio.TempFile(filepath.Dir(localPath), localPath)
	if err != nil {
		return false, domain.Transient(err)
	}
	defer pending.Cleanup()

	written, err := io.Copy(pending, obj)
	if err != nil {
		return false, domain.Transient(err)
	}
	if written != expected {
		return false, domain.Transient(fmt.Errorf("size mismatch: wrote %d bytes, expected %d", written, expected))
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return false, domain.Transient(err)
	}
	return false, nil
}

func (p *Processor) localPathFor(rec domain.TransferRecord) (string, error) {
	name, err := domain.SanitizeName(rec.DisplayName)
	if err != nil {
		// The record should never hold an unsafe name; refuse to
		// derive a path from one.
		return "", fmt.Errorf("%w: unsafe display name on record", domain.ErrValidation)
	}
	return filepath.Join(p.localRoot, rec.OwnerID, rec.TransferID+"_"+name), nil
}

// throttle self-delays redelivered messages so a persistently failing
// object cannot hot-loop the worker. Returns false when ctx ended
// during the wait.
func (p *Processor) throttle(ctx context.Context, attempts int) bool {
	delay := p.backoffDelay(attempts)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Processor) backoffDelay(attempts int) time.Duration {
	delay := p.backoffBase
	for i := 2; i < attempts; i++ {
		delay *= 2
		if delay >= p.backoffCap {
			return p.backoffCap
		}
	}
	if delay > p.backoffCap {
		return p.backoffCap
	}
	return delay
}

func (p *Processor) retry() Disposition {
	return DispositionRetry
}

// deadLetter records the terminal failure and, when the record is
// identifiable, marks it failed. ErrStaleState here means the record
// completed or failed concurrently, which changes nothing.
func (p *Processor) deadLetter(ctx context.Context, msg domain.TransferMessage, reason string, markRecord bool) Disposition {
	p.Stats.DeadLettered.Add(1)
	if markRecord && msg.OwnerID != "" && msg.TransferID != "" {
		if err := p.store.MarkFailed(ctx, msg.OwnerID, msg.TransferID, reason); err != nil &&
			!errors.Is(err, domain.ErrStaleState) && !errors.Is(err, domain.ErrNotFound) {
			commonlog.Errorf("event=transfer_sync status=mark_failed_error owner_id=%s transfer_id=%s error=%v", msg.OwnerID, msg.TransferID, err)
		}
	}
	p.notify(OpsEvent{
		Type:       EventDeadLettered,
		OwnerID:    msg.OwnerID,
		TransferID: msg.TransferID,
		StorageKey: msg.StorageKey,
		Detail:     reason,
	})
	return DispositionDeadLetter
}

func (p *Processor) notify(ev OpsEvent) {
	if p.feed == nil {
		return
	}
	ev.At = time.Now().UTC()
	p.feed.Notify(ev)
}
