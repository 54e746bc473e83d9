package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media_shuttle/server/transfer/domain"
)

type memStore struct {
	mu                sync.Mutex
	records           map[string]*domain.TransferRecord
	getErr            error
	markDownloadedErr error
}

func newMemStore() *memStore {
	return &memStore{records: map[string]*domain.TransferRecord{}}
}

func (s *memStore) put(rec domain.TransferRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.OwnerID+"/"+rec.TransferID] = &rec
}

func (s *memStore) Get(_ context.Context, ownerID, transferID string) (domain.TransferRecord, error) {
	if s.getErr != nil {
		return domain.TransferRecord{}, s.getErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[ownerID+"/"+transferID]
	if !ok {
		return domain.TransferRecord{}, domain.ErrNotFound
	}
	return *rec, nil
}

func (s *memStore) IncrementAttempt(_ context.Context, ownerID, transferID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[ownerID+"/"+transferID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	rec.AttemptCount++
	return rec.AttemptCount, nil
}

func (s *memStore) MarkDownloaded(_ context.Context, ownerID, transferID, localPath string) error {
	if s.markDownloadedErr != nil {
		return s.markDownloadedErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[ownerID+"/"+transferID]
	if !ok {
		return domain.ErrNotFound
	}
	if rec.Status != domain.StatusUploaded {
		return domain.ErrStaleState
	}
	rec.Status = domain.StatusDownloaded
	rec.LocalPath = localPath
	now := time.Now()
	rec.DownloadedAt = &now
	return nil
}

func (s *memStore) MarkFailed(_ context.Context, ownerID, transferID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[ownerID+"/"+transferID]
	if !ok {
		return domain.ErrNotFound
	}
	if rec.Status.Terminal() {
		return domain.ErrStaleState
	}
	rec.Status = domain.StatusFailed
	rec.LastError = reason
	return nil
}

type memBlob struct {
	mu        sync.Mutex
	objects   map[string][]byte
	openErr   error
	openCalls int
}

func newMemBlob() *memBlob {
	return &memBlob{objects: map[string][]byte{}}
}

func (b *memBlob) Open(_ context.Context, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openCalls++
	if b.openErr != nil {
		return nil, b.openErr
	}
	data, ok := b.objects[key]
	if !ok {
		return nil, errors.New("no such object")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type memCleaner struct {
	mu   sync.Mutex
	keys []string
}

func (c *memCleaner) Enqueue(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = append(c.keys, key)
}

type memFeed struct {
	mu     sync.Mutex
	events []OpsEvent
}

func (f *memFeed) Notify(ev OpsEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

type fixture struct {
	store   *memStore
	blobs   *memBlob
	cleaner *memCleaner
	feed    *memFeed
	proc    *Processor
	root    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	store := newMemStore()
	blobs := newMemBlob()
	cleaner := &memCleaner{}
	feed := &memFeed{}
	proc := NewProcessor(store, blobs, cleaner, feed, nil, ProcessorConfig{
		LocalRoot:   root,
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffCap:  4 * time.Millisecond,
	})
	return &fixture{store: store, blobs: blobs, cleaner: cleaner, feed: feed, proc: proc, root: root}
}

func (f *fixture) seedUploaded(t *testing.T, ownerID, transferID, name string, content []byte) domain.TransferMessage {
	t.Helper()
	key := domain.DeriveStorageKey(ownerID, transferID, name)
	f.blobs.objects[key] = content
	f.store.put(domain.TransferRecord{
		OwnerID:     ownerID,
		TransferID:  transferID,
		DisplayName: name,
		ContentType: "image/jpeg",
		StorageKey:  key,
		Status:      domain.StatusUploaded,
		SizeBytes:   int64(len(content)),
	})
	return domain.TransferMessage{
		OwnerID:    ownerID,
		TransferID: transferID,
		StorageKey: key,
		Bucket:     "shuttle-media",
		SizeBytes:  int64(len(content)),
		EmittedAt:  time.Now(),
	}
}

func marshal(t *testing.T, msg domain.TransferMessage) []byte {
	t.Helper()
	b, err := json.Marshal(msg)
	require.NoError(t, err)
	return b
}

func TestProcess_DownloadsAndCompletes(t *testing.T) {
	f := newFixture(t)
	content := bytes.Repeat([]byte("m"), 204800)
	msg := f.seedUploaded(t, "u1", "t1", "photo.jpg", content)

	disp := f.proc.Process(context.Background(), marshal(t, msg))
	assert.Equal(t, DispositionAck, disp)

	localPath := filepath.Join(f.root, "u1", "t1_photo.jpg")
	fi, err := os.Stat(localPath)
	require.NoError(t, err)
	assert.Equal(t, int64(204800), fi.Size())

	rec, err := f.store.Get(context.Background(), "u1", "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDownloaded, rec.Status)
	assert.Equal(t, localPath, rec.LocalPath)
	require.NotNil(t, rec.DownloadedAt)

	assert.Equal(t, []string{msg.StorageKey}, f.cleaner.keys)
	require.Len(t, f.feed.events, 1)
	assert.Equal(t, EventDownloaded, f.feed.events[0].Type)
	assert.Equal(t, int64(1), f.proc.Stats.Downloaded.Load())
}

func TestProcess_DuplicateDeliveryIsNoop(t *testing.T) {
	f := newFixture(t)
	msg := f.seedUploaded(t, "u1", "t1", "photo.jpg", []byte("data"))

	require.Equal(t, DispositionAck, f.proc.Process(context.Background(), marshal(t, msg)))
	firstOpens := f.blobs.openCalls
	localPath := filepath.Join(f.root, "u1", "t1_photo.jpg")
	firstStat, err := os.Stat(localPath)
	require.NoError(t, err)

	// Redelivery of the same message: no download, no write, no error.
	require.Equal(t, DispositionAck, f.proc.Process(context.Background(), marshal(t, msg)))
	assert.Equal(t, firstOpens, f.blobs.openCalls)
	secondStat, err := os.Stat(localPath)
	require.NoError(t, err)
	assert.Equal(t, firstStat.ModTime(), secondStat.ModTime())
	assert.Equal(t, int64(1), f.proc.Stats.Duplicates.Load())
	assert.Len(t, f.cleaner.keys, 1)
}

func TestProcess_MalformedPayloadDeadLettered(t *testing.T) {
	f := newFixture(t)
	f.store.put(domain.TransferRecord{OwnerID: "u1", TransferID: "t1", Status: domain.StatusUploaded})

	assert.Equal(t, DispositionDeadLetter, f.proc.Process(context.Background(), []byte("{not json")))

	// Record untouched.
	rec, err := f.store.Get(context.Background(), "u1", "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUploaded, rec.Status)
	assert.Zero(t, rec.AttemptCount)
}

func TestProcess_MissingStorageKeyDeadLettered(t *testing.T) {
	f := newFixture(t)
	msg := f.seedUploaded(t, "u1", "t1", "photo.jpg", []byte("data"))
	msg.StorageKey = ""

	assert.Equal(t, DispositionDeadLetter, f.proc.Process(context.Background(), marshal(t, msg)))

	rec, err := f.store.Get(context.Background(), "u1", "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUploaded, rec.Status, "record must stay untouched")
	require.Len(t, f.feed.events, 1)
	assert.Equal(t, EventDeadLettered, f.feed.events[0].Type)
}

func TestProcess_UnknownTransferDeadLettered(t *testing.T) {
	f := newFixture(t)
	msg := domain.TransferMessage{
		OwnerID: "u1", TransferID: "ghost", StorageKey: "u1/ghost/x.jpg", Bucket: "b",
	}
	assert.Equal(t, DispositionDeadLetter, f.proc.Process(context.Background(), marshal(t, msg)))
}

func TestProcess_SizeMismatchIsTransient(t *testing.T) {
	f := newFixture(t)
	msg := f.seedUploaded(t, "u1", "t1", "photo.jpg", []byte("short"))
	// Claim more bytes than the object has.
	f.store.put(domain.TransferRecord{
		OwnerID: "u1", TransferID: "t1", DisplayName: "photo.jpg",
		StorageKey: msg.StorageKey, Status: domain.StatusUploaded, SizeBytes: 204800,
	})

	assert.Equal(t, DispositionRetry, f.proc.Process(context.Background(), marshal(t, msg)))

	// No final file, and the record never says downloaded.
	_, err := os.Stat(filepath.Join(f.root, "u1", "t1_photo.jpg"))
	assert.True(t, os.IsNotExist(err))
	rec, err := f.store.Get(context.Background(), "u1", "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUploaded, rec.Status)
}

func TestProcess_AttemptsExhaustedDeadLetters(t *testing.T) {
	f := newFixture(t)
	msg := f.seedUploaded(t, "u1", "t1", "photo.jpg", []byte("data"))
	f.blobs.openErr = errors.New("blob store down")

	// MaxAttempts is 3; the first three deliveries fail transient.
	for i := 0; i < 3; i++ {
		assert.Equal(t, DispositionRetry, f.proc.Process(context.Background(), marshal(t, msg)))
	}
	// The fourth exceeds the budget.
	assert.Equal(t, DispositionDeadLetter, f.proc.Process(context.Background(), marshal(t, msg)))

	rec, err := f.store.Get(context.Background(), "u1", "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Contains(t, rec.LastError, "attempt")
}

func TestProcess_CrashBetweenWriteAndRecordRecovers(t *testing.T) {
	f := newFixture(t)
	content := []byte("already written by the crashed attempt")
	msg := f.seedUploaded(t, "u1", "t1", "photo.jpg", content)

	// Simulate the crash window: the file landed but the record still
	// says uploaded, and the message is being redelivered.
	localPath := filepath.Join(f.root, "u1", "t1_photo.jpg")
	require.NoError(t, os.MkdirAll(filepath.Dir(localPath), 0o750))
	require.NoError(t, os.WriteFile(localPath, content, 0o640))
	f.blobs.openErr = errors.New("blob store must not be hit")

	assert.Equal(t, DispositionAck, f.proc.Process(context.Background(), marshal(t, msg)))

	rec, err := f.store.Get(context.Background(), "u1", "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDownloaded, rec.Status)
	fi, err := os.Stat(localPath)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), fi.Size())
}

func TestProcess_WrongSizedLeftoverIsReplaced(t *testing.T) {
	f := newFixture(t)
	content := []byte("the full object body")
	msg := f.seedUploaded(t, "u1", "t1", "photo.jpg", content)

	localPath := filepath.Join(f.root, "u1", "t1_photo.jpg")
	require.NoError(t, os.MkdirAll(filepath.Dir(localPath), 0o750))
	require.NoError(t, os.WriteFile(localPath, []byte("trunc"), 0o640))

	assert.Equal(t, DispositionAck, f.proc.Process(context.Background(), marshal(t, msg)))

	got, err := os.ReadFile(localPath)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestProcess_LostTransitionRaceIsSuccess(t *testing.T) {
	f := newFixture(t)
	msg := f.seedUploaded(t, "u1", "t1", "photo.jpg", []byte("data"))
	f.store.markDownloadedErr = domain.ErrStaleState

	assert.Equal(t, DispositionAck, f.proc.Process(context.Background(), marshal(t, msg)))
	// The loser acknowledges without claiming completion.
	assert.Zero(t, f.proc.Stats.Downloaded.Load())
	assert.Equal(t, int64(1), f.proc.Stats.Duplicates.Load())
	assert.Empty(t, f.cleaner.keys)
}

func TestProcess_PendingRecordRetried(t *testing.T) {
	f := newFixture(t)
	f.store.put(domain.TransferRecord{
		OwnerID: "u1", TransferID: "t1", DisplayName: "photo.jpg",
		StorageKey: "u1/t1/photo.jpg", Status: domain.StatusPending,
	})
	msg := domain.TransferMessage{OwnerID: "u1", TransferID: "t1", StorageKey: "u1/t1/photo.jpg", Bucket: "b"}

	assert.Equal(t, DispositionRetry, f.proc.Process(context.Background(), marshal(t, msg)))

	// A pending retry consumes the attempt budget like any other.
	rec, err := f.store.Get(context.Background(), "u1", "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.AttemptCount)
}

func TestProcess_PendingRecordCannotRequeueForever(t *testing.T) {
	f := newFixture(t)
	f.store.put(domain.TransferRecord{
		OwnerID: "u1", TransferID: "t1", DisplayName: "photo.jpg",
		StorageKey: "u1/t1/photo.jpg", Status: domain.StatusPending,
	})
	msg := domain.TransferMessage{OwnerID: "u1", TransferID: "t1", StorageKey: "u1/t1/photo.jpg", Bucket: "b"}

	// MaxAttempts is 3; a record that never leaves pending burns
	// through the budget and dead-letters instead of hot-looping.
	for i := 0; i < 3; i++ {
		assert.Equal(t, DispositionRetry, f.proc.Process(context.Background(), marshal(t, msg)))
	}
	assert.Equal(t, DispositionDeadLetter, f.proc.Process(context.Background(), marshal(t, msg)))

	rec, err := f.store.Get(context.Background(), "u1", "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, rec.Status)
}

func TestProcess_FailedRecordAcked(t *testing.T) {
	f := newFixture(t)
	f.store.put(domain.TransferRecord{
		OwnerID: "u1", TransferID: "t1", Status: domain.StatusFailed,
	})
	msg := domain.TransferMessage{OwnerID: "u1", TransferID: "t1", StorageKey: "u1/t1/photo.jpg", Bucket: "b"}

	assert.Equal(t, DispositionAck, f.proc.Process(context.Background(), marshal(t, msg)))
}

func TestBackoffDelay_ExponentialWithCeiling(t *testing.T) {
	p := NewProcessor(newMemStore(), newMemBlob(), &memCleaner{}, nil, nil, ProcessorConfig{
		LocalRoot:   t.TempDir(),
		BackoffBase: time.Second,
		BackoffCap:  10 * time.Second,
	})

	assert.Equal(t, time.Second, p.backoffDelay(2))
	assert.Equal(t, 2*time.Second, p.backoffDelay(3))
	assert.Equal(t, 4*time.Second, p.backoffDelay(4))
	assert.Equal(t, 8*time.Second, p.backoffDelay(5))
	assert.Equal(t, 10*time.Second, p.backoffDelay(6))
	assert.Equal(t, 10*time.Second, p.backoffDelay(20))
}
