package domain

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusUploaded   Status = "uploaded"
	StatusDownloaded Status = "downloaded"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusDownloaded || s == StatusFailed
}

// TransferRecord is the durable state of one file's journey from
// authorization through upload to local download. Keyed by
// (owner_id, transfer_id); timestamps are write-once.
type TransferRecord struct {
	OwnerID      string     `json:"owner_id"`
	TransferID   string     `json:"transfer_id"`
	DisplayName  string     `json:"display_name"`
	ContentType  string     `json:"content_type"`
	StorageKey   string     `json:"storage_key"`
	Status       Status     `json:"status"`
	SizeBytes    int64      `json:"size_bytes"`
	LocalPath    string     `json:"local_path"`
	AttemptCount int        `json:"attempt_count"`
	LastError    string     `json:"last_error"`
	CreatedAt    time.Time  `json:"created_at"`
	UploadedAt   *time.Time `json:"uploaded_at,omitempty"`
	DownloadedAt *time.Time `json:"downloaded_at,omitempty"`
}

// TransferMessage is the queue payload announcing a completed upload.
// It lives only in the durable queue and is never persisted elsewhere.
type TransferMessage struct {
	OwnerID    string    `json:"owner_id"`
	TransferID string    `json:"transfer_id"`
	StorageKey string    `json:"storage_key"`
	Bucket     string    `json:"bucket"`
	SizeBytes  int64     `json:"size_bytes"`
	EmittedAt  time.Time `json:"emitted_at"`
}

// Validate rejects payloads missing any field the worker cannot
// proceed without. Failing here routes the message straight to the
// dead-letter queue.
func (m TransferMessage) Validate() error {
	var missing []string
	if strings.TrimSpace(m.OwnerID) == "" {
		missing = append(missing, "owner_id")
	}
	if strings.TrimSpace(m.TransferID) == "" {
		missing = append(missing, "transfer_id")
	}
	if strings.TrimSpace(m.StorageKey) == "" {
		missing = append(missing, "storage_key")
	}
	if strings.TrimSpace(m.Bucket) == "" {
		missing = append(missing, "bucket")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrValidation, strings.Join(missing, ", "))
	}
	if m.SizeBytes < 0 {
		return fmt.Errorf("%w: negative size_bytes", ErrValidation)
	}
	return nil
}
