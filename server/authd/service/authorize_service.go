package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	commonlog "media_shuttle/server/common/log"
	"media_shuttle/server/transfer/domain"
)

type transferStore interface {
	Create(ctx context.Context, item domain.TransferRecord) (domain.TransferRecord, error)
	Get(ctx context.Context, ownerID, transferID string) (domain.TransferRecord, error)
	ListRecentByOwner(ctx context.Context, ownerID string, limit int) ([]domain.TransferRecord, error)
}

type capabilityIssuer interface {
	PresignPut(ctx context.Context, key string, ttl time.Duration) (*url.URL, error)
}

// UploadGrant is what the mobile client needs to perform the upload
// directly against the blob store.
type UploadGrant struct {
	TransferID string    `json:"transfer_id"`
	StorageKey string    `json:"storage_key"`
	UploadURL  string    `json:"upload_url"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type AuthorizeService struct {
	store     transferStore
	blobs     capabilityIssuer
	uploadTTL time.Duration
}

func NewAuthorizeService(store transferStore, blobs capabilityIssuer, uploadTTL time.Duration) *AuthorizeService {
	if uploadTTL <= 0 {
		uploadTTL = time.Hour
	}
	return &AuthorizeService{store: store, blobs: blobs, uploadTTL: uploadTTL}
}

// Authorize validates the request, issues a write capability and
// creates the pending transfer record. A transfer id collision is
// retried once with a fresh id before giving up.
func (s *AuthorizeService) Authorize(ctx context.Context, ownerID, displayName, contentType string) (UploadGrant, error) {
	ownerID, err := domain.SanitizeOwnerID(ownerID)
	if err != nil {
		return UploadGrant{}, err
	}
	displayName, err = domain.SanitizeName(displayName)
	if err != nil {
		return UploadGrant{}, err
	}
	if strings.TrimSpace(contentType) == "" {
		return UploadGrant{}, fmt.Errorf("%w: content type is required", domain.ErrValidation)
	}

	for attempt := 0; attempt < 2; attempt++ {
		transferID := domain.NewTransferID()
		storageKey := domain.DeriveStorageKey(ownerID, transferID, displayName)

		uploadURL, err := s.blobs.PresignPut(ctx, storageKey, s.uploadTTL)
		if err != nil {
			return UploadGrant{}, fmt.Errorf("%w: %w", domain.ErrAuthorizationFailed, err)
		}

		_, err = s.store.Create(ctx, domain.TransferRecord{
			OwnerID:     ownerID,
			TransferID:  transferID,
			DisplayName: displayName,
			ContentType: contentType,
			StorageKey:  storageKey,
		})
		if errors.Is(err, domain.ErrAlreadyExists) {
			commonlog.Warnf("event=transfer_authorize status=id_collision owner_id=%s transfer_id=%s", ownerID, transferID)
			continue
		}
		if err != nil {
			return UploadGrant{}, err
		}

		commonlog.Infof("event=transfer_authorize status=ok owner_id=%s transfer_id=%s storage_key=%s ttl=%s", ownerID, transferID, storageKey, s.uploadTTL)
		return UploadGrant{
			TransferID: transferID,
			StorageKey: storageKey,
			UploadURL:  uploadURL.String(),
			ExpiresAt:  time.Now().Add(s.uploadTTL),
		}, nil
	}
	return UploadGrant{}, fmt.Errorf("%w: transfer id collision persisted across regeneration", domain.ErrInternal)
}

func (s *AuthorizeService) GetTransfer(ctx context.Context, ownerID, transferID string) (domain.TransferRecord, error) {
	return s.store.Get(ctx, ownerID, transferID)
}

func (s *AuthorizeService) ListTransfers(ctx context.Context, ownerID string, limit int) ([]domain.TransferRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListRecentByOwner(ctx, ownerID, limit)
}
