package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"media_shuttle/server/transfer/domain"
)

const pgUniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS transfers (
	owner_id      TEXT        NOT NULL,
	transfer_id   TEXT        NOT NULL,
	display_name  TEXT        NOT NULL,
	content_type  TEXT        NOT NULL,
	storage_key   TEXT        NOT NULL,
	status        TEXT        NOT NULL DEFAULT 'pending',
	size_bytes    BIGINT      NOT NULL DEFAULT 0,
	local_path    TEXT        NOT NULL DEFAULT '',
	attempt_count INT         NOT NULL DEFAULT 0,
	last_error    TEXT        NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	uploaded_at   TIMESTAMPTZ,
	downloaded_at TIMESTAMPTZ,
	PRIMARY KEY (owner_id, transfer_id)
);
CREATE INDEX IF NOT EXISTS idx_transfers_status_uploaded_at
	ON transfers (status, uploaded_at);
`

const recordColumns = `owner_id, transfer_id, display_name, content_type, storage_key,
		status, size_bytes, local_path, attempt_count, last_error,
		created_at, uploaded_at, downloaded_at`

type TransferRepository struct {
	pool *pgxpool.Pool
}

func NewTransferRepository(pool *pgxpool.Pool) *TransferRepository {
	return &TransferRepository{pool: pool}
}

// EnsureSchema creates the transfers table if it does not exist yet.
// Each service runs it on startup, like bucket and queue declaration.
func (r *TransferRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, schema)
	return err
}

func (r *TransferRepository) Create(ctx context.Context, item domain.TransferRecord) (domain.TransferRecord, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO transfers(owner_id, transfer_id, display_name, content_type, storage_key, status)
		VALUES($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, item.OwnerID, item.TransferID, item.DisplayName, item.ContentType, item.StorageKey, string(domain.StatusPending)).Scan(&item.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return domain.TransferRecord{}, domain.ErrAlreadyExists
		}
		return domain.TransferRecord{}, err
	}
	item.Status = domain.StatusPending
	return item, nil
}

func (r *TransferRepository) Get(ctx context.Context, ownerID, transferID string) (domain.TransferRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM transfers
		WHERE owner_id=$1 AND transfer_id=$2
	`, ownerID, transferID)
	return scanRecord(row)
}

// MarkUploaded applies the pending -> uploaded transition. The status
// guard in the WHERE clause is the sole serialization point: exactly
// one caller observes a row update, every other caller gets
// ErrStaleState (or ErrNotFound if the record never existed).
func (r *TransferRepository) MarkUploaded(ctx context.Context, ownerID, transferID string, sizeBytes int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE transfers
		SET status=$3, size_bytes=$4, uploaded_at=COALESCE(uploaded_at, now())
		WHERE owner_id=$1 AND transfer_id=$2 AND status=$5
	`, ownerID, transferID, string(domain.StatusUploaded), sizeBytes, string(domain.StatusPending))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.conditionalFailure(ctx, ownerID, transferID)
	}
	return nil
}

// MarkDownloaded applies uploaded -> downloaded with the same guard.
func (r *TransferRepository) MarkDownloaded(ctx context.Context, ownerID, transferID, localPath string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE transfers
		SET status=$3, local_path=$4, downloaded_at=COALESCE(downloaded_at, now())
		WHERE owner_id=$1 AND transfer_id=$2 AND status=$5
	`, ownerID, transferID, string(domain.StatusDownloaded), localPath, string(domain.StatusUploaded))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.conditionalFailure(ctx, ownerID, transferID)
	}
	return nil
}

// MarkFailed moves any non-terminal record to the failed sink.
func (r *TransferRepository) MarkFailed(ctx context.Context, ownerID, transferID, reason string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE transfers
		SET status=$3, last_error=$4
		WHERE owner_id=$1 AND transfer_id=$2 AND status NOT IN ($5, $6)
	`, ownerID, transferID, string(domain.StatusFailed), reason,
		string(domain.StatusDownloaded), string(domain.StatusFailed))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.conditionalFailure(ctx, ownerID, transferID)
	}
	return nil
}

// IncrementAttempt bumps the processing attempt counter and returns
// the new value.
func (r *TransferRepository) IncrementAttempt(ctx context.Context, ownerID, transferID string) (int, error) {
	var attempts int
	err := r.pool.QueryRow(ctx, `
		UPDATE transfers
		SET attempt_count = attempt_count + 1
		WHERE owner_id=$1 AND transfer_id=$2
		RETURNING attempt_count
	`, ownerID, transferID).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, err
	}
	return attempts, nil
}

// ListStuckUploaded returns transfers sitting in uploaded longer than
// olderThan. The reconciler re-publishes a message for each; worker
// processing is idempotent, so re-publishing an in-flight transfer is
// harmless.
func (r *TransferRepository) ListStuckUploaded(ctx context.Context, olderThan time.Duration, limit int) ([]domain.TransferRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM transfers
		WHERE status=$1 AND uploaded_at < now() - ($2 * interval '1 second')
		ORDER BY uploaded_at ASC
		LIMIT $3
	`, string(domain.StatusUploaded), olderThan.Seconds(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (r *TransferRepository) ListRecentByOwner(ctx context.Context, ownerID string, limit int) ([]domain.TransferRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM transfers
		WHERE owner_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// conditionalFailure distinguishes a missing record from a lost race
// after a guarded UPDATE touched zero rows.
func (r *TransferRepository) conditionalFailure(ctx context.Context, ownerID, transferID string) error {
	if _, err := r.Get(ctx, ownerID, transferID); err != nil {
		return err
	}
	return domain.ErrStaleState
}

func scanRecord(row pgx.Row) (domain.TransferRecord, error) {
	var item domain.TransferRecord
	var status string
	err := row.Scan(&item.OwnerID, &item.TransferID, &item.DisplayName, &item.ContentType,
		&item.StorageKey, &status, &item.SizeBytes, &item.LocalPath,
		&item.AttemptCount, &item.LastError, &item.CreatedAt, &item.UploadedAt, &item.DownloadedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TransferRecord{}, domain.ErrNotFound
		}
		return domain.TransferRecord{}, err
	}
	item.Status = domain.Status(status)
	return item, nil
}

func collectRecords(rows pgx.Rows) ([]domain.TransferRecord, error) {
	items := make([]domain.TransferRecord, 0)
	for rows.Next() {
		item, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
