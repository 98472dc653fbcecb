package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"poflow.merchantry.io/model"
)

// UploadStore persists document upload records. The bytes themselves live in
// the object store; rows here only carry the storage key.
type UploadStore struct {
	db DB
}

// NewUploadStore creates an upload store on the given gateway.
func NewUploadStore(db DB) *UploadStore {
	return &UploadStore{db: db}
}

const uploadColumns = `id, merchant_id, file_name, storage_key, content_type, size_bytes, created_at`

// Insert writes a new upload record.
func (s *UploadStore) Insert(ctx context.Context, u *model.Upload) error {
	return s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `
			INSERT INTO uploads (` + uploadColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, now())`

		_, err := q.Exec(ctx, query, u.ID, u.MerchantID, u.FileName, u.StorageKey, u.ContentType, u.SizeBytes)
		if err != nil {
			return fmt.Errorf("failed to insert upload: %w", err)
		}
		return nil
	})
}

// GetByID fetches one upload record.
func (s *UploadStore) GetByID(ctx context.Context, uploadID string) (*model.Upload, error) {
	var u *model.Upload
	err := s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `SELECT ` + uploadColumns + ` FROM uploads WHERE id = $1`

		found := &model.Upload{}
		err := q.QueryRow(ctx, query, uploadID).Scan(
			&found.ID, &found.MerchantID, &found.FileName, &found.StorageKey,
			&found.ContentType, &found.SizeBytes, &found.CreatedAt,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("upload %s: %w", uploadID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to get upload: %w", err)
		}
		u = found
		return nil
	})
	return u, err
}
