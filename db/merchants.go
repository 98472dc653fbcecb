package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"poflow.merchantry.io/model"
)

// MerchantStore reads tenant roots and their settings maps.
type MerchantStore struct {
	db DB
}

// NewMerchantStore creates a merchant store on the given gateway.
func NewMerchantStore(db DB) *MerchantStore {
	return &MerchantStore{db: db}
}

const merchantColumns = `id, name, settings, created_at, updated_at`

// GetByID fetches one merchant with its settings.
func (s *MerchantStore) GetByID(ctx context.Context, merchantID string) (*model.Merchant, error) {
	var m *model.Merchant
	err := s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `SELECT ` + merchantColumns + ` FROM merchants WHERE id = $1`

		found := &model.Merchant{}
		err := q.QueryRow(ctx, query, merchantID).Scan(
			&found.ID, &found.Name, &found.Settings, &found.CreatedAt, &found.UpdatedAt,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("merchant %s: %w", merchantID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to get merchant: %w", err)
		}
		m = found
		return nil
	})
	return m, err
}

// Insert writes a new merchant.
func (s *MerchantStore) Insert(ctx context.Context, m *model.Merchant) error {
	return s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `
			INSERT INTO merchants (id, name, settings, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())`

		if _, err := q.Exec(ctx, query, m.ID, m.Name, m.Settings); err != nil {
			return fmt.Errorf("failed to insert merchant: %w", err)
		}
		return nil
	})
}

// SaveSettings replaces the settings map. Unknown keys are preserved by the
// caller reading, mutating, and writing back the full map.
func (s *MerchantStore) SaveSettings(ctx context.Context, merchantID string, settings model.JSONMap) error {
	return s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `UPDATE merchants SET settings = $2, updated_at = now() WHERE id = $1`

		tag, err := q.Exec(ctx, query, merchantID, settings)
		if err != nil {
			return fmt.Errorf("failed to save merchant settings: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("merchant %s: %w", merchantID, ErrNotFound)
		}
		return nil
	})
}
