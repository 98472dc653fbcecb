package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"poflow.merchantry.io/model"
)

// SupplierStore persists the tenant vendor directory and serves the
// trigram-indexed similarity query.
type SupplierStore struct {
	db DB
}

// NewSupplierStore creates a supplier store on the given gateway.
func NewSupplierStore(db DB) *SupplierStore {
	return &SupplierStore{db: db}
}

const supplierColumns = `id, merchant_id, name, name_normalized, contact_email, contact_phone,
	       website, address, status, created_at, updated_at`

// TrigramHit is one supplier returned by the indexed similarity query,
// with the engine's name score attached.
type TrigramHit struct {
	Supplier model.Supplier
	Score    float64
}

// SearchTrigram runs the single indexed similarity query against
// name_normalized. Requires the pg_trgm extension and its GIN index; a
// missing extension surfaces as a query error the resolver falls back on.
func (s *SupplierStore) SearchTrigram(ctx context.Context, merchantID, nameNormalized string, threshold float64, limit int) ([]TrigramHit, error) {
	var out []TrigramHit
	err := s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `
			SELECT ` + supplierColumns + `, similarity(name_normalized, $2) AS score
			FROM suppliers
			WHERE merchant_id = $1
			  AND status = 'active'
			  AND similarity(name_normalized, $2) >= $3
			ORDER BY score DESC
			LIMIT $4`

		rows, err := q.Query(ctx, query, merchantID, nameNormalized, threshold, limit)
		if err != nil {
			return fmt.Errorf("trigram search failed: %w", err)
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var hit TrigramHit
			if err := rows.Scan(
				&hit.Supplier.ID, &hit.Supplier.MerchantID, &hit.Supplier.Name, &hit.Supplier.NameNormalized,
				&hit.Supplier.ContactEmail, &hit.Supplier.ContactPhone, &hit.Supplier.Website,
				&hit.Supplier.Address, &hit.Supplier.Status, &hit.Supplier.CreatedAt, &hit.Supplier.UpdatedAt,
				&hit.Score,
			); err != nil {
				return fmt.Errorf("failed to scan trigram hit: %w", err)
			}
			out = append(out, hit)
		}
		return rows.Err()
	})
	return out, err
}

// ListActive returns every active supplier of the merchant for the
// in-process matcher.
func (s *SupplierStore) ListActive(ctx context.Context, merchantID string) ([]model.Supplier, error) {
	var out []model.Supplier
	err := s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `SELECT ` + supplierColumns + ` FROM suppliers WHERE merchant_id = $1 AND status = 'active' ORDER BY name`

		rows, err := q.Query(ctx, query, merchantID)
		if err != nil {
			return fmt.Errorf("failed to list suppliers: %w", err)
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var sup model.Supplier
			if err := rows.Scan(
				&sup.ID, &sup.MerchantID, &sup.Name, &sup.NameNormalized,
				&sup.ContactEmail, &sup.ContactPhone, &sup.Website,
				&sup.Address, &sup.Status, &sup.CreatedAt, &sup.UpdatedAt,
			); err != nil {
				return fmt.Errorf("failed to scan supplier: %w", err)
			}
			out = append(out, sup)
		}
		return rows.Err()
	})
	return out, err
}

// GetByID fetches one supplier.
func (s *SupplierStore) GetByID(ctx context.Context, supplierID string) (*model.Supplier, error) {
	var sup *model.Supplier
	err := s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `SELECT ` + supplierColumns + ` FROM suppliers WHERE id = $1`

		row := q.QueryRow(ctx, query, supplierID)
		found := &model.Supplier{}
		err := row.Scan(
			&found.ID, &found.MerchantID, &found.Name, &found.NameNormalized,
			&found.ContactEmail, &found.ContactPhone, &found.Website,
			&found.Address, &found.Status, &found.CreatedAt, &found.UpdatedAt,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("supplier %s: %w", supplierID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to get supplier: %w", err)
		}
		sup = found
		return nil
	})
	return sup, err
}

// Insert writes a new supplier. NameNormalized must already be set by the
// matching layer; the store refuses rows that would break the normalized
// index.
func (s *SupplierStore) Insert(ctx context.Context, sup *model.Supplier) error {
	if sup.NameNormalized == "" {
		return fmt.Errorf("supplier %q has no normalized name", sup.Name)
	}
	return s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `
			INSERT INTO suppliers (` + supplierColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())`

		_, err := q.Exec(ctx, query,
			sup.ID, sup.MerchantID, sup.Name, sup.NameNormalized,
			sup.ContactEmail, sup.ContactPhone, sup.Website, sup.Address, sup.Status,
		)
		if err != nil {
			return fmt.Errorf("failed to insert supplier: %w", err)
		}
		return nil
	})
}
