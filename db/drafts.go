package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"poflow.merchantry.io/model"
)

// DraftStore persists product drafts, their image candidates, and the review
// sessions that group them. LineItemID uniqueness is the idempotency anchor
// for draft creation and platform sync.
type DraftStore struct {
	db DB
}

// NewDraftStore creates a draft store on the given gateway.
func NewDraftStore(db DB) *DraftStore {
	return &DraftStore{db: db}
}

const draftColumns = `id, merchant_id, session_id, purchase_order_id, line_item_id, supplier_id,
	       original_title, refined_title, original_description, refined_description,
	       original_price, price_refined, status, external_product_id, external_variant_id,
	       tags, category_id, created_at, updated_at`

func scanDraft(row pgx.Row) (*model.ProductDraft, error) {
	d := &model.ProductDraft{}
	err := row.Scan(
		&d.ID, &d.MerchantID, &d.SessionID, &d.PurchaseOrderID, &d.LineItemID, &d.SupplierID,
		&d.OriginalTitle, &d.RefinedTitle, &d.OriginalDescription, &d.RefinedDescription,
		&d.OriginalPrice, &d.PriceRefined, &d.Status, &d.ExternalProductID, &d.ExternalVariantID,
		&d.Tags, &d.CategoryID, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// UpsertByLineItem writes a draft keyed by its line item. Re-running draft
// creation lands on the same row instead of minting duplicates; the existing
// id, status, and external ids survive the conflict.
func (s *DraftStore) UpsertByLineItem(ctx context.Context, d *model.ProductDraft) (*model.ProductDraft, error) {
	var out *model.ProductDraft
	err := s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `
			INSERT INTO product_drafts (` + draftColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, now(), now())
			ON CONFLICT (line_item_id) DO UPDATE SET
				original_title       = EXCLUDED.original_title,
				original_description = COALESCE(EXCLUDED.original_description, product_drafts.original_description),
				original_price       = EXCLUDED.original_price,
				supplier_id          = COALESCE(EXCLUDED.supplier_id, product_drafts.supplier_id),
				updated_at           = now()
			RETURNING ` + draftColumns

		var err error
		out, err = scanDraft(q.QueryRow(ctx, query,
			d.ID, d.MerchantID, d.SessionID, d.PurchaseOrderID, d.LineItemID, d.SupplierID,
			d.OriginalTitle, d.RefinedTitle, d.OriginalDescription, d.RefinedDescription,
			d.OriginalPrice, d.PriceRefined, d.Status, d.ExternalProductID, d.ExternalVariantID,
			d.Tags, d.CategoryID,
		))
		if err != nil {
			return fmt.Errorf("failed to upsert product draft: %w", err)
		}
		return nil
	})
	return out, err
}

// GetByID fetches one draft.
func (s *DraftStore) GetByID(ctx context.Context, draftID string) (*model.ProductDraft, error) {
	var d *model.ProductDraft
	err := s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `SELECT ` + draftColumns + ` FROM product_drafts WHERE id = $1`

		var err error
		d, err = scanDraft(q.QueryRow(ctx, query, draftID))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("product draft %s: %w", draftID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to get product draft: %w", err)
		}
		return nil
	})
	return d, err
}

// ListByPurchaseOrder returns a purchase order's drafts in line-item order.
func (s *DraftStore) ListByPurchaseOrder(ctx context.Context, poID string) ([]*model.ProductDraft, error) {
	var out []*model.ProductDraft
	err := s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `SELECT ` + draftColumns + ` FROM product_drafts WHERE purchase_order_id = $1 ORDER BY line_item_id`

		rows, err := q.Query(ctx, query, poID)
		if err != nil {
			return fmt.Errorf("failed to list product drafts: %w", err)
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			d := &model.ProductDraft{}
			if err := rows.Scan(
				&d.ID, &d.MerchantID, &d.SessionID, &d.PurchaseOrderID, &d.LineItemID, &d.SupplierID,
				&d.OriginalTitle, &d.RefinedTitle, &d.OriginalDescription, &d.RefinedDescription,
				&d.OriginalPrice, &d.PriceRefined, &d.Status, &d.ExternalProductID, &d.ExternalVariantID,
				&d.Tags, &d.CategoryID, &d.CreatedAt, &d.UpdatedAt,
			); err != nil {
				return fmt.Errorf("failed to scan product draft: %w", err)
			}
			out = append(out, d)
		}
		return rows.Err()
	})
	return out, err
}

// SetRefinement records the enrichment output on a draft.
func (s *DraftStore) SetRefinement(ctx context.Context, draftID string, title, description *string, price *float64) error {
	return s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `
			UPDATE product_drafts
			SET refined_title       = COALESCE($2, refined_title),
			    refined_description = COALESCE($3, refined_description),
			    price_refined       = COALESCE($4, price_refined),
			    updated_at          = now()
			WHERE id = $1`

		if _, err := q.Exec(ctx, query, draftID, title, description, price); err != nil {
			return fmt.Errorf("failed to set draft refinement: %w", err)
		}
		return nil
	})
}

// SetTags replaces a draft's tag list and category.
func (s *DraftStore) SetTags(ctx context.Context, draftID string, tags model.StringList, categoryID *string) error {
	return s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `
			UPDATE product_drafts
			SET tags = $2, category_id = COALESCE($3, category_id), updated_at = now()
			WHERE id = $1`

		if _, err := q.Exec(ctx, query, draftID, tags, categoryID); err != nil {
			return fmt.Errorf("failed to set draft tags: %w", err)
		}
		return nil
	})
}

// SetStatus transitions a draft's lifecycle state.
func (s *DraftStore) SetStatus(ctx context.Context, draftID string, status model.DraftStatus) error {
	return s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `UPDATE product_drafts SET status = $2, updated_at = now() WHERE id = $1`

		if _, err := q.Exec(ctx, query, draftID, status); err != nil {
			return fmt.Errorf("failed to set draft status: %w", err)
		}
		return nil
	})
}

// SetExternalIDs records the platform product and variant ids after a sync
// and marks the draft synced in the same write.
func (s *DraftStore) SetExternalIDs(ctx context.Context, draftID, productID, variantID string) error {
	return s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `
			UPDATE product_drafts
			SET external_product_id = $2, external_variant_id = $3, status = $4, updated_at = now()
			WHERE id = $1`

		if _, err := q.Exec(ctx, query, draftID, productID, variantID, model.DraftStatusSynced); err != nil {
			return fmt.Errorf("failed to set draft external ids: %w", err)
		}
		return nil
	})
}

// ReplaceImages swaps a draft's image candidates for the given set, keeping
// positions dense from zero. Re-running image attachment converges on the
// latest candidate set.
func (s *DraftStore) ReplaceImages(ctx context.Context, draftID string, images []model.ProductImage) error {
	return s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		if _, err := q.Exec(ctx, `DELETE FROM product_images WHERE draft_id = $1`, draftID); err != nil {
			return fmt.Errorf("failed to clear draft images: %w", err)
		}
		for i, img := range images {
			query := `
				INSERT INTO product_images (id, draft_id, url, source_domain, confidence, position)
				VALUES ($1, $2, $3, $4, $5, $6)`
			if _, err := q.Exec(ctx, query, img.ID, draftID, img.URL, img.SourceDomain, img.Confidence, i); err != nil {
				return fmt.Errorf("failed to insert draft image: %w", err)
			}
		}
		return nil
	})
}

// ListImages returns a draft's image candidates by position.
func (s *DraftStore) ListImages(ctx context.Context, draftID string) ([]model.ProductImage, error) {
	var out []model.ProductImage
	err := s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `
			SELECT id, draft_id, url, source_domain, confidence, position
			FROM product_images
			WHERE draft_id = $1
			ORDER BY position`

		rows, err := q.Query(ctx, query, draftID)
		if err != nil {
			return fmt.Errorf("failed to list draft images: %w", err)
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var img model.ProductImage
			if err := rows.Scan(&img.ID, &img.DraftID, &img.URL, &img.SourceDomain, &img.Confidence, &img.Position); err != nil {
				return fmt.Errorf("failed to scan draft image: %w", err)
			}
			out = append(out, img)
		}
		return rows.Err()
	})
	return out, err
}

// FindSession returns the merchant's newest session, or ErrNotFound.
func (s *DraftStore) FindSession(ctx context.Context, merchantID string) (*model.Session, error) {
	var sess *model.Session
	err := s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `
			SELECT id, merchant_id, kind, created_at
			FROM sessions
			WHERE merchant_id = $1
			ORDER BY created_at DESC
			LIMIT 1`

		found := &model.Session{}
		err := q.QueryRow(ctx, query, merchantID).Scan(&found.ID, &found.MerchantID, &found.Kind, &found.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("no session for merchant %s: %w", merchantID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to find session: %w", err)
		}
		sess = found
		return nil
	})
	return sess, err
}

// CreateSession writes a new session row.
func (s *DraftStore) CreateSession(ctx context.Context, sess *model.Session) error {
	return s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `INSERT INTO sessions (id, merchant_id, kind, created_at) VALUES ($1, $2, $3, now())`

		if _, err := q.Exec(ctx, query, sess.ID, sess.MerchantID, sess.Kind); err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		return nil
	})
}
