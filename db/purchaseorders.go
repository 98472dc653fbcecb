package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"poflow.merchantry.io/model"
)

// PurchaseOrderStore persists purchase orders, their line items, and the
// processing audit rows. The methods taking a Querier are the ones the
// persistence service runs inside its bounded transaction; everything else
// goes through the gateway's retry policy.
type PurchaseOrderStore struct {
	db DB
}

// NewPurchaseOrderStore creates a purchase-order store on the given
// gateway.
func NewPurchaseOrderStore(db DB) *PurchaseOrderStore {
	return &PurchaseOrderStore{db: db}
}

const poColumns = `id, merchant_id, number, supplier_id, status, job_status,
	       total_amount, currency, confidence, raw_data, created_at, updated_at`

func scanPurchaseOrder(row pgx.Row) (*model.PurchaseOrder, error) {
	po := &model.PurchaseOrder{}
	err := row.Scan(
		&po.ID, &po.MerchantID, &po.Number, &po.SupplierID, &po.Status, &po.JobStatus,
		&po.TotalAmount, &po.Currency, &po.Confidence, &po.RawData, &po.CreatedAt, &po.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return po, nil
}

// UpsertHeader writes the purchase-order header inside the caller's
// transaction. The row is keyed by id; a unique violation on
// (merchant_id, number) propagates to the caller, which resolves it
// outside the aborted transaction. The return value reports whether the
// row was inserted rather than updated.
func (s *PurchaseOrderStore) UpsertHeader(ctx context.Context, q Querier, po *model.PurchaseOrder) (bool, error) {
	query := `
		INSERT INTO purchase_orders (` + poColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
		ON CONFLICT (id) DO UPDATE SET
			number       = EXCLUDED.number,
			supplier_id  = COALESCE(EXCLUDED.supplier_id, purchase_orders.supplier_id),
			job_status   = EXCLUDED.job_status,
			total_amount = EXCLUDED.total_amount,
			currency     = EXCLUDED.currency,
			confidence   = EXCLUDED.confidence,
			raw_data     = EXCLUDED.raw_data,
			updated_at   = now()
		RETURNING (xmax = 0)`

	var inserted bool
	err := q.QueryRow(ctx, query,
		po.ID, po.MerchantID, po.Number, po.SupplierID, po.Status, po.JobStatus,
		po.TotalAmount, po.Currency, po.Confidence, po.RawData,
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("failed to upsert purchase order: %w", err)
	}
	return inserted, nil
}

// InsertLineItems bulk-inserts every line item as one multi-row INSERT.
// One statement instead of a per-item loop keeps the transaction under its
// budget at serverless round-trip latencies.
func (s *PurchaseOrderStore) InsertLineItems(ctx context.Context, q Querier, items []model.POLineItem) error {
	if len(items) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO po_line_items
		(id, purchase_order_id, sku, product_name, description, quantity, unit_cost, total_cost, confidence, raw_line)
		VALUES `)

	args := make([]any, 0, len(items)*10)
	for i, item := range items {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 10
		sb.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10))
		args = append(args,
			item.ID, item.PurchaseOrderID, item.SKU, item.ProductName, item.Description,
			item.Quantity, item.UnitCost, item.TotalCost, item.Confidence, item.RawLine,
		)
	}

	if _, err := q.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to bulk-insert line items: %w", err)
	}
	return nil
}

// DeleteLineItems clears a purchase order's line items ahead of a re-parse
// rewrite. Runs inside the same transaction as the fresh insert.
func (s *PurchaseOrderStore) DeleteLineItems(ctx context.Context, q Querier, poID string) error {
	if _, err := q.Exec(ctx, `DELETE FROM po_line_items WHERE purchase_order_id = $1`, poID); err != nil {
		return fmt.Errorf("failed to delete line items: %w", err)
	}
	return nil
}

// InsertAudit writes the processing audit row inside the caller's
// transaction.
func (s *PurchaseOrderStore) InsertAudit(ctx context.Context, q Querier, a *model.AIProcessingAudit) error {
	query := `
		INSERT INTO ai_processing_audits (id, merchant_id, purchase_order_id, operation, confidence, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`

	if _, err := q.Exec(ctx, query, a.ID, a.MerchantID, a.PurchaseOrderID, a.Operation, a.Confidence, a.Detail); err != nil {
		return fmt.Errorf("failed to insert processing audit: %w", err)
	}
	return nil
}

// GetByID fetches one purchase order.
func (s *PurchaseOrderStore) GetByID(ctx context.Context, poID string) (*model.PurchaseOrder, error) {
	var po *model.PurchaseOrder
	err := s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `SELECT ` + poColumns + ` FROM purchase_orders WHERE id = $1`

		var err error
		po, err = scanPurchaseOrder(q.QueryRow(ctx, query, poID))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("purchase order %s: %w", poID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to get purchase order: %w", err)
		}
		return nil
	})
	return po, err
}

// GetNumberByID returns the stored PO number. During update-conflict
// resolution this number is the winner; the retry keeps it.
func (s *PurchaseOrderStore) GetNumberByID(ctx context.Context, poID string) (string, error) {
	var number string
	err := s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		err := q.QueryRow(ctx, `SELECT number FROM purchase_orders WHERE id = $1`, poID).Scan(&number)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("purchase order %s: %w", poID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to get purchase order number: %w", err)
		}
		return nil
	})
	return number, err
}

// NumberExists reports whether (merchantID, number) is already taken. The
// create-conflict resolver probes suffix candidates with this.
func (s *PurchaseOrderStore) NumberExists(ctx context.Context, merchantID, number string) (bool, error) {
	var exists bool
	err := s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `SELECT EXISTS (SELECT 1 FROM purchase_orders WHERE merchant_id = $1 AND number = $2)`
		if err := q.QueryRow(ctx, query, merchantID, number).Scan(&exists); err != nil {
			return fmt.Errorf("failed to probe purchase order number: %w", err)
		}
		return nil
	})
	return exists, err
}

// SetStatus transitions the order's lifecycle state and stage marker.
// Terminal orders stay terminal; the return value reports whether a row
// changed.
func (s *PurchaseOrderStore) SetStatus(ctx context.Context, poID string, status model.POStatus, jobStatus string) (bool, error) {
	var updated bool
	err := s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `
			UPDATE purchase_orders
			SET status = $2, job_status = $3, updated_at = now()
			WHERE id = $1 AND status NOT IN ('completed', 'failed')`

		tag, err := q.Exec(ctx, query, poID, status, jobStatus)
		if err != nil {
			return fmt.Errorf("failed to set purchase order status: %w", err)
		}
		updated = tag.RowsAffected() > 0
		return nil
	})
	return updated, err
}

// MarkFailed moves a still-processing order to failed. Orders parked in
// review_needed keep their review state; the reviewer decides where those
// go, not the workflow failure.
func (s *PurchaseOrderStore) MarkFailed(ctx context.Context, poID string) (bool, error) {
	var updated bool
	err := s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `
			UPDATE purchase_orders
			SET status = 'failed', job_status = 'failed', updated_at = now()
			WHERE id = $1 AND status = 'processing'`

		tag, err := q.Exec(ctx, query, poID)
		if err != nil {
			return fmt.Errorf("failed to mark purchase order failed: %w", err)
		}
		updated = tag.RowsAffected() > 0
		return nil
	})
	return updated, err
}

// SetJobStatus updates only the free-form stage marker.
func (s *PurchaseOrderStore) SetJobStatus(ctx context.Context, poID, jobStatus string) error {
	return s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `UPDATE purchase_orders SET job_status = $2, updated_at = now() WHERE id = $1`
		if _, err := q.Exec(ctx, query, poID, jobStatus); err != nil {
			return fmt.Errorf("failed to set job status: %w", err)
		}
		return nil
	})
}

// SetSupplier links the resolved supplier.
func (s *PurchaseOrderStore) SetSupplier(ctx context.Context, poID, supplierID string) error {
	return s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `UPDATE purchase_orders SET supplier_id = $2, updated_at = now() WHERE id = $1`
		if _, err := q.Exec(ctx, query, poID, supplierID); err != nil {
			return fmt.Errorf("failed to set supplier: %w", err)
		}
		return nil
	})
}

// ListLineItems returns a purchase order's line items in insert order.
func (s *PurchaseOrderStore) ListLineItems(ctx context.Context, poID string) ([]model.POLineItem, error) {
	var out []model.POLineItem
	err := s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `
			SELECT id, purchase_order_id, sku, product_name, description, quantity, unit_cost, total_cost, confidence, raw_line
			FROM po_line_items
			WHERE purchase_order_id = $1
			ORDER BY id`

		rows, err := q.Query(ctx, query, poID)
		if err != nil {
			return fmt.Errorf("failed to list line items: %w", err)
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var item model.POLineItem
			if err := rows.Scan(
				&item.ID, &item.PurchaseOrderID, &item.SKU, &item.ProductName, &item.Description,
				&item.Quantity, &item.UnitCost, &item.TotalCost, &item.Confidence, &item.RawLine,
			); err != nil {
				return fmt.Errorf("failed to scan line item: %w", err)
			}
			out = append(out, item)
		}
		return rows.Err()
	})
	return out, err
}

// CountLineItems reports how many line items the order carries. The
// reconciler uses the count to tell whether the save stage completed.
func (s *PurchaseOrderStore) CountLineItems(ctx context.Context, poID string) (int, error) {
	var count int
	err := s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		if err := q.QueryRow(ctx, `SELECT count(*) FROM po_line_items WHERE purchase_order_id = $1`, poID).Scan(&count); err != nil {
			return fmt.Errorf("failed to count line items: %w", err)
		}
		return nil
	})
	return count, err
}
