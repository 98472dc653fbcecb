package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"poflow.merchantry.io/model"
)

// WorkflowStore persists workflow executions and their per-stage audit
// trail.
type WorkflowStore struct {
	db DB
}

// NewWorkflowStore creates a workflow store on the given gateway.
func NewWorkflowStore(db DB) *WorkflowStore {
	return &WorkflowStore{db: db}
}

const workflowColumns = `workflow_id, merchant_id, upload_id, purchase_order_id, current_stage,
	       status, progress, retry_counts, metadata, created_at, updated_at`

func scanWorkflow(row pgx.Row) (*model.WorkflowExecution, error) {
	w := &model.WorkflowExecution{}
	err := row.Scan(
		&w.WorkflowID, &w.MerchantID, &w.UploadID, &w.PurchaseOrderID, &w.CurrentStage,
		&w.Status, &w.Progress, &w.RetryCounts, &w.Metadata, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// CreateExecution inserts a new execution row.
func (s *WorkflowStore) CreateExecution(ctx context.Context, w *model.WorkflowExecution) error {
	return s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `
			INSERT INTO workflow_executions (` + workflowColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())`

		_, err := q.Exec(ctx, query,
			w.WorkflowID, w.MerchantID, w.UploadID, w.PurchaseOrderID, w.CurrentStage,
			w.Status, w.Progress, w.RetryCounts, w.Metadata,
		)
		if err != nil {
			return fmt.Errorf("failed to create workflow execution: %w", err)
		}
		return nil
	})
}

// GetExecution fetches one execution by id.
func (s *WorkflowStore) GetExecution(ctx context.Context, workflowID string) (*model.WorkflowExecution, error) {
	var w *model.WorkflowExecution
	err := s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `SELECT ` + workflowColumns + ` FROM workflow_executions WHERE workflow_id = $1`

		var err error
		w, err = scanWorkflow(q.QueryRow(ctx, query, workflowID))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("workflow %s: %w", workflowID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to get workflow execution: %w", err)
		}
		return nil
	})
	return w, err
}

// FindRecentByUpload returns the newest execution for (uploadID,
// merchantID) created inside the dedup window, or ErrNotFound.
func (s *WorkflowStore) FindRecentByUpload(ctx context.Context, uploadID, merchantID string, window time.Duration) (*model.WorkflowExecution, error) {
	var w *model.WorkflowExecution
	err := s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `
			SELECT ` + workflowColumns + `
			FROM workflow_executions
			WHERE upload_id = $1 AND merchant_id = $2 AND created_at > $3
			ORDER BY created_at DESC
			LIMIT 1`

		var err error
		w, err = scanWorkflow(q.QueryRow(ctx, query, uploadID, merchantID, time.Now().Add(-window)))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("no recent workflow for upload %s: %w", uploadID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to query recent workflows: %w", err)
		}
		return nil
	})
	return w, err
}

// AdvanceStage moves the stage pointer and progress, marking the execution
// as processing. Terminal executions are never re-opened; the return value
// reports whether the pointer moved, so a stage job racing a failure write
// knows to stand down.
func (s *WorkflowStore) AdvanceStage(ctx context.Context, workflowID string, stage model.StageName, progress int) (bool, error) {
	var advanced bool
	err := s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `
			UPDATE workflow_executions
			SET current_stage = $2, progress = $3, status = $4, updated_at = now()
			WHERE workflow_id = $1 AND status NOT IN ('completed', 'failed')`

		tag, err := q.Exec(ctx, query, workflowID, stage, progress, model.WorkflowProcessing)
		if err != nil {
			return fmt.Errorf("failed to advance workflow stage: %w", err)
		}
		advanced = tag.RowsAffected() > 0
		return nil
	})
	return advanced, err
}

// SetStatus writes a lifecycle transition. Terminal executions are never
// re-opened: the guard makes the final write idempotent and enforces the
// one-terminal-write rule. The return value reports whether a row changed.
func (s *WorkflowStore) SetStatus(ctx context.Context, workflowID string, status model.WorkflowStatus) (bool, error) {
	var updated bool
	err := s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `
			UPDATE workflow_executions
			SET status = $2,
			    progress = CASE WHEN $2 = 'completed' THEN 100 ELSE progress END,
			    updated_at = now()
			WHERE workflow_id = $1 AND status NOT IN ('completed', 'failed')`

		tag, err := q.Exec(ctx, query, workflowID, status)
		if err != nil {
			return fmt.Errorf("failed to set workflow status: %w", err)
		}
		updated = tag.RowsAffected() > 0
		return nil
	})
	return updated, err
}

// SetPurchaseOrder links the execution to the purchase order created by the
// save stage.
func (s *WorkflowStore) SetPurchaseOrder(ctx context.Context, workflowID, poID string) error {
	return s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `UPDATE workflow_executions SET purchase_order_id = $2, updated_at = now() WHERE workflow_id = $1`
		if _, err := q.Exec(ctx, query, workflowID, poID); err != nil {
			return fmt.Errorf("failed to link purchase order: %w", err)
		}
		return nil
	})
}

// SaveRetryCounts persists the per-stage retry map.
func (s *WorkflowStore) SaveRetryCounts(ctx context.Context, workflowID string, counts model.RetryCounts) error {
	return s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `UPDATE workflow_executions SET retry_counts = $2, updated_at = now() WHERE workflow_id = $1`
		if _, err := q.Exec(ctx, query, workflowID, counts); err != nil {
			return fmt.Errorf("failed to save retry counts: %w", err)
		}
		return nil
	})
}

// SaveMetadata persists the opaque metadata blob.
func (s *WorkflowStore) SaveMetadata(ctx context.Context, workflowID string, md model.JSONMap) error {
	return s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `UPDATE workflow_executions SET metadata = $2, updated_at = now() WHERE workflow_id = $1`
		if _, err := q.Exec(ctx, query, workflowID, md); err != nil {
			return fmt.Errorf("failed to save workflow metadata: %w", err)
		}
		return nil
	})
}

// Touch bumps updated_at so the reconciler does not treat a long-running
// sequential execution as stuck.
func (s *WorkflowStore) Touch(ctx context.Context, workflowID string) error {
	return s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `UPDATE workflow_executions SET updated_at = now() WHERE workflow_id = $1`
		if _, err := q.Exec(ctx, query, workflowID); err != nil {
			return fmt.Errorf("failed to touch workflow: %w", err)
		}
		return nil
	})
}

// ListStalled returns executions still pending or processing whose last
// write is older than cutoff, oldest first.
func (s *WorkflowStore) ListStalled(ctx context.Context, cutoff time.Time, limit int) ([]*model.WorkflowExecution, error) {
	var out []*model.WorkflowExecution
	err := s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `
			SELECT ` + workflowColumns + `
			FROM workflow_executions
			WHERE status IN ('pending', 'processing') AND updated_at < $1
			ORDER BY updated_at ASC
			LIMIT $2`

		rows, err := q.Query(ctx, query, cutoff, limit)
		if err != nil {
			return fmt.Errorf("failed to list stalled workflows: %w", err)
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			w := &model.WorkflowExecution{}
			if err := rows.Scan(
				&w.WorkflowID, &w.MerchantID, &w.UploadID, &w.PurchaseOrderID, &w.CurrentStage,
				&w.Status, &w.Progress, &w.RetryCounts, &w.Metadata, &w.CreatedAt, &w.UpdatedAt,
			); err != nil {
				return fmt.Errorf("failed to scan stalled workflow: %w", err)
			}
			out = append(out, w)
		}
		return rows.Err()
	})
	return out, err
}

// BeginStage opens a running stage-audit row and returns its id.
func (s *WorkflowStore) BeginStage(ctx context.Context, workflowID string, stage model.StageName) (int64, error) {
	var id int64
	err := s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `
			INSERT INTO workflow_stage_executions (workflow_id, stage_name, status, progress, started_at)
			VALUES ($1, $2, $3, 0, now())
			RETURNING id`

		if err := q.QueryRow(ctx, query, workflowID, stage, model.StageRunning).Scan(&id); err != nil {
			return fmt.Errorf("failed to begin stage audit: %w", err)
		}
		return nil
	})
	return id, err
}

// FinishStage closes a stage-audit row.
func (s *WorkflowStore) FinishStage(ctx context.Context, id int64, status model.StageStatus, progress int, errMsg *string) error {
	return s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `
			UPDATE workflow_stage_executions
			SET status = $2, progress = $3, completed_at = now(), error_message = $4
			WHERE id = $1`

		if _, err := q.Exec(ctx, query, id, status, progress, errMsg); err != nil {
			return fmt.Errorf("failed to finish stage audit: %w", err)
		}
		return nil
	})
}

// ListStageExecutions returns the audit trail for one workflow in insert
// order.
func (s *WorkflowStore) ListStageExecutions(ctx context.Context, workflowID string) ([]*model.WorkflowStageExecution, error) {
	var out []*model.WorkflowStageExecution
	err := s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `
			SELECT id, workflow_id, stage_name, status, progress, started_at, completed_at, error_message
			FROM workflow_stage_executions
			WHERE workflow_id = $1
			ORDER BY id ASC`

		rows, err := q.Query(ctx, query, workflowID)
		if err != nil {
			return fmt.Errorf("failed to list stage executions: %w", err)
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			e := &model.WorkflowStageExecution{}
			if err := rows.Scan(
				&e.ID, &e.WorkflowID, &e.StageName, &e.Status, &e.Progress,
				&e.StartedAt, &e.CompletedAt, &e.ErrorMessage,
			); err != nil {
				return fmt.Errorf("failed to scan stage execution: %w", err)
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}
