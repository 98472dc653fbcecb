package db

import (
	"context"
	"fmt"

	"poflow.merchantry.io/model"
)

// MetricStore writes performance metric rows. Writes happen off the matching
// hot path; callers treat failures as log-only.
type MetricStore struct {
	db DB
}

// NewMetricStore creates a metric store on the given gateway.
func NewMetricStore(db DB) *MetricStore {
	return &MetricStore{db: db}
}

// Insert writes one observation row.
func (s *MetricStore) Insert(ctx context.Context, m *model.PerformanceMetric) error {
	return s.db.Run(ctx, func(ctx context.Context, q Querier) error {
		query := `
			INSERT INTO performance_metrics
				(merchant_id, operation, engine, duration_ms, result_count, success, was_fallback, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())`

		_, err := q.Exec(ctx, query,
			m.MerchantID, m.Operation, m.Engine, m.DurationMs, m.ResultCount,
			m.Success, m.WasFallback, m.Metadata,
		)
		if err != nil {
			return fmt.Errorf("failed to insert performance metric: %w", err)
		}
		return nil
	})
}
