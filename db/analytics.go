package db

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"poflow.merchantry.io/model"
)

// OpenGorm opens a gorm handle for the schema tooling and the analytics
// reads. The workflow hot path never goes through gorm; it stays on the pgx
// gateway.
func OpenGorm(url string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(url), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return gdb, nil
}

// AutoMigrate creates or updates the schema from the model structs. This is
// the development path; production schema changes ship as external
// migrations.
func AutoMigrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(model.AllModels()...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Analytics serves the read-only analyze-performance command over the
// performance_metrics table.
type Analytics struct {
	gdb *gorm.DB
}

// NewAnalytics wraps a gorm handle for metric analysis.
func NewAnalytics(gdb *gorm.DB) *Analytics {
	return &Analytics{gdb: gdb}
}

// EngineSummary aggregates one engine's observations for an operation.
type EngineSummary struct {
	Engine        string  `json:"engine"`
	Operation     string  `json:"operation"`
	Calls         int64   `json:"calls"`
	AvgDurationMs float64 `json:"avgDurationMs"`
	MaxDurationMs int64   `json:"maxDurationMs"`
	SuccessRate   float64 `json:"successRate"`
	FallbackCount int64   `json:"fallbackCount"`
}

// Summary returns per-engine aggregates, optionally scoped to one merchant.
func (a *Analytics) Summary(merchantID string) ([]EngineSummary, error) {
	var out []EngineSummary
	q := a.gdb.Model(&model.PerformanceMetric{}).
		Select(`engine, operation,
			count(*) as calls,
			avg(duration_ms) as avg_duration_ms,
			max(duration_ms) as max_duration_ms,
			avg(case when success then 1.0 else 0.0 end) as success_rate,
			count(*) filter (where was_fallback) as fallback_count`).
		Group("engine, operation").
		Order("engine, operation")
	if merchantID != "" {
		q = q.Where("merchant_id = ?", merchantID)
	}
	if err := q.Scan(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to summarize metrics: %w", err)
	}
	return out, nil
}

// EngineComparison pairs the two engines' latency for the same operation.
type EngineComparison struct {
	Operation       string  `json:"operation"`
	TrigramAvgMs    float64 `json:"trigramAvgMs"`
	TrigramCalls    int64   `json:"trigramCalls"`
	JSMetricAvgMs   float64 `json:"jsmetricAvgMs"`
	JSMetricCalls   int64   `json:"jsmetricCalls"`
	SpeedupFactor   float64 `json:"speedupFactor"`
	FasterEngine    string  `json:"fasterEngine"`
	SampleSufficent bool    `json:"sampleSufficient"`
}

// Compare reports trigram vs jsmetric latency per operation. Operations with
// fewer than 10 calls on either engine are flagged as insufficient samples.
func (a *Analytics) Compare(merchantID string) ([]EngineComparison, error) {
	summaries, err := a.Summary(merchantID)
	if err != nil {
		return nil, err
	}

	byOp := map[string]*EngineComparison{}
	for _, s := range summaries {
		c, ok := byOp[s.Operation]
		if !ok {
			c = &EngineComparison{Operation: s.Operation}
			byOp[s.Operation] = c
		}
		switch s.Engine {
		case model.EngineTrigram:
			c.TrigramAvgMs = s.AvgDurationMs
			c.TrigramCalls = s.Calls
		case model.EngineJSMetric:
			c.JSMetricAvgMs = s.AvgDurationMs
			c.JSMetricCalls = s.Calls
		}
	}

	out := make([]EngineComparison, 0, len(byOp))
	for _, c := range byOp {
		c.SampleSufficent = c.TrigramCalls >= 10 && c.JSMetricCalls >= 10
		if c.TrigramAvgMs > 0 && c.JSMetricAvgMs > 0 {
			if c.TrigramAvgMs < c.JSMetricAvgMs {
				c.FasterEngine = model.EngineTrigram
				c.SpeedupFactor = c.JSMetricAvgMs / c.TrigramAvgMs
			} else {
				c.FasterEngine = model.EngineJSMetric
				c.SpeedupFactor = c.TrigramAvgMs / c.JSMetricAvgMs
			}
		}
		out = append(out, *c)
	}
	return out, nil
}

// ErrorRow is one failed observation.
type ErrorRow struct {
	MerchantID string    `json:"merchantId"`
	Operation  string    `json:"operation"`
	Engine     string    `json:"engine"`
	DurationMs int64     `json:"durationMs"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Errors lists the most recent failures, newest first.
func (a *Analytics) Errors(merchantID string, limit int) ([]ErrorRow, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []ErrorRow
	q := a.gdb.Model(&model.PerformanceMetric{}).
		Select("merchant_id, operation, engine, duration_ms, created_at").
		Where("success = false").
		Order("created_at DESC").
		Limit(limit)
	if merchantID != "" {
		q = q.Where("merchant_id = ?", merchantID)
	}
	if err := q.Scan(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list metric errors: %w", err)
	}
	return out, nil
}

// Adoption reports what share of matching calls ran on the trigram engine,
// the signal watched during rollout ramps.
type Adoption struct {
	TotalCalls    int64   `json:"totalCalls"`
	TrigramCalls  int64   `json:"trigramCalls"`
	TrigramShare  float64 `json:"trigramShare"`
	FallbackCalls int64   `json:"fallbackCalls"`
	Merchants     int64   `json:"merchants"`
}

// AdoptionReport aggregates engine adoption over the trailing window.
func (a *Analytics) AdoptionReport(window time.Duration) (*Adoption, error) {
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	cutoff := time.Now().Add(-window)

	var out Adoption
	err := a.gdb.Model(&model.PerformanceMetric{}).
		Select(`count(*) as total_calls,
			count(*) filter (where engine = ?) as trigram_calls,
			count(*) filter (where was_fallback) as fallback_calls,
			count(distinct merchant_id) as merchants`, model.EngineTrigram).
		Where("created_at > ?", cutoff).
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to compute adoption: %w", err)
	}
	if out.TotalCalls > 0 {
		out.TrigramShare = float64(out.TrigramCalls) / float64(out.TotalCalls)
	}
	return &out, nil
}

// Recent lists the newest observations, optionally scoped to one merchant.
func (a *Analytics) Recent(merchantID string, limit int) ([]model.PerformanceMetric, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []model.PerformanceMetric
	q := a.gdb.Order("created_at DESC").Limit(limit)
	if merchantID != "" {
		q = q.Where("merchant_id = ?", merchantID)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list recent metrics: %w", err)
	}
	return out, nil
}

// Cleanup deletes observations older than the retention window and returns
// the number of rows removed.
func (a *Analytics) Cleanup(retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	cutoff := time.Now().Add(-retention)

	res := a.gdb.Where("created_at < ?", cutoff).Delete(&model.PerformanceMetric{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to clean up metrics: %w", res.Error)
	}
	return res.RowsAffected, nil
}
