package model

import "time"

// Matching engine labels recorded in performance metrics.
const (
	EngineTrigram  = "trigram"
	EngineJSMetric = "jsmetric"
)

// PerformanceMetric is an observational row written off the matching hot
// path. The analyze-performance command reads these; nothing else does.
type PerformanceMetric struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MerchantID  string    `gorm:"type:uuid;not null;index:idx_metric_merchant_op,priority:1" json:"merchantId"`
	Operation   string    `gorm:"not null;index:idx_metric_merchant_op,priority:2;index:idx_metric_engine_op,priority:2" json:"operation"`
	Engine      string    `gorm:"not null;index:idx_metric_engine_op,priority:1" json:"engine"`
	DurationMs  int64     `json:"durationMs"`
	ResultCount int       `json:"resultCount"`
	Success     bool      `json:"success"`
	WasFallback bool      `json:"wasFallback"`
	Metadata    JSONMap   `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt   time.Time `gorm:"index:idx_metric_merchant_op,priority:3" json:"createdAt"`
}

func (PerformanceMetric) TableName() string { return "performance_metrics" }

// AllModels lists every persistent entity for schema tooling.
func AllModels() []interface{} {
	return []interface{}{
		&Merchant{},
		&Upload{},
		&Session{},
		&PurchaseOrder{},
		&POLineItem{},
		&AIProcessingAudit{},
		&Supplier{},
		&ProductDraft{},
		&ProductImage{},
		&WorkflowExecution{},
		&WorkflowStageExecution{},
		&PerformanceMetric{},
	}
}
