package model

import "time"

// WorkflowStatus is the execution lifecycle state.
type WorkflowStatus string

const (
	WorkflowPending    WorkflowStatus = "pending"
	WorkflowProcessing WorkflowStatus = "processing"
	WorkflowCompleted  WorkflowStatus = "completed"
	WorkflowFailed     WorkflowStatus = "failed"
)

// Terminal reports whether the workflow reached its single terminal write.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed
}

// Execution modes recorded in workflow metadata.
const (
	ModeQueued     = "queued"
	ModeSequential = "sequential"

	metadataModeKey              = "mode"
	metadataReconcileAttemptsKey = "reconcileAttempts"
)

// WorkflowExecution is the unit of orchestration: one document upload moving
// through the pipeline. The (UploadID, MerchantID, CreatedAt) index backs
// the 60-second start deduplication.
type WorkflowExecution struct {
	WorkflowID      string         `gorm:"primaryKey" json:"workflowId"`
	MerchantID      string         `gorm:"type:uuid;index;not null" json:"merchantId"`
	UploadID        *string        `gorm:"type:uuid;index:idx_wf_dedup,priority:1" json:"uploadId,omitempty"`
	PurchaseOrderID *string        `gorm:"type:uuid" json:"purchaseOrderId,omitempty"`
	CurrentStage    StageName      `gorm:"type:text;not null" json:"currentStage"`
	Status          WorkflowStatus `gorm:"type:text;not null;index" json:"status"`
	Progress        int            `gorm:"not null;default:0" json:"progress"`
	RetryCounts     RetryCounts    `gorm:"type:jsonb" json:"retryCounts"`
	Metadata        JSONMap        `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt       time.Time      `gorm:"index:idx_wf_dedup,priority:2" json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

func (WorkflowExecution) TableName() string { return "workflow_executions" }

// Mode returns the recorded execution mode, defaulting to queued for
// executions created before modes were recorded.
func (w *WorkflowExecution) Mode() string {
	if w.Metadata != nil {
		if m, ok := w.Metadata[metadataModeKey].(string); ok && m != "" {
			return m
		}
	}
	return ModeQueued
}

// SetMode records the execution mode in metadata.
func (w *WorkflowExecution) SetMode(mode string) {
	if w.Metadata == nil {
		w.Metadata = JSONMap{}
	}
	w.Metadata[metadataModeKey] = mode
}

// ReconcileAttempts returns how often the reconcile driver has already
// picked this execution up.
func (w *WorkflowExecution) ReconcileAttempts() int {
	if w.Metadata == nil {
		return 0
	}
	switch v := w.Metadata[metadataReconcileAttemptsKey].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// BumpReconcileAttempts increments the reconcile counter and returns the
// new value.
func (w *WorkflowExecution) BumpReconcileAttempts() int {
	n := w.ReconcileAttempts() + 1
	if w.Metadata == nil {
		w.Metadata = JSONMap{}
	}
	w.Metadata[metadataReconcileAttemptsKey] = n
	return n
}

// RetryCount returns the recorded retries for one stage.
func (w *WorkflowExecution) RetryCount(stage StageName) int {
	if w.RetryCounts == nil {
		return 0
	}
	return w.RetryCounts[string(stage)]
}

// StageStatus is the per-stage audit state.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// WorkflowStageExecution is the per-stage audit row. A workflow accumulates
// one row per stage attempt, which is what the status endpoint and failure
// forensics read.
type WorkflowStageExecution struct {
	ID           int64       `gorm:"primaryKey;autoIncrement" json:"id"`
	WorkflowID   string      `gorm:"index;not null" json:"workflowId"`
	StageName    StageName   `gorm:"type:text;not null" json:"stageName"`
	Status       StageStatus `gorm:"type:text;not null" json:"status"`
	Progress     int         `json:"progress"`
	StartedAt    time.Time   `json:"startedAt"`
	CompletedAt  *time.Time  `json:"completedAt,omitempty"`
	ErrorMessage *string     `json:"errorMessage,omitempty"`
}

func (WorkflowStageExecution) TableName() string { return "workflow_stage_executions" }
