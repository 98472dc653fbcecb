package model

import "time"

// POStatus is the purchase-order lifecycle state. Transitions follow
// processing -> (review_needed | failed) -> completed; terminal states are
// never re-opened by a workflow.
type POStatus string

const (
	POStatusProcessing   POStatus = "processing"
	POStatusReviewNeeded POStatus = "review_needed"
	POStatusCompleted    POStatus = "completed"
	POStatusFailed       POStatus = "failed"
)

// Terminal reports whether the status permits no further workflow writes.
func (s POStatus) Terminal() bool {
	return s == POStatusCompleted || s == POStatusFailed
}

// PurchaseOrder is the tenant-scoped business entity produced by document
// extraction. (MerchantID, Number) is globally unique; the persistence
// service resolves collisions.
type PurchaseOrder struct {
	ID          string    `gorm:"type:uuid;primaryKey" json:"id"`
	MerchantID  string    `gorm:"type:uuid;not null;uniqueIndex:idx_po_merchant_number,priority:1" json:"merchantId"`
	Number      string    `gorm:"not null;uniqueIndex:idx_po_merchant_number,priority:2" json:"number"`
	SupplierID  *string   `gorm:"type:uuid" json:"supplierId,omitempty"`
	Status      POStatus  `gorm:"type:text;not null;default:processing" json:"status"`
	JobStatus   string    `json:"jobStatus"`
	TotalAmount float64   `gorm:"type:numeric(12,2)" json:"totalAmount"`
	Currency    string    `gorm:"default:USD" json:"currency"`
	Confidence  float64   `json:"confidence"`
	RawData     JSONMap   `gorm:"type:jsonb" json:"rawData,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (PurchaseOrder) TableName() string { return "purchase_orders" }

// POLineItem is one extracted row of a purchase order. Line items are
// written once by the bulk insert and read-only afterwards.
type POLineItem struct {
	ID              string  `gorm:"type:uuid;primaryKey" json:"id"`
	PurchaseOrderID string  `gorm:"type:uuid;index;not null" json:"purchaseOrderId"`
	SKU             string  `json:"sku"`
	ProductName     string  `gorm:"not null" json:"productName"`
	Description     string  `json:"description"`
	Quantity        int     `gorm:"not null;default:1" json:"quantity"`
	UnitCost        float64 `gorm:"type:numeric(12,4)" json:"unitCost"`
	TotalCost       float64 `gorm:"type:numeric(12,2)" json:"totalCost"`
	Confidence      float64 `json:"confidence"`
	RawLine         JSONMap `gorm:"type:jsonb" json:"rawLine,omitempty"`
}

func (POLineItem) TableName() string { return "po_line_items" }

// AIProcessingAudit records one extraction or enrichment pass over a
// purchase order, written in the same transaction as the order itself.
type AIProcessingAudit struct {
	ID              string    `gorm:"type:uuid;primaryKey" json:"id"`
	MerchantID      string    `gorm:"type:uuid;index;not null" json:"merchantId"`
	PurchaseOrderID string    `gorm:"type:uuid;index" json:"purchaseOrderId"`
	Operation       string    `gorm:"not null" json:"operation"`
	Confidence      float64   `json:"confidence"`
	Detail          JSONMap   `gorm:"type:jsonb" json:"detail,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

func (AIProcessingAudit) TableName() string { return "ai_processing_audits" }
