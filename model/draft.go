package model

import "time"

// DraftStatus is the product-draft lifecycle state.
type DraftStatus string

const (
	DraftStatusDraft         DraftStatus = "DRAFT"
	DraftStatusPendingReview DraftStatus = "PENDING_REVIEW"
	DraftStatusApproved      DraftStatus = "APPROVED"
	DraftStatusRejected      DraftStatus = "REJECTED"
	DraftStatusSyncing       DraftStatus = "SYNCING"
	DraftStatusSynced        DraftStatus = "SYNCED"
	DraftStatusFailed        DraftStatus = "FAILED"
)

// ProductDraft is the per-line-item projection synchronized to the commerce
// platform. LineItemID is unique: at most one draft exists per line item,
// which is what makes draft creation and platform sync safely re-runnable.
type ProductDraft struct {
	ID                  string      `gorm:"type:uuid;primaryKey" json:"id"`
	MerchantID          string      `gorm:"type:uuid;index;not null" json:"merchantId"`
	SessionID           string      `gorm:"type:uuid;not null" json:"sessionId"`
	PurchaseOrderID     string      `gorm:"type:uuid;index;not null" json:"purchaseOrderId"`
	LineItemID          string      `gorm:"type:uuid;not null;uniqueIndex:idx_draft_line_item" json:"lineItemId"`
	SupplierID          *string     `gorm:"type:uuid" json:"supplierId,omitempty"`
	OriginalTitle       string      `gorm:"not null" json:"originalTitle"`
	RefinedTitle        *string     `json:"refinedTitle,omitempty"`
	OriginalDescription *string     `json:"originalDescription,omitempty"`
	RefinedDescription  *string     `json:"refinedDescription,omitempty"`
	OriginalPrice       float64     `gorm:"type:numeric(12,4)" json:"originalPrice"`
	PriceRefined        *float64    `gorm:"type:numeric(12,4)" json:"priceRefined,omitempty"`
	Status              DraftStatus `gorm:"type:text;not null;default:DRAFT" json:"status"`
	ExternalProductID   *string     `json:"externalProductId,omitempty"`
	ExternalVariantID   *string     `json:"externalVariantId,omitempty"`
	Tags                StringList  `gorm:"type:jsonb" json:"tags"`
	CategoryID          *string     `json:"categoryId,omitempty"`
	CreatedAt           time.Time   `json:"createdAt"`
	UpdatedAt           time.Time   `json:"updatedAt"`
}

func (ProductDraft) TableName() string { return "product_drafts" }

// ProductImage is one scored image candidate attached to a draft.
type ProductImage struct {
	ID           string  `gorm:"type:uuid;primaryKey" json:"id"`
	DraftID      string  `gorm:"type:uuid;index;not null" json:"draftId"`
	URL          string  `gorm:"not null" json:"url"`
	SourceDomain string  `json:"sourceDomain"`
	Confidence   float64 `json:"confidence"`
	Position     int     `json:"position"`
}

func (ProductImage) TableName() string { return "product_images" }
