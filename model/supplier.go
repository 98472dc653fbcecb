package model

import "time"

// SupplierStatus marks whether a supplier participates in matching.
type SupplierStatus string

const (
	SupplierActive   SupplierStatus = "active"
	SupplierInactive SupplierStatus = "inactive"
)

// Supplier is a tenant-scoped vendor directory entry. NameNormalized is
// maintained by the supplier store on every write so the trigram index and
// the in-process matcher score the same strings.
type Supplier struct {
	ID             string         `gorm:"type:uuid;primaryKey" json:"id"`
	MerchantID     string         `gorm:"type:uuid;not null;index:idx_supplier_merchant_norm,priority:1" json:"merchantId"`
	Name           string         `gorm:"not null" json:"name"`
	NameNormalized string         `gorm:"not null;index:idx_supplier_merchant_norm,priority:2" json:"nameNormalized"`
	ContactEmail   string         `json:"contactEmail"`
	ContactPhone   string         `json:"contactPhone"`
	Website        string         `json:"website"`
	Address        string         `json:"address"`
	Status         SupplierStatus `gorm:"type:text;not null;default:active" json:"status"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

func (Supplier) TableName() string { return "suppliers" }
