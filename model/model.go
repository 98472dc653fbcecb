// Package model defines the persistent entities of the purchase-order
// processing platform. The structs carry gorm tags for the schema tooling;
// the hot-path stores address the same tables through hand-written SQL.
package model

import (
	"strconv"
	"time"
)

// Merchant settings keys recognized by the engine. Settings is a free-form
// map; unknown keys are preserved untouched.
const (
	SettingFuzzyMatchingEngine      = "fuzzyMatchingEngine" // auto | trigram | jsmetric
	SettingEnableSequentialWorkflow = "enableSequentialWorkflow"
	SettingRolloutGroupSeed         = "rolloutGroupSeed"
	SettingShopDomain               = "shopDomain"
	SettingAccessToken              = "accessToken"

	// Normalization and categorization rules applied by the transform
	// stages. All optional; absent keys mean defaults.
	SettingSKUPrefix       = "skuPrefix"
	SettingPriceDecimals   = "priceDecimals"
	SettingDefaultTags     = "defaultTags"
	SettingDefaultCategory = "defaultCategoryId"
)

// Merchant is the tenant root.
type Merchant struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	Settings  JSONMap   `gorm:"type:jsonb" json:"settings,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Merchant) TableName() string { return "merchants" }

// StringSetting returns a settings value as a string, with ok reporting
// whether the key was present and string-typed.
func (m *Merchant) StringSetting(key string) (string, bool) {
	if m == nil || m.Settings == nil {
		return "", false
	}
	v, ok := m.Settings[key].(string)
	return v, ok
}

// BoolSetting returns a settings value as a bool. String values "1" and
// "true" count as true, matching how flags arrive from older dashboards.
func (m *Merchant) BoolSetting(key string) bool {
	if m == nil || m.Settings == nil {
		return false
	}
	switch v := m.Settings[key].(type) {
	case bool:
		return v
	case string:
		return v == "1" || v == "true"
	default:
		return false
	}
}

// IntSetting returns a settings value as an int. JSON numbers arrive as
// float64; numeric strings are accepted for dashboard compatibility.
func (m *Merchant) IntSetting(key string) (int, bool) {
	if m == nil || m.Settings == nil {
		return 0, false
	}
	switch v := m.Settings[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// StringsSetting returns a settings value as a string list, tolerating the
// []interface{} shape JSON decoding produces.
func (m *Merchant) StringsSetting(key string) []string {
	if m == nil || m.Settings == nil {
		return nil
	}
	switch v := m.Settings[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Upload is one submitted document. The bytes live in the object store
// under StorageKey.
type Upload struct {
	ID          string    `gorm:"type:uuid;primaryKey" json:"id"`
	MerchantID  string    `gorm:"type:uuid;index;not null" json:"merchantId"`
	FileName    string    `gorm:"not null" json:"fileName"`
	StorageKey  string    `gorm:"not null" json:"storageKey"`
	ContentType string    `json:"contentType"`
	SizeBytes   int64     `json:"sizeBytes"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (Upload) TableName() string { return "uploads" }

// SessionKindTemporary marks sessions minted by the draft-creation stage
// when the merchant has none.
const (
	SessionKindStandard  = "standard"
	SessionKindTemporary = "temporary"
)

// Session groups product drafts for review.
type Session struct {
	ID         string    `gorm:"type:uuid;primaryKey" json:"id"`
	MerchantID string    `gorm:"type:uuid;index;not null" json:"merchantId"`
	Kind       string    `gorm:"not null;default:standard" json:"kind"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (Session) TableName() string { return "sessions" }
