// Package stage implements the ten-step processing pipeline: the tagged
// payloads handed from stage to stage, the broker-backed store that carries
// them between queue jobs, and the processors themselves. Every processor
// is a function of its input payload plus identifiers; progress lives in
// the store and the database, never in process locals, because a job can
// resume on another worker at any suspension point.
package stage

import (
	"encoding/json"
	"errors"
	"fmt"

	"poflow.merchantry.io/commerce"
	"poflow.merchantry.io/extraction"
	"poflow.merchantry.io/model"
)

// Envelope wraps one inter-stage payload. Stage names the boundary the
// payload feeds, so a mismatched read fails loudly instead of decoding
// into the wrong type; Version guards against workers of different builds
// sharing one store.
type Envelope struct {
	Version int             `json:"version"`
	Stage   model.StageName `json:"stage"`
	Data    json.RawMessage `json:"data"`
}

const envelopeVersion = 1

// Wrap encodes payload into an envelope feeding the named stage.
func Wrap(stage model.StageName, payload interface{}) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", stage, err)
	}
	return &Envelope{Version: envelopeVersion, Stage: stage, Data: data}, nil
}

// Into decodes the envelope into payload, checking that it feeds the
// expected stage.
func (e *Envelope) Into(stage model.StageName, payload interface{}) error {
	if e == nil {
		return errors.New("no stage payload")
	}
	if e.Version != envelopeVersion {
		return fmt.Errorf("unsupported payload version %d", e.Version)
	}
	if e.Stage != stage {
		return fmt.Errorf("payload feeds stage %s, want %s", e.Stage, stage)
	}
	if err := json.Unmarshal(e.Data, payload); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", stage, err)
	}
	return nil
}

// WorkItem is one line item flowing through the transform stages. Title and
// Description hold the extracted originals; the refined fields are filled
// by enrichment and stay empty when enrichment is disabled or fails.
type WorkItem struct {
	LineItemID         string   `json:"lineItemId"`
	SKU                string   `json:"sku,omitempty"`
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	RefinedTitle       string   `json:"refinedTitle,omitempty"`
	RefinedDescription string   `json:"refinedDescription,omitempty"`
	Quantity           int      `json:"quantity"`
	UnitCost           float64  `json:"unitCost"`
	Tags               []string `json:"tags,omitempty"`
	CategoryID         string   `json:"categoryId,omitempty"`
}

// IntakePayload feeds ai_parsing: the upload to extract.
type IntakePayload struct {
	UploadID string `json:"uploadId"`
}

// ExtractedPayload feeds database_save: the merged extraction result.
type ExtractedPayload struct {
	UploadID         string             `json:"uploadId"`
	Data             *extraction.Data   `json:"data"`
	Confidence       float64            `json:"confidence"`
	FieldConfidences map[string]float64 `json:"fieldConfidences,omitempty"`
}

// SavedPayload feeds data_normalization: what the save transaction wrote.
type SavedPayload struct {
	PurchaseOrderID string   `json:"purchaseOrderId"`
	Number          string   `json:"number"`
	SupplierID      *string  `json:"supplierId,omitempty"`
	LineItemIDs     []string `json:"lineItemIds"`
}

// NormalizedPayload feeds merchant_config.
type NormalizedPayload struct {
	PurchaseOrderID string     `json:"purchaseOrderId"`
	SupplierID      *string    `json:"supplierId,omitempty"`
	Items           []WorkItem `json:"items"`
}

// CategorizedPayload feeds ai_enrichment.
type CategorizedPayload struct {
	PurchaseOrderID string     `json:"purchaseOrderId"`
	SupplierID      *string    `json:"supplierId,omitempty"`
	Items           []WorkItem `json:"items"`
}

// EnrichedPayload feeds shopify_payload.
type EnrichedPayload struct {
	PurchaseOrderID string     `json:"purchaseOrderId"`
	SupplierID      *string    `json:"supplierId,omitempty"`
	Items           []WorkItem `json:"items"`
}

// PlatformPayload feeds product_draft_creation: the items plus their
// platform-ready projections, keyed by line item id.
type PlatformPayload struct {
	PurchaseOrderID string             `json:"purchaseOrderId"`
	SupplierID      *string            `json:"supplierId,omitempty"`
	Items           []WorkItem         `json:"items"`
	Products        []commerce.Product `json:"products"`
}

// DraftsPayload feeds image_attachment.
type DraftsPayload struct {
	PurchaseOrderID string             `json:"purchaseOrderId"`
	DraftIDs        []string           `json:"draftIds"`
	Products        []commerce.Product `json:"products"`
}

// ImagesPayload feeds shopify_sync.
type ImagesPayload struct {
	PurchaseOrderID string             `json:"purchaseOrderId"`
	DraftIDs        []string           `json:"draftIds"`
	Products        []commerce.Product `json:"products"`
}

// SyncedPayload feeds status_update.
type SyncedPayload struct {
	PurchaseOrderID    string   `json:"purchaseOrderId"`
	ExternalProductIDs []string `json:"externalProductIds"`
}
