package stage

import (
	"context"

	"poflow.merchantry.io/commerce"
	"poflow.merchantry.io/extraction"
	"poflow.merchantry.io/imagesearch"
	"poflow.merchantry.io/model"
	"poflow.merchantry.io/persist"
	"poflow.merchantry.io/progress"
)

// The processors depend on these ports instead of the concrete services so
// a stage can be exercised against fakes. Production wiring passes the db
// stores and RPC clients directly; each already satisfies its port.

// UploadGetter loads upload records.
type UploadGetter interface {
	GetByID(ctx context.Context, uploadID string) (*model.Upload, error)
}

// ObjectFetcher loads uploaded document bytes by storage key.
type ObjectFetcher interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// Extractor runs one document through the extraction service.
type Extractor interface {
	Extract(ctx context.Context, req extraction.Request) (*extraction.Envelope, error)
}

// Saver persists one extracted purchase order.
type Saver interface {
	Save(ctx context.Context, req persist.SaveRequest) (*persist.SaveResult, error)
}

// MerchantGetter loads merchant records with their settings.
type MerchantGetter interface {
	GetByID(ctx context.Context, merchantID string) (*model.Merchant, error)
}

// LineItemLister reads a purchase order's stored line items.
type LineItemLister interface {
	ListLineItems(ctx context.Context, poID string) ([]model.POLineItem, error)
}

// Enricher refines product copy. EnrichmentEnabled reports whether an
// endpoint is configured at all.
type Enricher interface {
	EnrichmentEnabled() bool
	Enrich(ctx context.Context, merchantID string, items []extraction.EnrichItem) ([]extraction.Refinement, error)
}

// DraftCreator is the slice of the draft store that draft creation uses.
type DraftCreator interface {
	FindSession(ctx context.Context, merchantID string) (*model.Session, error)
	CreateSession(ctx context.Context, sess *model.Session) error
	UpsertByLineItem(ctx context.Context, d *model.ProductDraft) (*model.ProductDraft, error)
}

// ImageStore is the slice of the draft store that image attachment uses.
type ImageStore interface {
	ListByPurchaseOrder(ctx context.Context, poID string) ([]*model.ProductDraft, error)
	ReplaceImages(ctx context.Context, draftID string, images []model.ProductImage) error
}

// ImageSearcher finds candidate product images for a query.
type ImageSearcher interface {
	Search(ctx context.Context, query string) ([]imagesearch.Candidate, error)
}

// SyncStore is the slice of the draft store that platform sync uses.
type SyncStore interface {
	ListByPurchaseOrder(ctx context.Context, poID string) ([]*model.ProductDraft, error)
	ListImages(ctx context.Context, draftID string) ([]model.ProductImage, error)
	SetStatus(ctx context.Context, draftID string, status model.DraftStatus) error
	SetExternalIDs(ctx context.Context, draftID, productID, variantID string) error
}

// ProductPusher pushes one product to the commerce platform.
type ProductPusher interface {
	Enabled() bool
	UpsertProduct(ctx context.Context, creds commerce.Credentials, p *commerce.Product) (*commerce.SyncResult, error)
}

// StatusSetter finalizes the purchase order's lifecycle state.
type StatusSetter interface {
	SetStatus(ctx context.Context, poID string, status model.POStatus, jobStatus string) (bool, error)
}

// PayloadCleaner clears a workflow's parked stage payloads.
type PayloadCleaner interface {
	DeleteAll(ctx context.Context, workflowID string) error
}

// Notifier publishes events on the merchant's progress topics.
type Notifier interface {
	Publish(ctx context.Context, merchantID string, kind progress.Kind, ev progress.Event)
}
