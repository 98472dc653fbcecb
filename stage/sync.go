package stage

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"poflow.merchantry.io/commerce"
	poflow "poflow.merchantry.io/common"
	"poflow.merchantry.io/config"
	"poflow.merchantry.io/db"
	"poflow.merchantry.io/model"
)

// SyncProcessor runs shopify_sync. Pushes are at-least-once: the platform
// upsert is keyed by line item id, and drafts already marked synced are
// carried forward instead of re-pushed, so a retried stage converges.
type SyncProcessor struct {
	merchants MerchantGetter
	drafts    SyncStore
	pusher    ProductPusher
	cfg       config.CommerceConfig
	log       *logrus.Entry
}

func NewSyncProcessor(merchants MerchantGetter, drafts SyncStore, pusher ProductPusher, cfg config.CommerceConfig) *SyncProcessor {
	return &SyncProcessor{
		merchants: merchants,
		drafts:    drafts,
		pusher:    pusher,
		cfg:       cfg,
		log:       poflow.Component("stage.sync"),
	}
}

func (p *SyncProcessor) Name() model.StageName { return model.StageShopifySync }

func (p *SyncProcessor) Process(ctx context.Context, in Input) (*Result, error) {
	var payload ImagesPayload
	if err := in.Payload.Into(model.StageShopifySync, &payload); err != nil {
		return nil, poflow.Validation("stage.sync", err)
	}

	if p.pusher == nil || !p.pusher.Enabled() {
		p.log.WithField("workflow", in.WorkflowID).Info("platform sync disabled, drafts stay local")
		return p.done(in, payload.PurchaseOrderID, nil)
	}

	merchant, err := p.merchants.GetByID(ctx, in.MerchantID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, poflow.Business("stage.sync", err)
		}
		return nil, err
	}
	creds := commerce.CredentialsFor(merchant, p.cfg)

	drafts, err := p.drafts.ListByPurchaseOrder(ctx, payload.PurchaseOrderID)
	if err != nil {
		return nil, err
	}

	byLineItem := make(map[string]commerce.Product, len(payload.Products))
	for _, product := range payload.Products {
		byLineItem[product.LineItemID] = product
	}

	externalIDs := make([]string, 0, len(drafts))
	pushed := 0
	for _, draft := range drafts {
		if draft.Status == model.DraftStatusSynced && draft.ExternalProductID != nil {
			externalIDs = append(externalIDs, *draft.ExternalProductID)
			continue
		}

		product, ok := byLineItem[draft.LineItemID]
		if !ok {
			product = *commerce.ProductFromDraft(draft)
		}
		images, err := p.drafts.ListImages(ctx, draft.ID)
		if err != nil {
			return nil, err
		}
		urls := make([]string, 0, len(images))
		for _, img := range images {
			urls = append(urls, img.URL)
		}
		product.ImageURLs = urls

		if err := p.drafts.SetStatus(ctx, draft.ID, model.DraftStatusSyncing); err != nil {
			return nil, err
		}
		res, err := p.pusher.UpsertProduct(ctx, creds, &product)
		if err != nil {
			if serr := p.drafts.SetStatus(ctx, draft.ID, model.DraftStatusFailed); serr != nil {
				p.log.WithError(serr).WithField("draft", draft.ID).Warn("failed to mark draft failed")
			}
			return nil, err
		}
		if err := p.drafts.SetExternalIDs(ctx, draft.ID, res.ProductID, res.VariantID); err != nil {
			return nil, err
		}
		externalIDs = append(externalIDs, res.ProductID)
		pushed++
	}

	p.log.WithFields(logrus.Fields{
		"workflow": in.WorkflowID,
		"po":       payload.PurchaseOrderID,
		"drafts":   len(drafts),
		"pushed":   pushed,
	}).Info("drafts synced to platform")

	return p.done(in, payload.PurchaseOrderID, externalIDs)
}

func (p *SyncProcessor) done(in Input, poID string, externalIDs []string) (*Result, error) {
	next, err := Wrap(model.StageStatusUpdate, SyncedPayload{
		PurchaseOrderID:    poID,
		ExternalProductIDs: externalIDs,
	})
	if err != nil {
		return nil, poflow.Validation("stage.sync", err)
	}
	return &Result{Next: next, PurchaseOrderID: poID, MerchantID: in.MerchantID}, nil
}
