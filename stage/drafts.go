package stage

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	poflow "poflow.merchantry.io/common"
	"poflow.merchantry.io/db"
	"poflow.merchantry.io/model"
)

// DraftsProcessor runs product_draft_creation. The upsert is keyed by line
// item id, so a re-run lands on the existing rows; a merchant without any
// review session gets a temporary one instead of a failed stage.
type DraftsProcessor struct {
	drafts DraftCreator
	log    *logrus.Entry
}

func NewDraftsProcessor(drafts DraftCreator) *DraftsProcessor {
	return &DraftsProcessor{drafts: drafts, log: poflow.Component("stage.drafts")}
}

func (p *DraftsProcessor) Name() model.StageName { return model.StageProductDraftCreation }

func (p *DraftsProcessor) Process(ctx context.Context, in Input) (*Result, error) {
	var platform PlatformPayload
	if err := in.Payload.Into(model.StageProductDraftCreation, &platform); err != nil {
		return nil, poflow.Validation("stage.drafts", err)
	}

	session, err := p.session(ctx, in.MerchantID)
	if err != nil {
		return nil, err
	}

	draftIDs := make([]string, 0, len(platform.Items))
	for _, item := range platform.Items {
		draft := &model.ProductDraft{
			ID:                  uuid.NewString(),
			MerchantID:          in.MerchantID,
			SessionID:           session.ID,
			PurchaseOrderID:     platform.PurchaseOrderID,
			LineItemID:          item.LineItemID,
			SupplierID:          platform.SupplierID,
			OriginalTitle:       item.Title,
			RefinedTitle:        optStr(item.RefinedTitle),
			OriginalDescription: optStr(item.Description),
			RefinedDescription:  optStr(item.RefinedDescription),
			OriginalPrice:       item.UnitCost,
			Status:              model.DraftStatusDraft,
			Tags:                model.StringList(item.Tags),
			CategoryID:          optStr(item.CategoryID),
		}
		stored, err := p.drafts.UpsertByLineItem(ctx, draft)
		if err != nil {
			return nil, err
		}
		draftIDs = append(draftIDs, stored.ID)
	}

	p.log.WithFields(logrus.Fields{
		"workflow": in.WorkflowID,
		"po":       platform.PurchaseOrderID,
		"drafts":   len(draftIDs),
	}).Info("product drafts created")

	next, err := Wrap(model.StageImageAttachment, DraftsPayload{
		PurchaseOrderID: platform.PurchaseOrderID,
		DraftIDs:        draftIDs,
		Products:        platform.Products,
	})
	if err != nil {
		return nil, poflow.Validation("stage.drafts", err)
	}
	return &Result{Next: next, PurchaseOrderID: platform.PurchaseOrderID, MerchantID: in.MerchantID}, nil
}

// session returns the merchant's newest review session, minting a
// temporary one when none exists.
func (p *DraftsProcessor) session(ctx context.Context, merchantID string) (*model.Session, error) {
	session, err := p.drafts.FindSession(ctx, merchantID)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	session = &model.Session{
		ID:         uuid.NewString(),
		MerchantID: merchantID,
		Kind:       model.SessionKindTemporary,
	}
	if err := p.drafts.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	p.log.WithField("merchant", merchantID).Info("created temporary review session")
	return session, nil
}

func optStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
