package stage

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	poflow "poflow.merchantry.io/common"
	"poflow.merchantry.io/model"
)

// ImagesProcessor runs image_attachment. One query per draft; a failed or
// empty search leaves that draft's candidates alone and moves on, because
// an order with a few imageless products beats a failed workflow.
type ImagesProcessor struct {
	drafts ImageStore
	images ImageSearcher
	log    *logrus.Entry
}

func NewImagesProcessor(drafts ImageStore, images ImageSearcher) *ImagesProcessor {
	return &ImagesProcessor{
		drafts: drafts,
		images: images,
		log:    poflow.Component("stage.images"),
	}
}

func (p *ImagesProcessor) Name() model.StageName { return model.StageImageAttachment }

func (p *ImagesProcessor) Process(ctx context.Context, in Input) (*Result, error) {
	var payload DraftsPayload
	if err := in.Payload.Into(model.StageImageAttachment, &payload); err != nil {
		return nil, poflow.Validation("stage.images", err)
	}

	drafts, err := p.drafts.ListByPurchaseOrder(ctx, payload.PurchaseOrderID)
	if err != nil {
		return nil, err
	}

	attached := 0
	for _, draft := range drafts {
		query := draft.OriginalTitle
		if draft.RefinedTitle != nil && *draft.RefinedTitle != "" {
			query = *draft.RefinedTitle
		}

		candidates, err := p.images.Search(ctx, query)
		if err != nil {
			p.log.WithError(err).WithFields(logrus.Fields{
				"draft": draft.ID,
				"query": query,
			}).Warn("image search failed, draft keeps its candidates")
			continue
		}
		if len(candidates) == 0 {
			continue
		}

		images := make([]model.ProductImage, 0, len(candidates))
		for _, c := range candidates {
			images = append(images, model.ProductImage{
				ID:           uuid.NewString(),
				DraftID:      draft.ID,
				URL:          c.URL,
				SourceDomain: c.SourceDomain,
				Confidence:   c.Confidence,
			})
		}
		if err := p.drafts.ReplaceImages(ctx, draft.ID, images); err != nil {
			return nil, err
		}
		attached += len(images)
	}

	p.log.WithFields(logrus.Fields{
		"workflow": in.WorkflowID,
		"po":       payload.PurchaseOrderID,
		"drafts":   len(drafts),
		"images":   attached,
	}).Info("image candidates attached")

	next, err := Wrap(model.StageShopifySync, ImagesPayload{
		PurchaseOrderID: payload.PurchaseOrderID,
		DraftIDs:        payload.DraftIDs,
		Products:        payload.Products,
	})
	if err != nil {
		return nil, poflow.Validation("stage.images", err)
	}
	return &Result{Next: next, PurchaseOrderID: payload.PurchaseOrderID, MerchantID: in.MerchantID}, nil
}
