package stage

import (
	"context"

	"github.com/sirupsen/logrus"

	"poflow.merchantry.io/commerce"
	poflow "poflow.merchantry.io/common"
	"poflow.merchantry.io/model"
)

// PayloadProcessor runs shopify_payload: each work item becomes the
// platform projection the sync stage will push. Refined copy wins over the
// extracted original; image urls are attached later, once the image stage
// has scored candidates.
type PayloadProcessor struct {
	log *logrus.Entry
}

func NewPayloadProcessor() *PayloadProcessor {
	return &PayloadProcessor{log: poflow.Component("stage.payload")}
}

func (p *PayloadProcessor) Name() model.StageName { return model.StageShopifyPayload }

func (p *PayloadProcessor) Process(ctx context.Context, in Input) (*Result, error) {
	var enriched EnrichedPayload
	if err := in.Payload.Into(model.StageShopifyPayload, &enriched); err != nil {
		return nil, poflow.Validation("stage.payload", err)
	}

	products := make([]commerce.Product, 0, len(enriched.Items))
	for _, item := range enriched.Items {
		title := item.Title
		if item.RefinedTitle != "" {
			title = item.RefinedTitle
		}
		description := item.Description
		if item.RefinedDescription != "" {
			description = item.RefinedDescription
		}
		products = append(products, commerce.Product{
			LineItemID:  item.LineItemID,
			Title:       title,
			Description: description,
			SKU:         item.SKU,
			Price:       item.UnitCost,
			Tags:        item.Tags,
			Status:      "draft",
		})
	}

	next, err := Wrap(model.StageProductDraftCreation, PlatformPayload{
		PurchaseOrderID: enriched.PurchaseOrderID,
		SupplierID:      enriched.SupplierID,
		Items:           enriched.Items,
		Products:        products,
	})
	if err != nil {
		return nil, poflow.Validation("stage.payload", err)
	}
	return &Result{Next: next, PurchaseOrderID: enriched.PurchaseOrderID, MerchantID: in.MerchantID}, nil
}
