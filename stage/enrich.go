package stage

import (
	"context"

	"github.com/sirupsen/logrus"

	poflow "poflow.merchantry.io/common"
	"poflow.merchantry.io/extraction"
	"poflow.merchantry.io/model"
)

// EnrichProcessor runs ai_enrichment. The stage is strictly best-effort:
// no endpoint, an RPC failure, or a short answer all degrade to passing
// the items through with their original copy.
type EnrichProcessor struct {
	enricher Enricher
	log      *logrus.Entry
}

func NewEnrichProcessor(enricher Enricher) *EnrichProcessor {
	return &EnrichProcessor{enricher: enricher, log: poflow.Component("stage.enrich")}
}

func (p *EnrichProcessor) Name() model.StageName { return model.StageAIEnrichment }

func (p *EnrichProcessor) Process(ctx context.Context, in Input) (*Result, error) {
	var cat CategorizedPayload
	if err := in.Payload.Into(model.StageAIEnrichment, &cat); err != nil {
		return nil, poflow.Validation("stage.enrich", err)
	}

	if p.enricher != nil && p.enricher.EnrichmentEnabled() && len(cat.Items) > 0 {
		p.refine(ctx, in, cat.Items)
	}

	next, err := Wrap(model.StageShopifyPayload, EnrichedPayload{
		PurchaseOrderID: cat.PurchaseOrderID,
		SupplierID:      cat.SupplierID,
		Items:           cat.Items,
	})
	if err != nil {
		return nil, poflow.Validation("stage.enrich", err)
	}
	return &Result{Next: next, PurchaseOrderID: cat.PurchaseOrderID, MerchantID: in.MerchantID}, nil
}

// refine mutates items in place with whatever the enrichment service
// returned. Refinements align with the request by index.
func (p *EnrichProcessor) refine(ctx context.Context, in Input, items []WorkItem) {
	req := make([]extraction.EnrichItem, 0, len(items))
	for _, item := range items {
		req = append(req, extraction.EnrichItem{
			SKU:         item.SKU,
			ProductName: item.Title,
			Description: item.Description,
			Category:    item.CategoryID,
		})
	}

	refs, err := p.enricher.Enrich(ctx, in.MerchantID, req)
	if err != nil {
		p.log.WithError(err).WithField("workflow", in.WorkflowID).Warn("enrichment failed, passing items through")
		return
	}

	applied := 0
	for i, ref := range refs {
		if i >= len(items) {
			break
		}
		if ref.RefinedTitle != "" {
			items[i].RefinedTitle = ref.RefinedTitle
			applied++
		}
		if ref.RefinedDescription != "" {
			items[i].RefinedDescription = ref.RefinedDescription
		}
	}
	p.log.WithFields(logrus.Fields{
		"workflow": in.WorkflowID,
		"items":    len(items),
		"refined":  applied,
	}).Info("product copy enriched")
}
