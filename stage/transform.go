package stage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/sirupsen/logrus"

	poflow "poflow.merchantry.io/common"
	"poflow.merchantry.io/db"
	"poflow.merchantry.io/model"
)

// Normalization defaults when the merchant configures nothing.
const (
	defaultSKUPrefix  = "SKU"
	defaultPriceScale = 2
	maxPriceScale     = 4
)

// loadMerchant fetches the merchant row, tolerating a missing one. The
// transform stages fall back to defaults rather than failing a workflow
// over tenant bookkeeping.
func loadMerchant(ctx context.Context, store MerchantGetter, merchantID string, log *logrus.Entry) (*model.Merchant, error) {
	m, err := store.GetByID(ctx, merchantID)
	if errors.Is(err, db.ErrNotFound) {
		log.WithField("merchant", merchantID).Debug("no merchant row, using defaults")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// NormalizeProcessor runs data_normalization: the stored line items become
// work items with merchant sku and price rules applied.
type NormalizeProcessor struct {
	lineItems LineItemLister
	merchants MerchantGetter
	log       *logrus.Entry
}

func NewNormalizeProcessor(lineItems LineItemLister, merchants MerchantGetter) *NormalizeProcessor {
	return &NormalizeProcessor{
		lineItems: lineItems,
		merchants: merchants,
		log:       poflow.Component("stage.normalize"),
	}
}

func (p *NormalizeProcessor) Name() model.StageName { return model.StageDataNormalization }

func (p *NormalizeProcessor) Process(ctx context.Context, in Input) (*Result, error) {
	var saved SavedPayload
	if err := in.Payload.Into(model.StageDataNormalization, &saved); err != nil {
		return nil, poflow.Validation("stage.normalize", err)
	}
	if saved.PurchaseOrderID == "" {
		return nil, poflow.Validation("stage.normalize", errors.New("no purchase order id"))
	}

	items, err := p.lineItems.ListLineItems(ctx, saved.PurchaseOrderID)
	if err != nil {
		return nil, err
	}

	merchant, err := loadMerchant(ctx, p.merchants, in.MerchantID, p.log)
	if err != nil {
		return nil, err
	}
	prefix, ok := merchant.StringSetting(model.SettingSKUPrefix)
	if !ok || strings.TrimSpace(prefix) == "" {
		prefix = defaultSKUPrefix
	}
	scale, ok := merchant.IntSetting(model.SettingPriceDecimals)
	if !ok || scale < 0 || scale > maxPriceScale {
		scale = defaultPriceScale
	}

	work := make([]WorkItem, 0, len(items))
	for _, item := range items {
		work = append(work, WorkItem{
			LineItemID:  item.ID,
			SKU:         normalizeSKU(item.SKU, prefix, item.ID),
			Title:       collapseSpace(item.ProductName),
			Description: strings.TrimSpace(item.Description),
			Quantity:    item.Quantity,
			UnitCost:    roundTo(item.UnitCost, scale),
		})
	}

	p.log.WithFields(logrus.Fields{
		"workflow": in.WorkflowID,
		"po":       saved.PurchaseOrderID,
		"items":    len(work),
	}).Info("line items normalized")

	next, err := Wrap(model.StageMerchantConfig, NormalizedPayload{
		PurchaseOrderID: saved.PurchaseOrderID,
		SupplierID:      saved.SupplierID,
		Items:           work,
	})
	if err != nil {
		return nil, poflow.Validation("stage.normalize", err)
	}
	return &Result{Next: next, PurchaseOrderID: saved.PurchaseOrderID, MerchantID: in.MerchantID}, nil
}

// normalizeSKU uppercases a supplied sku or derives a stable one from the
// line item id, so re-running the stage never mints a different sku.
func normalizeSKU(sku, prefix, lineItemID string) string {
	sku = strings.ToUpper(strings.TrimSpace(sku))
	if sku != "" {
		return sku
	}
	frag := strings.ReplaceAll(lineItemID, "-", "")
	if len(frag) > 8 {
		frag = frag[:8]
	}
	return fmt.Sprintf("%s-%s", strings.ToUpper(prefix), strings.ToUpper(frag))
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func roundTo(v float64, scale int) float64 {
	p := math.Pow10(scale)
	return math.Round(v*p) / p
}

// ConfigProcessor runs merchant_config: tenant default tags and category
// land on every item that does not already carry its own.
type ConfigProcessor struct {
	merchants MerchantGetter
	log       *logrus.Entry
}

func NewConfigProcessor(merchants MerchantGetter) *ConfigProcessor {
	return &ConfigProcessor{merchants: merchants, log: poflow.Component("stage.config")}
}

func (p *ConfigProcessor) Name() model.StageName { return model.StageMerchantConfig }

func (p *ConfigProcessor) Process(ctx context.Context, in Input) (*Result, error) {
	var norm NormalizedPayload
	if err := in.Payload.Into(model.StageMerchantConfig, &norm); err != nil {
		return nil, poflow.Validation("stage.config", err)
	}

	merchant, err := loadMerchant(ctx, p.merchants, in.MerchantID, p.log)
	if err != nil {
		return nil, err
	}
	defaultTags := merchant.StringsSetting(model.SettingDefaultTags)
	categoryID, _ := merchant.StringSetting(model.SettingDefaultCategory)

	for i := range norm.Items {
		item := &norm.Items[i]
		item.Tags = mergeTags(item.Tags, defaultTags)
		if item.CategoryID == "" {
			item.CategoryID = categoryID
		}
	}

	next, err := Wrap(model.StageAIEnrichment, CategorizedPayload{
		PurchaseOrderID: norm.PurchaseOrderID,
		SupplierID:      norm.SupplierID,
		Items:           norm.Items,
	})
	if err != nil {
		return nil, poflow.Validation("stage.config", err)
	}
	return &Result{Next: next, PurchaseOrderID: norm.PurchaseOrderID, MerchantID: in.MerchantID}, nil
}

// mergeTags appends the defaults an item does not already carry, keeping
// the item's own tags first.
func mergeTags(own, defaults []string) []string {
	if len(defaults) == 0 {
		return own
	}
	seen := make(map[string]bool, len(own))
	for _, t := range own {
		seen[strings.ToLower(t)] = true
	}
	out := own
	for _, t := range defaults {
		if t == "" || seen[strings.ToLower(t)] {
			continue
		}
		seen[strings.ToLower(t)] = true
		out = append(out, t)
	}
	return out
}
