package stage

import (
	"context"

	"github.com/sirupsen/logrus"

	poflow "poflow.merchantry.io/common"
	"poflow.merchantry.io/model"
	"poflow.merchantry.io/persist"
)

// SaveProcessor runs database_save. All conflict handling lives in the
// persistence service; this stage only moves identifiers between payloads.
type SaveProcessor struct {
	saver Saver
	log   *logrus.Entry
}

func NewSaveProcessor(saver Saver) *SaveProcessor {
	return &SaveProcessor{saver: saver, log: poflow.Component("stage.save")}
}

func (p *SaveProcessor) Name() model.StageName { return model.StageDatabaseSave }

func (p *SaveProcessor) Process(ctx context.Context, in Input) (*Result, error) {
	var extracted ExtractedPayload
	if err := in.Payload.Into(model.StageDatabaseSave, &extracted); err != nil {
		return nil, poflow.Validation("stage.save", err)
	}

	res, err := p.saver.Save(ctx, persist.SaveRequest{
		MerchantID:       in.MerchantID,
		WorkflowID:       in.WorkflowID,
		UploadID:         extracted.UploadID,
		PurchaseOrderID:  in.PurchaseOrderID,
		Data:             extracted.Data,
		Confidence:       extracted.Confidence,
		FieldConfidences: extracted.FieldConfidences,
	})
	if err != nil {
		return nil, err
	}

	p.log.WithFields(logrus.Fields{
		"workflow": in.WorkflowID,
		"po":       res.PurchaseOrderID,
		"number":   res.Number,
		"created":  res.Created,
	}).Info("purchase order persisted")

	next, err := Wrap(model.StageDataNormalization, SavedPayload{
		PurchaseOrderID: res.PurchaseOrderID,
		Number:          res.Number,
		SupplierID:      res.SupplierID,
		LineItemIDs:     res.LineItemIDs,
	})
	if err != nil {
		return nil, poflow.Validation("stage.save", err)
	}
	return &Result{Next: next, PurchaseOrderID: res.PurchaseOrderID, MerchantID: in.MerchantID}, nil
}
