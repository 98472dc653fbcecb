package stage

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	poflow "poflow.merchantry.io/common"
	"poflow.merchantry.io/db"
	"poflow.merchantry.io/extraction"
	"poflow.merchantry.io/model"
)

// extractionPrompt tells the model what shape to return. The envelope
// decoder tolerates fenced output, so the prompt concentrates on the
// schema.
const extractionPrompt = `Extract the purchase order from this document as JSON:
{"number": "...", "supplier": {"name", "email", "phone", "website", "address"},
"lineItems": [{"sku", "productName", "description", "quantity", "unitCost", "totalCost"}],
"totals": {"subtotal", "tax", "total"}}.
Quantities are integers. Use null for fields the document does not state.`

// ParsingProcessor runs ai_parsing: load the uploaded bytes, extract, and
// normalize pack quantities before anything downstream sees the data.
type ParsingProcessor struct {
	uploads   UploadGetter
	objects   ObjectFetcher
	extractor Extractor
	log       *logrus.Entry
}

func NewParsingProcessor(uploads UploadGetter, objects ObjectFetcher, extractor Extractor) *ParsingProcessor {
	return &ParsingProcessor{
		uploads:   uploads,
		objects:   objects,
		extractor: extractor,
		log:       poflow.Component("stage.parsing"),
	}
}

func (p *ParsingProcessor) Name() model.StageName { return model.StageAIParsing }

func (p *ParsingProcessor) Process(ctx context.Context, in Input) (*Result, error) {
	var intake IntakePayload
	if err := in.Payload.Into(model.StageAIParsing, &intake); err != nil {
		return nil, poflow.Validation("stage.parsing", err)
	}
	if intake.UploadID == "" {
		return nil, poflow.Validation("stage.parsing", errors.New("no upload id"))
	}

	upload, err := p.uploads.GetByID(ctx, intake.UploadID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, poflow.Business("stage.parsing", err)
		}
		return nil, err
	}

	raw, err := p.objects.Fetch(ctx, upload.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch document %s: %w", upload.StorageKey, err)
	}

	env, err := p.extractor.Extract(ctx, extraction.Request{
		FileName:    upload.FileName,
		ContentType: upload.ContentType,
		Data:        raw,
		Prompt:      extractionPrompt,
	})
	if err != nil {
		return nil, err
	}

	data := env.Data()
	fixes := extraction.NormalizeQuantities(data)

	p.log.WithFields(logrus.Fields{
		"workflow":      in.WorkflowID,
		"file":          upload.FileName,
		"size":          humanize.Bytes(uint64(len(raw))),
		"lineItems":     len(data.LineItems),
		"quantityFixes": len(fixes),
		"confidence":    env.Confidence,
	}).Info("document extracted")

	next, err := Wrap(model.StageDatabaseSave, ExtractedPayload{
		UploadID:         intake.UploadID,
		Data:             data,
		Confidence:       env.Confidence,
		FieldConfidences: env.FieldConfidences,
	})
	if err != nil {
		return nil, poflow.Validation("stage.parsing", err)
	}
	return &Result{Next: next, PurchaseOrderID: in.PurchaseOrderID, MerchantID: in.MerchantID}, nil
}
