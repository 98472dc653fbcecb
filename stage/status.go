package stage

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	poflow "poflow.merchantry.io/common"
	"poflow.merchantry.io/model"
	"poflow.merchantry.io/progress"
)

// StatusProcessor runs status_update, the pipeline's final writer. The
// completed transition is guarded in SQL, so a replay against an already
// terminal order changes nothing; store cleanup is best-effort because the
// TTL reclaims whatever a broker hiccup leaves behind.
type StatusProcessor struct {
	orders StatusSetter
	store  PayloadCleaner
	bus    Notifier
	log    *logrus.Entry
}

func NewStatusProcessor(orders StatusSetter, store PayloadCleaner, bus Notifier) *StatusProcessor {
	return &StatusProcessor{
		orders: orders,
		store:  store,
		bus:    bus,
		log:    poflow.Component("stage.status"),
	}
}

func (p *StatusProcessor) Name() model.StageName { return model.StageStatusUpdate }

func (p *StatusProcessor) Process(ctx context.Context, in Input) (*Result, error) {
	var synced SyncedPayload
	if err := in.Payload.Into(model.StageStatusUpdate, &synced); err != nil {
		return nil, poflow.Validation("stage.status", err)
	}
	poID := synced.PurchaseOrderID
	if poID == "" {
		poID = in.PurchaseOrderID
	}
	if poID == "" {
		return nil, poflow.Validation("stage.status", errors.New("no purchase order id"))
	}

	updated, err := p.orders.SetStatus(ctx, poID, model.POStatusCompleted, "completed")
	if err != nil {
		return nil, err
	}
	if !updated {
		p.log.WithField("po", poID).Warn("purchase order already terminal, leaving status untouched")
	}

	if err := p.store.DeleteAll(ctx, in.WorkflowID); err != nil {
		p.log.WithError(err).WithField("workflow", in.WorkflowID).Warn("failed to clear stage payloads")
	}

	if p.bus != nil {
		p.bus.Publish(ctx, in.MerchantID, progress.KindCompletion, progress.Event{
			Type:       "workflow_completed",
			POID:       poID,
			WorkflowID: in.WorkflowID,
			Stage:      string(model.StageStatusUpdate),
			Progress:   100,
			Message:    "purchase order processing completed",
			Metadata: map[string]interface{}{
				"syncedProducts": len(synced.ExternalProductIDs),
			},
		})
	}

	p.log.WithFields(logrus.Fields{
		"workflow": in.WorkflowID,
		"po":       poID,
		"synced":   len(synced.ExternalProductIDs),
	}).Info("workflow completed")

	return &Result{Next: nil, PurchaseOrderID: poID, MerchantID: in.MerchantID}, nil
}
