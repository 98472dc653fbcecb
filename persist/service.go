// Package persist implements the save stage's bounded transaction: the
// purchase-order header upsert, one bulk line-item insert, and the audit
// row. Supplier matching and quantity normalization run before the
// transaction opens so they never burn transaction budget; duplicate PO
// numbers are resolved outside the aborted transaction and retried exactly
// once on a fresh one.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	poflow "poflow.merchantry.io/common"
	"poflow.merchantry.io/db"
	"poflow.merchantry.io/extraction"
	"poflow.merchantry.io/match"
	"poflow.merchantry.io/model"
)

const (
	// A conflicted save gets exactly one fresh transaction with the
	// resolved number.
	saveAttempts = 2

	// suffixProbes bounds the create-conflict suffix search before the
	// timestamp fallback takes over.
	suffixProbes = 10

	saveOperation   = "database_save"
	defaultCurrency = "USD"
)

// OrderStore is the slice of the purchase-order store the service drives.
// The Querier methods run inside the save transaction; the number lookups
// run on the gateway, after rollback.
type OrderStore interface {
	UpsertHeader(ctx context.Context, q db.Querier, po *model.PurchaseOrder) (bool, error)
	InsertLineItems(ctx context.Context, q db.Querier, items []model.POLineItem) error
	DeleteLineItems(ctx context.Context, q db.Querier, poID string) error
	InsertAudit(ctx context.Context, q db.Querier, a *model.AIProcessingAudit) error
	GetNumberByID(ctx context.Context, poID string) (string, error)
	NumberExists(ctx context.Context, merchantID, number string) (bool, error)
}

// SupplierResolver matches the extracted supplier fragment against the
// merchant's directory.
type SupplierResolver interface {
	Resolve(ctx context.Context, req match.Request) (*match.Result, error)
}

// SaveRequest carries one extraction result into the store.
//
// Save mutates Data in place: pack quantities are normalized and the final
// PO number is written into the blob, so the caller's copy is the one the
// downstream stages see.
type SaveRequest struct {
	MerchantID string
	WorkflowID string
	UploadID   string

	// PurchaseOrderID targets an existing order for a re-parse; empty
	// creates a new one.
	PurchaseOrderID string

	Data             *extraction.Data
	Confidence       float64
	FieldConfidences map[string]float64
}

// SaveResult reports what the transaction wrote.
type SaveResult struct {
	PurchaseOrderID string
	LineItemIDs     []string
	Number          string
	SupplierID      *string
	SupplierAction  match.Action

	// Created is false when the save updated an existing header.
	Created bool

	// NumberRetried is true when the save went through conflict
	// resolution.
	NumberRetried bool
}

// Service is the persistence half of the save stage.
type Service struct {
	db       db.DB
	orders   OrderStore
	resolver SupplierResolver
	log      *logrus.Entry
}

// NewService wires the service. resolver may be nil, which saves orders
// without supplier links.
func NewService(gw db.DB, orders OrderStore, resolver SupplierResolver) *Service {
	return &Service{
		db:       gw,
		orders:   orders,
		resolver: resolver,
		log:      poflow.Component("persist"),
	}
}

// Save persists one extracted purchase order. Supplier resolution and
// quantity fixes happen first, then the bounded transaction writes header,
// line items, and audit. A unique violation on (merchant, number) rolls
// back, resolves the number against live store state, and retries once.
func (s *Service) Save(ctx context.Context, req *SaveRequest) (*SaveResult, error) {
	if req.Data == nil {
		return nil, poflow.Validation("persist.Save", errors.New("no extracted data"))
	}
	if req.MerchantID == "" {
		return nil, poflow.Validation("persist.Save", errors.New("merchant id required"))
	}

	fixes := extraction.NormalizeQuantities(req.Data)
	if len(fixes) > 0 {
		s.log.WithFields(logrus.Fields{
			"workflow": req.WorkflowID,
			"fixes":    len(fixes),
		}).Info("normalized pack quantities")
	}

	supplierID, action := s.resolveSupplier(ctx, req)
	s.checkTotals(req)

	number := strings.TrimSpace(req.Data.Number)
	if number == "" {
		number = fallbackNumber()
		s.log.WithFields(logrus.Fields{
			"workflow": req.WorkflowID,
			"number":   number,
		}).Warn("document carries no PO number, generated one")
	}
	// The blob always carries the number the header gets; conflict retries
	// overwrite this field, never delete it.
	req.Data.Number = number

	poID := req.PurchaseOrderID
	creating := poID == ""
	if creating {
		poID = uuid.NewString()
	}

	retried := false
	for attempt := 1; ; attempt++ {
		res, err := s.saveTx(ctx, req, poID, number, supplierID, action, len(fixes))
		if err == nil {
			res.NumberRetried = retried
			return res, nil
		}
		if attempt >= saveAttempts || !db.IsUniqueViolation(err) {
			return nil, err
		}

		// The transaction is already rolled back here; resolution runs on
		// the gateway, never against the dead transaction.
		resolved, rErr := s.resolveNumberConflict(ctx, req.MerchantID, poID, number, creating)
		if rErr != nil {
			return nil, rErr
		}
		s.log.WithFields(logrus.Fields{
			"workflow": req.WorkflowID,
			"po":       poID,
			"old":      number,
			"new":      resolved,
		}).Warn("purchase-order number conflict, retrying with resolved number")
		number = resolved
		req.Data.Number = resolved
		retried = true
	}
}

// saveTx runs one transaction attempt. Rows are rebuilt per attempt so a
// resolved number lands in both the header and the raw blob.
func (s *Service) saveTx(ctx context.Context, req *SaveRequest, poID, number string, supplierID *string, action match.Action, fixes int) (*SaveResult, error) {
	po, items, audit, err := s.buildRows(req, poID, number, supplierID, action, fixes)
	if err != nil {
		return nil, err
	}

	var created bool
	err = s.db.WithTransaction(ctx, func(ctx context.Context, tx db.Querier) error {
		inserted, err := s.orders.UpsertHeader(ctx, tx, po)
		if err != nil {
			return err
		}
		created = inserted
		if !inserted {
			// A re-parse rewrites the line items wholesale.
			if err := s.orders.DeleteLineItems(ctx, tx, po.ID); err != nil {
				return err
			}
		}
		if err := s.orders.InsertLineItems(ctx, tx, items); err != nil {
			return err
		}
		return s.orders.InsertAudit(ctx, tx, audit)
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(items))
	for i := range items {
		ids[i] = items[i].ID
	}
	s.log.WithFields(logrus.Fields{
		"workflow": req.WorkflowID,
		"po":       po.ID,
		"number":   po.Number,
		"items":    len(items),
		"created":  created,
	}).Info("purchase order saved")

	return &SaveResult{
		PurchaseOrderID: po.ID,
		LineItemIDs:     ids,
		Number:          po.Number,
		SupplierID:      po.SupplierID,
		SupplierAction:  action,
		Created:         created,
	}, nil
}

// buildRows shapes the entities one attempt writes.
func (s *Service) buildRows(req *SaveRequest, poID, number string, supplierID *string, action match.Action, fixes int) (*model.PurchaseOrder, []model.POLineItem, *model.AIProcessingAudit, error) {
	raw, err := rawBlob(req.Data)
	if err != nil {
		return nil, nil, nil, poflow.Validation("persist.buildRows", fmt.Errorf("failed to encode extracted data: %w", err))
	}

	po := &model.PurchaseOrder{
		ID:          poID,
		MerchantID:  req.MerchantID,
		Number:      number,
		SupplierID:  supplierID,
		Status:      model.POStatusProcessing,
		JobStatus:   saveOperation,
		TotalAmount: orderTotal(req.Data),
		Currency:    defaultCurrency,
		Confidence:  req.Confidence,
		RawData:     raw,
	}

	items := make([]model.POLineItem, len(req.Data.LineItems))
	for i, li := range req.Data.LineItems {
		items[i] = model.POLineItem{
			ID:              uuid.NewString(),
			PurchaseOrderID: poID,
			SKU:             li.SKU,
			ProductName:     li.ProductName,
			Description:     li.Description,
			Quantity:        li.Quantity,
			UnitCost:        li.UnitCost,
			TotalCost:       li.TotalCost,
			Confidence:      req.Confidence,
		}
	}

	detail := model.JSONMap{
		"workflowId":    req.WorkflowID,
		"uploadId":      req.UploadID,
		"lineItems":     len(items),
		"quantityFixes": fixes,
	}
	if action != "" {
		detail["supplierAction"] = string(action)
	}
	if len(req.FieldConfidences) > 0 {
		fc := make(map[string]interface{}, len(req.FieldConfidences))
		for k, v := range req.FieldConfidences {
			fc[k] = v
		}
		detail["fieldConfidences"] = fc
	}

	audit := &model.AIProcessingAudit{
		ID:              uuid.NewString(),
		MerchantID:      req.MerchantID,
		PurchaseOrderID: poID,
		Operation:       saveOperation,
		Confidence:      req.Confidence,
		Detail:          detail,
	}
	return po, items, audit, nil
}

// resolveSupplier runs the directory match ahead of the transaction;
// matching can take seconds. A match failure downgrades the save to
// supplier-less instead of failing it.
func (s *Service) resolveSupplier(ctx context.Context, req *SaveRequest) (*string, match.Action) {
	if s.resolver == nil || req.Data.Supplier == nil || strings.TrimSpace(req.Data.Supplier.Name) == "" {
		return nil, ""
	}

	res, err := s.resolver.Resolve(ctx, match.Request{
		MerchantID:      req.MerchantID,
		Stub:            stubOf(req.Data.Supplier),
		CreateIfNoMatch: true,
	})
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"workflow": req.WorkflowID,
			"merchant": req.MerchantID,
		}).Warn("supplier match failed, saving without supplier")
		return nil, ""
	}
	if res.Supplier != nil {
		id := res.Supplier.ID
		return &id, res.Action
	}
	return nil, res.Action
}

// resolveNumberConflict picks the number the retry uses. It always runs
// after rollback: an aborted transaction rejects every further command
// until rolled back, so probing must go through the gateway.
func (s *Service) resolveNumberConflict(ctx context.Context, merchantID, poID, number string, creating bool) (string, error) {
	if !creating {
		// Updating an existing order: the stored number wins, whatever
		// the document says.
		stored, err := s.orders.GetNumberByID(ctx, poID)
		if err == nil {
			return stored, nil
		}
		if !errors.Is(err, db.ErrNotFound) {
			return "", err
		}
		// The id turned out to be new; fall through to the create
		// strategy.
	}

	for i := 1; i <= suffixProbes; i++ {
		candidate := fmt.Sprintf("%s-%d", number, i)
		taken, err := s.orders.NumberExists(ctx, merchantID, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
	return fmt.Sprintf("%s-%d", number, time.Now().UnixMilli()), nil
}

// checkTotals compares the line-item sum against the stated document
// total, allowing a cent of rounding per line. Mismatches are logged for
// review, never fatal: documents with shipping or discount rows
// legitimately disagree.
func (s *Service) checkTotals(req *SaveRequest) {
	data := req.Data
	if data.Totals == nil || data.Totals.Total == 0 || len(data.LineItems) == 0 {
		return
	}
	var sum float64
	for _, li := range data.LineItems {
		sum += li.TotalCost
	}
	tolerance := 0.01 * float64(len(data.LineItems))
	if diff := math.Abs(sum - data.Totals.Total); diff > tolerance {
		s.log.WithFields(logrus.Fields{
			"workflow": req.WorkflowID,
			"stated":   data.Totals.Total,
			"computed": sum,
		}).Warn("line items disagree with stated total")
	}
}

// stubOf maps the wire supplier fragment onto the matcher's input.
func stubOf(sup *extraction.Supplier) match.Stub {
	return match.Stub{
		Name:    sup.Name,
		Email:   sup.Email,
		Phone:   sup.Phone,
		Website: sup.Website,
		Address: sup.Address,
	}
}

// orderTotal picks the stated document total, falling back to the
// line-item sum when the document carries none.
func orderTotal(data *extraction.Data) float64 {
	if data.Totals != nil && data.Totals.Total != 0 {
		return data.Totals.Total
	}
	var sum float64
	for _, li := range data.LineItems {
		sum += li.TotalCost
	}
	return sum
}

// rawBlob round-trips the extracted data through JSON into the jsonb map
// the header stores.
func rawBlob(data *extraction.Data) (model.JSONMap, error) {
	buf, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var m model.JSONMap
	if err := json.Unmarshal(buf, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// fallbackNumber names orders whose documents carry no number at all.
func fallbackNumber() string {
	return fmt.Sprintf("PO-%d", time.Now().UnixMilli())
}
