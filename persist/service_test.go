package persist

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	poflow "poflow.merchantry.io/common"
	"poflow.merchantry.io/db"
	"poflow.merchantry.io/extraction"
	"poflow.merchantry.io/match"
	"poflow.merchantry.io/model"
)

// fakeOrders records every store call. The journal tags each entry with
// tx: or gw: so tests can assert which side of the transaction boundary a
// call ran on.
type fakeOrders struct {
	journal []string

	upsertErrs  []error
	inserted    bool
	headers     []model.PurchaseOrder
	itemBatches [][]model.POLineItem
	audits      []model.AIProcessingAudit
	deleted     []string

	storedNumber string
	storedErr    error
	taken        map[string]bool
	probeErr     error
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{inserted: true, taken: map[string]bool{}}
}

func (f *fakeOrders) UpsertHeader(ctx context.Context, q db.Querier, po *model.PurchaseOrder) (bool, error) {
	f.journal = append(f.journal, "tx:upsert "+po.Number)
	f.headers = append(f.headers, *po)
	if len(f.upsertErrs) > 0 {
		err := f.upsertErrs[0]
		f.upsertErrs = f.upsertErrs[1:]
		if err != nil {
			return false, err
		}
	}
	return f.inserted, nil
}

func (f *fakeOrders) InsertLineItems(ctx context.Context, q db.Querier, items []model.POLineItem) error {
	f.journal = append(f.journal, "tx:items")
	f.itemBatches = append(f.itemBatches, items)
	return nil
}

func (f *fakeOrders) DeleteLineItems(ctx context.Context, q db.Querier, poID string) error {
	f.journal = append(f.journal, "tx:delete")
	f.deleted = append(f.deleted, poID)
	return nil
}

func (f *fakeOrders) InsertAudit(ctx context.Context, q db.Querier, a *model.AIProcessingAudit) error {
	f.journal = append(f.journal, "tx:audit")
	f.audits = append(f.audits, *a)
	return nil
}

func (f *fakeOrders) GetNumberByID(ctx context.Context, poID string) (string, error) {
	f.journal = append(f.journal, "gw:number")
	if f.storedErr != nil {
		return "", f.storedErr
	}
	return f.storedNumber, nil
}

func (f *fakeOrders) NumberExists(ctx context.Context, merchantID, number string) (bool, error) {
	f.journal = append(f.journal, "gw:exists "+number)
	if f.probeErr != nil {
		return false, f.probeErr
	}
	return f.taken[number], nil
}

type fakeResolver struct {
	res   *match.Result
	err   error
	calls int
	last  match.Request
}

func (f *fakeResolver) Resolve(ctx context.Context, req match.Request) (*match.Result, error) {
	f.calls++
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

func linkedResult(supplierID string) *match.Result {
	return &match.Result{
		Action:   match.ActionAutoLinked,
		Supplier: &model.Supplier{ID: supplierID, Name: "Acme Wholesale"},
		Engine:   model.EngineJSMetric,
	}
}

func uniqueViolation() error {
	return &pgconn.PgError{Code: "23505", ConstraintName: "idx_po_merchant_number"}
}

func sampleData() *extraction.Data {
	return &extraction.Data{
		Number: "PO-500",
		Supplier: &extraction.Supplier{
			Name:  "Acme Wholesale Inc",
			Email: "orders@acme.example",
		},
		LineItems: []extraction.LineItem{
			{SKU: "A-1", ProductName: "Widget - Case of 12", Quantity: 1, UnitCost: 35.88, TotalCost: 35.88},
			{SKU: "B-2", ProductName: "Gadget", Quantity: 3, UnitCost: 4, TotalCost: 12},
		},
		Totals: &extraction.Totals{Subtotal: 47.88, Total: 47.88},
	}
}

func sampleRequest() *SaveRequest {
	return &SaveRequest{
		MerchantID: "m1",
		WorkflowID: "wf_1",
		UploadID:   "up_1",
		Data:       sampleData(),
		Confidence: 0.92,
	}
}

func testService(orders *fakeOrders, resolver SupplierResolver) (*Service, *db.FakeDB) {
	fdb := db.NewFakeDB(&db.FakeQuerier{})
	return NewService(fdb, orders, resolver), fdb
}

func TestSaveCreatesOrder(t *testing.T) {
	orders := newFakeOrders()
	resolver := &fakeResolver{res: linkedResult("sup-9")}
	svc, fdb := testService(orders, resolver)

	res, err := svc.Save(context.Background(), sampleRequest())
	require.NoError(t, err)

	assert.NotEmpty(t, res.PurchaseOrderID)
	assert.Equal(t, "PO-500", res.Number)
	assert.True(t, res.Created)
	assert.False(t, res.NumberRetried)
	require.Len(t, res.LineItemIDs, 2)
	assert.NotEqual(t, res.LineItemIDs[0], res.LineItemIDs[1])
	require.NotNil(t, res.SupplierID)
	assert.Equal(t, "sup-9", *res.SupplierID)
	assert.Equal(t, match.ActionAutoLinked, res.SupplierAction)

	assert.Equal(t, 1, fdb.TxCalls)
	assert.Equal(t, 1, fdb.TxCommits)
	assert.Empty(t, orders.deleted, "fresh insert must not clear line items")

	require.Len(t, orders.headers, 1)
	header := orders.headers[0]
	assert.Equal(t, "m1", header.MerchantID)
	assert.Equal(t, model.POStatusProcessing, header.Status)
	assert.Equal(t, "database_save", header.JobStatus)
	assert.InDelta(t, 47.88, header.TotalAmount, 0.001)
	assert.Equal(t, "PO-500", header.RawData["number"])

	assert.Equal(t, 1, resolver.calls)
	assert.Equal(t, "m1", resolver.last.MerchantID)
	assert.Equal(t, "Acme Wholesale Inc", resolver.last.Stub.Name)
	assert.True(t, resolver.last.CreateIfNoMatch)

	require.Len(t, orders.audits, 1)
	audit := orders.audits[0]
	assert.Equal(t, "database_save", audit.Operation)
	assert.Equal(t, res.PurchaseOrderID, audit.PurchaseOrderID)
	assert.Equal(t, "wf_1", audit.Detail["workflowId"])
	assert.Equal(t, 2, audit.Detail["lineItems"])
	assert.Equal(t, 1, audit.Detail["quantityFixes"])
}

func TestSaveUpdateRewritesLineItems(t *testing.T) {
	orders := newFakeOrders()
	orders.inserted = false
	svc, _ := testService(orders, nil)

	req := sampleRequest()
	req.PurchaseOrderID = "po-77"

	res, err := svc.Save(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "po-77", res.PurchaseOrderID)
	assert.False(t, res.Created)
	assert.Equal(t, []string{"po-77"}, orders.deleted)
	assert.Equal(t, []string{"tx:upsert PO-500", "tx:delete", "tx:items", "tx:audit"}, orders.journal)
}

func TestSaveNormalizesPackQuantities(t *testing.T) {
	orders := newFakeOrders()
	svc, _ := testService(orders, nil)

	res, err := svc.Save(context.Background(), sampleRequest())
	require.NoError(t, err)
	require.Len(t, res.LineItemIDs, 2)

	require.Len(t, orders.itemBatches, 1)
	fixed := orders.itemBatches[0][0]
	assert.Equal(t, 12, fixed.Quantity)
	assert.InDelta(t, 2.99, fixed.UnitCost, 0.01)

	untouched := orders.itemBatches[0][1]
	assert.Equal(t, 3, untouched.Quantity)
	assert.InDelta(t, 4.0, untouched.UnitCost, 0.001)
}

func TestSaveGeneratesNumberWhenMissing(t *testing.T) {
	orders := newFakeOrders()
	svc, _ := testService(orders, nil)

	req := sampleRequest()
	req.Data.Number = "   "

	res, err := svc.Save(context.Background(), req)
	require.NoError(t, err)
	assert.Regexp(t, `^PO-\d+$`, res.Number)
	assert.Equal(t, res.Number, orders.headers[0].RawData["number"])
}

func TestSaveRejectsMissingInput(t *testing.T) {
	svc, _ := testService(newFakeOrders(), nil)

	_, err := svc.Save(context.Background(), &SaveRequest{MerchantID: "m1"})
	require.Error(t, err)
	assert.True(t, poflow.IsValidation(err))

	_, err = svc.Save(context.Background(), &SaveRequest{Data: sampleData()})
	require.Error(t, err)
	assert.True(t, poflow.IsValidation(err))
}

func TestSaveMatchFailureSavesWithoutSupplier(t *testing.T) {
	orders := newFakeOrders()
	resolver := &fakeResolver{err: poflow.Transient("match.Resolve", fmt.Errorf("store down"))}
	svc, _ := testService(orders, resolver)

	res, err := svc.Save(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Nil(t, res.SupplierID)
	assert.Empty(t, res.SupplierAction)
	assert.Nil(t, orders.headers[0].SupplierID)
}

func TestSaveSkipsMatchWithoutSupplierName(t *testing.T) {
	orders := newFakeOrders()
	resolver := &fakeResolver{res: linkedResult("sup-9")}
	svc, _ := testService(orders, resolver)

	req := sampleRequest()
	req.Data.Supplier = nil

	_, err := svc.Save(context.Background(), req)
	require.NoError(t, err)
	assert.Zero(t, resolver.calls)
}

func TestSaveUpdateConflictKeepsStoredNumber(t *testing.T) {
	orders := newFakeOrders()
	orders.inserted = false
	orders.upsertErrs = []error{uniqueViolation(), nil}
	orders.storedNumber = "PO-1001"
	svc, fdb := testService(orders, nil)

	req := sampleRequest()
	req.PurchaseOrderID = "po-77"

	res, err := svc.Save(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "PO-1001", res.Number, "the stored number wins an update conflict")
	assert.True(t, res.NumberRetried)
	assert.Equal(t, 2, fdb.TxCalls)
	assert.Equal(t, 1, fdb.TxRollbacks)
	assert.Equal(t, 1, fdb.TxCommits)

	require.Len(t, orders.headers, 2)
	assert.Equal(t, "PO-1001", orders.headers[1].Number)
	assert.Equal(t, "PO-1001", orders.headers[1].RawData["number"],
		"the retry blob must carry the retained number, never lose the field")
	assert.Equal(t, "PO-1001", req.Data.Number)
}

func TestSaveCreateConflictProbesSuffixes(t *testing.T) {
	orders := newFakeOrders()
	orders.upsertErrs = []error{uniqueViolation(), nil}
	orders.taken = map[string]bool{"PO-500-1": true, "PO-500-2": true}
	svc, _ := testService(orders, nil)

	res, err := svc.Save(context.Background(), sampleRequest())
	require.NoError(t, err)

	assert.Equal(t, "PO-500-3", res.Number)
	assert.True(t, res.NumberRetried)
	assert.Equal(t, []string{
		"tx:upsert PO-500",
		"gw:exists PO-500-1",
		"gw:exists PO-500-2",
		"gw:exists PO-500-3",
		"tx:upsert PO-500-3",
		"tx:items",
		"tx:audit",
	}, orders.journal, "probing must run on the gateway, after rollback, never inside the dead transaction")
}

func TestSaveCreateConflictFallsBackToTimestamp(t *testing.T) {
	orders := newFakeOrders()
	orders.upsertErrs = []error{uniqueViolation(), nil}
	for i := 1; i <= 10; i++ {
		orders.taken[fmt.Sprintf("PO-500-%d", i)] = true
	}
	svc, _ := testService(orders, nil)

	res, err := svc.Save(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Regexp(t, `^PO-500-\d{13}$`, res.Number)
}

func TestSaveUpdateConflictOnUnknownIDProbes(t *testing.T) {
	orders := newFakeOrders()
	orders.upsertErrs = []error{uniqueViolation(), nil}
	orders.storedErr = fmt.Errorf("purchase order po-77: %w", db.ErrNotFound)
	svc, _ := testService(orders, nil)

	req := sampleRequest()
	req.PurchaseOrderID = "po-77"

	res, err := svc.Save(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "PO-500-1", res.Number)
}

func TestSaveSecondConflictSurfaces(t *testing.T) {
	orders := newFakeOrders()
	orders.upsertErrs = []error{uniqueViolation(), uniqueViolation()}
	svc, fdb := testService(orders, nil)

	_, err := svc.Save(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.True(t, poflow.IsConflict(err))
	assert.Equal(t, 2, fdb.TxCalls, "one resolution retry, no more")
}

func TestSaveNonConflictErrorDoesNotRetry(t *testing.T) {
	orders := newFakeOrders()
	orders.upsertErrs = []error{&pgconn.PgError{Code: "53300"}}
	svc, fdb := testService(orders, nil)

	_, err := svc.Save(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.True(t, poflow.IsTransient(err))
	assert.Equal(t, 1, fdb.TxCalls)
}

func TestSaveProbeFailureSurfaces(t *testing.T) {
	orders := newFakeOrders()
	orders.upsertErrs = []error{uniqueViolation()}
	orders.probeErr = poflow.Transient("db", fmt.Errorf("connection reset"))
	svc, fdb := testService(orders, nil)

	_, err := svc.Save(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.True(t, poflow.IsTransient(err))
	assert.Equal(t, 1, fdb.TxCalls)
}

func TestSaveTotalsMismatchStillSaves(t *testing.T) {
	orders := newFakeOrders()
	svc, _ := testService(orders, nil)

	req := sampleRequest()
	req.Data.Totals.Total = 999

	res, err := svc.Save(context.Background(), req)
	require.NoError(t, err)
	assert.InDelta(t, 999, orders.headers[0].TotalAmount, 0.001,
		"the stated total is authoritative even when line items disagree")
	assert.NotEmpty(t, res.PurchaseOrderID)
}

func TestSaveMissingTotalsSumsLineItems(t *testing.T) {
	orders := newFakeOrders()
	svc, _ := testService(orders, nil)

	req := sampleRequest()
	req.Data.Totals = nil

	_, err := svc.Save(context.Background(), req)
	require.NoError(t, err)
	assert.InDelta(t, 47.88, orders.headers[0].TotalAmount, 0.001)
}
