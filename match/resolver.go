package match

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	poflow "poflow.merchantry.io/common"
	"poflow.merchantry.io/config"
	"poflow.merchantry.io/model"
)

// Action is the resolver's verdict on one stub.
type Action string

const (
	// ActionAutoLinked: the top candidate cleared the high bucket and is
	// safe to attach without review.
	ActionAutoLinked Action = "auto_linked"

	// ActionSuggestions: candidates exist (possibly none) but none strong
	// enough to link; a human picks.
	ActionSuggestions Action = "suggestions_available"

	// ActionCreatedNew: nothing cleared the discard floor and the caller
	// asked for creation, so a fresh supplier was seeded from the stub.
	ActionCreatedNew Action = "created_new"
)

// MerchantGetter loads tenant settings for routing.
type MerchantGetter interface {
	GetByID(ctx context.Context, merchantID string) (*model.Merchant, error)
}

// SupplierCreator writes suppliers seeded from stubs.
type SupplierCreator interface {
	Insert(ctx context.Context, sup *model.Supplier) error
}

// MetricSink records one observation per resolve call.
type MetricSink interface {
	Insert(ctx context.Context, m *model.PerformanceMetric) error
}

// Request is one resolve call.
type Request struct {
	MerchantID string
	Stub       Stub

	// Merchant carries the already-loaded tenant record; nil makes the
	// resolver fetch it for routing.
	Merchant *model.Merchant

	// EngineOverride forces an engine for this call ("trigram",
	// "jsmetric"); empty or "auto" defers to the router.
	EngineOverride string

	// CreateIfNoMatch seeds a new supplier when nothing clears the
	// discard floor.
	CreateIfNoMatch bool

	// Limit caps returned candidates; 0 means the configured default.
	Limit int
}

// Result is the resolver's answer.
type Result struct {
	Action      Action          `json:"action"`
	Supplier    *model.Supplier `json:"supplier,omitempty"`
	Candidates  []Candidate     `json:"candidates,omitempty"`
	Engine      string          `json:"engine"`
	WasFallback bool            `json:"wasFallback"`
}

const matchOperation = "supplier_match"

// Resolver routes between the two engines, applies the bucket policy and
// emits one performance metric per call.
type Resolver struct {
	router    *Router
	trigram   Engine
	jsmetric  Engine
	merchants MerchantGetter
	suppliers SupplierCreator
	metrics   MetricSink
	monitor   bool
	limit     int
	log       *logrus.Entry
}

// NewResolver wires the resolver. metrics may be nil to disable emission
// entirely, monitoring config aside.
func NewResolver(cfg config.MatchingConfig, trigram, jsmetric Engine, merchants MerchantGetter, suppliers SupplierCreator, metrics MetricSink) *Resolver {
	limit := cfg.Limit
	if limit <= 0 {
		limit = 10
	}
	return &Resolver{
		router:    NewRouter(cfg),
		trigram:   trigram,
		jsmetric:  jsmetric,
		merchants: merchants,
		suppliers: suppliers,
		metrics:   metrics,
		monitor:   cfg.EnablePerformanceMonitoring,
		limit:     limit,
		log:       poflow.Component("match"),
	}
}

// Resolve matches one stub. Trigram-engine failures fall back to the
// in-process engine transparently; that is the only cross-engine retry.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Result, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = r.limit
	}

	merchant := req.Merchant
	if merchant == nil && r.merchants != nil {
		m, err := r.merchants.GetByID(ctx, req.MerchantID)
		if err != nil {
			r.log.WithError(err).WithField("merchant", req.MerchantID).Debug("routing without merchant settings")
		} else {
			merchant = m
		}
	}

	engineName := r.router.Route(req.EngineOverride, merchant, req.MerchantID)
	engine := r.jsmetric
	if engineName == model.EngineTrigram {
		engine = r.trigram
	}

	start := time.Now()
	cands, err := engine.Match(ctx, req.MerchantID, req.Stub, limit)
	wasFallback := false
	if err != nil && engineName == model.EngineTrigram {
		r.log.WithError(err).WithField("merchant", req.MerchantID).Warn("trigram engine failed, falling back to jsmetric")
		engineName = model.EngineJSMetric
		wasFallback = true
		cands, err = r.jsmetric.Match(ctx, req.MerchantID, req.Stub, limit)
	}
	r.emitMetric(ctx, req.MerchantID, engineName, time.Since(start), len(cands), err == nil, wasFallback)
	if err != nil {
		return nil, poflow.E(poflow.KindOf(err), "match.Resolve", fmt.Errorf("supplier match failed: %w", err))
	}

	kept := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if b, ok := bucketFor(c.Score); ok {
			c.Bucket = b
			kept = append(kept, c)
		}
	}

	result := &Result{Engine: engineName, WasFallback: wasFallback, Candidates: kept}

	if len(kept) > 0 && kept[0].Score >= highThreshold {
		sup := kept[0].Supplier
		result.Action = ActionAutoLinked
		result.Supplier = &sup
		r.log.WithFields(logrus.Fields{
			"merchant": req.MerchantID,
			"supplier": sup.ID,
			"score":    kept[0].Score,
			"engine":   engineName,
		}).Info("supplier auto-linked")
		matchActionsCounter.WithLabelValues(string(result.Action)).Inc()
		return result, nil
	}

	if req.CreateIfNoMatch && len(kept) == 0 && strings.TrimSpace(req.Stub.Name) != "" {
		sup := supplierFromStub(req.MerchantID, req.Stub)
		if err := r.suppliers.Insert(ctx, sup); err != nil {
			return nil, fmt.Errorf("failed to create supplier from stub: %w", err)
		}
		result.Action = ActionCreatedNew
		result.Supplier = sup
		r.log.WithFields(logrus.Fields{
			"merchant": req.MerchantID,
			"supplier": sup.ID,
			"name":     sup.Name,
		}).Info("supplier created from stub")
		matchActionsCounter.WithLabelValues(string(result.Action)).Inc()
		return result, nil
	}

	result.Action = ActionSuggestions
	matchActionsCounter.WithLabelValues(string(result.Action)).Inc()
	return result, nil
}

// supplierFromStub seeds a directory entry from the parsed fragment.
func supplierFromStub(merchantID string, stub Stub) *model.Supplier {
	return &model.Supplier{
		ID:             uuid.NewString(),
		MerchantID:     merchantID,
		Name:           strings.TrimSpace(stub.Name),
		NameNormalized: Normalize(stub.Name),
		ContactEmail:   strings.TrimSpace(stub.Email),
		ContactPhone:   strings.TrimSpace(stub.Phone),
		Website:        strings.TrimSpace(stub.Website),
		Address:        strings.TrimSpace(stub.Address),
		Status:         model.SupplierActive,
	}
}

// emitMetric records the observation, process counters always, the
// per-merchant sink only when monitoring is on. Sink failures are logged
// and swallowed; a metrics outage must never fail a match.
func (r *Resolver) emitMetric(ctx context.Context, merchantID, engine string, d time.Duration, results int, success, wasFallback bool) {
	status := "ok"
	if !success {
		status = "error"
	}
	matchResolutionsCounter.WithLabelValues(engine, status).Inc()
	matchDurations.WithLabelValues(engine).Observe(d.Seconds())
	if wasFallback {
		matchFallbacksCounter.Inc()
	}

	if !r.monitor || r.metrics == nil {
		return
	}
	m := &model.PerformanceMetric{
		MerchantID:  merchantID,
		Operation:   matchOperation,
		Engine:      engine,
		DurationMs:  d.Milliseconds(),
		ResultCount: results,
		Success:     success,
		WasFallback: wasFallback,
	}
	if err := r.metrics.Insert(ctx, m); err != nil {
		r.log.WithError(err).Debug("failed to record match metric")
	}
}
