package match

import (
	"context"
	"fmt"

	"poflow.merchantry.io/model"
)

// SupplierLister is the directory slice the in-process engine scans.
type SupplierLister interface {
	ListActive(ctx context.Context, merchantID string) ([]model.Supplier, error)
}

// JSMetricEngine scores every active supplier in process. O(n·m²) in
// directory size and name length; fine up to a few hundred suppliers,
// unacceptable beyond ~500. The trigram engine exists for those tenants.
type JSMetricEngine struct {
	suppliers SupplierLister
}

// NewJSMetricEngine creates the in-process engine.
func NewJSMetricEngine(suppliers SupplierLister) *JSMetricEngine {
	return &JSMetricEngine{suppliers: suppliers}
}

func (e *JSMetricEngine) Name() string { return model.EngineJSMetric }

// Match scans the merchant's active suppliers and returns the top
// candidates best-first.
func (e *JSMetricEngine) Match(ctx context.Context, merchantID string, stub Stub, limit int) ([]Candidate, error) {
	suppliers, err := e.suppliers.ListActive(ctx, merchantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load supplier directory: %w", err)
	}

	norm := stub.normalized()
	cands := make([]Candidate, 0, len(suppliers))
	for i := range suppliers {
		sup := suppliers[i]
		nameScore := nameSimilarity(norm.name, sup.NameNormalized)
		score := combinedScore(norm, &sup, nameScore)
		if score <= 0 {
			continue
		}
		cands = append(cands, Candidate{Supplier: sup, Score: score})
	}

	sortCandidates(cands)
	if limit > 0 && len(cands) > limit {
		cands = cands[:limit]
	}
	return cands, nil
}
