package match

import (
	"context"

	"poflow.merchantry.io/db"
	"poflow.merchantry.io/model"
)

// TrigramSearcher is the indexed similarity query the engine rides on.
type TrigramSearcher interface {
	SearchTrigram(ctx context.Context, merchantID, nameNormalized string, threshold float64, limit int) ([]db.TrigramHit, error)
}

// TrigramEngine pushes name similarity into the database, where a GIN
// index over suppliers.name_normalized serves it in one query. Non-name
// fields are merged into the score in process, after the query has already
// cut the candidate set down to the limit.
type TrigramEngine struct {
	store     TrigramSearcher
	threshold float64
	limit     int
}

// NewTrigramEngine creates the indexed engine. threshold<=0 and limit<=0
// fall back to the conventional 0.30 / 10.
func NewTrigramEngine(store TrigramSearcher, threshold float64, limit int) *TrigramEngine {
	if threshold <= 0 {
		threshold = 0.30
	}
	if limit <= 0 {
		limit = 10
	}
	return &TrigramEngine{store: store, threshold: threshold, limit: limit}
}

func (e *TrigramEngine) Name() string { return model.EngineTrigram }

// Match runs the similarity query and re-scores the hits with the shared
// field weighting. Errors surface unclassified; the resolver decides
// whether to fall back.
func (e *TrigramEngine) Match(ctx context.Context, merchantID string, stub Stub, limit int) ([]Candidate, error) {
	if limit <= 0 || limit > e.limit {
		limit = e.limit
	}

	norm := stub.normalized()
	hits, err := e.store.SearchTrigram(ctx, merchantID, norm.name, e.threshold, limit)
	if err != nil {
		return nil, err
	}

	cands := make([]Candidate, 0, len(hits))
	for i := range hits {
		sup := hits[i].Supplier
		score := combinedScore(norm, &sup, hits[i].Score)
		if score <= 0 {
			continue
		}
		cands = append(cands, Candidate{Supplier: sup, Score: score})
	}

	sortCandidates(cands)
	return cands, nil
}
