package match

import (
	"context"
	"sort"

	"poflow.merchantry.io/model"
)

// Candidate is one scored directory entry.
type Candidate struct {
	Supplier model.Supplier `json:"supplier"`
	Score    float64        `json:"score"`
	Bucket   Bucket         `json:"bucket,omitempty"`
}

// Engine ranks directory entries against a stub. Engines return every
// scored candidate sorted best-first; bucketing and the discard floor are
// the resolver's business.
type Engine interface {
	Name() string
	Match(ctx context.Context, merchantID string, stub Stub, limit int) ([]Candidate, error)
}

// sortCandidates orders best-first with a stable tie-break on supplier id.
func sortCandidates(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].Supplier.ID < cands[j].Supplier.ID
	})
}
