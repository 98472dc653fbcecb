package match

import (
	"github.com/agnivade/levenshtein"

	"poflow.merchantry.io/model"
)

// Field weights. The final score is the weighted sum over fields
// comparable on both sides, renormalized by the sum of their weights, so a
// stub carrying only a name can still reach 1.0.
const (
	weightName    = 0.40
	weightEmail   = 0.25
	weightWebsite = 0.20
	weightPhone   = 0.10
	weightAddress = 0.05
)

// Confidence buckets over the combined score.
type Bucket string

const (
	BucketHigh   Bucket = "high"   // auto-link
	BucketMedium Bucket = "medium" // suggest
	BucketLow    Bucket = "low"    // list only
)

const (
	highThreshold    = 0.85
	mediumThreshold  = 0.70
	discardThreshold = 0.50
)

// bucketFor places a score, with ok=false below the discard floor.
func bucketFor(score float64) (Bucket, bool) {
	switch {
	case score >= highThreshold:
		return BucketHigh, true
	case score >= mediumThreshold:
		return BucketMedium, true
	case score >= discardThreshold:
		return BucketLow, true
	default:
		return "", false
	}
}

// Stub is the parsed supplier fragment extracted from a document. Any
// field may be empty.
type Stub struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Website string `json:"website"`
	Address string `json:"address"`
}

// normalizedStub holds the stub's comparison forms, computed once per call.
type normalizedStub struct {
	name    string
	email   string
	website string
	phone   string
	address string
}

func (s Stub) normalized() normalizedStub {
	return normalizedStub{
		name:    Normalize(s.Name),
		email:   emailDomain(s.Email),
		website: websiteDomain(s.Website),
		phone:   phoneDigits(s.Phone),
		address: Normalize(s.Address),
	}
}

// nameSimilarity is the in-process edit-distance similarity on normalized
// names, in [0,1].
func nameSimilarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	d := levenshtein.ComputeDistance(a, b)
	if d >= longest {
		return 0
	}
	return 1 - float64(d)/float64(longest)
}

// combinedScore merges one name score (from either engine) with the
// non-name field scores against a directory entry. A field skips the
// denominator when either side lacks it; with no comparable field at all
// the score is 0.
func combinedScore(stub normalizedStub, sup *model.Supplier, nameScore float64) float64 {
	var sum, weights float64

	if stub.name != "" && sup.NameNormalized != "" {
		sum += weightName * nameScore
		weights += weightName
	}
	if supDomain := emailDomain(sup.ContactEmail); stub.email != "" && supDomain != "" {
		if stub.email == supDomain {
			sum += weightEmail
		}
		weights += weightEmail
	}
	if supDomain := websiteDomain(sup.Website); stub.website != "" && supDomain != "" {
		if stub.website == supDomain {
			sum += weightWebsite
		}
		weights += weightWebsite
	}
	if supPhone := phoneDigits(sup.ContactPhone); stub.phone != "" && supPhone != "" {
		if stub.phone == supPhone {
			sum += weightPhone
		}
		weights += weightPhone
	}
	if supAddr := Normalize(sup.Address); stub.address != "" && supAddr != "" {
		sum += weightAddress * nameSimilarity(stub.address, supAddr)
		weights += weightAddress
	}

	if weights == 0 {
		return 0
	}
	return sum / weights
}
