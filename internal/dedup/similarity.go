package dedup

import (
	"math"

	"github.com/kiwaku/Sentinel/internal/opportunity"
)

// stopwords carry no signal for duplicate detection.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"for": {}, "from": {}, "has": {}, "in": {}, "is": {}, "it": {}, "its": {}, "of": {},
	"on": {}, "or": {}, "our": {}, "that": {}, "the": {}, "this": {}, "to": {}, "we": {},
	"will": {}, "with": {}, "you": {}, "your": {},
}

// Method selects the similarity function.
type Method string

const (
	// MethodCosine compares token frequency vectors.
	MethodCosine Method = "cosine"

	// MethodJaccard compares token sets.
	MethodJaccard Method = "jaccard"
)

func termFrequencies(text string) map[string]float64 {
	tf := make(map[string]float64)
	for _, tok := range opportunity.Tokens(text) {
		if _, stop := stopwords[tok]; stop {
			continue
		}
		tf[tok]++
	}
	return tf
}

// Cosine returns the cosine similarity of the token frequency vectors of a
// and b, in [0,1].
func Cosine(a, b string) float64 {
	va, vb := termFrequencies(a), termFrequencies(b)
	if len(va) == 0 || len(vb) == 0 {
		return 0
	}
	var dot, na, nb float64
	for tok, x := range va {
		na += x * x
		if y, ok := vb[tok]; ok {
			dot += x * y
		}
	}
	for _, y := range vb {
		nb += y * y
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Jaccard returns |A∩B| / |A∪B| over the token sets of a and b.
func Jaccard(a, b string) float64 {
	sa, sb := termFrequencies(a), termFrequencies(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}
	inter := 0
	for tok := range sa {
		if _, ok := sb[tok]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	return float64(inter) / float64(union)
}

// SameOrganizationFloor is the least similarity of two records offered by the
// same organization with the same type.
const SameOrganizationFloor = 0.8

// Similarity compares two opportunities. Identical normalized titles are
// always duplicates. Otherwise the method is applied to title and description
// together, and records of one type from the same organization score at
// least SameOrganizationFloor.
func Similarity(a, b *opportunity.Opportunity, method Method) float64 {
	if ta := opportunity.Normalize(a.Title); ta != "" && ta == opportunity.Normalize(b.Title) {
		return 1
	}
	var s float64
	if method == MethodJaccard {
		s = Jaccard(a.Text(), b.Text())
	} else {
		s = Cosine(a.Text(), b.Text())
	}
	if a.Type == b.Type && sameOrganization(a, b) {
		return math.Max(SameOrganizationFloor, s)
	}
	return s
}

func sameOrganization(a, b *opportunity.Opportunity) bool {
	org := opportunity.Normalize(a.Organization)
	return org != "" && org == opportunity.Normalize(b.Organization)
}
