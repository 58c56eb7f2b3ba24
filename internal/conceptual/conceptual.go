// Package conceptual scores candidates by cosine similarity in the secondary
// (dense) embedding space.
package conceptual

import "math"

// Scorer computes conceptual similarity. It is stateless and safe for
// concurrent use.
type Scorer struct{}

// New creates a conceptual scorer
func New() *Scorer {
	return &Scorer{}
}

// Score returns the cosine similarity of the query and chunk vectors, in
// [-1, 1]. ok is false when the chunk has no vector, the dimensions differ or
// either vector has zero norm.
func (s *Scorer) Score(query, chunk []float32) (score float64, ok bool) {
	if len(query) == 0 || len(chunk) == 0 || len(query) != len(chunk) {
		return 0, false
	}

	var dot, normQ, normC float64
	for i := range query {
		q, c := float64(query[i]), float64(chunk[i])
		dot += q * c
		normQ += q * q
		normC += c * c
	}
	if normQ == 0 || normC == 0 {
		return 0, false
	}

	score = dot / (math.Sqrt(normQ) * math.Sqrt(normC))
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0, false
	}
	// Rounding can push parallel vectors just past the bounds
	return max(-1, min(1, score)), true
}
