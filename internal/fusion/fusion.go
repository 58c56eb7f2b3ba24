// Package fusion combines LTR and conceptual scores into one ranking.
//
// Each score is min-max normalised over the request's candidates, then
// fused = w_ltr * norm_ltr + w_concept * norm_concept. Results are ordered by
// fused score, then authority, then chunk ID, so equal inputs always produce
// the same order.
package fusion

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/zenglow/fusionrank/pkg/types"
)

// Candidate is one scored chunk entering fusion
type Candidate struct {
	ChunkID         int64   `json:"chunk_id"`
	LTRScore        float64 `json:"ltr_score"`
	ConceptualScore float64 `json:"conceptual_score"`
	HasConceptual   bool    `json:"has_conceptual"`
	AuthorityScore  float64 `json:"authority_score"`
}

// Fused is a candidate with its normalised and fused scores
type Fused struct {
	Candidate
	NormLTR     float64 `json:"norm_ltr"`
	NormConcept float64 `json:"norm_concept"`
	FusedScore  float64 `json:"fused_score"`
}

// ValidateWeights rejects non-finite weights and weights that sum to zero or
// less. Weights are never clamped.
func ValidateWeights(w types.Weights) error {
	for _, v := range []float64{w.LTR, w.Concept} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return types.NewError(types.CodeInvalidWeightConfig,
				fmt.Sprintf("weights must be finite, got w_ltr=%v w_concept=%v", w.LTR, w.Concept),
				types.ErrInvalidWeightConfig)
		}
	}
	if w.LTR+w.Concept <= 0 {
		return types.NewError(types.CodeInvalidWeightConfig,
			fmt.Sprintf("weights must sum to more than 0, got w_ltr=%v w_concept=%v", w.LTR, w.Concept),
			types.ErrInvalidWeightConfig)
	}
	return nil
}

// bounds is a min-max range over the values that were seen
type bounds struct {
	min, max float64
	seen     bool
}

func (b *bounds) add(v float64) {
	if !b.seen {
		b.min, b.max, b.seen = v, v, true
		return
	}
	b.min = min(b.min, v)
	b.max = max(b.max, v)
}

// normalize maps v into [0, 1]; a degenerate range maps everything to 0
func (b bounds) normalize(v float64) float64 {
	if !b.seen || b.max == b.min {
		return 0
	}
	return (v - b.min) / (b.max - b.min)
}

// Fuse normalises, fuses and orders candidates. The input slice is not
// modified.
func Fuse(candidates []Candidate, w types.Weights) ([]Fused, error) {
	if err := ValidateWeights(w); err != nil {
		return nil, err
	}

	var ltr, concept bounds
	for _, c := range candidates {
		ltr.add(c.LTRScore)
		if c.HasConceptual {
			concept.add(c.ConceptualScore)
		}
	}

	out := make([]Fused, len(candidates))
	for i, c := range candidates {
		f := Fused{Candidate: c, NormLTR: ltr.normalize(c.LTRScore)}
		if c.HasConceptual {
			f.NormConcept = concept.normalize(c.ConceptualScore)
		} else {
			f.ConceptualScore = 0
		}
		f.FusedScore = w.LTR*f.NormLTR + w.Concept*f.NormConcept
		out[i] = f
	}

	slices.SortFunc(out, Compare)
	return out, nil
}

// Compare orders by fused score desc, authority desc, chunk ID asc
func Compare(a, b Fused) int {
	if c := cmp.Compare(b.FusedScore, a.FusedScore); c != 0 {
		return c
	}
	if c := cmp.Compare(b.AuthorityScore, a.AuthorityScore); c != 0 {
		return c
	}
	return cmp.Compare(a.ChunkID, b.ChunkID)
}
