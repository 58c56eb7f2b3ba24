package ltr

import (
	"errors"
	"fmt"
	"math"

	"github.com/zenglow/fusionrank/internal/features"
	"github.com/zenglow/fusionrank/pkg/types"
)

// Model variants
const (
	VariantLinear      = "linear"
	VariantGBDT        = "gbdt"
	VariantPassthrough = "passthrough"
)

var (
	// ErrModelUnavailable is returned when no model could be loaded
	ErrModelUnavailable = errors.New("ltr model unavailable")
	// ErrInvalidModel is returned for a model file that fails validation
	ErrInvalidModel = errors.New("invalid ltr model")
)

// Result is the output of one scoring call
type Result struct {
	Score    float64
	Degraded bool
}

// Scorer scores feature vectors of one schema version
type Scorer interface {
	Score(fv types.FeatureVector) (Result, error)
	Variant() string
	// SchemaVersion is the feature schema the model was trained on; 0 accepts any
	SchemaVersion() int
}

// Clip maps each feature into its valid range. NaN becomes the range
// minimum and infinities the nearest bound. Features without a known range
// keep finite values and map non-finite ones to 0.
func Clip(fv types.FeatureVector) []float64 {
	out := make([]float64, len(fv.Values))
	for i, v := range fv.Values {
		name := ""
		if i < len(fv.Names) {
			name = fv.Names[i]
		}
		r, ok := features.RangeOf(name)
		if !ok {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				v = 0
			}
			out[i] = v
			continue
		}
		switch {
		case math.IsNaN(v):
			v = r.Min
		case v < r.Min:
			v = r.Min
		case v > r.Max:
			v = r.Max
		}
		out[i] = v
	}
	return out
}

func checkSchema(want int, fv types.FeatureVector) error {
	if want != 0 && fv.SchemaVersion != want {
		return fmt.Errorf("%w: model expects v%d, got v%d", types.ErrFeatureSchemaMismatch, want, fv.SchemaVersion)
	}
	return nil
}

// finite guarantees a finite score
func finite(score float64, degraded bool) Result {
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return Result{Score: 0, Degraded: true}
	}
	return Result{Score: score, Degraded: degraded}
}

// Passthrough scores by the similarity feature alone
type Passthrough struct{}

// NewPassthrough creates the fallback scorer
func NewPassthrough() *Passthrough {
	return &Passthrough{}
}

func (p *Passthrough) Score(fv types.FeatureVector) (Result, error) {
	if len(fv.Values) == 0 {
		return Result{Degraded: true}, nil
	}
	return finite(Clip(fv)[0], true), nil
}

func (p *Passthrough) Variant() string {
	return VariantPassthrough
}

func (p *Passthrough) SchemaVersion() int {
	return 0
}

// Linear is sum(w_i * x_i) plus an intercept
type Linear struct {
	version   int
	weights   []float64
	intercept float64
}

// NewLinear creates a linear scorer. weights are keyed by feature name and
// must all belong to the schema; missing features weigh 0.
func NewLinear(version int, weights map[string]float64, intercept float64) (*Linear, error) {
	names, err := features.Names(version)
	if err != nil {
		return nil, err
	}
	idx := make(map[string]int, len(names))
	for i, n := range names {
		idx[n] = i
	}
	w := make([]float64, len(names))
	for name, v := range weights {
		i, ok := idx[name]
		if !ok {
			return nil, fmt.Errorf("%w: feature %q not in schema v%d", ErrInvalidModel, name, version)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: weight for %q is not finite", ErrInvalidModel, name)
		}
		w[i] = v
	}
	return &Linear{version: version, weights: w, intercept: intercept}, nil
}

func (l *Linear) Score(fv types.FeatureVector) (Result, error) {
	if err := checkSchema(l.version, fv); err != nil {
		return Result{}, err
	}
	x := Clip(fv)
	score := l.intercept
	for i := range min(len(x), len(l.weights)) {
		score += l.weights[i] * x[i]
	}
	return finite(score, false), nil
}

func (l *Linear) Variant() string {
	return VariantLinear
}

func (l *Linear) SchemaVersion() int {
	return l.version
}
