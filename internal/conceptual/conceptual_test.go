package conceptual

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScore(t *testing.T) {
	s := New()

	tests := []struct {
		name   string
		query  []float32
		chunk  []float32
		want   float64
		wantOK bool
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1, true},
		{"scaled", []float32{1, 0}, []float32{5, 0}, 1, true},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0, true},
		{"opposite", []float32{1, 1}, []float32{-1, -1}, -1, true},
		{"no chunk vector", []float32{1, 0}, nil, 0, false},
		{"dimension mismatch", []float32{1, 0}, []float32{1, 0, 0}, 0, false},
		{"zero query", []float32{0, 0}, []float32{1, 0}, 0, false},
		{"zero chunk", []float32{1, 0}, []float32{0, 0}, 0, false},
		{"overflow", []float32{math.MaxFloat32, 0}, []float32{math.MaxFloat32, 0}, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := s.Score(tt.query, tt.chunk)
			assert.Equal(t, tt.wantOK, ok)
			assert.InDelta(t, tt.want, got, 1e-6)
			assert.GreaterOrEqual(t, got, -1.0)
			assert.LessOrEqual(t, got, 1.0)
		})
	}
}
