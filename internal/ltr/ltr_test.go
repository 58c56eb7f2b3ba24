package ltr

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zenglow/fusionrank/internal/features"
	"github.com/zenglow/fusionrank/pkg/types"
)

func vector(t *testing.T, version int, values ...float64) types.FeatureVector {
	t.Helper()
	names, err := features.Names(version)
	require.NoError(t, err)
	require.Len(t, values, len(names))
	return types.FeatureVector{SchemaVersion: version, Names: names, Values: values}
}

func TestClip(t *testing.T) {
	fv := vector(t, 2, math.NaN(), math.Inf(1), 7, -3, math.Inf(-1), 1.5)
	assert.Equal(t, []float64{0, 20, 1, 0, 0, 1}, Clip(fv))

	unknown := types.FeatureVector{Names: []string{"custom"}, Values: []float64{math.Inf(1)}}
	assert.Equal(t, []float64{0}, Clip(unknown))
}

func TestPassthrough(t *testing.T) {
	p := NewPassthrough()

	res, err := p.Score(vector(t, 2, 0.8, 2, 1, 0, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, 0.8, res.Score)
	assert.True(t, res.Degraded)

	// Any schema version is accepted
	res, err = p.Score(vector(t, 1, math.NaN(), 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.Score)

	res, err = p.Score(types.FeatureVector{})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, VariantPassthrough, p.Variant())
}

func TestLinear(t *testing.T) {
	l, err := NewLinear(2, map[string]float64{
		features.FeatureSimilarity: 2,
		features.FeatureAuthority:  0.5,
	}, 0.1)
	require.NoError(t, err)

	res, err := l.Score(vector(t, 2, 0.5, 3, 1, 2, 2, 0.4))
	require.NoError(t, err)
	assert.InDelta(t, 0.1+1.0+0.2, res.Score, 1e-12)
	assert.False(t, res.Degraded)

	// Clipped inputs keep the output finite
	res, err = l.Score(vector(t, 2, math.Inf(1), 0, 1, 0, 0, math.NaN()))
	require.NoError(t, err)
	assert.InDelta(t, 2.1, res.Score, 1e-12)

	_, err = l.Score(vector(t, 1, 0.5, 0, 1))
	assert.ErrorIs(t, err, types.ErrFeatureSchemaMismatch)
	assert.Equal(t, types.CodeFeatureSchemaMismatch, types.CodeOf(err))
}

func TestNewLinear_Invalid(t *testing.T) {
	_, err := NewLinear(1, map[string]float64{features.FeatureAuthority: 1}, 0)
	assert.ErrorIs(t, err, ErrInvalidModel)

	_, err = NewLinear(2, map[string]float64{features.FeatureBias: math.NaN()}, 0)
	assert.ErrorIs(t, err, ErrInvalidModel)
}

func stump(feature int, threshold, left, right float64) Tree {
	return Tree{Nodes: []Node{
		{Feature: feature, Threshold: threshold, Left: 1, Right: 2},
		{Left: -1, Right: -1, LeafValue: left},
		{Left: -1, Right: -1, LeafValue: right},
	}}
}

func TestGBDT(t *testing.T) {
	g, err := NewGBDT(2, 0.5, 0.1, []Tree{stump(0, 0.5, -1, 1), stump(5, 0.2, 0, 2)})
	require.NoError(t, err)

	res, err := g.Score(vector(t, 2, 0.9, 0, 1, 0, 0, 0.1))
	require.NoError(t, err)
	assert.InDelta(t, 0.5+0.1*(1+0), res.Score, 1e-12)

	res, err = g.Score(vector(t, 2, 0.1, 0, 1, 0, 0, 0.9))
	require.NoError(t, err)
	assert.InDelta(t, 0.5+0.1*(-1+2), res.Score, 1e-12)

	_, err = g.Score(vector(t, 1, 0.9, 0, 1))
	assert.ErrorIs(t, err, types.ErrFeatureSchemaMismatch)
}

func TestNewGBDT_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		trees []Tree
	}{
		{"no trees", nil},
		{"empty tree", []Tree{{}}},
		{"feature out of range", []Tree{stump(9, 0, 0, 0)}},
		{"cycle", []Tree{{Nodes: []Node{{Feature: 0, Left: 0, Right: 1}, {Left: -1, Right: -1}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGBDT(2, 0, 1, tt.trees)
			assert.ErrorIs(t, err, ErrInvalidModel)
		})
	}
}

func writeModel(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	linear := writeModel(t, `{"variant":"linear","schema_version":2,"weights":{"similarity":1}}`)
	gbdt := writeModel(t, `{"variant":"gbdt","trees":[{"nodes":[{"left":-1,"right":-1,"leaf_value":3}]}]}`)
	broken := writeModel(t, `{"variant":`)

	tests := []struct {
		name        string
		variant     string
		path        string
		wantVariant string
		wantErr     error
	}{
		{"passthrough needs no model", "passthrough", "", VariantPassthrough, nil},
		{"empty variant", "", "", VariantPassthrough, nil},
		{"linear", "linear", linear, VariantLinear, nil},
		{"gbdt defaults schema", "GBDT", gbdt, VariantGBDT, nil},
		{"no path", "linear", "", VariantPassthrough, ErrModelUnavailable},
		{"missing file", "linear", filepath.Join(t.TempDir(), "none.json"), VariantPassthrough, ErrModelUnavailable},
		{"broken file", "linear", broken, VariantPassthrough, ErrInvalidModel},
		{"variant mismatch", "gbdt", linear, VariantPassthrough, ErrInvalidModel},
		{"unknown variant", "neural", linear, VariantPassthrough, ErrInvalidModel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scorer, err := Load(tt.variant, tt.path)
			require.NotNil(t, scorer)
			assert.Equal(t, tt.wantVariant, scorer.Variant())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoad_GBDTScore(t *testing.T) {
	path := writeModel(t, `{"variant":"gbdt","schema_version":2,"base_score":1,"trees":[{"nodes":[{"left":-1,"right":-1,"leaf_value":3}]}]}`)
	scorer, err := Load("gbdt", path)
	require.NoError(t, err)
	assert.Equal(t, 2, scorer.SchemaVersion())

	res, err := scorer.Score(vector(t, 2, 0, 0, 1, 0, 0, 0))
	require.NoError(t, err)
	// learning rate defaults to 1
	assert.Equal(t, 4.0, res.Score)
}
