package ltr

import (
	"fmt"

	"github.com/zenglow/fusionrank/internal/features"
	"github.com/zenglow/fusionrank/pkg/types"
)

// Node is a binary split, or a leaf when both children are negative
type Node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	LeafValue float64 `json:"leaf_value"`
}

func (n Node) isLeaf() bool {
	return n.Left < 0 && n.Right < 0
}

// Tree is a flat node list rooted at index 0
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// eval walks from the root: x[feature] <= threshold goes left
func (t Tree) eval(x []float64) float64 {
	i := 0
	// A valid tree reaches a leaf in fewer steps than it has nodes
	for range len(t.Nodes) {
		n := t.Nodes[i]
		if n.isLeaf() {
			return n.LeafValue
		}
		var v float64
		if n.Feature < len(x) {
			v = x[n.Feature]
		}
		if v <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
	return 0
}

// GBDT is base + learning_rate * sum(tree outputs)
type GBDT struct {
	version      int
	base         float64
	learningRate float64
	trees        []Tree
}

// NewGBDT validates the ensemble against the schema
func NewGBDT(version int, base, learningRate float64, trees []Tree) (*GBDT, error) {
	names, err := features.Names(version)
	if err != nil {
		return nil, err
	}
	if len(trees) == 0 {
		return nil, fmt.Errorf("%w: no trees", ErrInvalidModel)
	}
	for ti, t := range trees {
		if len(t.Nodes) == 0 {
			return nil, fmt.Errorf("%w: tree %d is empty", ErrInvalidModel, ti)
		}
		for ni, n := range t.Nodes {
			if n.isLeaf() {
				continue
			}
			if n.Feature < 0 || n.Feature >= len(names) {
				return nil, fmt.Errorf("%w: tree %d node %d splits on feature %d", ErrInvalidModel, ti, ni, n.Feature)
			}
			if n.Left <= ni || n.Left >= len(t.Nodes) || n.Right <= ni || n.Right >= len(t.Nodes) {
				return nil, fmt.Errorf("%w: tree %d node %d has invalid children", ErrInvalidModel, ti, ni)
			}
		}
	}
	if learningRate == 0 {
		learningRate = 1
	}
	return &GBDT{version: version, base: base, learningRate: learningRate, trees: trees}, nil
}

func (g *GBDT) Score(fv types.FeatureVector) (Result, error) {
	if err := checkSchema(g.version, fv); err != nil {
		return Result{}, err
	}
	x := Clip(fv)
	var sum float64
	for _, t := range g.trees {
		sum += t.eval(x)
	}
	return finite(g.base+g.learningRate*sum, false), nil
}

func (g *GBDT) Variant() string {
	return VariantGBDT
}

func (g *GBDT) SchemaVersion() int {
	return g.version
}
