package types

import (
	"slices"
	"time"
)

// FeatureSchemaVersion is the feature layout produced by the current assembler
const FeatureSchemaVersion = 2

// FeatureVector is the schema-versioned input of an LTR scorer
type FeatureVector struct {
	SchemaVersion int       `json:"schema_version"`
	Names         []string  `json:"names"`
	Values        []float64 `json:"values"`
}

// Get returns the value of the named feature
func (fv FeatureVector) Get(name string) (float64, bool) {
	i := slices.Index(fv.Names, name)
	if i < 0 || i >= len(fv.Values) {
		return 0, false
	}
	return fv.Values[i], true
}

// Clone returns a deep copy
func (fv FeatureVector) Clone() FeatureVector {
	return FeatureVector{
		SchemaVersion: fv.SchemaVersion,
		Names:         slices.Clone(fv.Names),
		Values:        slices.Clone(fv.Values),
	}
}

// ChunkFeatures holds the structured signals extracted from a chunk's text
type ChunkFeatures struct {
	ChunkID       int64
	Entities      []string
	Keyphrases    []string
	Topics        []string
	SchemaVersion int
	Checksum      [32]byte // Checksum of the text the features were extracted from
}

// Weights are the fusion weights of a scoring experiment
type Weights struct {
	LTR     float64 `json:"w_ltr"`
	Concept float64 `json:"w_concept"`
}

// DefaultWeights are used for tenants without an active experiment
func DefaultWeights() Weights {
	return Weights{LTR: 0.6, Concept: 0.4}
}

// ScoringExperiment is a named fusion configuration. At most one experiment
// per tenant is active.
type ScoringExperiment struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Name         string    `json:"name"`
	Weights      Weights   `json:"weights"`
	ModelVariant string    `json:"model_variant"`
	Active       bool      `json:"active"`
	Version      int64     `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	ActivatedAt  time.Time `json:"activated_at,omitzero"`
}

// DefaultExperimentID identifies the built-in weights used when a tenant has
// never activated an experiment
const DefaultExperimentID = "default"
