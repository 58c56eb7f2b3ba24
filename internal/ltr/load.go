package ltr

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/zenglow/fusionrank/pkg/types"
)

const maxModelFileSize = 16 * 1024 * 1024

// modelFile is the on-disk model format
type modelFile struct {
	Variant       string             `json:"variant"`
	SchemaVersion int                `json:"schema_version"`
	Weights       map[string]float64 `json:"weights,omitempty"`
	Intercept     float64            `json:"intercept,omitempty"`
	BaseScore     float64            `json:"base_score,omitempty"`
	LearningRate  float64            `json:"learning_rate,omitempty"`
	Trees         []Tree             `json:"trees,omitempty"`
}

// LoadModel reads and validates a model file
func LoadModel(path string) (Scorer, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	if info.Size() > maxModelFileSize {
		return nil, fmt.Errorf("%w: model file too large: %d bytes", ErrInvalidModel, info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	return ParseModel(data)
}

// ParseModel builds a scorer from model JSON
func ParseModel(data []byte) (Scorer, error) {
	var m modelFile
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}
	if m.SchemaVersion == 0 {
		m.SchemaVersion = types.FeatureSchemaVersion
	}

	switch strings.ToLower(m.Variant) {
	case VariantLinear:
		return NewLinear(m.SchemaVersion, m.Weights, m.Intercept)
	case VariantGBDT:
		return NewGBDT(m.SchemaVersion, m.BaseScore, m.LearningRate, m.Trees)
	case VariantPassthrough:
		return NewPassthrough(), nil
	default:
		return nil, fmt.Errorf("%w: unknown variant %q", ErrInvalidModel, m.Variant)
	}
}

// Load returns the scorer for the configured variant. The returned scorer is
// never nil: when the variant needs a model that is missing, unreadable or
// of another variant, Load returns the pass-through scorer together with an
// error describing the fallback so the caller can log it.
func Load(variant, path string) (Scorer, error) {
	variant = strings.ToLower(strings.TrimSpace(variant))
	if variant == "" || variant == VariantPassthrough {
		return NewPassthrough(), nil
	}
	if variant != VariantLinear && variant != VariantGBDT {
		return NewPassthrough(), fmt.Errorf("%w: unknown variant %q", ErrInvalidModel, variant)
	}
	if path == "" {
		return NewPassthrough(), fmt.Errorf("%w: no model path configured for %s", ErrModelUnavailable, variant)
	}

	scorer, err := LoadModel(path)
	if err != nil {
		return NewPassthrough(), err
	}
	if scorer.Variant() != variant {
		return NewPassthrough(), fmt.Errorf("%w: %s holds a %s model, want %s",
			ErrInvalidModel, path, scorer.Variant(), variant)
	}
	return scorer, nil
}
