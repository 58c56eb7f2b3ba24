package features

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"github.com/zenglow/fusionrank/pkg/types"
)

// Feature names
const (
	FeatureSimilarity       = "similarity"
	FeatureLogTokenCount    = "log_token_count"
	FeatureBias             = "bias"
	FeatureEntityOverlap    = "entity_overlap"
	FeatureKeyphraseOverlap = "keyphrase_overlap"
	FeatureAuthority        = "authority"
)

// Range is the valid interval of a feature
type Range struct {
	Min float64
	Max float64
}

var schemaV2 = []string{
	FeatureSimilarity,
	FeatureLogTokenCount,
	FeatureBias,
	FeatureEntityOverlap,
	FeatureKeyphraseOverlap,
	FeatureAuthority,
}

var ranges = map[string]Range{
	FeatureSimilarity:       {0, 1},
	FeatureLogTokenCount:    {0, 20},
	FeatureBias:             {1, 1},
	FeatureEntityOverlap:    {0, 64},
	FeatureKeyphraseOverlap: {0, 64},
	FeatureAuthority:        {0, 1},
}

// Names returns the ordered feature names of a schema version
func Names(version int) ([]string, error) {
	switch version {
	case 1:
		return append([]string(nil), schemaV2[:3]...), nil
	case 2:
		return append([]string(nil), schemaV2...), nil
	default:
		return nil, fmt.Errorf("%w: unknown schema version %d", types.ErrFeatureSchemaMismatch, version)
	}
}

// RangeOf returns the valid interval of a named feature
func RangeOf(name string) (Range, bool) {
	r, ok := ranges[name]
	return r, ok
}

// PreparedQuery is the per-request analysis of the query text, computed once
// and shared by every candidate
type PreparedQuery struct {
	Text  string
	Hash  string
	stems map[string]struct{}
}

// QueryHash identifies a query for caching and interaction logging.
// Queries differing only in case or whitespace share a hash.
func QueryHash(text string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(types.NormalizeText(text))))
	return hex.EncodeToString(sum[:])
}

// PrepareQuery lower-cases, filters and stems the query
func PrepareQuery(text string) *PreparedQuery {
	return &PreparedQuery{
		Text:  text,
		Hash:  QueryHash(text),
		stems: stemSet(text),
	}
}

// HasStem reports whether the query contains the stem
func (q *PreparedQuery) HasStem(stem string) bool {
	_, ok := q.stems[stem]
	return ok
}

// containsAll reports whether every stem of phrase occurs in the query
func (q *PreparedQuery) containsAll(stems []string) bool {
	if len(stems) == 0 {
		return false
	}
	for _, s := range stems {
		if !q.HasStem(s) {
			return false
		}
	}
	return true
}

// Candidate is the per-chunk input of Assemble
type Candidate struct {
	ChunkID    int64
	Distance   float64 // L2 distance in the primary family
	TokenCount int
	Authority  float64
	Features   *types.ChunkFeatures // nil when none were extracted
}

// Assembler builds feature vectors for one schema version
type Assembler struct {
	version int
	names   []string
}

// NewAssembler creates an assembler for the given schema version
func NewAssembler(version int) (*Assembler, error) {
	names, err := Names(version)
	if err != nil {
		return nil, err
	}
	return &Assembler{version: version, names: names}, nil
}

// Version returns the schema version produced
func (a *Assembler) Version() int {
	return a.version
}

// Names returns the feature names in vector order
func (a *Assembler) Names() []string {
	return append([]string(nil), a.names...)
}

// Assemble computes the feature vector of one candidate
func (a *Assembler) Assemble(q *PreparedQuery, c Candidate) types.FeatureVector {
	values := make([]float64, len(a.names))
	for i, name := range a.names {
		values[i] = a.value(name, q, c)
	}
	return types.FeatureVector{
		SchemaVersion: a.version,
		Names:         a.names,
		Values:        values,
	}
}

func (a *Assembler) value(name string, q *PreparedQuery, c Candidate) float64 {
	switch name {
	case FeatureSimilarity:
		return Similarity(c.Distance)
	case FeatureLogTokenCount:
		return math.Log(float64(max(c.TokenCount, 0)) + 1)
	case FeatureBias:
		return 1
	case FeatureEntityOverlap:
		if c.Features == nil {
			return 0
		}
		n := 0
		for _, e := range c.Features.Entities {
			if q.containsAll(Terms(e)) {
				n++
			}
		}
		return float64(n)
	case FeatureKeyphraseOverlap:
		if c.Features == nil {
			return 0
		}
		n := 0
		for _, kp := range c.Features.Keyphrases {
			// Keyphrases are stored stemmed
			if q.containsAll(strings.Fields(kp)) {
				n++
			}
		}
		return float64(n)
	case FeatureAuthority:
		return c.Authority
	default:
		return 0
	}
}

// Similarity converts an L2 distance into a score in (0, 1]
func Similarity(distance float64) float64 {
	if distance < 0 || math.IsNaN(distance) {
		distance = 0
	}
	return 1 / (1 + distance)
}
