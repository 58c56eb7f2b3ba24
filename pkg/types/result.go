package types

import "slices"

// Stage is a state of the query pipeline
type Stage string

const (
	StageReceived          Stage = "RECEIVED"
	StageRetrieved         Stage = "RETRIEVED"
	StageFeaturesAssembled Stage = "FEATURES_ASSEMBLED"
	StageScored            Stage = "SCORED"
	StageFused             Stage = "FUSED"
	StageCached            Stage = "CACHED"
	StageResponded         Stage = "RESPONDED"
)

// Cache hit tiers reported on a response
const (
	CacheHitFull    = "full"
	CacheHitFeature = "feature"
	CacheHitNone    = "none"
)

// StageTiming is the wall time spent reaching a stage
type StageTiming struct {
	Stage Stage   `json:"stage"`
	Ms    float64 `json:"ms"`
}

// QueryRequest is the input of the query pipeline
type QueryRequest struct {
	QueryText          string `json:"query"`
	TopK               int    `json:"top_k,omitempty"`
	TenantID           string `json:"tenant_id,omitempty"`
	ExperimentOverride string `json:"experiment_override,omitempty"`
	IncludeFeatures    bool   `json:"include_features,omitempty"`
	Generate           bool   `json:"generate,omitempty"`
}

// RankedResult is one fused candidate
type RankedResult struct {
	ChunkID         int64          `json:"chunk_id"`
	DocumentID      int64          `json:"document_id"`
	TextPreview     string         `json:"text_preview"`
	Distance        float64        `json:"distance"`
	LTRScore        float64        `json:"ltr_score"`
	ConceptualScore float64        `json:"conceptual_score"`
	FusedScore      float64        `json:"fused_score"`
	AuthorityScore  float64        `json:"authority_score"`
	Features        *FeatureVector `json:"features,omitempty"`
}

// QueryResponse is the ranked output of the query pipeline
type QueryResponse struct {
	Results              []RankedResult `json:"results"`
	FusionWeights        Weights        `json:"fusion_weights"`
	ExperimentID         string         `json:"experiment_id"`
	FeatureSchemaVersion int            `json:"feature_schema_version"`
	FeatureNames         []string       `json:"feature_names"`
	ScoringVersion       string         `json:"scoring_version"`
	TookMs               float64        `json:"took_ms"`
	StageTimings         []StageTiming  `json:"stage_timings"`
	State                Stage          `json:"state"`
	Partial              bool           `json:"partial"`
	Degraded             bool           `json:"degraded"`
	Reason               Code           `json:"reason,omitempty"`
	CacheHit             string         `json:"cache_hit"`
	CandidateCount       int            `json:"candidate_count"`
	ScoredCount          int            `json:"scored_count"`
	Answer               string         `json:"answer,omitempty"`
	AnswerError          string         `json:"answer_error,omitempty"`
}

// Clone returns a deep copy so cached responses are never shared
func (r *QueryResponse) Clone() *QueryResponse {
	if r == nil {
		return nil
	}
	out := *r
	out.FeatureNames = slices.Clone(r.FeatureNames)
	out.StageTimings = slices.Clone(r.StageTimings)
	out.Results = make([]RankedResult, len(r.Results))
	for i, res := range r.Results {
		if res.Features != nil {
			fv := res.Features.Clone()
			res.Features = &fv
		}
		out.Results[i] = res
	}
	return &out
}

// Stages returns the stages that were timed, in order
func (r *QueryResponse) Stages() []Stage {
	stages := make([]Stage, len(r.StageTimings))
	for i, st := range r.StageTimings {
		stages[i] = st.Stage
	}
	return stages
}
