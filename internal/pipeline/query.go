package pipeline

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zenglow/fusionrank/internal/cache"
	"github.com/zenglow/fusionrank/internal/embedder"
	"github.com/zenglow/fusionrank/internal/features"
	"github.com/zenglow/fusionrank/internal/fusion"
	"github.com/zenglow/fusionrank/internal/logging"
	"github.com/zenglow/fusionrank/internal/ltr"
	"github.com/zenglow/fusionrank/internal/metrics"
	"github.com/zenglow/fusionrank/internal/storage"
	"github.com/zenglow/fusionrank/pkg/types"
)

// slot is the per-candidate working state shared by the fan-out stages.
// Each slot is written by exactly one goroutine per stage.
type slot struct {
	match      storage.VectorMatch
	chunk      *types.Chunk
	stored     *types.ChunkFeatures
	vector     types.FeatureVector
	assembled  bool
	ltr        ltr.Result
	ltrCached  bool
	concept    float64
	hasConcept bool
	scored     bool
}

// stageClock records the wall time between consecutive stages
type stageClock struct {
	last    time.Time
	timings []types.StageTiming
}

func newStageClock(start time.Time) *stageClock {
	return &stageClock{last: start}
}

func (c *stageClock) mark(stage types.Stage) {
	now := time.Now()
	elapsed := now.Sub(c.last)
	c.last = now
	c.timings = append(c.timings, types.StageTiming{Stage: stage, Ms: millis(elapsed)})
	metrics.StageDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Query runs one request through the pipeline. NoCandidates, partial and
// degraded outcomes are reported on the response, never as errors.
func (e *Engine) Query(ctx context.Context, req types.QueryRequest) (*types.QueryResponse, error) {
	start := time.Now()
	clock := newStageClock(start)

	topK, err := e.validate(&req)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithTenantID(ctx, req.TenantID)

	exp, err := e.experiments.Resolve(ctx, req.TenantID, req.ExperimentOverride)
	if err != nil {
		return nil, err
	}
	if err := fusion.ValidateWeights(exp.Weights); err != nil {
		return nil, err
	}

	query := features.PrepareQuery(req.QueryText)
	key := cache.ResponseKey{
		TenantID:     req.TenantID,
		QueryHash:    query.Hash,
		TopK:         topK,
		ExperimentID: exp.ID,
	}

	if resp, ok := e.lookupResponse(ctx, key); ok {
		resp.CacheHit = types.CacheHitFull
		resp.State = types.StageResponded
		resp.StageTimings = []types.StageTiming{}
		e.finish(ctx, req, resp, nil, start)
		return resp, nil
	}

	// Generation runs on the caller's context, after the scoring deadline
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	qSmall, qDense, err := e.embedQuery(ctx, req.QueryText)
	if err != nil {
		return nil, err
	}

	k := min(topK*e.cfg.CandidateMultiplier, e.cfg.MaxCandidates)
	matches, err := e.store.SearchVector(ctx, storage.FamilySmall, qSmall, k, &storage.SearchFilter{TenantID: req.TenantID})
	if err != nil {
		return nil, retrievalError("vector search failed", err)
	}

	scorer := e.scorerFor(exp.ModelVariant)
	degraded := qDense == nil
	if v := scorer.SchemaVersion(); v != 0 && v != e.assembler.Version() {
		e.logger.Warn(ctx, "scorer schema differs from assembler, using pass-through",
			zap.String("variant", scorer.Variant()),
			zap.Int("scorer_schema", v),
			zap.Int("assembler_schema", e.assembler.Version()))
		scorer = e.scorers[ltr.VariantPassthrough]
		degraded = true
	}

	resp := &types.QueryResponse{
		Results:              []types.RankedResult{},
		FusionWeights:        exp.Weights,
		ExperimentID:         exp.ID,
		FeatureSchemaVersion: e.assembler.Version(),
		FeatureNames:         e.assembler.Names(),
		ScoringVersion:       fmt.Sprintf("%s/v%d", scorer.Variant(), e.assembler.Version()),
		CacheHit:             types.CacheHitNone,
		CandidateCount:       len(matches),
	}

	if len(matches) == 0 {
		clock.mark(types.StageRetrieved)
		resp.StageTimings = clock.timings
		resp.State = types.StageResponded
		resp.Reason = types.CodeNoCandidates
		e.finish(parent, req, resp, nil, start)
		return resp, nil
	}

	slots, err := e.loadCandidates(ctx, matches)
	if err != nil {
		return nil, err
	}
	clock.mark(types.StageRetrieved)

	featureHits := e.assemble(ctx, query, scorer, slots)
	clock.mark(types.StageFeaturesAssembled)

	scorerDegraded := e.score(ctx, query, scorer, qDense, slots)
	clock.mark(types.StageScored)
	degraded = degraded || scorerDegraded

	candidates := make([]fusion.Candidate, 0, len(slots))
	bySlot := make(map[int64]*slot, len(slots))
	for _, s := range slots {
		if !s.scored {
			continue
		}
		bySlot[s.chunk.ID] = s
		candidates = append(candidates, fusion.Candidate{
			ChunkID:         s.chunk.ID,
			LTRScore:        s.ltr.Score,
			ConceptualScore: s.concept,
			HasConceptual:   s.hasConcept,
			AuthorityScore:  s.chunk.AuthorityScore,
		})
	}
	resp.ScoredCount = len(candidates)
	resp.Partial = len(candidates) < len(slots)

	fused, err := fusion.Fuse(candidates, exp.Weights)
	if err != nil {
		return nil, err
	}
	if len(fused) > topK {
		fused = fused[:topK]
	}

	texts := make(map[int64]string, len(fused))
	for _, f := range fused {
		s := bySlot[f.ChunkID]
		fv := s.vector.Clone()
		texts[f.ChunkID] = s.chunk.Text
		resp.Results = append(resp.Results, types.RankedResult{
			ChunkID:         f.ChunkID,
			DocumentID:      s.chunk.DocumentID,
			TextPreview:     s.chunk.Preview(e.cfg.PreviewLength),
			Distance:        s.match.Distance,
			LTRScore:        f.LTRScore,
			ConceptualScore: f.ConceptualScore,
			FusedScore:      f.FusedScore,
			AuthorityScore:  f.AuthorityScore,
			Features:        &fv,
		})
	}
	clock.mark(types.StageFused)

	if featureHits > 0 {
		resp.CacheHit = types.CacheHitFeature
	}
	resp.Degraded = degraded
	switch {
	case resp.Partial:
		resp.Reason = types.CodePartialResult
		metrics.PartialResults.Inc()
		e.logger.Warn(ctx, "deadline reached while scoring, returning partial results",
			zap.Int("scored", resp.ScoredCount),
			zap.Int("candidates", resp.CandidateCount))
	case degraded:
		resp.Reason = types.CodeDegradedScoring
	}
	if degraded {
		metrics.DegradedScoring.Inc()
	}

	// A transient conceptual failure is not worth pinning in the cache
	cacheable := !resp.Partial && (e.dense == nil || qDense != nil)

	resp.State = types.StageFused
	resp.StageTimings = clock.timings
	if cacheable && e.storeResponse(parent, key, resp, qSmall) {
		clock.mark(types.StageCached)
		resp.StageTimings = clock.timings
		resp.State = types.StageCached
	} else {
		resp.State = types.StageResponded
	}

	e.finish(parent, req, resp, texts, start)
	return resp, nil
}

// validate applies request defaults and returns the effective top_k
func (e *Engine) validate(req *types.QueryRequest) (int, error) {
	if strings.TrimSpace(req.QueryText) == "" {
		return 0, types.NewError(types.CodeInvalidRequest, "query cannot be empty", types.ErrEmptyText)
	}
	if req.TenantID == "" {
		req.TenantID = types.DefaultTenant
	}
	topK := req.TopK
	if topK == 0 {
		topK = e.cfg.DefaultTopK
	}
	if topK < 1 || topK > e.cfg.MaxTopK {
		return 0, types.NewError(types.CodeInvalidRequest,
			fmt.Sprintf("top_k must be between 1 and %d, got %d", e.cfg.MaxTopK, req.TopK), types.ErrInvalidRequest)
	}
	return topK, nil
}

// embedQuery embeds the query in both families concurrently. Only the
// primary family is required; a dense failure returns a nil dense vector.
func (e *Engine) embedQuery(ctx context.Context, text string) (small, dense []float32, err error) {
	var g errgroup.Group
	g.Go(func() error {
		emb, err := e.small.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: text})
		if err != nil {
			return err
		}
		small = emb.Vector
		return nil
	})
	if e.dense != nil {
		g.Go(func() error {
			emb, err := e.dense.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: text})
			if err != nil {
				e.logger.Warn(ctx, "conceptual embedding failed, scoring without it", zap.Error(err))
				return nil
			}
			dense = emb.Vector
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, retrievalError("failed to embed query", err)
	}
	return small, dense, nil
}

// retrievalError maps a failure before any candidate was scored
func retrievalError(msg string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.CodeDeadlineExceeded, msg, err)
	}
	if errors.Is(err, storage.ErrDimensionMismatch) {
		return types.NewError(types.CodeInvalidRequest, msg, err)
	}
	return types.NewError(types.CodeStorageUnavailable, msg, err)
}

// loadCandidates fetches the chunks and stored features of the matches.
// Matches whose chunk vanished in between are dropped.
func (e *Engine) loadCandidates(ctx context.Context, matches []storage.VectorMatch) ([]*slot, error) {
	ids := make([]int64, len(matches))
	for i, m := range matches {
		ids[i] = m.ChunkID
	}
	chunks, err := e.store.GetChunks(ctx, ids)
	if err != nil {
		return nil, retrievalError("failed to load chunks", err)
	}
	stored, err := e.store.GetChunkFeatures(ctx, ids)
	if err != nil {
		return nil, retrievalError("failed to load chunk features", err)
	}

	slots := make([]*slot, 0, len(matches))
	for _, m := range matches {
		chunk, ok := chunks[m.ChunkID]
		if !ok {
			continue
		}
		s := &slot{match: m, chunk: chunk}
		slots = append(slots, s)
		if cf, ok := stored[m.ChunkID]; ok {
			// Features of an older text are ignored
			if cf.Checksum == sha256.Sum256([]byte(chunk.Text)) {
				s.stored = cf
			}
		}
	}
	return slots, nil
}

// assemble builds or fetches the feature vector of every candidate and
// returns how many came from the feature cache. Candidates not reached
// before the deadline stay unassembled.
func (e *Engine) assemble(ctx context.Context, query *features.PreparedQuery, scorer ltr.Scorer, slots []*slot) int {
	var hits atomic.Int32
	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)

	for _, s := range slots {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if e.features != nil {
				entry, ok := e.features.Get(s.chunk.ID, query.Hash, e.assembler.Version(), scorer.Variant())
				if ok {
					s.vector = entry.Vector
					s.ltr = ltr.Result{Score: entry.LTRScore, Degraded: entry.Degraded}
					s.ltrCached = true
					s.assembled = true
					hits.Add(1)
					return nil
				}
			}
			s.vector = e.assembler.Assemble(query, features.Candidate{
				ChunkID:    s.chunk.ID,
				Distance:   s.match.Distance,
				TokenCount: s.chunk.TokenCount,
				Authority:  s.chunk.AuthorityScore,
				Features:   s.stored,
			})
			s.assembled = true
			return nil
		})
	}
	_ = g.Wait()
	return int(hits.Load())
}

// score computes the LTR and conceptual score of every assembled candidate
// and reports whether any LTR score was degraded
func (e *Engine) score(ctx context.Context, query *features.PreparedQuery, scorer ltr.Scorer, qDense []float32, slots []*slot) bool {
	var degraded atomic.Bool
	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	fallback := e.scorers[ltr.VariantPassthrough]

	for _, s := range slots {
		if ctx.Err() != nil {
			break
		}
		if !s.assembled {
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if !s.ltrCached {
				res, err := scorer.Score(s.vector)
				if err != nil {
					e.logger.Debug(ctx, "scorer rejected features, using pass-through",
						zap.Int64("chunk_id", s.chunk.ID), zap.Error(err))
					res, _ = fallback.Score(s.vector)
					res.Degraded = true
				} else if e.features != nil {
					e.features.Put(s.chunk.ID, query.Hash, cache.FeatureEntry{
						Vector:        s.vector,
						LTRScore:      res.Score,
						Degraded:      res.Degraded,
						SchemaVersion: e.assembler.Version(),
						ScorerVariant: scorer.Variant(),
					})
				}
				s.ltr = res
			}
			if s.ltr.Degraded {
				degraded.Store(true)
			}
			if qDense != nil {
				s.concept, s.hasConcept = e.concept.Score(qDense, s.chunk.EmbeddingDense)
			}
			s.scored = true
			return nil
		})
	}
	_ = g.Wait()
	return degraded.Load()
}

func (e *Engine) lookupResponse(ctx context.Context, key cache.ResponseKey) (*types.QueryResponse, bool) {
	if e.responses == nil {
		return nil, false
	}
	resp, ok, err := e.responses.Get(ctx, key)
	if err != nil {
		e.logger.Warn(ctx, "response cache read failed", zap.Error(err))
		return nil, false
	}
	return resp, ok
}

func (e *Engine) storeResponse(ctx context.Context, key cache.ResponseKey, resp *types.QueryResponse, queryEmbedding []float32) bool {
	if e.responses == nil {
		return false
	}
	if err := e.responses.Put(ctx, key, resp, queryEmbedding); err != nil {
		e.logger.Warn(ctx, "response cache write failed", zap.Error(err))
		return false
	}
	return true
}

// finish shapes the response for the caller: features are dropped unless
// requested, and an answer is generated when asked for
func (e *Engine) finish(ctx context.Context, req types.QueryRequest, resp *types.QueryResponse, texts map[int64]string, start time.Time) {
	if !req.IncludeFeatures {
		for i := range resp.Results {
			resp.Results[i].Features = nil
		}
	}
	if req.Generate {
		e.answer(ctx, req.QueryText, resp, texts)
	}
	resp.TookMs = millis(time.Since(start))

	e.logger.Info(ctx, "query served",
		zap.String("experiment_id", resp.ExperimentID),
		zap.String("state", string(resp.State)),
		zap.String("cache_hit", resp.CacheHit),
		zap.Int("results", len(resp.Results)),
		zap.Bool("partial", resp.Partial),
		zap.Bool("degraded", resp.Degraded),
		zap.Float64("took_ms", resp.TookMs))
}

// answer runs the generator over the top results. Failures are reported in
// answer_error and never fail the query.
func (e *Engine) answer(ctx context.Context, query string, resp *types.QueryResponse, texts map[int64]string) {
	if e.generator == nil {
		resp.AnswerError = "generation is not configured"
		return
	}
	if len(resp.Results) == 0 {
		resp.AnswerError = "no context to answer from"
		return
	}

	top := resp.Results[:min(len(resp.Results), e.cfg.ContextChunks)]
	if texts == nil {
		texts = e.contextTexts(ctx, top)
	}
	passages := make([]string, 0, len(top))
	for _, r := range top {
		if text, ok := texts[r.ChunkID]; ok {
			passages = append(passages, text)
			continue
		}
		passages = append(passages, r.TextPreview)
	}

	answer, err := e.generator.Generate(ctx, query, passages)
	if err != nil {
		e.logger.Warn(ctx, "answer generation failed", zap.String("model", e.generator.Model()), zap.Error(err))
		resp.AnswerError = err.Error()
		return
	}
	resp.Answer = answer
}

// contextTexts loads the full text of cached results. On failure the
// previews are used instead.
func (e *Engine) contextTexts(ctx context.Context, results []types.RankedResult) map[int64]string {
	ids := make([]int64, len(results))
	for i, r := range results {
		ids[i] = r.ChunkID
	}
	chunks, err := e.store.GetChunks(ctx, ids)
	if err != nil {
		e.logger.Warn(ctx, "failed to load context chunks", zap.Error(err))
		return nil
	}
	texts := make(map[int64]string, len(chunks))
	for id, c := range chunks {
		texts[id] = c.Text
	}
	return texts
}
