package httpapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/zenglow/fusionrank/internal/cache"
	"github.com/zenglow/fusionrank/internal/experiment"
	"github.com/zenglow/fusionrank/internal/ingest"
	"github.com/zenglow/fusionrank/internal/storage"
	"github.com/zenglow/fusionrank/pkg/types"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// DBHealthResponse is the response body for GET /health/db.
type DBHealthResponse struct {
	Status string          `json:"status"`
	Store  *storage.Status `json:"store,omitempty"`
}

// AnswerChunk is one passage in the /rag/answer response.
type AnswerChunk struct {
	ID              int64   `json:"id"`
	Chunk           string  `json:"chunk"`
	Score           float64 `json:"score"`
	LTRScore        float64 `json:"ltr_score"`
	ConceptualScore float64 `json:"conceptual_score"`
	Distance        float64 `json:"distance"`
}

// AnswerResponse is the response body for POST /rag/answer.
type AnswerResponse struct {
	Chunks               []AnswerChunk `json:"chunks"`
	Answer               string        `json:"answer"`
	AnswerError          string        `json:"answer_error,omitempty"`
	FusionWeights        types.Weights `json:"fusion_weights"`
	FeatureSchemaVersion int           `json:"feature_schema_version"`
	FeatureNames         []string      `json:"feature_names"`
	ScoringVersion       string        `json:"scoring_version"`
}

// ActivateRequest is the request body for POST /experiments/activate.
type ActivateRequest struct {
	TenantID string `json:"tenant_id"`
	experiment.ActivateRequest
}

// InvalidateRequest is the request body for POST /cache/invalidate.
type InvalidateRequest struct {
	Scope    cache.Scope `json:"scope"`
	Key      string      `json:"key,omitempty"`
	TenantID string      `json:"tenant_id,omitempty"`
}

// InvalidateResponse reports how many entries were dropped.
type InvalidateResponse struct {
	Scope       cache.Scope `json:"scope"`
	Invalidated int         `json:"invalidated"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleHealthDB(c echo.Context) error {
	ctx := c.Request().Context()
	if err := s.app.Health(ctx); err != nil {
		return types.NewError(types.CodeStorageUnavailable, "database unreachable", err)
	}
	status, err := s.app.Store.GetStatus(ctx, c.QueryParam("tenant_id"))
	if err != nil {
		return types.NewError(types.CodeStorageUnavailable, "failed to read store status", err)
	}
	return c.JSON(http.StatusOK, DBHealthResponse{Status: "ok", Store: status})
}

func (s *Server) handleMetricsJSON(c echo.Context) error {
	return c.JSON(http.StatusOK, s.app.Stats.Snapshot())
}

func (s *Server) bindQuery(c echo.Context) (types.QueryRequest, error) {
	var req types.QueryRequest
	if err := c.Bind(&req); err != nil {
		return req, badRequest("invalid request body")
	}
	return req, nil
}

func (s *Server) query(c echo.Context, req types.QueryRequest) (*types.QueryResponse, error) {
	start := time.Now()
	resp, err := s.app.Engine.Query(c.Request().Context(), req)
	if err != nil {
		return nil, err
	}
	s.app.Stats.Record("rest", time.Since(start), resp.CacheHit)
	return resp, nil
}

func (s *Server) handleQuery(c echo.Context) error {
	req, err := s.bindQuery(c)
	if err != nil {
		return err
	}
	resp, err := s.query(c, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAnswer(c echo.Context) error {
	req, err := s.bindQuery(c)
	if err != nil {
		return err
	}
	req.Generate = true
	resp, err := s.query(c, req)
	if err != nil {
		return err
	}

	out := AnswerResponse{
		Chunks:               make([]AnswerChunk, 0, len(resp.Results)),
		Answer:               resp.Answer,
		AnswerError:          resp.AnswerError,
		FusionWeights:        resp.FusionWeights,
		FeatureSchemaVersion: resp.FeatureSchemaVersion,
		FeatureNames:         resp.FeatureNames,
		ScoringVersion:       resp.ScoringVersion,
	}
	for _, r := range resp.Results {
		out.Chunks = append(out.Chunks, AnswerChunk{
			ID:              r.ChunkID,
			Chunk:           r.TextPreview,
			Score:           r.FusedScore,
			LTRScore:        r.LTRScore,
			ConceptualScore: r.ConceptualScore,
			Distance:        r.Distance,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleIngest(c echo.Context) error {
	var req ingest.Request
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	result, err := s.app.Ingester.Ingest(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleInteraction(c echo.Context) error {
	var event types.InteractionEvent
	if err := c.Bind(&event); err != nil {
		return badRequest("invalid request body")
	}
	if err := s.app.Interactions.Append(c.Request().Context(), &event); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, event)
}

func (s *Server) handleInvalidate(c echo.Context) error {
	var req InvalidateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	ctx := c.Request().Context()

	var (
		n   int
		err error
	)
	if req.Scope == cache.ScopeFull && req.Key == "" && req.TenantID != "" {
		n, err = s.app.Caches.InvalidateTenant(ctx, req.TenantID)
	} else {
		n, err = s.app.Caches.Invalidate(ctx, req.Scope, req.Key)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, InvalidateResponse{Scope: req.Scope, Invalidated: n})
}

func (s *Server) handleActivate(c echo.Context) error {
	var req ActivateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	exp, err := s.app.Experiments.Activate(c.Request().Context(), req.TenantID, req.ActivateRequest)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, exp)
}

func (s *Server) handleActiveExperiment(c echo.Context) error {
	exp, err := s.app.Experiments.Active(c.Request().Context(), tenantParam(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, exp)
}

func (s *Server) handleListExperiments(c echo.Context) error {
	exps, err := s.app.Experiments.List(c.Request().Context(), tenantParam(c))
	if err != nil {
		return err
	}
	if exps == nil {
		exps = []*types.ScoringExperiment{}
	}
	return c.JSON(http.StatusOK, exps)
}

func tenantParam(c echo.Context) string {
	if t := c.QueryParam("tenant_id"); t != "" {
		return t
	}
	return types.DefaultTenant
}
