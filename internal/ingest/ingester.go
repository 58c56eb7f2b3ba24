package ingest

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"github.com/zenglow/fusionrank/internal/chunker"
	"github.com/zenglow/fusionrank/internal/embedder"
	"github.com/zenglow/fusionrank/internal/features"
	"github.com/zenglow/fusionrank/internal/logging"
	"github.com/zenglow/fusionrank/internal/metrics"
	"github.com/zenglow/fusionrank/internal/storage"
	"github.com/zenglow/fusionrank/pkg/types"
)

// ChunkInput is a caller-chunked piece of a document. Embeddings are
// optional and generated on demand when absent.
type ChunkInput struct {
	Text           string    `json:"text"`
	EmbeddingSmall []float32 `json:"embedding_small,omitempty"`
	EmbeddingDense []float32 `json:"embedding_dense,omitempty"`
}

// Request describes one document to ingest. Exactly one of Text and Chunks
// is set. ContentHash is the hex SHA-256 of the content; it is derived from
// the normalised text when empty.
type Request struct {
	TenantID    string            `json:"tenant_id"`
	ExternalID  string            `json:"external_id"`
	SourceType  string            `json:"source_type,omitempty"`
	URI         string            `json:"uri,omitempty"`
	Title       string            `json:"title,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
	Text        string            `json:"text,omitempty"`
	Chunks      []ChunkInput      `json:"chunks,omitempty"`
	ContentHash string            `json:"content_hash,omitempty"`
	Topics      []string          `json:"topics,omitempty"`
}

// Result reports what an ingestion did
type Result struct {
	DocumentID int64  `json:"document_id"`
	ExternalID string `json:"external_id"`
	Version    int    `json:"version"`
	Chunks     int    `json:"chunks"`
	Superseded int    `json:"superseded"`
	Unchanged  bool   `json:"unchanged"`
	DenseSkip  bool   `json:"dense_skipped,omitempty"`
}

// TenantInvalidator drops a tenant's cached responses after its corpus changed
type TenantInvalidator interface {
	InvalidateTenant(ctx context.Context, tenantID string) (int, error)
}

// Option configures an Ingester
type Option func(*Ingester)

// WithDense sets the conceptual-family embedder. Without it chunks carry no
// dense vector unless the caller supplies one.
func WithDense(e embedder.Embedder) Option {
	return func(i *Ingester) {
		i.dense = e
	}
}

// WithChunker replaces the default chunker
func WithChunker(c *chunker.Chunker) Option {
	return func(i *Ingester) {
		if c != nil {
			i.chunker = c
		}
	}
}

// WithResponseCache invalidates the tenant's cached responses after each
// successful ingestion
func WithResponseCache(c TenantInvalidator) Option {
	return func(i *Ingester) {
		i.responses = c
	}
}

// WithWorkers sets the file-level concurrency of IngestFiles
func WithWorkers(n int) Option {
	return func(i *Ingester) {
		if n > 0 {
			i.workers = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(i *Ingester) {
		if l != nil {
			i.logger = l
		}
	}
}

// Ingester coordinates the ingestion pipeline: chunk -> embed -> extract -> store
type Ingester struct {
	store     storage.Storage
	small     embedder.Embedder
	dense     embedder.Embedder
	chunker   *chunker.Chunker
	responses TenantInvalidator
	logger    *logging.Logger
	workers   int
}

// New creates an Ingester. The small-family embedder is required.
func New(store storage.Storage, small embedder.Embedder, opts ...Option) (*Ingester, error) {
	if store == nil {
		return nil, errors.New("ingest: storage is required")
	}
	if small == nil {
		return nil, errors.New("ingest: small embedder is required")
	}
	i := &Ingester{
		store:   store,
		small:   small,
		chunker: chunker.New(chunker.Options{}),
		logger:  logging.NewNop(),
		workers: runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = i.logger.Named("ingest")
	return i, nil
}

// prepared is a validated request with its pieces
type prepared struct {
	req    Request
	hash   [32]byte
	pieces []chunker.Piece
	small  [][]float32
	dense  [][]float32
}

// Ingest stores one document version
func (i *Ingester) Ingest(ctx context.Context, req Request) (*Result, error) {
	p, err := i.prepare(req)
	if err != nil {
		metrics.DocumentsIngested.WithLabelValues("error").Inc()
		return nil, err
	}
	ctx = logging.WithTenantID(ctx, p.req.TenantID)

	existing, err := i.store.FindLatestByHash(ctx, p.req.TenantID, p.hash)
	switch {
	case err == nil && existing.ExternalID == p.req.ExternalID:
		metrics.DocumentsIngested.WithLabelValues("unchanged").Inc()
		i.logger.Debug(ctx, "document unchanged", zap.String("external_id", p.req.ExternalID))
		return &Result{DocumentID: existing.ID, ExternalID: existing.ExternalID, Version: existing.Version, Unchanged: true}, nil
	case err == nil:
		metrics.DocumentsIngested.WithLabelValues("error").Inc()
		return nil, types.NewError(types.CodeInvalidRequest,
			fmt.Sprintf("content already ingested as %q", existing.ExternalID), storage.ErrDuplicateContent)
	case !errors.Is(err, storage.ErrNotFound):
		metrics.DocumentsIngested.WithLabelValues("error").Inc()
		return nil, types.NewError(types.CodeStorageUnavailable, "failed to look up content hash", err)
	}

	result := &Result{ExternalID: p.req.ExternalID}
	if err := i.embed(ctx, p, result); err != nil {
		metrics.DocumentsIngested.WithLabelValues("error").Inc()
		return nil, err
	}

	if err := i.persist(ctx, p, result); err != nil {
		metrics.DocumentsIngested.WithLabelValues("error").Inc()
		return nil, err
	}

	if i.responses != nil {
		if _, err := i.responses.InvalidateTenant(ctx, p.req.TenantID); err != nil {
			i.logger.Warn(ctx, "failed to invalidate cached responses", zap.Error(err))
		}
	}

	metrics.DocumentsIngested.WithLabelValues("created").Inc()
	i.logger.Info(ctx, "document ingested",
		zap.String("external_id", result.ExternalID),
		zap.Int64("document_id", result.DocumentID),
		zap.Int("version", result.Version),
		zap.Int("chunks", result.Chunks))
	return result, nil
}

// prepare validates req, fills defaults and chunks the content
func (i *Ingester) prepare(req Request) (*prepared, error) {
	if req.TenantID == "" {
		req.TenantID = types.DefaultTenant
	}
	if req.SourceType == "" {
		req.SourceType = "document"
	}

	hasText := strings.TrimSpace(req.Text) != ""
	if hasText == (len(req.Chunks) > 0) {
		return nil, types.NewError(types.CodeInvalidRequest, "exactly one of text and chunks is required", types.ErrInvalidRequest)
	}

	p := &prepared{}
	content := req.Text
	if hasText {
		p.pieces = i.chunker.Chunk(req.Text)
	} else {
		texts := make([]string, len(req.Chunks))
		p.pieces = make([]chunker.Piece, len(req.Chunks))
		p.small = make([][]float32, len(req.Chunks))
		p.dense = make([][]float32, len(req.Chunks))
		for n, c := range req.Chunks {
			if strings.TrimSpace(c.Text) == "" {
				return nil, types.NewError(types.CodeInvalidRequest, fmt.Sprintf("chunk %d is empty", n), types.ErrEmptyText)
			}
			texts[n] = c.Text
			p.pieces[n] = chunker.Piece{Text: c.Text, Role: types.RoleStandalone, Ordinal: n}
			p.small[n] = c.EmbeddingSmall
			p.dense[n] = c.EmbeddingDense
		}
		content = strings.Join(texts, "\n")
	}
	if len(p.pieces) == 0 {
		return nil, types.NewError(types.CodeInvalidRequest, "document has no content", types.ErrEmptyText)
	}

	if req.ContentHash != "" {
		raw, err := hex.DecodeString(req.ContentHash)
		if err != nil || len(raw) != len(p.hash) {
			return nil, types.NewError(types.CodeInvalidRequest, "content_hash must be 64 hex characters", types.ErrInvalidRequest)
		}
		copy(p.hash[:], raw)
	} else {
		p.hash = types.HashContent(content)
	}
	if req.ExternalID == "" {
		req.ExternalID = hex.EncodeToString(p.hash[:])
	}

	if p.small == nil {
		p.small = make([][]float32, len(p.pieces))
		p.dense = make([][]float32, len(p.pieces))
	}
	p.req = req
	return p, nil
}

// embed fills missing vectors. A small-family failure fails the ingestion; a
// dense-family failure leaves the chunks without conceptual vectors.
func (i *Ingester) embed(ctx context.Context, p *prepared, result *Result) error {
	if err := fill(ctx, i.small, p.pieces, p.small); err != nil {
		return types.NewError(types.CodeInternal, "failed to embed chunks", err)
	}
	if i.dense == nil {
		return nil
	}
	if err := fill(ctx, i.dense, p.pieces, p.dense); err != nil {
		i.logger.Warn(ctx, "dense embedding failed, storing chunks without conceptual vectors", zap.Error(err))
		for n := range p.dense {
			p.dense[n] = nil
		}
		result.DenseSkip = true
	}
	return nil
}

// fill embeds the pieces whose slot in vectors is empty
func fill(ctx context.Context, e embedder.Embedder, pieces []chunker.Piece, vectors [][]float32) error {
	var texts []string
	var slots []int
	for n, piece := range pieces {
		if vectors[n] == nil {
			texts = append(texts, piece.Text)
			slots = append(slots, n)
		}
	}
	if len(texts) == 0 {
		return nil
	}

	resp, err := e.GenerateBatch(ctx, embedder.BatchEmbeddingRequest{Texts: texts})
	if err != nil {
		return err
	}
	if len(resp.Embeddings) != len(texts) {
		return fmt.Errorf("%w: expected %d embeddings, got %d", embedder.ErrProviderFailed, len(texts), len(resp.Embeddings))
	}
	for n, emb := range resp.Embeddings {
		vectors[slots[n]] = emb.Vector
	}
	return nil
}

// persist supersedes the previous version and stores the new one in a
// single transaction. Parents precede their children in p.pieces.
func (i *Ingester) persist(ctx context.Context, p *prepared, result *Result) error {
	extracted := make([]*types.ChunkFeatures, len(p.pieces))
	for n, piece := range p.pieces {
		extracted[n] = features.Extract(piece.Text, p.req.Topics)
	}

	tx, err := i.store.BeginTx(ctx)
	if err != nil {
		return types.NewError(types.CodeStorageUnavailable, "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	superseded, err := tx.SupersedeDocuments(ctx, p.req.TenantID, p.req.ExternalID)
	if err != nil {
		return types.NewError(types.CodeStorageUnavailable, "failed to supersede previous version", err)
	}

	doc := &types.Document{
		TenantID:    p.req.TenantID,
		ExternalID:  p.req.ExternalID,
		SourceType:  p.req.SourceType,
		URI:         p.req.URI,
		ContentHash: p.hash,
		Title:       p.req.Title,
		Meta:        p.req.Meta,
	}
	if err := tx.InsertDocument(ctx, doc); err != nil {
		return storeError("failed to insert document", err)
	}

	ids := make(map[int]int64, len(p.pieces))
	for n, piece := range p.pieces {
		chunk := &types.Chunk{
			DocumentID:     doc.ID,
			Role:           piece.Role,
			Ordinal:        piece.Ordinal,
			Text:           piece.Text,
			EmbeddingSmall: p.small[n],
			EmbeddingDense: p.dense[n],
		}
		if piece.ParentOrdinal != nil {
			parentID, ok := ids[*piece.ParentOrdinal]
			if !ok {
				return types.NewError(types.CodeInternal, fmt.Sprintf("parent %d of chunk %d not stored", *piece.ParentOrdinal, piece.Ordinal), nil)
			}
			chunk.ParentChunkID = &parentID
		}
		chunk.ComputeChecksum()
		chunk.ComputeTokenCount()
		if err := tx.InsertChunk(ctx, chunk); err != nil {
			return storeError(fmt.Sprintf("failed to insert chunk %d", piece.Ordinal), err)
		}
		ids[piece.Ordinal] = chunk.ID

		extracted[n].ChunkID = chunk.ID
		if err := tx.UpsertChunkFeatures(ctx, extracted[n]); err != nil {
			return storeError(fmt.Sprintf("failed to store features of chunk %d", piece.Ordinal), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return types.NewError(types.CodeStorageUnavailable, "failed to commit document", err)
	}

	result.DocumentID = doc.ID
	result.Version = doc.Version
	result.Chunks = len(p.pieces)
	result.Superseded = superseded
	return nil
}

// storeError classifies a write failure: bad input is the caller's fault,
// anything else is the store's
func storeError(msg string, err error) error {
	switch {
	case errors.Is(err, storage.ErrDimensionMismatch),
		errors.Is(err, storage.ErrDuplicateContent),
		types.CodeOf(err) == types.CodeInvalidRequest:
		return types.NewError(types.CodeInvalidRequest, msg, err)
	default:
		return types.NewError(types.CodeStorageUnavailable, msg, err)
	}
}
