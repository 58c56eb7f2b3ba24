package types

import "time"

// InteractionKind is the type of user feedback recorded against a chunk
type InteractionKind string

const (
	KindImpression InteractionKind = "impression"
	KindClick      InteractionKind = "click"
	KindDwell      InteractionKind = "dwell"
)

// InteractionEvent is an immutable feedback record
type InteractionEvent struct {
	ID           int64           `json:"id"`
	TenantID     string          `json:"tenant_id"`
	ChunkID      int64           `json:"chunk_id"`
	Kind         InteractionKind `json:"kind"`
	DwellMs      int64           `json:"dwell_ms,omitempty"`
	QueryHash    string          `json:"query_hash,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at"`
	PartitionKey string          `json:"partition_key"`
}

// PartitionKeyFor returns the monthly partition (YYYYMM, UTC) holding t
func PartitionKeyFor(t time.Time) string {
	return t.UTC().Format("200601")
}

// Validate checks the event before it is appended
func (e *InteractionEvent) Validate() error {
	if e.TenantID == "" {
		return ErrMissingTenant
	}
	if e.ChunkID <= 0 {
		return NewError(CodeInvalidRequest, "chunk ID is required", ErrInvalidRequest)
	}
	switch e.Kind {
	case KindImpression, KindClick:
	case KindDwell:
		if e.DwellMs < 0 {
			return NewError(CodeInvalidRequest, "dwell must be non-negative", ErrInvalidRequest)
		}
	default:
		return ErrInvalidKind
	}
	return nil
}
