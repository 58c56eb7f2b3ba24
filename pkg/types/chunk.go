package types

import (
	"crypto/sha256"
	"strings"
	"unicode/utf8"
)

// ChunkRole places a chunk in the optional parent/child hierarchy
type ChunkRole string

const (
	RoleChild      ChunkRole = "child"
	RoleParent     ChunkRole = "parent"
	RoleStandalone ChunkRole = "standalone"
)

// Chunk is a retrievable section of a document
type Chunk struct {
	// Identification
	ID            int64
	DocumentID    int64
	ParentChunkID *int64 // Set on child chunks only
	Role          ChunkRole
	Ordinal       int // Unique within the document

	// Content
	Text       string
	TokenCount int
	Checksum   [32]byte // SHA-256 of Text

	// Vectors
	EmbeddingSmall []float32 // Primary family, L2
	EmbeddingDense []float32 // Conceptual family, cosine; nil when unavailable

	AuthorityScore float64
	Active         bool
}

// ComputeChecksum sets Checksum from Text
func (c *Chunk) ComputeChecksum() {
	c.Checksum = sha256.Sum256([]byte(c.Text))
}

// ComputeTokenCount estimates the number of tokens in the chunk.
// Uses whitespace-separated words, with a floor of characters / 4 for
// text without spaces.
func (c *Chunk) ComputeTokenCount() int {
	words := len(strings.Fields(c.Text))
	byChars := utf8.RuneCountInString(c.Text) / 4
	c.TokenCount = max(words, byChars)
	return c.TokenCount
}

// HasConceptual reports whether the chunk carries a secondary embedding
func (c *Chunk) HasConceptual() bool {
	return len(c.EmbeddingDense) > 0
}

// Preview returns at most n runes of the text, suffixed with an ellipsis when cut
func (c *Chunk) Preview(n int) string {
	if n <= 0 || utf8.RuneCountInString(c.Text) <= n {
		return c.Text
	}
	runes := []rune(c.Text)
	return strings.TrimSpace(string(runes[:n])) + "…"
}

// ValidateRole checks if the role is known
func (c *Chunk) ValidateRole() error {
	switch c.Role {
	case RoleChild, RoleParent, RoleStandalone:
		return nil
	default:
		return ErrInvalidRole
	}
}

// Validate performs comprehensive validation of the chunk
func (c *Chunk) Validate() error {
	if strings.TrimSpace(c.Text) == "" {
		return ErrEmptyText
	}
	if err := c.ValidateRole(); err != nil {
		return err
	}
	if c.Ordinal < 0 {
		return ErrInvalidOrdinal
	}
	var zero [32]byte
	if c.Checksum == zero {
		return ErrMissingChecksum
	}
	if c.Checksum != sha256.Sum256([]byte(c.Text)) {
		return NewError(CodeInvalidRequest, "checksum does not match text", ErrInvalidRequest)
	}
	return nil
}
