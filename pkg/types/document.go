package types

import (
	"crypto/sha256"
	"strings"
	"time"
)

// Document is one version of an ingested source. Rows with Latest=false are
// immutable history.
type Document struct {
	ID          int64
	TenantID    string
	ExternalID  string
	SourceType  string
	URI         string
	ContentHash [32]byte
	Version     int
	Latest      bool
	Title       string
	Meta        map[string]string
	CreatedAt   time.Time
}

// DefaultTenant is used when a request carries no tenant.
const DefaultTenant = "default"

// NormalizeText collapses runs of whitespace and trims the result.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// HashContent returns the SHA-256 of the normalized text.
func HashContent(text string) [32]byte {
	return sha256.Sum256([]byte(NormalizeText(text)))
}

// Validate checks the fields required to persist a document.
func (d *Document) Validate() error {
	if d.TenantID == "" {
		return ErrMissingTenant
	}
	if d.ExternalID == "" {
		return NewError(CodeInvalidRequest, "external ID is required", ErrInvalidRequest)
	}
	var zero [32]byte
	if d.ContentHash == zero {
		return ErrMissingChecksum
	}
	return nil
}
