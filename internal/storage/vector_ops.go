package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"strings"
)

// searchVector performs exact nearest-neighbour search within one family
func searchVector(ctx context.Context, q querier, dims Dimensions, family Family, queryVector []float32, k int, filter *SearchFilter) ([]VectorMatch, error) {
	want, err := dims.Of(family)
	if err != nil {
		return nil, err
	}
	if len(queryVector) != want {
		return nil, fmt.Errorf("%w: %s family expects %d, got %d", ErrDimensionMismatch, family, want, len(queryVector))
	}
	if k <= 0 {
		return []VectorMatch{}, nil
	}

	// Use SQL-side distance when sqlite-vec is available
	if VectorExtensionAvailable {
		return searchVectorOptimized(ctx, q, family, queryVector, k, filter)
	}
	// Fall back to Go-based computation for purego builds
	return searchVectorFallback(ctx, q, family, queryVector, k, filter)
}

// familyColumn returns the vector column and sqlite-vec distance function of a family
func familyColumn(family Family) (column, distanceFunc string) {
	if family == FamilyDense {
		return "c.embedding_dense", "vec_distance_cosine"
	}
	return "c.embedding_small", "vec_distance_l2"
}

// searchVectorOptimized computes distances in SQL with the sqlite-vec extension
func searchVectorOptimized(ctx context.Context, q querier, family Family, queryVector []float32, k int, filter *SearchFilter) ([]VectorMatch, error) {
	column, distanceFunc := familyColumn(family)

	query := `
		SELECT c.id, ` + distanceFunc + `(` + column + `, ?) AS distance
		FROM chunks c
		INNER JOIN documents d ON d.id = c.document_id
		WHERE d.tenant_id = ? AND d.latest = 1 AND c.active = 1
		  AND ` + column + ` IS NOT NULL
	`
	args := []interface{}{serializeVector(queryVector), tenantOf(filter)}
	query, args = applySearchFilter(query, args, filter, "?")

	query += " ORDER BY distance ASC, c.id ASC LIMIT ?"
	args = append(args, k)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	results := make([]VectorMatch, 0, k)
	for rows.Next() {
		var m VectorMatch
		if err := rows.Scan(&m.ChunkID, &m.Distance); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// searchVectorFallback loads the tenant's vectors and ranks them in Go.
// Used when the sqlite-vec extension is not available (purego builds).
func searchVectorFallback(ctx context.Context, q querier, family Family, queryVector []float32, k int, filter *SearchFilter) ([]VectorMatch, error) {
	column, _ := familyColumn(family)

	query := `
		SELECT c.id, ` + column + `
		FROM chunks c
		INNER JOIN documents d ON d.id = c.document_id
		WHERE d.tenant_id = ? AND d.latest = 1 AND c.active = 1
		  AND ` + column + ` IS NOT NULL
	`
	args := []interface{}{tenantOf(filter)}
	query, args = applySearchFilter(query, args, filter, "?")

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	distance := l2Distance
	if family == FamilyDense {
		distance = cosineDistance
	}

	candidates := make([]VectorMatch, 0, 256)
	for rows.Next() {
		var chunkID int64
		var blob []byte
		if err := rows.Scan(&chunkID, &blob); err != nil {
			return nil, err
		}
		vector := deserializeVector(blob)
		if len(vector) != len(queryVector) {
			continue // Dimension mismatch, skip
		}
		candidates = append(candidates, VectorMatch{ChunkID: chunkID, Distance: distance(queryVector, vector)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortMatches(candidates)
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

// applySearchFilter appends optional filter predicates. placeholder renders
// the n-th bind parameter, so the same builder serves both SQL dialects.
func applySearchFilter(query string, args []interface{}, filter *SearchFilter, placeholder string) (string, []interface{}) {
	if filter == nil {
		return query, args
	}

	bind := func(v interface{}) string {
		args = append(args, v)
		if placeholder == "?" {
			return "?"
		}
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.SourceTypes) > 0 {
		parts := make([]string, len(filter.SourceTypes))
		for i, st := range filter.SourceTypes {
			parts[i] = bind(st)
		}
		query += " AND d.source_type IN (" + strings.Join(parts, ",") + ")"
	}

	if len(filter.DocumentIDs) > 0 {
		parts := make([]string, len(filter.DocumentIDs))
		for i, id := range filter.DocumentIDs {
			parts[i] = bind(id)
		}
		query += " AND c.document_id IN (" + strings.Join(parts, ",") + ")"
	}

	return query, args
}

// sortMatches orders by ascending distance, then ascending chunk ID
func sortMatches(matches []VectorMatch) {
	slices.SortFunc(matches, func(a, b VectorMatch) int {
		if a.Distance != b.Distance {
			if a.Distance < b.Distance {
				return -1
			}
			return 1
		}
		switch {
		case a.ChunkID < b.ChunkID:
			return -1
		case a.ChunkID > b.ChunkID:
			return 1
		}
		return 0
	})
}

// serializeVector converts a float32 slice to a byte blob (little-endian)
func serializeVector(vector []float32) []byte {
	if vector == nil {
		return nil
	}
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// deserializeVector converts a byte blob back to a float32 slice
func deserializeVector(blob []byte) []float32 {
	if len(blob) == 0 {
		return nil
	}
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		vector[i] = math.Float32frombits(bits)
	}
	return vector
}

// l2Distance computes the Euclidean distance between two vectors
func l2Distance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// cosineSimilarity computes the cosine similarity between two vectors
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// cosineDistance is 1 - cosine similarity, in [0, 2]
func cosineDistance(a, b []float32) float64 {
	return 1 - cosineSimilarity(a, b)
}

func nullableVector(vector []float32) interface{} {
	if len(vector) == 0 {
		return nil
	}
	return serializeVector(vector)
}

// checkDimension validates a vector against its family's declared size
func checkDimension(dims Dimensions, family Family, vector []float32, optional bool) error {
	if len(vector) == 0 && optional {
		return nil
	}
	want, err := dims.Of(family)
	if err != nil {
		return err
	}
	if len(vector) != want {
		return fmt.Errorf("%w: %s family expects %d, got %d", ErrDimensionMismatch, family, want, len(vector))
	}
	return nil
}

// SerializeVector is an exported helper for testing
func SerializeVector(vector []float32) []byte {
	return serializeVector(vector)
}

// DeserializeVector is an exported helper for testing
func DeserializeVector(blob []byte) []float32 {
	return deserializeVector(blob)
}

// L2Distance is an exported helper for testing
func L2Distance(a, b []float32) float64 {
	return l2Distance(a, b)
}
