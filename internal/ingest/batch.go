package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// maxFileSize bounds a single ingested file
const maxFileSize = 16 * 1024 * 1024

// FileOptions configures IngestFiles
type FileOptions struct {
	TenantID   string
	SourceType string
	Topics     []string
	// Extensions restricts directory walks; empty accepts every file
	Extensions []string
}

// Stats summarises a batch ingestion
type Stats struct {
	FilesIngested  int           `json:"files_ingested"`
	FilesUnchanged int           `json:"files_unchanged"`
	FilesFailed    int           `json:"files_failed"`
	ChunksCreated  int           `json:"chunks_created"`
	Duration       time.Duration `json:"duration"`
	ErrorMessages  []string      `json:"errors,omitempty"`
}

// IngestFiles ingests every file matched by patterns. A pattern is a file, a
// directory (walked recursively, hidden entries skipped) or a glob. The
// file path is the document's external id.
func (i *Ingester) IngestFiles(ctx context.Context, patterns []string, opts FileOptions) (*Stats, error) {
	start := time.Now()

	files, err := discoverFiles(patterns, opts.Extensions)
	if err != nil {
		return nil, fmt.Errorf("failed to discover files: %w", err)
	}

	var (
		ingested  atomic.Int32
		unchanged atomic.Int32
		failed    atomic.Int32
		chunks    atomic.Int32
		mu        sync.Mutex
	)
	stats := &Stats{ErrorMessages: make([]string, 0)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.workers)

	for _, path := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			result, err := i.ingestFile(gctx, path, opts)
			if err != nil {
				failed.Add(1)
				mu.Lock()
				stats.ErrorMessages = append(stats.ErrorMessages, fmt.Sprintf("%s: %v", path, err))
				mu.Unlock()
				return nil
			}
			if result.Unchanged {
				unchanged.Add(1)
				return nil
			}
			ingested.Add(1)
			chunks.Add(int32(result.Chunks))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	stats.FilesIngested = int(ingested.Load())
	stats.FilesUnchanged = int(unchanged.Load())
	stats.FilesFailed = int(failed.Load())
	stats.ChunksCreated = int(chunks.Load())
	stats.Duration = time.Since(start)
	sort.Strings(stats.ErrorMessages)

	i.logger.Info(ctx, "batch ingestion finished",
		zap.Int("ingested", stats.FilesIngested),
		zap.Int("unchanged", stats.FilesUnchanged),
		zap.Int("failed", stats.FilesFailed),
		zap.Duration("duration", stats.Duration))
	return stats, nil
}

func (i *Ingester) ingestFile(ctx context.Context, path string, opts FileOptions) (*Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return i.Ingest(ctx, Request{
		TenantID:   opts.TenantID,
		ExternalID: filepath.ToSlash(path),
		SourceType: opts.SourceType,
		URI:        "file://" + filepath.ToSlash(path),
		Title:      filepath.Base(path),
		Text:       string(content),
		Topics:     opts.Topics,
		Meta:       map[string]string{"mod_time": info.ModTime().UTC().Format(time.RFC3339)},
	})
}

// discoverFiles expands patterns into a sorted, de-duplicated file list
func discoverFiles(patterns []string, extensions []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	add := func(path string) {
		path = filepath.Clean(path)
		if !seen[path] {
			seen[path] = true
			files = append(files, path)
		}
	}

	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no files match %q", pattern)
		}
		for _, match := range matches {
			info, err := os.Stat(match)
			if err != nil {
				return nil, err
			}
			if !info.IsDir() {
				add(match)
				continue
			}
			err = filepath.WalkDir(match, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if path != match && strings.HasPrefix(d.Name(), ".") {
					if d.IsDir() {
						return filepath.SkipDir
					}
					return nil
				}
				if d.IsDir() || !hasExtension(path, extensions) {
					return nil
				}
				add(path)
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
	}

	sort.Strings(files)
	return files, nil
}

func hasExtension(path string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range extensions {
		if strings.EqualFold(ext, e) || strings.EqualFold(ext, "."+strings.TrimPrefix(e, ".")) {
			return true
		}
	}
	return false
}
