package ingest

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/zenglow/fusionrank/internal/logging"
	"github.com/zenglow/fusionrank/internal/storage"
)

const (
	// MemorySourceType tags documents created from memory lines
	MemorySourceType = "memory"

	// DefaultPollInterval is the fallback polling period of the bridge
	DefaultPollInterval = 2 * time.Second
)

// ErrSyncInProgress is returned when a sync pass is already running
var ErrSyncInProgress = errors.New("memory sync already in progress")

// BridgeOptions configures a Bridge
type BridgeOptions struct {
	Path         string
	TenantID     string
	PollInterval time.Duration
}

// Bridge tails an append-only JSON Lines memory file into the corpus
type Bridge struct {
	ing    *Ingester
	opts   BridgeOptions
	logger *logging.Logger
	lock   syncLock

	mu     sync.Mutex
	offset int64
	seen   map[[32]byte]bool
}

// NewBridge creates a bridge for the file at opts.Path
func NewBridge(ing *Ingester, opts BridgeOptions, logger *logging.Logger) (*Bridge, error) {
	if opts.Path == "" {
		return nil, errors.New("memory bridge: path is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Bridge{
		ing:    ing,
		opts:   opts,
		logger: logger.Named("bridge"),
		seen:   make(map[[32]byte]bool),
	}, nil
}

// Offset returns the byte offset up to which the file has been consumed
func (b *Bridge) Offset() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.offset
}

// SyncOnce ingests the lines appended since the previous pass and returns
// how many new documents were created. A missing file is not an error.
func (b *Bridge) SyncOnce(ctx context.Context) (int, error) {
	if !b.lock.TryAcquire() {
		return 0, ErrSyncInProgress
	}
	defer b.lock.Release()

	f, err := os.Open(b.opts.Path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to open memory file: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	offset := b.offset
	b.mu.Unlock()

	// Truncated or replaced: start over, dedup keeps old lines out
	if info.Size() < offset {
		b.logger.Info(ctx, "memory file shrank, rescanning", zap.Int64("size", info.Size()), zap.Int64("offset", offset))
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}

	created := 0
	reader := bufio.NewReader(f)
	for {
		if err := ctx.Err(); err != nil {
			b.setOffset(offset)
			return created, err
		}

		line, readErr := reader.ReadBytes('\n')
		if len(line) == 0 && readErr != nil {
			break
		}
		complete := readErr == nil

		text, ok := ExtractMemoryText(line)
		if !complete && !ok {
			// Half-written last line, retry on the next pass
			break
		}
		if ok {
			n, err := b.ingestLine(ctx, text)
			if err != nil {
				b.setOffset(offset)
				return created, err
			}
			created += n
		}
		offset += int64(len(line))
		if !complete {
			break
		}
	}
	b.setOffset(offset)

	if created > 0 {
		b.logger.Info(ctx, "ingested new memory lines", zap.Int("count", created))
	}
	return created, nil
}

func (b *Bridge) setOffset(offset int64) {
	b.mu.Lock()
	b.offset = offset
	b.mu.Unlock()
}

func (b *Bridge) ingestLine(ctx context.Context, text string) (int, error) {
	hash := sha256.Sum256([]byte(text))
	if b.seen[hash] {
		return 0, nil
	}

	result, err := b.ing.Ingest(ctx, Request{
		TenantID:   b.opts.TenantID,
		ExternalID: "memory/" + hex.EncodeToString(hash[:]),
		SourceType: MemorySourceType,
		URI:        "file://" + filepath.ToSlash(b.opts.Path),
		Text:       text,
	})
	switch {
	case errors.Is(err, storage.ErrDuplicateContent):
		// Same text modulo whitespace under another line
	case err != nil:
		return 0, err
	}
	b.seen[hash] = true
	if result == nil || result.Unchanged {
		return 0, nil
	}
	return 1, nil
}

// Run syncs once, then on every write to the file and every poll interval
// until ctx is done. Without a working file watcher it only polls.
func (b *Bridge) Run(ctx context.Context) error {
	if _, err := b.SyncOnce(ctx); err != nil && ctx.Err() == nil {
		b.logger.Warn(ctx, "memory sync failed", zap.Error(err))
	}

	var events <-chan fsnotify.Event
	var watchErrors <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer func() { _ = watcher.Close() }()
		// Watch the directory so creation and rotation are seen too
		if err = watcher.Add(filepath.Dir(b.opts.Path)); err == nil {
			events = watcher.Events
			watchErrors = watcher.Errors
		}
	}
	if err != nil {
		b.logger.Warn(ctx, "file watcher unavailable, polling only", zap.Error(err))
	}

	ticker := time.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()

	target := filepath.Clean(b.opts.Path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(event.Name) != target || !event.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
		case err, ok := <-watchErrors:
			if !ok {
				watchErrors = nil
				continue
			}
			b.logger.Warn(ctx, "file watcher error", zap.Error(err))
			continue
		case <-ticker.C:
		}

		if _, err := b.SyncOnce(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) && ctx.Err() == nil {
			b.logger.Warn(ctx, "memory sync failed", zap.Error(err))
		}
	}
}

// ExtractMemoryText returns the text of one memory line: its "content"
// string, the "text" of an object-valued "content", or the " | "-joined
// top-level string fields in file order. ok is false for blank or invalid
// lines and lines without text.
func ExtractMemoryText(line []byte) (string, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return "", false
	}
	fields, err := decodeObject(line)
	if err != nil {
		return "", false
	}

	for _, f := range fields {
		if f.key != "content" {
			continue
		}
		var s string
		if err := json.Unmarshal(f.value, &s); err == nil {
			return s, strings.TrimSpace(s) != ""
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(f.value, &obj); err == nil {
			if raw, ok := obj["text"]; ok {
				text := scalarText(raw)
				return text, strings.TrimSpace(text) != ""
			}
		}
		text := scalarText(f.value)
		return text, strings.TrimSpace(text) != ""
	}

	var parts []string
	for _, f := range fields {
		var s string
		if err := json.Unmarshal(f.value, &s); err == nil {
			parts = append(parts, s)
		}
	}
	text := strings.Join(parts, " | ")
	return text, strings.TrimSpace(text) != ""
}

// scalarText renders a JSON value as text: strings unquoted, the rest as JSON
func scalarText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}

type field struct {
	key   string
	value json.RawMessage
}

// decodeObject decodes a JSON object keeping its key order
func decodeObject(data []byte) ([]field, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("memory line is not a JSON object")
	}

	var fields []field
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, errors.New("invalid object key")
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		fields = append(fields, field{key: key, value: value})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return fields, nil
}
