package chunker

import (
	"strings"
	"unicode"

	"github.com/zenglow/fusionrank/pkg/types"
)

const (
	// DefaultSize is the target window length in runes
	DefaultSize = 800

	// DefaultOverlap is the number of runes shared by consecutive windows
	DefaultOverlap = 80

	// MaxParentRunes caps the text of a parent chunk
	MaxParentRunes = 4000
)

// Options configures the chunker
type Options struct {
	Size        int
	Overlap     int
	ParentGroup int // 0 disables hierarchical mode
}

// Piece is one chunk of text before it is stored
type Piece struct {
	Text          string
	Role          types.ChunkRole
	Ordinal       int
	ParentOrdinal *int
}

// Chunker splits text into Pieces
type Chunker struct {
	opts Options
}

// New creates a new Chunker instance. Invalid sizes fall back to the defaults.
func New(opts Options) *Chunker {
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if opts.Overlap < 0 || opts.Overlap >= opts.Size {
		opts.Overlap = min(DefaultOverlap, opts.Size/10)
	}
	if opts.ParentGroup < 0 {
		opts.ParentGroup = 0
	}
	return &Chunker{opts: opts}
}

// Options returns the effective options
func (c *Chunker) Options() Options {
	return c.opts
}

// Chunk splits text into ordered pieces. Empty or whitespace-only text yields
// no pieces.
func (c *Chunker) Chunk(text string) []Piece {
	windows := c.Windows(text)
	if len(windows) == 0 {
		return nil
	}

	if c.opts.ParentGroup <= 1 || len(windows) <= 1 {
		pieces := make([]Piece, len(windows))
		for i, w := range windows {
			pieces[i] = Piece{Text: w, Role: types.RoleStandalone, Ordinal: i}
		}
		return pieces
	}

	return c.group(windows)
}

// group builds the parent/child layout over windows
func (c *Chunker) group(windows []string) []Piece {
	pieces := make([]Piece, 0, len(windows)+len(windows)/c.opts.ParentGroup+1)
	ordinal := 0
	for start := 0; start < len(windows); start += c.opts.ParentGroup {
		end := min(start+c.opts.ParentGroup, len(windows))

		parentOrdinal := ordinal
		pieces = append(pieces, Piece{
			Text:    summarize(windows[start:end]),
			Role:    types.RoleParent,
			Ordinal: parentOrdinal,
		})
		ordinal++

		for _, w := range windows[start:end] {
			p := parentOrdinal
			pieces = append(pieces, Piece{
				Text:          w,
				Role:          types.RoleChild,
				Ordinal:       ordinal,
				ParentOrdinal: &p,
			})
			ordinal++
		}
	}
	return pieces
}

// summarize joins a group of windows into the parent text, capped at
// MaxParentRunes on a word boundary.
func summarize(windows []string) string {
	joined := strings.Join(windows, "\n")
	runes := []rune(joined)
	if len(runes) <= MaxParentRunes {
		return joined
	}
	cut := lastSpace(runes, MaxParentRunes/2, MaxParentRunes)
	return strings.TrimSpace(string(runes[:cut]))
}

// Windows splits text into overlapping windows of at most Size runes,
// preferring to end each window at whitespace.
func (c *Chunker) Windows(text string) []string {
	runes := []rune(strings.ReplaceAll(text, "\r", ""))
	n := len(runes)
	size, overlap := c.opts.Size, c.opts.Overlap

	var out []string
	start := 0
	for start < n {
		end := min(start+size, n)
		if end < n {
			// Break at whitespace in the back half of the window
			end = lastSpace(runes, start+size/2, end)
		}

		if seg := strings.TrimSpace(string(runes[start:end])); seg != "" {
			out = append(out, seg)
		}
		if end >= n {
			break
		}

		next := end - overlap
		if next <= start {
			next = end
		}
		// Don't begin the next window mid-word
		if next < end && next > 0 && !unicode.IsSpace(runes[next-1]) {
			if sp := nextSpace(runes, next, end); sp < end {
				next = sp
			}
		}
		start = next
	}
	return out
}

// lastSpace returns the index just past the last whitespace rune in
// runes[lo:hi], or hi when there is none.
func lastSpace(runes []rune, lo, hi int) int {
	for i := hi - 1; i >= lo && i > 0; i-- {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return hi
}

// nextSpace returns the index of the first whitespace rune in runes[lo:hi],
// or hi when there is none.
func nextSpace(runes []rune, lo, hi int) int {
	for i := lo; i < hi; i++ {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return hi
}

// EstimateTokenCount estimates the number of tokens in a string
func EstimateTokenCount(text string) int {
	c := types.Chunk{Text: text}
	return c.ComputeTokenCount()
}
