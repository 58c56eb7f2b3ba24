package features

import (
	"cmp"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/zenglow/fusionrank/pkg/types"
)

const (
	// MaxKeyphrases is the number of keyphrases kept per chunk
	MaxKeyphrases = 10

	// MaxEntities caps the entities kept per chunk
	MaxEntities = 64
)

// word is a token of the original text with its sentence position
type word struct {
	text          string
	sentenceStart bool
	// breakBefore is set when punctuation separates the word from the previous one
	breakBefore bool
}

// Extract derives entities and keyphrases from text. Topics are supplied by
// the document and copied through in order, without duplicates.
func Extract(text string, topics []string) *types.ChunkFeatures {
	words := scanWords(text)
	return &types.ChunkFeatures{
		Entities:      entities(words),
		Keyphrases:    keyphrases(words),
		Topics:        dedupe(topics),
		SchemaVersion: types.FeatureSchemaVersion,
		Checksum:      checksumOf(text),
	}
}

func checksumOf(text string) [32]byte {
	c := types.Chunk{Text: text}
	c.ComputeChecksum()
	return c.Checksum
}

// scanWords splits text into words, tracking sentence boundaries
func scanWords(text string) []word {
	var words []word
	var b strings.Builder
	sentenceStart := true
	pendingBreak := false

	flush := func() {
		if b.Len() == 0 {
			return
		}
		words = append(words, word{text: b.String(), sentenceStart: sentenceStart, breakBefore: pendingBreak})
		b.Reset()
		sentenceStart = false
		pendingBreak = false
	}

	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '\'' && b.Len() > 0:
			b.WriteRune(r)
		default:
			flush()
			switch {
			case r == '.' || r == '!' || r == '?' || r == '\n':
				sentenceStart = true
				pendingBreak = true
			case !unicode.IsSpace(r):
				pendingBreak = true
			}
		}
	}
	flush()
	return words
}

func isCapitalized(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsUpper(r)
}

// isAcronym reports whether s is at least two runes, all upper-case letters
// or digits, with at least two letters
func isAcronym(s string) bool {
	letters := 0
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			letters++
		case unicode.IsDigit(r):
		default:
			return false
		}
	}
	return letters >= 2
}

// entities collects runs of capitalised words that don't open a sentence,
// plus all-caps acronyms wherever they appear
func entities(words []word) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(e string) {
		if e == "" || seen[e] || len(out) >= MaxEntities {
			return
		}
		seen[e] = true
		out = append(out, e)
	}

	var run []string
	closeRun := func() {
		if len(run) > 0 {
			add(strings.Join(run, " "))
			run = run[:0]
		}
	}

	for _, w := range words {
		if w.breakBefore {
			closeRun()
		}
		acronym := isAcronym(w.text)
		if acronym && (w.sentenceStart || len(run) == 0) {
			closeRun()
			add(w.text)
			continue
		}
		if isCapitalized(w.text) && !w.sentenceStart && !IsStopWord(strings.ToLower(w.text)) {
			run = append(run, w.text)
			continue
		}
		closeRun()
	}
	closeRun()
	return out
}

// keyphrases ranks stemmed unigrams and bigrams by frequency. Bigrams never
// span a stop word or punctuation.
func keyphrases(words []word) []string {
	counts := make(map[string]int)
	prev := ""
	for _, w := range words {
		lower := strings.ToLower(w.text)
		if w.breakBefore {
			prev = ""
		}
		if len(lower) < 2 || stopWords[lower] {
			prev = ""
			continue
		}
		stem := Stem(lower)
		counts[stem]++
		if prev != "" {
			counts[prev+" "+stem]++
		}
		prev = stem
	}

	type phrase struct {
		text  string
		count int
	}
	ranked := make([]phrase, 0, len(counts))
	for text, count := range counts {
		// A bigram seen once carries no more signal than its words
		if count < 2 && strings.Contains(text, " ") {
			continue
		}
		ranked = append(ranked, phrase{text, count})
	}
	slices.SortFunc(ranked, func(a, b phrase) int {
		if c := cmp.Compare(b.count, a.count); c != 0 {
			return c
		}
		return strings.Compare(a.text, b.text)
	})

	out := make([]string, 0, min(len(ranked), MaxKeyphrases))
	for _, p := range ranked[:min(len(ranked), MaxKeyphrases)] {
		out = append(out, p.text)
	}
	return out
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
