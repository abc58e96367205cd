// Package textdiff computes the incremental textual difference between
// successive speech-transcript snapshots. Transcripts grow left to right, so
// the diff is a longest-common-prefix scan over normalized tokens rather
// than a general edit distance.
package textdiff

import (
	"hash/fnv"
	"strings"
)

// ExtractNewContent returns the text present in current that has not yet
// been seen in previous. Tokens are compared after normalization, but the
// returned text preserves the original casing and punctuation of current.
//
// The function is pure and total: every pair of inputs has a defined result,
// and ExtractNewContent(s, s) is always "".
func ExtractNewContent(current, previous string) string {
	if strings.TrimSpace(previous) == "" {
		return current
	}

	curTokens := strings.Fields(current)
	prevTokens := strings.Fields(previous)

	prefix := 0
	for prefix < len(curTokens) && prefix < len(prevTokens) {
		if normalizeToken(curTokens[prefix]) != normalizeToken(prevTokens[prefix]) {
			break
		}
		prefix++
	}

	// Transcript shrank or stayed identical with no mismatched tail.
	if prefix == len(curTokens) {
		return ""
	}

	// Anything past the common prefix is new content; for equal-length
	// snapshots this is a correction tail that gets resynthesized.
	return strings.Join(curTokens[prefix:], " ")
}

// Fingerprint returns a stable 64-bit identity for a transcript, computed
// over its normalized token stream. Used to suppress duplicate finalization
// events; collisions are acceptable within the small dedup window.
func Fingerprint(transcript string) uint64 {
	h := fnv.New64a()
	for i, tok := range strings.Fields(transcript) {
		if i > 0 {
			_, _ = h.Write([]byte{' '})
		}
		_, _ = h.Write([]byte(normalizeToken(tok)))
	}
	return h.Sum64()
}

func normalizeToken(tok string) string {
	var b strings.Builder
	b.Grow(len(tok))
	for _, r := range strings.ToLower(tok) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '\'', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}
