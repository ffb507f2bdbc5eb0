package match

import (
	"strings"
	"unicode"
)

// stopWords are filtered out of title tokens before similarity scoring.
// Short fixed list; anything longer starts eating real signal.
var stopWords = map[string]bool{
	"a": true, "an": true, "the": true,
	"to": true, "of": true, "in": true, "on": true, "at": true,
	"for": true, "and": true, "or": true, "with": true,
}

// Tokenize lowercases, strips punctuation, splits on whitespace, and
// drops stop words. The result is a multiset: repeated words stay
// repeated.
func Tokenize(title string) []string {
	lowered := strings.ToLower(title)
	fields := strings.FieldsFunc(lowered, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if stopWords[f] {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

// DiceCoefficient computes 2|A∩B| / (|A|+|B|) over token multisets.
// Two empty token sets score 1 (identical emptiness); one empty scores 0.
func DiceCoefficient(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	counts := make(map[string]int, len(a))
	for _, tok := range a {
		counts[tok]++
	}
	overlap := 0
	for _, tok := range b {
		if counts[tok] > 0 {
			counts[tok]--
			overlap++
		}
	}
	return 2 * float64(overlap) / float64(len(a)+len(b))
}
