// Package extraction implements the Entity-Extraction Pipeline (§4.9):
// one extractor produces raw candidates, zero or more validators filter
// them in order, and zero or more post-processors merge/dedupe/normalise
// the surviving list. The dictionary extractor and its canonicalization
// rules are adapted from GoKitt's pkg/implicit-matcher (a dual-purpose
// Aho-Corasick dictionary used for both lookup and text scanning).
package extraction

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// isJoiner reports whether r is punctuation that commonly appears inside
// names/terms and should be kept as part of a token rather than splitting
// it: "Monkey D. Luffy", "O'Brien", "Jean-Luc", "AT&T".
func isJoiner(r rune) bool {
	switch r {
	case '\'', '’', '‘',
		'-', '–', '—',
		'·', '.', '_', '/', '#', '&':
		return true
	default:
		return false
	}
}

func isSeparator(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) || isJoiner(r) {
		return false
	}
	return true
}

// CanonicalizeForMatch normalizes text for Aho-Corasick matching: fold to
// lowercase, preserve letters/digits/joiners, collapse everything else to
// single spaces. Used identically for both pattern compilation and
// document scanning so matches line up.
func CanonicalizeForMatch(s string) string {
	var out strings.Builder
	out.Grow(len(s))

	lastWasSpace := true
	for _, ch := range s {
		c := unicode.ToLower(ch)
		if c == '’' || c == '‘' {
			c = '\''
		}
		if c == '–' || c == '—' {
			c = '-'
		}

		if unicode.IsLetter(c) || unicode.IsDigit(c) || isJoiner(c) {
			out.WriteRune(c)
			lastWasSpace = false
		} else if !lastWasSpace {
			out.WriteRune(' ')
			lastWasSpace = true
		}
	}

	result := out.String()
	if len(result) > 0 && result[len(result)-1] == ' ' {
		result = result[:len(result)-1]
	}
	return result
}

// Tok is a token with its byte offsets in the original text, for span
// anchoring.
type Tok struct {
	Text  string
	Start int
	End   int
}

// TokenizeWithOffsets splits text into canonicalized tokens while
// preserving byte offsets into the original string.
func TokenizeWithOffsets(s string) []Tok {
	out := make([]Tok, 0, 64)
	i := 0
	for i < len(s) {
		for i < len(s) {
			r, w := utf8.DecodeRuneInString(s[i:])
			if !isSeparator(r) {
				break
			}
			i += w
		}
		start := i
		for i < len(s) {
			r, w := utf8.DecodeRuneInString(s[i:])
			if isSeparator(r) {
				break
			}
			i += w
		}
		end := i
		if start < end {
			out = append(out, Tok{Text: CanonicalizeForMatch(s[start:end]), Start: start, End: end})
		}
	}
	return out
}

// buildOffsetMap maps byte positions in the canonicalized form of original
// back to byte positions in original, so matches found against
// canonicalized text can be reported against the caller's original spans.
func buildOffsetMap(original string) []int {
	mapping := make([]int, 0, len(original)+1)
	lastWasSpace := true
	origPos := 0

	for _, ch := range original {
		runeLen := utf8.RuneLen(ch)
		c := unicode.ToLower(ch)
		if c == '’' || c == '‘' {
			c = '\''
		}
		if c == '–' || c == '—' {
			c = '-'
		}

		if unicode.IsLetter(c) || unicode.IsDigit(c) || isJoiner(c) {
			canonLen := utf8.RuneLen(c)
			for i := 0; i < canonLen; i++ {
				mapping = append(mapping, origPos)
			}
			lastWasSpace = false
		} else if !lastWasSpace {
			mapping = append(mapping, origPos)
			lastWasSpace = true
		}
		origPos += runeLen
	}
	mapping = append(mapping, origPos)
	return mapping
}

func mapOffset(canonOffset int, mapping []int, originalLen int) int {
	if canonOffset >= len(mapping) {
		return originalLen
	}
	if canonOffset < 0 {
		return 0
	}
	return mapping[canonOffset]
}

func appendUnique(slice []string, item string) []string {
	for _, s := range slice {
		if s == item {
			return slice
		}
	}
	return append(slice, item)
}

// generateAutoAliases derives plausible alternate surface forms for a
// multi-word label from its type, so "Jean-Luc Picard" is also matched by
// "Picard". Person, organization and place heuristics only; other types get
// none.
func generateAutoAliases(label, entityType string) []string {
	tokens := strings.Fields(CanonicalizeForMatch(label))
	if len(tokens) <= 1 {
		return nil
	}

	first := tokens[0]
	last := tokens[len(tokens)-1]
	var out []string

	if entityType == TypePerson {
		if len(last) >= 3 {
			out = append(out, last)
		}
		if len(tokens) >= 3 && first != last {
			out = append(out, first+" "+last)
		}
		if len(first) >= 4 && first != last {
			out = append(out, first)
		}
	}

	if entityType == TypeOrganization {
		var acronym strings.Builder
		for _, tok := range tokens {
			if len(tok) > 0 {
				acronym.WriteByte(tok[0])
			}
		}
		if acronym.Len() >= 2 && acronym.Len() <= 5 {
			out = append(out, acronym.String())
		}
	}

	if entityType == TypePlace && len(first) >= 4 {
		out = append(out, first)
	}

	return out
}
