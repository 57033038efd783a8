package extraction

import (
	"strings"

	"github.com/orsinium-labs/stopwords"
)

// StopwordValidator drops candidates whose full text is a stopword,
// checking an operator-supplied custom list before falling back to the
// library's language stopword set -- the same double-check order as
// GoKitt's CandidateRegistry.AddToken.
type StopwordValidator struct {
	custom  map[string]bool
	checker *stopwords.Stopwords
}

// NewStopwordValidator builds a validator for the given language (e.g.
// "en") plus any additional custom stopwords.
func NewStopwordValidator(lang string, custom ...string) *StopwordValidator {
	v := &StopwordValidator{custom: make(map[string]bool, len(custom))}
	for _, w := range custom {
		v.custom[strings.ToLower(w)] = true
	}
	if lang != "" {
		v.checker = stopwords.MustGet(lang)
	}
	return v
}

// Validate drops any candidate whose canonicalized text is a stopword.
func (v *StopwordValidator) Validate(candidates []Candidate) []Candidate {
	out := candidates[:0:0]
	for _, c := range candidates {
		key := CanonicalizeForMatch(c.Text)
		if v.custom[key] {
			continue
		}
		if v.checker != nil && v.checker.Contains(key) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// ConfidenceThresholdValidator drops candidates below a minimum confidence.
type ConfidenceThresholdValidator struct {
	Min float64
}

// Validate keeps only candidates at or above the configured threshold.
func (v ConfidenceThresholdValidator) Validate(candidates []Candidate) []Candidate {
	out := candidates[:0:0]
	for _, c := range candidates {
		if c.Confidence >= v.Min {
			out = append(out, c)
		}
	}
	return out
}

// MinLengthValidator drops candidates shorter than Min runes, filtering
// noise from very short incidental matches.
type MinLengthValidator struct {
	Min int
}

// Validate keeps only candidates whose text is at least Min runes long.
func (v MinLengthValidator) Validate(candidates []Candidate) []Candidate {
	out := candidates[:0:0]
	for _, c := range candidates {
		if len([]rune(c.Text)) >= v.Min {
			out = append(out, c)
		}
	}
	return out
}

// TokenCountValidator drops candidates that tokenize into fewer than Min
// words. Unlike MinLengthValidator's rune count, this rejects a single word
// however long it is (joiners keep "AT&T" and "Jean-Luc" one word each) and
// keeps multi-word phrases, for callers that only want multi-word phrases
// (full names, addresses).
type TokenCountValidator struct {
	Min int
}

// Validate keeps only candidates whose canonicalized text tokenizes into at
// least Min words.
func (v TokenCountValidator) Validate(candidates []Candidate) []Candidate {
	out := candidates[:0:0]
	for _, c := range candidates {
		if len(TokenizeWithOffsets(c.Text)) >= v.Min {
			out = append(out, c)
		}
	}
	return out
}
