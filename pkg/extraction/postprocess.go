package extraction

import "sort"

// typePriority mirrors GoKitt's EntityKind.Priority(), used to pick a
// winner when two overlapping candidates must be merged into one.
func typePriority(t string) int {
	switch t {
	case TypePerson:
		return 10
	case TypePlace:
		return 8
	case TypeOrganization:
		return 7
	case TypeItem:
		return 5
	case TypeConcept:
		return 3
	case TypeEvent:
		return 1
	default:
		return 2
	}
}

// MergeOverlapping collapses overlapping spans into the single
// highest-priority (then longest, then highest-confidence) candidate,
// the same selection GoKitt's RuntimeDictionary.SelectBest performs across
// entities sharing one matched pattern, generalized here to overlapping
// spans from possibly different patterns.
type MergeOverlapping struct{}

// Process sorts candidates by start offset and merges any whose spans
// overlap, keeping the best of each overlapping group.
func (MergeOverlapping) Process(candidates []Candidate) []Candidate {
	if len(candidates) == 0 {
		return candidates
	}
	sorted := append([]Candidate{}, candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	out := make([]Candidate, 0, len(sorted))
	current := sorted[0]
	for _, next := range sorted[1:] {
		if next.Start < current.End { // overlap
			current = betterOf(current, next)
			continue
		}
		out = append(out, current)
		current = next
	}
	out = append(out, current)
	return out
}

func betterOf(a, b Candidate) Candidate {
	if typePriority(a.Type) != typePriority(b.Type) {
		if typePriority(a.Type) > typePriority(b.Type) {
			return a
		}
		return b
	}
	if (a.End - a.Start) != (b.End - b.Start) {
		if (a.End - a.Start) > (b.End - b.Start) {
			return a
		}
		return b
	}
	if a.Confidence >= b.Confidence {
		return a
	}
	return b
}

// Deduplicate drops repeated candidates with identical canonicalized text
// and type, keeping the first (earliest) occurrence's span but recording
// every entity id seen across duplicates.
type Deduplicate struct{}

// Process removes duplicate candidates, keyed on canonicalized text + type.
func (Deduplicate) Process(candidates []Candidate) []Candidate {
	type key struct {
		text string
		typ  string
	}
	seen := make(map[key]int, len(candidates))
	out := make([]Candidate, 0, len(candidates))

	for _, c := range candidates {
		k := key{text: CanonicalizeForMatch(c.Text), typ: c.Type}
		if idx, ok := seen[k]; ok {
			out[idx].EntityIDs = mergeIDs(out[idx].EntityIDs, c.EntityIDs)
			continue
		}
		seen[k] = len(out)
		out = append(out, c)
	}
	return out
}

func mergeIDs(a, b []string) []string {
	for _, id := range b {
		a = appendUnique(a, id)
	}
	return a
}

// Normalize trims incidental leading/trailing punctuation carried into a
// span by upstream tokenization quirks.
type Normalize struct{}

// Process trims each candidate's Text of non-letter/digit boundary runes,
// adjusting Start/End to match.
func (Normalize) Process(candidates []Candidate) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		text := c.Text
		start, end := c.Start, c.End
		for len(text) > 0 && isSeparator(rune(text[0])) {
			text = text[1:]
			start++
		}
		for len(text) > 0 && isSeparator(rune(text[len(text)-1])) {
			text = text[:len(text)-1]
			end--
		}
		if text == "" {
			continue
		}
		c.Text, c.Start, c.End = text, start, end
		out = append(out, c)
	}
	return out
}
