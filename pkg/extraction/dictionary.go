package extraction

import (
	"context"
	"fmt"

	"github.com/coregx/ahocorasick"
)

// KnownEntity is one entry registered into a DictionaryExtractor: a label,
// optional aliases, and a type. Auto-generated aliases (acronyms,
// last-name-only forms, etc.) are added on top of what's given here.
type KnownEntity struct {
	ID      string
	Label   string
	Aliases []string
	Type    string
}

// DictionaryExtractor is an Extractor backed by a single Aho-Corasick
// automaton built over every known entity's surface forms and used to scan
// full text, as in GoKitt's RuntimeDictionary.
type DictionaryExtractor struct {
	ac           *ahocorasick.Automaton
	patternToIDs [][]string
	patternIndex map[string]int
	idToInfo     map[string]KnownEntity
	patterns     []string
}

// NewDictionaryExtractor compiles entities into a scanning automaton.
func NewDictionaryExtractor(entities []KnownEntity) (*DictionaryExtractor, error) {
	d := &DictionaryExtractor{
		patternToIDs: [][]string{},
		patternIndex: make(map[string]int),
		idToInfo:     make(map[string]KnownEntity),
		patterns:     []string{},
	}

	for _, e := range entities {
		d.idToInfo[e.ID] = e

		surfaces := append([]string{e.Label}, e.Aliases...)
		surfaces = append(surfaces, generateAutoAliases(e.Label, e.Type)...)

		for _, surface := range surfaces {
			key := CanonicalizeForMatch(surface)
			if key == "" {
				continue
			}
			if idx, exists := d.patternIndex[key]; exists {
				d.patternToIDs[idx] = appendUnique(d.patternToIDs[idx], e.ID)
				continue
			}
			idx := len(d.patterns)
			d.patterns = append(d.patterns, key)
			d.patternIndex[key] = idx
			d.patternToIDs = append(d.patternToIDs, []string{e.ID})
		}
	}

	if len(d.patterns) == 0 {
		return d, nil
	}

	automaton, err := ahocorasick.NewBuilder().
		AddStrings(d.patterns).
		SetMatchKind(ahocorasick.LeftmostLongest).
		SetPrefilter(true).
		Build()
	if err != nil {
		return nil, fmt.Errorf("extraction: failed to build dictionary automaton: %w", err)
	}
	d.ac = automaton
	return d, nil
}

// Extract scans text for known entity mentions, mapping canonicalized
// match offsets back onto the original text's byte offsets.
func (d *DictionaryExtractor) Extract(ctx context.Context, text string) ([]Candidate, error) {
	if d.ac == nil {
		return nil, nil
	}

	canonicalized := CanonicalizeForMatch(text)
	canonToOrig := buildOffsetMap(text)

	matches := d.ac.FindAllOverlapping([]byte(canonicalized))
	candidates := make([]Candidate, 0, len(matches))

	for _, m := range matches {
		origStart := mapOffset(m.Start, canonToOrig, len(text))
		origEnd := mapOffset(m.End, canonToOrig, len(text))
		if origStart >= len(text) || origEnd > len(text) || origStart >= origEnd {
			continue
		}

		ids := d.patternToIDs[m.PatternID]
		entityType := TypeOther
		if len(ids) > 0 {
			if info, ok := d.idToInfo[ids[0]]; ok {
				entityType = info.Type
			}
		}

		candidates = append(candidates, Candidate{
			Text:       text[origStart:origEnd],
			Start:      origStart,
			End:        origEnd,
			Type:       entityType,
			Confidence: 1.0, // exact dictionary match
			EntityIDs:  append([]string{}, ids...),
		})
	}

	return candidates, nil
}
