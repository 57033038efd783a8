package extraction

import "context"

// Generic entity types the dictionary extractor recognizes out of the box.
// Types are open: any string not in this set is treated as a caller-defined
// custom type, matching model.MemoryType's kind-plus-custom escape hatch.
const (
	TypePerson       = "person"
	TypePlace        = "place"
	TypeOrganization = "organization"
	TypeItem         = "item"
	TypeEvent        = "event"
	TypeConcept      = "concept"
	TypeOther        = "other"
)

// Candidate is a raw entity mention produced by an Extractor and refined by
// Validators/PostProcessors.
type Candidate struct {
	Text       string
	Start      int
	End        int
	Type       string
	Confidence float64
	EntityIDs  []string // known entity ids this surface form resolves to, if any
}

// Extractor produces raw candidates from free text.
type Extractor interface {
	Extract(ctx context.Context, text string) ([]Candidate, error)
}

// Validator filters a candidate list, returning the surviving subset in
// order. Validators run in the order they are configured.
type Validator interface {
	Validate(candidates []Candidate) []Candidate
}

// PostProcessor transforms a candidate list (merge overlaps, dedupe,
// normalise) after validation.
type PostProcessor interface {
	Process(candidates []Candidate) []Candidate
}

// Pipeline composes one extractor, ordered validators, and ordered
// post-processors into the three-stage pipeline described in §4.9.
type Pipeline struct {
	extractor      Extractor
	validators     []Validator
	postProcessors []PostProcessor
}

// NewPipeline builds a Pipeline. validators and postProcessors run in the
// order given.
func NewPipeline(extractor Extractor, validators []Validator, postProcessors []PostProcessor) *Pipeline {
	return &Pipeline{extractor: extractor, validators: validators, postProcessors: postProcessors}
}

// Run extracts candidates from text and applies every validator then every
// post-processor in sequence.
func (p *Pipeline) Run(ctx context.Context, text string) ([]Candidate, error) {
	candidates, err := p.extractor.Extract(ctx, text)
	if err != nil {
		return nil, err
	}
	for _, v := range p.validators {
		candidates = v.Validate(candidates)
	}
	for _, pp := range p.postProcessors {
		candidates = pp.Process(candidates)
	}
	return candidates, nil
}
