// Package scoring implements the Search & Scoring Engine (§4.2): BM25 +
// vector blending, recency/access/priority boosts with configurable decay,
// and the tie-break rule. The BM25 and cosine-distance primitives themselves
// come from the storage backend's FTS5/vec0 virtual tables; this package is
// pure post-retrieval arithmetic, since no scoring/ranking library exists
// anywhere in the retrieval pack to ground it on (the one sibling package
// that does something similar, GoKitt's pkg/scanner/resolver, depends on an
// absent pkg/resorank — see DESIGN.md).
package scoring

import (
	"fmt"
	"math"
	"sort"

	"github.com/blakebarnett/locai/internal/store"
)

// DecayFunction is one of the four recency-decay shapes named in §4.2.
type DecayFunction string

const (
	DecayNone        DecayFunction = "none"
	DecayLinear      DecayFunction = "linear"
	DecayExponential DecayFunction = "exponential"
	DecayLogarithmic DecayFunction = "logarithmic"
)

// Config is the scoring configuration (§4.2).
type Config struct {
	BM25Weight    float64
	VectorWeight  float64
	RecencyBoost  float64
	AccessBoost   float64
	PriorityBoost float64
	DecayFunction DecayFunction
	DecayRate     float64
}

// DefaultConfig is the "default" scoring profile named in the glossary.
func DefaultConfig() Config {
	return Config{
		BM25Weight:    0.7,
		VectorWeight:  0.3,
		RecencyBoost:  0.1,
		AccessBoost:   0.05,
		PriorityBoost: 0.05,
		DecayFunction: DecayExponential,
		DecayRate:     0.01,
	}
}

// Validate rejects NaN, negative weights/rates, and a zero decay rate when
// the configured decay function requires one.
func (c Config) Validate() error {
	vals := map[string]float64{
		"bm25_weight": c.BM25Weight, "vector_weight": c.VectorWeight,
		"recency_boost": c.RecencyBoost, "access_boost": c.AccessBoost,
		"priority_boost": c.PriorityBoost, "decay_rate": c.DecayRate,
	}
	for name, v := range vals {
		if math.IsNaN(v) {
			return fmt.Errorf("scoring: %s is NaN", name)
		}
		if v < 0 {
			return fmt.Errorf("scoring: %s must be >= 0, got %f", name, v)
		}
	}
	switch c.DecayFunction {
	case DecayNone, DecayLinear, DecayExponential, DecayLogarithmic:
	default:
		return fmt.Errorf("scoring: unknown decay function %q", c.DecayFunction)
	}
	if c.DecayFunction != DecayNone && c.DecayRate == 0 {
		return fmt.Errorf("scoring: decay_rate must be > 0 for decay function %q", c.DecayFunction)
	}
	return nil
}

// Normalized returns a copy with BM25Weight+VectorWeight scaled to sum to 1
// when both are positive, preserving their ratio (§4.2).
func (c Config) Normalized() Config {
	if c.BM25Weight > 0 && c.VectorWeight > 0 {
		total := c.BM25Weight + c.VectorWeight
		c.BM25Weight /= total
		c.VectorWeight /= total
	}
	return c
}

// Candidate is the metadata needed to score one memory.
type Candidate struct {
	ID            string
	BM25Score     float64
	VectorSim     float64 // 0 if no embedding / not in the vector candidate set
	AgeHours      float64
	AccessCount   uint64
	PriorityValue int // 0-3
	CreatedAt     int64
}

// Scored is a candidate with its computed final score.
type Scored struct {
	Candidate
	Score float64
}

func recencyTerm(ageHours float64, fn DecayFunction, rate float64) float64 {
	switch fn {
	case DecayLinear:
		return math.Max(0, 1-ageHours*rate)
	case DecayExponential:
		return math.Exp(-rate * ageHours)
	case DecayLogarithmic:
		return 1 / (1 + math.Log(1+ageHours*rate))
	default:
		return 1
	}
}

// Score computes the final score for one candidate per the §4.2 formula.
func Score(c Candidate, cfg Config) float64 {
	score := c.BM25Score*cfg.BM25Weight +
		c.VectorSim*cfg.VectorWeight +
		recencyTerm(c.AgeHours, cfg.DecayFunction, cfg.DecayRate)*cfg.RecencyBoost +
		math.Log(1+float64(c.AccessCount))*cfg.AccessBoost +
		float64(c.PriorityValue)*cfg.PriorityBoost
	return score
}

// RankAndSort scores every candidate and returns them sorted descending by
// score, breaking ties by higher BM25, then higher created_at, then
// lexicographically smaller id (§4.2).
func RankAndSort(candidates []Candidate, cfg Config) []Scored {
	out := make([]Scored, len(candidates))
	for i, c := range candidates {
		out[i] = Scored{Candidate: c, Score: Score(c, cfg)}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].BM25Score != out[j].BM25Score {
			return out[i].BM25Score > out[j].BM25Score
		}
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// MergeCandidates unions a BM25 candidate set and a vector candidate set by
// id, keyed the way the query pipeline's step (3) requires.
func MergeCandidates(bm25 []store.ScoredResult, vec []store.VectorResult) map[string]*Candidate {
	merged := make(map[string]*Candidate)
	for _, r := range bm25 {
		merged[r.ID] = &Candidate{ID: r.ID, BM25Score: r.Score}
	}
	for _, v := range vec {
		c, ok := merged[v.ID]
		if !ok {
			c = &Candidate{ID: v.ID}
			merged[v.ID] = c
		}
		// distance in [0,2] for cosine on unit vectors; similarity = 1 - distance/2
		c.VectorSim = 1 - v.Distance/2
	}
	return merged
}
