package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blakebarnett/locai/internal/store"
)

func TestConfigValidateRejectsNegative(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BM25Weight = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for negative weight")
	}
}

func TestConfigValidateRejectsZeroDecayRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DecayRate = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for zero decay rate with non-none decay function")
	}
}

func TestConfigValidateAllowsZeroDecayRateForNone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DecayFunction = DecayNone
	cfg.DecayRate = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected none decay to allow zero rate, got %v", err)
	}
}

func TestRankAndSortOrdersByScoreThenTieBreak(t *testing.T) {
	cfg := Config{BM25Weight: 1, DecayFunction: DecayNone}
	candidates := []Candidate{
		{ID: "b", BM25Score: 5, CreatedAt: 100},
		{ID: "a", BM25Score: 5, CreatedAt: 200},
		{ID: "c", BM25Score: 10, CreatedAt: 50},
	}
	ranked := RankAndSort(candidates, cfg)
	if ranked[0].ID != "c" {
		t.Fatalf("expected c to rank first (highest bm25), got %s", ranked[0].ID)
	}
	if ranked[1].ID != "a" {
		t.Fatalf("expected a to win the tie-break over b via created_at, got %s", ranked[1].ID)
	}
}

func TestMergeCandidatesUnionsBM25AndVectorSources(t *testing.T) {
	bm25 := []store.ScoredResult{{ID: "a", Score: 1.5}, {ID: "b", Score: 0.5}}
	vec := []store.VectorResult{{ID: "b", Distance: 0.2}, {ID: "c", Distance: 0.4}}

	merged := MergeCandidates(bm25, vec)
	require.Len(t, merged, 3, "expected the union of both candidate sources")
	assert.ElementsMatch(t, []string{"a", "b", "c"}, idsOf(merged))

	require.NotNil(t, merged["a"])
	assert.Zero(t, merged["a"].VectorSim, "a only appeared in bm25 results")
	require.NotNil(t, merged["b"])
	assert.InDelta(t, 0.9, merged["b"].VectorSim, 1e-9, "b's vector distance should convert to similarity")
}

func idsOf(merged map[string]*Candidate) []string {
	ids := make([]string, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}
	return ids
}

func TestRecencyDecayShapes(t *testing.T) {
	if recencyTerm(10, DecayNone, 0) != 1 {
		t.Fatal("none decay must always be 1")
	}
	if v := recencyTerm(100, DecayLinear, 0.02); v != 0 {
		t.Fatalf("linear decay should clamp to 0 past the horizon, got %f", v)
	}
	if v := recencyTerm(0, DecayExponential, 0.5); v != 1 {
		t.Fatalf("exponential decay at age 0 should be 1, got %f", v)
	}
}
