package embedding

import (
	"math"
	"testing"

	"github.com/blakebarnett/locai/pkg/engineerr"
)

func TestValidateRejectsEmpty(t *testing.T) {
	if _, err := Validate(nil, Config{}); !engineerr.Is(err, engineerr.ValidationError) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidateRejectsDimensionMismatch(t *testing.T) {
	_, err := Validate([]float32{1, 2, 3}, Config{ExpectedDimension: 4})
	if !engineerr.Is(err, engineerr.ValidationError) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidateRejectsNonFinite(t *testing.T) {
	_, err := Validate([]float32{1, float32(math.NaN())}, Config{})
	if !engineerr.Is(err, engineerr.ValidationError) {
		t.Fatalf("expected validation error for NaN, got %v", err)
	}
}

func TestValidateRejectsZeroVector(t *testing.T) {
	_, err := Validate([]float32{0, 0, 0}, Config{})
	if !engineerr.Is(err, engineerr.ValidationError) {
		t.Fatalf("expected validation error for zero vector, got %v", err)
	}
}

func TestValidateNormalizesToUnitLength(t *testing.T) {
	out, err := Validate([]float32{3, 4}, Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var sumSquares float64
	for _, f := range out {
		sumSquares += float64(f) * float64(f)
	}
	if math.Abs(sumSquares-1) > 1e-6 {
		t.Fatalf("expected unit length, got sum of squares %f", sumSquares)
	}
}

func TestResolveEmbeddingPrefersCallerSupplied(t *testing.T) {
	called := false
	out, err := ResolveEmbedding([]float32{1, 2}, func() ([]float32, error) {
		called = true
		return []float32{9, 9}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Fatal("auto-generator should not be invoked when caller supplied an embedding")
	}
	if len(out) != 2 || out[0] != 1 {
		t.Fatalf("expected caller-supplied embedding, got %v", out)
	}
}
