// Package embedding implements the Embedding Validator (§4.8): dimension,
// finiteness, and zero-vector checks, plus L2 normalisation. Grounded on
// asg017/sqlite-vec-go-bindings' fixed-width vec0 columns -- the dimension
// check mirrors what that virtual table enforces, done here in Go first so
// callers get a typed ValidationError instead of a driver-level SQL error.
package embedding

import (
	"math"

	"github.com/blakebarnett/locai/pkg/engineerr"
)

// Config configures the validator.
type Config struct {
	ExpectedDimension int  // 0 means "no constraint configured"
	DisableNormalize  bool // per-call override of default L2 normalisation
}

// Validate checks vec against the rules in §4.8 and returns a normalised
// copy (unless disabled). The input slice is never mutated.
func Validate(vec []float32, cfg Config) ([]float32, error) {
	if len(vec) == 0 {
		return nil, engineerr.New(engineerr.ValidationError, "embedding vector is empty", nil)
	}
	if cfg.ExpectedDimension > 0 && len(vec) != cfg.ExpectedDimension {
		return nil, engineerr.New(engineerr.ValidationError, "embedding dimension mismatch", map[string]any{
			"expected": cfg.ExpectedDimension,
			"actual":   len(vec),
		})
	}

	var sumSquares float64
	for _, f := range vec {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return nil, engineerr.New(engineerr.ValidationError, "embedding contains a non-finite element", nil)
		}
		sumSquares += float64(f) * float64(f)
	}
	if sumSquares == 0 {
		return nil, engineerr.New(engineerr.ValidationError, "embedding is a zero vector", nil)
	}

	if cfg.DisableNormalize {
		out := make([]float32, len(vec))
		copy(out, vec)
		return out, nil
	}

	norm := math.Sqrt(sumSquares)
	out := make([]float32, len(vec))
	for i, f := range vec {
		out[i] = float32(float64(f) / norm)
	}
	return out, nil
}

// ResolveEmbedding implements the "caller-supplied wins over auto-generated"
// rule: if both a caller embedding and an auto-generator function are
// present, the caller-supplied one is used and the generator is skipped.
func ResolveEmbedding(callerSupplied []float32, autoGenerate func() ([]float32, error)) ([]float32, error) {
	if len(callerSupplied) > 0 {
		return callerSupplied, nil
	}
	if autoGenerate != nil {
		return autoGenerate()
	}
	return nil, nil
}
