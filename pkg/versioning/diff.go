package versioning

import "github.com/blakebarnett/locai/pkg/model"

// Diff computes a line-oriented Myers-style diff between two texts,
// returning structured hunks with added/removed/context lines (§4.7).
// Implemented directly rather than pulled from a diff library: none of the
// retrieval pack's repos vendor one, and the algorithm is short enough to
// keep self-contained and auditable alongside the version chain it serves.
func Diff(base, target string) []model.Hunk {
	baseLines := splitLines(base)
	targetLines := splitLines(target)
	edits := myersDiff(baseLines, targetLines)
	return collapseHunks(edits)
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i+1])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

type editOp struct {
	op   string
	line string
}

// myersDiff is a standard O(ND) Myers shortest-edit-script implementation
// over line slices.
func myersDiff(a, b []string) []editOp {
	n, m := len(a), len(b)
	max := n + m
	if max == 0 {
		return nil
	}

	v := make(map[int]int)
	v[1] = 0
	var trace []map[int]int

	for d := 0; d <= max; d++ {
		snapshot := make(map[int]int, len(v))
		for k, val := range v {
			snapshot[k] = val
		}
		trace = append(trace, snapshot)

		for k := -d; k <= d; k += 2 {
			var x int
			if k == -d || (k != d && v[k-1] < v[k+1]) {
				x = v[k+1]
			} else {
				x = v[k-1] + 1
			}
			y := x - k
			for x < n && y < m && a[x] == b[y] {
				x++
				y++
			}
			v[k] = x
			if x >= n && y >= m {
				return backtrack(trace, a, b, d)
			}
		}
	}
	return backtrack(trace, a, b, max)
}

func backtrack(trace []map[int]int, a, b []string, finalD int) []editOp {
	var ops []editOp
	x, y := len(a), len(b)

	for d := finalD; d > 0 && d < len(trace); d-- {
		v := trace[d]
		k := x - y
		var prevK int
		if k == -d || (k != d && v[k-1] < v[k+1]) {
			prevK = k + 1
		} else {
			prevK = k - 1
		}
		prevX := v[prevK]
		prevY := prevX - prevK

		for x > prevX && y > prevY {
			ops = append([]editOp{{op: "equal", line: a[x-1]}}, ops...)
			x--
			y--
		}
		if x == prevX {
			ops = append([]editOp{{op: "insert", line: b[y-1]}}, ops...)
			y--
		} else {
			ops = append([]editOp{{op: "delete", line: a[x-1]}}, ops...)
			x--
		}
	}
	for x > 0 && y > 0 {
		ops = append([]editOp{{op: "equal", line: a[x-1]}}, ops...)
		x--
		y--
	}
	return ops
}

func collapseHunks(ops []editOp) []model.Hunk {
	hunks := make([]model.Hunk, 0, len(ops))
	for _, op := range ops {
		hunks = append(hunks, model.Hunk{Op: op.op, Text: op.line})
	}
	return hunks
}

// Apply reconstructs target content from hunks: equal and insert hunks carry
// their own text, so base itself is not read.
func Apply(base string, hunks []model.Hunk) string {
	var out []byte
	for _, h := range hunks {
		switch h.Op {
		case "equal", "insert":
			out = append(out, h.Text...)
		case "delete":
			// contributes nothing to the reconstructed text
		}
	}
	return string(out)
}
