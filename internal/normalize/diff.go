package normalize

import (
	"fmt"
	"strings"

	"github.com/attemptengine/core/internal/types"
)

// fileChangeFor builds the FileChange for a file-editing tool call, per
// spec.md §4.4: a brand new file (no prior text) is a Write{content}; an
// edit with prior text is an Edit{unified_diff}.
func fileChangeFor(priorText string, hadPriorText bool, newText string) types.FileChange {
	if !hadPriorText {
		return types.FileChange{Kind: types.FileWrite, Content: newText}
	}
	return types.FileChange{
		Kind:        types.FileEdit,
		UnifiedDiff: unifiedDiff(priorText, newText),
	}
}

// unifiedDiff produces a minimal unified diff between two whole-file texts
// using a dynamic-programming line LCS, grounded on the shape `git diff` itself
// produces (the same output parsed back in internal/gitintegration).
func unifiedDiff(oldText, newText string) string {
	oldLines := splitKeepEmpty(oldText)
	newLines := splitKeepEmpty(newText)
	ops := diffLines(oldLines, newLines)

	var b strings.Builder
	b.WriteString("--- a\n+++ b\n")
	for _, op := range ops {
		switch op.kind {
		case opEqual:
			fmt.Fprintf(&b, " %s\n", op.text)
		case opInsert:
			fmt.Fprintf(&b, "+%s\n", op.text)
		case opDelete:
			fmt.Fprintf(&b, "-%s\n", op.text)
		}
	}
	return b.String()
}

type diffOpKind int

const (
	opEqual diffOpKind = iota
	opInsert
	opDelete
)

type diffOp struct {
	kind diffOpKind
	text string
}

// diffLines computes a line-level diff via dynamic-programming LCS. Good
// enough for the file sizes a single tool edit touches; not intended for
// whole-repository diffing (that goes through the real `git diff` in
// internal/gitintegration).
func diffLines(a, b []string) []diffOp {
	n, m := len(a), len(b)
	dp := make([][]int, n+1)
	for i := range dp {
		dp[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				dp[i][j] = dp[i+1][j+1] + 1
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}

	var ops []diffOp
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case a[i] == b[j]:
			ops = append(ops, diffOp{opEqual, a[i]})
			i++
			j++
		case dp[i+1][j] >= dp[i][j+1]:
			ops = append(ops, diffOp{opDelete, a[i]})
			i++
		default:
			ops = append(ops, diffOp{opInsert, b[j]})
			j++
		}
	}
	for ; i < n; i++ {
		ops = append(ops, diffOp{opDelete, a[i]})
	}
	for ; j < m; j++ {
		ops = append(ops, diffOp{opInsert, b[j]})
	}
	return ops
}

func splitKeepEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
