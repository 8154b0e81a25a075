package suggester

import (
	"context"
	"math"

	"github.com/logrepair/core/internal/record"
)

func mathExpNeg(x float64) float64 { return math.Exp(-x) }

// LevenshteinScorer is the default TextScorer: a normalized Levenshtein
// distance over each record's extracted text, grounded on the teacher's
// internal/utils/string_distance.go ComputeDistance.
type LevenshteinScorer struct{}

// Similarity implements TextScorer.
func (LevenshteinScorer) Similarity(_ context.Context, a, b *record.Record) (float64, error) {
	ta, tb := contentText(a), contentText(b)
	if ta == "" && tb == "" {
		return 0, nil
	}
	dist := levenshtein(ta, tb)
	maxLen := len(ta)
	if len(tb) > maxLen {
		maxLen = len(tb)
	}
	if maxLen == 0 {
		return 1, nil
	}
	return 1 - float64(dist)/float64(maxLen), nil
}

// levenshtein computes the edit distance between s1 and s2, matching the
// teacher's ComputeDistance algorithm (case-insensitive Levenshtein).
func levenshtein(s1, s2 string) int {
	s1 = toLowerASCII(s1)
	s2 = toLowerASCII(s2)

	if len(s1) == 0 {
		return len(s2)
	}
	if len(s2) == 0 {
		return len(s1)
	}

	matrix := make([][]int, len(s1)+1)
	for i := range matrix {
		matrix[i] = make([]int, len(s2)+1)
	}
	for i := 0; i <= len(s1); i++ {
		matrix[i][0] = i
	}
	for j := 0; j <= len(s2); j++ {
		matrix[0][j] = j
	}

	for i := 1; i <= len(s1); i++ {
		for j := 1; j <= len(s2); j++ {
			cost := 1
			if s1[i-1] == s2[j-1] {
				cost = 0
			}
			min := matrix[i-1][j] + 1
			if ins := matrix[i][j-1] + 1; ins < min {
				min = ins
			}
			if sub := matrix[i-1][j-1] + cost; sub < min {
				min = sub
			}
			matrix[i][j] = min
		}
	}
	return matrix[len(s1)][len(s2)]
}

func toLowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
