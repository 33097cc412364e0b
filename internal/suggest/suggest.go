// Package suggest provides fuzzy matching for mistyped flags and config keys
// using Levenshtein distance.
package suggest

import (
	"sort"
	"strings"
)

// levenshtein calculates the edit distance between two strings
func levenshtein(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	// Create matrix
	matrix := make([][]int, len(a)+1)
	for i := range matrix {
		matrix[i] = make([]int, len(b)+1)
		matrix[i][0] = i
	}
	for j := range matrix[0] {
		matrix[0][j] = j
	}

	// Fill matrix
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			matrix[i][j] = min(
				matrix[i-1][j]+1,      // deletion
				matrix[i][j-1]+1,      // insertion
				matrix[i-1][j-1]+cost, // substitution
			)
		}
	}

	return matrix[len(a)][len(b)]
}

// Closest returns up to three candidates within a few edits of word, best
// first. Leading dashes are ignored on both sides.
func Closest(word string, candidates []string) []string {
	word = strings.TrimLeft(word, "-")

	type scored struct {
		value string
		score int
	}
	var matches []scored

	for _, c := range candidates {
		dist := levenshtein(word, strings.TrimLeft(c, "-"))

		// Only suggest if reasonably close (within 3 edits or 50% of length)
		maxDist := max(3, len(word)/2)
		if dist <= maxDist {
			matches = append(matches, scored{c, dist})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score < matches[j].score })

	var result []string
	for i := 0; i < len(matches) && i < 3; i++ {
		result = append(result, matches[i].value)
	}
	return result
}

// CommonFlagAliases maps flags people reach for to the ones runlog has
var CommonFlagAliases = map[string]string{
	"dir":        "--path",
	"data-dir":   "--path",
	"url":        "--server",
	"server-url": "--server",
	"output":     "--format",
	"o":          "--format",
	"json":       "--format json",
	"yaml":       "--format yaml",
	"follow":     "--watch",
	"w":          "--watch",
	"entity":     "--run",
	"run-id":     "--run",
	"verbose":    "--log-level debug",
	"v":          "--log-level debug",
	"debug":      "--log-level debug",
}

// FlagHint returns a hint for a commonly misused flag
func FlagHint(flag string) string {
	flag = strings.TrimLeft(flag, "-")
	flag = strings.ToLower(flag)

	if hint, ok := CommonFlagAliases[flag]; ok {
		return hint
	}
	return ""
}
