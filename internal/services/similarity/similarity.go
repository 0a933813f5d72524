package similarity

import (
	"regexp"
	"strings"
)

// Structural marker regexes, each contributing one fingerprint element.
var (
	numberedListRe = regexp.MustCompile(`(?m)^\s*\d+[.)]\s`)
	bulletListRe   = regexp.MustCompile(`(?m)^\s*[-*+]\s`)
	headerRe       = regexp.MustCompile(`(?m)^#{1,6}\s`)
	variableRe     = regexp.MustCompile(`\{\{\s*[\w.-]+\s*\}\}`)
	codeBlockRe    = regexp.MustCompile("```")
	linkRe         = regexp.MustCompile(`\[[^\]]*\]\([^)]*\)`)
	tableRe        = regexp.MustCompile(`(?m)^\s*\|.*\|\s*$`)

	punctRe      = regexp.MustCompile(`[^\w\s]`)
	whitespaceRe = regexp.MustCompile(`\s+`)
	tokenRe      = regexp.MustCompile(`[a-z0-9]+`)
)

// Normalize lowercases content, strips punctuation and collapses runs of
// whitespace, so that trivially reformatted copies compare equal.
func Normalize(content string) string {
	s := strings.ToLower(content)
	s = punctRe.ReplaceAllString(s, "")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Fingerprint returns the set of structural markers present in content.
func Fingerprint(content string) map[string]bool {
	fp := make(map[string]bool)
	if numberedListRe.MatchString(content) {
		fp["numbered_list"] = true
	}
	if bulletListRe.MatchString(content) {
		fp["bullet_list"] = true
	}
	if headerRe.MatchString(content) {
		fp["headers"] = true
	}
	if variableRe.MatchString(content) {
		fp["variables"] = true
	}
	if codeBlockRe.MatchString(content) {
		fp["code_blocks"] = true
	}
	if linkRe.MatchString(content) {
		fp["links"] = true
	}
	if tableRe.MatchString(content) {
		fp["tables"] = true
	}
	return fp
}

// Structural scores two contents by fingerprint overlap (70%) and length
// proximity (30%).
func Structural(a, b string) float64 {
	fpA := Fingerprint(a)
	fpB := Fingerprint(b)

	maxMarkers := len(fpA)
	if len(fpB) > maxMarkers {
		maxMarkers = len(fpB)
	}

	overlap := 0.0
	if maxMarkers > 0 {
		common := 0
		for marker := range fpA {
			if fpB[marker] {
				common++
			}
		}
		overlap = float64(common) / float64(maxMarkers)
	} else {
		// Neither side carries structure; treat structure as identical.
		overlap = 1.0
	}

	lenA := float64(len(a))
	lenB := float64(len(b))
	maxLen := lenA
	if lenB > maxLen {
		maxLen = lenB
	}
	lengthScore := 1.0
	if maxLen > 0 {
		diff := lenA - lenB
		if diff < 0 {
			diff = -diff
		}
		lengthScore = 1.0 - diff/maxLen
	}

	return 0.7*overlap + 0.3*lengthScore
}

// Tokenize splits normalized content into its word set.
func Tokenize(content string) map[string]bool {
	tokens := make(map[string]bool)
	for _, tok := range tokenRe.FindAllString(strings.ToLower(content), -1) {
		tokens[tok] = true
	}
	return tokens
}

// Jaccard computes set similarity over tokenized word sets. Used as the
// semantic fallback when the LLM scorer is unavailable.
func Jaccard(a, b string) float64 {
	tokA := Tokenize(a)
	tokB := Tokenize(b)
	if len(tokA) == 0 && len(tokB) == 0 {
		return 1.0
	}

	intersection := 0
	for tok := range tokA {
		if tokB[tok] {
			intersection++
		}
	}
	union := len(tokA) + len(tokB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
