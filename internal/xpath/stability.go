package xpath

import (
	"regexp"
	"strings"
)

// StabilityScore ranks an xpath by how reusable/portable its structure is.
// Higher is better. Ported from _xpath_stability_score.
func StabilityScore(xpath string) float64 {
	value := strings.TrimSpace(xpath)
	if value == "" {
		return -10.0
	}
	lower := strings.ToLower(value)
	score := 0.0

	if strings.Contains(lower, "@id=") {
		score += 3.0
	}
	if strings.Contains(lower, "@data-") {
		score += 1.8
	}
	if strings.Contains(lower, "@class") {
		score += 0.8
	}
	if strings.HasPrefix(lower, `//*[@id=`) {
		score += 0.5
	}

	score -= float64(len(numericIndexPattern.FindAllString(value, -1))) * 0.2

	depth := strings.Count(value, "/")
	if depth > 10 {
		score -= float64(depth-10) * 0.08
	}

	for _, tok := range volatileTokens {
		if strings.Contains(lower, tok) {
			score -= 1.8
			break
		}
	}

	if strings.Contains(value, "|") {
		score -= 0.6
	}

	return score
}

var numericIndexPattern = regexp.MustCompile(`\[\d+\]`)
var volatileTokens = []string{"fixed", "sticky", "float", "popup", "modal", "dialog", "mask"}

// IsOverBroad reports whether an xpath (or a `|`-joined union of xpaths)
// would match too broad a set of nodes to be usable as a field template.
// Ported from _is_over_broad_pattern / _is_single_xpath_over_broad.
func IsOverBroad(xpath string) bool {
	value := strings.TrimSpace(xpath)
	if strings.Contains(value, "|") {
		parts := splitNonEmpty(value, "|")
		if len(parts) == 0 {
			return true
		}
		for _, p := range parts {
			if isSingleOverBroad(strings.TrimSpace(p)) {
				return true
			}
		}
		return false
	}
	return isSingleOverBroad(value)
}

var bareStarDescendant = regexp.MustCompile(`(?i)//\*(\s*\[@(?:id|class|data-[\w-]+))?`)
var anyAnchorAttr = regexp.MustCompile(`(?i)@id\s*=|@class\s*=|contains\(\s*@class|@data-[\w-]+\s*=|contains\(\s*@data-`)

func isSingleOverBroad(xpath string) bool {
	value := strings.TrimSpace(xpath)
	if value == "" {
		return true
	}
	if !strings.HasPrefix(value, "/") {
		return true
	}
	for _, m := range bareStarDescendant.FindAllStringSubmatch(value, -1) {
		if m[1] == "" {
			return true
		}
	}
	hasDescendantAxis := len(value) > 2 && strings.Contains(value[2:], "//")
	hasAnchor := anyAnchorAttr.MatchString(value)
	if hasDescendantAxis && !hasAnchor {
		return true
	}
	lower := strings.ToLower(value)
	if strings.HasSuffix(lower, "//span") || strings.HasSuffix(lower, "//div") || strings.HasSuffix(lower, "//*") {
		return true
	}
	return false
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// NormalizeForComparison strips positional-index predicates, keeping
// attribute predicates, so structurally-equivalent xpaths compare equal.
// Ported from _normalize_for_comparison.
func NormalizeForComparison(xpath string) string {
	return numericIndexPattern.ReplaceAllString(xpath, "")
}

// Confidence computes the "exact + normalized match ratio" blend used
// throughout the synthesizer. Ported from _calculate_pattern_confidence.
func Confidence(sourceXPaths []string, pattern string) float64 {
	if len(sourceXPaths) == 0 {
		return 0.0
	}
	if strings.Contains(pattern, "|") {
		exactParts := map[string]bool{}
		normSet := map[string]bool{}
		for _, p := range strings.Split(pattern, "|") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			exactParts[p] = true
			normSet[NormalizeForComparison(p)] = true
		}
		if len(exactParts) == 0 {
			return 0.0
		}
		exactMatch, normMatch := 0, 0
		for _, xp := range sourceXPaths {
			raw := strings.TrimSpace(xp)
			if exactParts[raw] {
				exactMatch++
			}
			if normSet[NormalizeForComparison(raw)] {
				normMatch++
			}
		}
		n := float64(len(sourceXPaths))
		return (float64(exactMatch)/n)*0.7 + (float64(normMatch)/n)*0.3
	}

	exactMatch, normMatch := 0, 0
	trimmedPattern := strings.TrimSpace(pattern)
	normPattern := NormalizeForComparison(pattern)
	for _, xp := range sourceXPaths {
		raw := strings.TrimSpace(xp)
		if raw == trimmedPattern {
			exactMatch++
		}
		if NormalizeForComparison(raw) == normPattern {
			normMatch++
		}
	}
	n := float64(len(sourceXPaths))
	return (float64(exactMatch)/n)*0.7 + (float64(normMatch)/n)*0.3
}
