// Package xpath implements the Pattern Synthesizer: it folds a set of
// per-visit xpaths (or multi-strategy candidate lists) into one common
// template, scores candidates for stability, detects over-broad patterns,
// and computes a confidence against the source set.
//
// Ported from field/xpath_pattern.py's FieldXPathExtractor.
package xpath

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// segment is one parsed xpath node: a leading separator ("/" or "//"), a
// tag name, an optional numeric index predicate, and any remaining
// attribute predicates.
type segment struct {
	Raw       string
	Tag       string
	Index     *int
	Attrs     []string
	Separator string
}

var segmentPattern = regexp.MustCompile(`(//?)([a-zA-Z*][\w-]*)((?:\[[^\]]+\])*)`)
var predicatePattern = regexp.MustCompile(`\[([^\]]+)\]`)
var numericPredicate = regexp.MustCompile(`^\d+$`)

// parseSegments splits an xpath into its node segments.
func parseSegments(xpath string) []segment {
	var segs []segment
	for _, m := range segmentPattern.FindAllStringSubmatch(xpath, -1) {
		sep, tag, preds := m[1], m[2], m[3]
		var index *int
		var attrs []string
		for _, pm := range predicatePattern.FindAllStringSubmatch(preds, -1) {
			pred := strings.TrimSpace(pm[1])
			if numericPredicate.MatchString(pred) {
				v, _ := strconv.Atoi(pred)
				idx := v
				index = &idx
			} else {
				attrs = append(attrs, "["+pred+"]")
			}
		}
		segs = append(segs, segment{Raw: m[0], Tag: tag, Index: index, Attrs: attrs, Separator: sep})
	}
	return segs
}

// mergeAttributes returns the intersection of attribute-predicate sets
// across all positions, sorted for determinism.
func mergeAttributes(allAttrs [][]string) []string {
	if len(allAttrs) == 0 || len(allAttrs[0]) == 0 {
		return nil
	}
	common := map[string]bool{}
	for _, a := range allAttrs[0] {
		common[a] = true
	}
	for _, attrs := range allAttrs[1:] {
		set := map[string]bool{}
		for _, a := range attrs {
			set[a] = true
		}
		for k := range common {
			if !set[k] {
				delete(common, k)
			}
		}
	}
	out := make([]string, 0, len(common))
	for k := range common {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var noiseClassTokens = map[string]bool{
	"active": true, "hover": true, "col": true, "row": true,
	"first": true, "last": true, "selected": true, "disabled": true,
	"odd": true, "even": true, "current": true,
}

var longNumericToken = regexp.MustCompile(`\d{4,}`)

func isStableClassToken(tok string) bool {
	if len(tok) < 3 {
		return false
	}
	if _, err := strconv.Atoi(tok); err == nil {
		return false
	}
	if noiseClassTokens[strings.ToLower(tok)] {
		return false
	}
	if longNumericToken.MatchString(tok) {
		return false
	}
	return true
}

var classAttrValue = regexp.MustCompile(`(?i)contains\(\s*@class\s*,\s*['"]([^'"]+)['"]`)
var classAttrEquals = regexp.MustCompile(`(?i)@class\s*=\s*['"]([^'"]+)['"]`)

// findCommonClassForPosition implements the "class rescue" step: when an
// index was dropped and no attribute predicate survived intersection,
// look for a stable class token shared by >=60% of the inputs at this
// position and rewrite it into a contains(@class, ...) predicate.
func findCommonClassForPosition(allSegments [][]segment, segIdx int) string {
	counts := map[string]int{}
	total := 0
	for _, segs := range allSegments {
		if segIdx >= len(segs) {
			continue
		}
		total++
		found := ""
		for _, attr := range segs[segIdx].Attrs {
			if m := classAttrValue.FindStringSubmatch(attr); m != nil {
				found = strings.TrimSpace(m[1])
				break
			}
			if m := classAttrEquals.FindStringSubmatch(attr); m != nil {
				for _, tok := range strings.Fields(m[1]) {
					if isStableClassToken(tok) {
						found = tok
						break
					}
				}
				if found != "" {
					break
				}
			}
		}
		if found != "" {
			counts[found]++
		}
	}
	if total == 0 {
		return ""
	}
	best, bestCount := "", 0
	for cls, n := range counts {
		if n > bestCount {
			best, bestCount = cls, n
		}
	}
	if best == "" {
		return ""
	}
	ratio := float64(bestCount) / float64(len(allSegments))
	if ratio < 0.6 {
		return ""
	}
	if !strings.Contains(best, "'") {
		return "[contains(@class, '" + best + "')]"
	}
	if !strings.Contains(best, `"`) {
		return `[contains(@class, "` + best + `")]`
	}
	return ""
}
