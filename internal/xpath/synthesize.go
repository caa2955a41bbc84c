package xpath

import (
	"sort"
	"strconv"
	"strings"

	"github.com/pinkllo/autospider-go/internal/task"
)

// Candidate is one per-visit xpath candidate, tagged with the strategy
// that produced it. Mirrors task.XPathCandidate but scoped to synthesis
// input (no per-element priority/confidence needed here).
type Candidate struct {
	XPath    string
	Strategy string
}

// LLMFallback is called when every rule-based merge attempt is over-broad
// or empty. Implementations should ask the vision LLM to propose a common
// xpath given the raw source list, per spec §4.3's "generate-common-xpath"
// last resort.
type LLMFallback func(sourceXPaths []string) (string, error)

// smartExtractCommonPattern folds same-length xpaths segment by segment.
// Ported from _smart_extract_common_pattern.
func smartExtractCommonPattern(xpaths []string) string {
	if len(xpaths) == 0 {
		return ""
	}
	if len(xpaths) == 1 {
		return xpaths[0]
	}

	allSegments := make([][]segment, len(xpaths))
	for i, xp := range xpaths {
		allSegments[i] = parseSegments(xp)
	}

	counts := map[int]int{}
	for _, segs := range allSegments {
		counts[len(segs)]++
	}
	if len(counts) > 1 {
		mostCommonLen, mostCommonCount := 0, 0
		for l, c := range counts {
			if c > mostCommonCount {
				mostCommonLen, mostCommonCount = l, c
			}
		}
		var filtered []string
		var filteredSegs [][]segment
		for i, segs := range allSegments {
			if len(segs) == mostCommonLen {
				filtered = append(filtered, xpaths[i])
				filteredSegs = append(filteredSegs, segs)
			}
		}
		if len(filtered) < 2 {
			return ""
		}
		xpaths = filtered
		allSegments = filteredSegs
	}

	numSegments := len(allSegments[0])
	var parts []string

	for segIdx := 0; segIdx < numSegments; segIdx++ {
		tagSet := map[string]bool{}
		var indices []*int
		var allAttrs [][]string
		separator := allSegments[0][segIdx].Separator
		for _, segs := range allSegments {
			tagSet[segs[segIdx].Tag] = true
			indices = append(indices, segs[segIdx].Index)
			allAttrs = append(allAttrs, segs[segIdx].Attrs)
		}
		if len(tagSet) > 1 {
			return ""
		}
		tag := allSegments[0][segIdx].Tag

		keepIndex := false
		indexValue := 0
		nonNone := []int{}
		for _, idx := range indices {
			if idx != nil {
				nonNone = append(nonNone, *idx)
			}
		}
		if len(nonNone) == len(indices) && len(nonNone) > 0 {
			freq := map[int]int{}
			for _, v := range nonNone {
				freq[v]++
			}
			bestVal, bestCount := 0, 0
			for v, c := range freq {
				if c > bestCount {
					bestVal, bestCount = v, c
				}
			}
			ratio := float64(bestCount) / float64(len(indices))
			if ratio >= 0.67 {
				keepIndex = true
				indexValue = bestVal
			}
		}

		commonAttrs := mergeAttributes(allAttrs)

		var classEnhanced string
		if !keepIndex && len(commonAttrs) == 0 {
			classEnhanced = findCommonClassForPosition(allSegments, segIdx)
		}

		nodeExpr := separator + tag
		if keepIndex {
			nodeExpr += "[" + strconv.Itoa(indexValue) + "]"
		}
		if len(commonAttrs) > 0 {
			nodeExpr += strings.Join(commonAttrs, "")
		} else if classEnhanced != "" {
			nodeExpr += classEnhanced
		}
		parts = append(parts, nodeExpr)
	}

	if len(parts) == 0 {
		return ""
	}
	result := strings.Join(parts, "")
	if Confidence(xpaths, result) >= 0.5 {
		return result
	}
	return ""
}

// suffixAlignedExtract aligns xpaths of differing depth by their longest
// common tag-matching suffix. Ported from _suffix_aligned_extract.
func suffixAlignedExtract(xpaths []string) string {
	if len(xpaths) < 2 {
		if len(xpaths) == 1 {
			return xpaths[0]
		}
		return ""
	}

	allSegments := make([][]segment, len(xpaths))
	for i, xp := range xpaths {
		allSegments[i] = parseSegments(xp)
		if len(allSegments[i]) == 0 {
			return ""
		}
	}

	minLen := len(allSegments[0])
	for _, segs := range allSegments {
		if len(segs) < minLen {
			minLen = len(segs)
		}
	}
	if minLen < 1 {
		return ""
	}

	commonSuffixLen := 0
	for i := 1; i <= minLen; i++ {
		tagSet := map[string]bool{}
		for _, segs := range allSegments {
			tagSet[segs[len(segs)-i].Tag] = true
		}
		if len(tagSet) == 1 {
			commonSuffixLen = i
		} else {
			break
		}
	}
	if commonSuffixLen < 1 {
		return ""
	}

	var suffixParts []string
	for i := commonSuffixLen; i >= 1; i-- {
		var tag string
		var indices []*int
		var allAttrs [][]string
		for _, segs := range allSegments {
			seg := segs[len(segs)-i]
			tag = seg.Tag
			indices = append(indices, seg.Index)
			allAttrs = append(allAttrs, seg.Attrs)
		}
		indexStr := ""
		var nonNone []int
		for _, idx := range indices {
			if idx != nil {
				nonNone = append(nonNone, *idx)
			}
		}
		if len(nonNone) == len(indices) && len(nonNone) > 0 {
			allSame := true
			for _, v := range nonNone[1:] {
				if v != nonNone[0] {
					allSame = false
					break
				}
			}
			if allSame {
				indexStr = "[" + strconv.Itoa(nonNone[0]) + "]"
			}
		}
		commonAttrs := mergeAttributes(allAttrs)
		attrsStr := strings.Join(commonAttrs, "")
		suffixParts = append(suffixParts, tag+indexStr+attrsStr)
	}
	suffixPath := strings.Join(suffixParts, "/")

	var anchors []string
	allAnchored := true
	for _, segs := range allSegments {
		var prefix []segment
		if commonSuffixLen < len(segs) {
			prefix = segs[:len(segs)-commonSuffixLen]
		}
		anchor := ""
		for i := len(prefix) - 1; i >= 0; i-- {
			if len(prefix[i].Attrs) > 0 {
				anchor = prefix[i].Separator + prefix[i].Tag + strings.Join(prefix[i].Attrs, "")
				break
			}
		}
		if anchor == "" {
			allAnchored = false
		}
		anchors = append(anchors, anchor)
	}
	if allAnchored && len(anchors) > 0 {
		same := true
		for _, a := range anchors[1:] {
			if a != anchors[0] {
				same = false
				break
			}
		}
		if same {
			return anchors[0] + "//" + suffixPath
		}
	}

	if commonSuffixLen >= 2 {
		return "//" + suffixPath
	}
	return ""
}

// fallbackExtractPattern strips every positional index and returns the
// most common resulting shape. Ported from _fallback_extract_pattern.
func fallbackExtractPattern(xpaths []string) string {
	counts := map[string]int{}
	order := []string{}
	for _, xp := range xpaths {
		norm := numericIndexPattern.ReplaceAllString(xp, "")
		if counts[norm] == 0 {
			order = append(order, norm)
		}
		counts[norm]++
	}
	best, bestCount := "", 0
	for _, p := range order {
		if counts[p] > bestCount {
			best, bestCount = p, counts[p]
		}
	}
	if best == "" {
		return ""
	}
	if float64(bestCount)/float64(len(xpaths)) >= 0.5 {
		return best
	}
	return ""
}

// findCommonXPathPattern is the rule-based cascade: smart merge, then
// suffix alignment, then index-stripping fallback. Ported from
// _find_common_xpath_pattern.
func findCommonXPathPattern(xpaths []string) string {
	if len(xpaths) == 0 {
		return ""
	}
	if p := smartExtractCommonPattern(xpaths); p != "" {
		return p
	}
	if p := suffixAlignedExtract(xpaths); p != "" && !IsOverBroad(p) {
		return p
	}
	return fallbackExtractPattern(xpaths)
}

// findDominantExactXPath picks the exact xpath shared by >=50% of inputs,
// breaking ties by stability score. Ported from _find_dominant_exact_xpath.
func findDominantExactXPath(xpaths []string) string {
	var cleaned []string
	for _, xp := range xpaths {
		if t := strings.TrimSpace(xp); t != "" {
			cleaned = append(cleaned, t)
		}
	}
	if len(cleaned) == 0 {
		return ""
	}
	counts := map[string]int{}
	for _, xp := range cleaned {
		counts[xp]++
	}
	topCount := 0
	for _, c := range counts {
		if c > topCount {
			topCount = c
		}
	}
	if float64(topCount)/float64(len(cleaned)) < 0.5 {
		return ""
	}
	var candidates []string
	for xp, c := range counts {
		if c == topCount {
			candidates = append(candidates, xp)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return StabilityScore(candidates[i]) > StabilityScore(candidates[j])
	})
	return candidates[0]
}

// buildUnionPattern emits `a | b` only for exactly two structurally
// distinct xpaths. Ported from _build_union_pattern.
func buildUnionPattern(xpaths []string) string {
	seen := map[string]bool{}
	var unique []string
	for _, xp := range xpaths {
		if !seen[xp] {
			seen[xp] = true
			unique = append(unique, xp)
		}
	}
	if len(unique) != 2 {
		return ""
	}
	normSet := map[string]bool{
		NormalizeForComparison(unique[0]): true,
		NormalizeForComparison(unique[1]): true,
	}
	if len(normSet) <= 1 {
		return ""
	}
	return unique[0] + " | " + unique[1]
}

// shouldPreferUnion decides whether a union candidate beats the current
// best pattern by a wide enough margin. Ported from
// _should_prefer_union_pattern.
func shouldPreferUnion(sourceXPaths []string, currentPattern, unionPattern string) bool {
	if unionPattern == "" || IsOverBroad(unionPattern) {
		return false
	}
	normSet := map[string]bool{}
	for _, xp := range sourceXPaths {
		if xp != "" {
			normSet[NormalizeForComparison(xp)] = true
		}
	}
	if len(normSet) <= 1 {
		return false
	}
	unionConf := Confidence(sourceXPaths, unionPattern)
	if unionConf < 0.75 {
		return false
	}
	if currentPattern == "" {
		return true
	}
	currentConf := Confidence(sourceXPaths, currentPattern)
	return unionConf >= currentConf+0.25
}

// findCommonPatternFromCandidates folds multi-strategy per-visit
// candidates, trying the most stable strategy every visit agrees on
// first. Ported from _find_common_pattern_from_candidates.
func findCommonPatternFromCandidates(perRecord [][]Candidate) string {
	valid := make([][]Candidate, 0, len(perRecord))
	for _, r := range perRecord {
		if len(r) > 0 {
			valid = append(valid, r)
		}
	}
	if len(valid) < 2 {
		return ""
	}

	strategyGroups := map[string][][]string{}
	for _, record := range valid {
		byStrategy := map[string][]string{}
		for _, c := range record {
			if c.XPath == "" {
				continue
			}
			strategy := c.Strategy
			if strategy == "" {
				strategy = "unknown"
			}
			byStrategy[strategy] = append(byStrategy[strategy], c.XPath)
		}
		for strategy, xps := range byStrategy {
			strategyGroups[strategy] = append(strategyGroups[strategy], xps)
		}
	}

	priority := []string{
		task.StrategyID, task.StrategyTestID, task.StrategyIDClassRelative,
		task.StrategyClassAnchor, task.StrategyIDRelative, task.StrategyDataAttr,
	}

	for _, strategy := range priority {
		group := strategyGroups[strategy]
		if len(group) < len(valid) {
			continue
		}
		perRecordXPaths := make([]string, len(group))
		for i, xps := range group {
			perRecordXPaths[i] = xps[0]
		}
		allSame := true
		for _, xp := range perRecordXPaths[1:] {
			if xp != perRecordXPaths[0] {
				allSame = false
				break
			}
		}
		if allSame {
			return perRecordXPaths[0]
		}
		if p := smartExtractCommonPattern(perRecordXPaths); p != "" && !IsOverBroad(p) {
			return p
		}
		if p := suffixAlignedExtract(perRecordXPaths); p != "" && !IsOverBroad(p) {
			return p
		}
	}
	return ""
}

// Synthesize runs the full cascade described in spec §4.3: multi-strategy
// candidate merge, rule-based merge, dominant-exact-xpath, union pattern,
// and an LLM last resort when everything else is over-broad or missing.
// perVisitCandidates may be nil when only flat xpaths are available.
func Synthesize(sourceXPaths []string, perVisitCandidates [][]Candidate, fallback LLMFallback) (task.CommonFieldXPath, error) {
	result := task.CommonFieldXPath{SourceXPaths: sourceXPaths}
	if len(sourceXPaths) == 0 {
		return result, nil
	}

	var best string
	if perVisitCandidates != nil {
		best = findCommonPatternFromCandidates(perVisitCandidates)
	}
	if best == "" || IsOverBroad(best) {
		if p := findCommonXPathPattern(sourceXPaths); p != "" && !IsOverBroad(p) {
			best = p
		}
	}
	if best == "" {
		if p := findDominantExactXPath(sourceXPaths); p != "" && !IsOverBroad(p) {
			best = p
		}
	}

	if union := buildUnionPattern(sourceXPaths); union != "" && shouldPreferUnion(sourceXPaths, best, union) {
		best = union
	}

	if (best == "" || IsOverBroad(best)) && fallback != nil {
		llmPattern, err := fallback(sourceXPaths)
		if err == nil && llmPattern != "" && !IsOverBroad(llmPattern) {
			best = llmPattern
		}
	}

	if best == "" || IsOverBroad(best) {
		return result, nil
	}

	result.XPathPattern = best
	result.Confidence = Confidence(sourceXPaths, best)
	return result, nil
}
