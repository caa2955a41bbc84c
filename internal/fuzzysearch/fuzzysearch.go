// Package fuzzysearch walks a detail page's raw HTML text nodes looking for
// a vision model's claimed field value, independent of the Set-of-Mark
// interactive-element snapshot: price, date, title, and description values
// are almost never clickable elements, so the mark-based resolver in
// internal/resolver never sees them. This package is the fallback path for
// exactly that case.
//
// Ported from common/utils/fuzzy_search.py's FuzzyTextSearcher: the same
// tree-walk + SequenceMatcher-style ratio + multi-strategy xpath candidate
// cascade, rebuilt against golang.org/x/net/html since Go has no bundled
// HTML DOM.
package fuzzysearch

import (
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/pinkllo/autospider-go/internal/task"
)

// randomIDPattern flags ids/classes/data-attrs that look machine-generated
// (long digit runs, hex hashes, long base36 blobs, framework-internal ids)
// and therefore unstable across repeated page loads of the same template.
var randomIDPattern = regexp.MustCompile(`(?i)(?:\d{6,}|[0-9a-f]{8,}|[a-z0-9]{20,}|__next|:r\d+:)`)

// noiseClassTokens are layout/state classes that differ across otherwise
// identical page instances.
var noiseClassTokens = map[string]bool{
	"active": true, "hover": true, "focus": true, "visited": true, "selected": true,
	"checked": true, "disabled": true, "hidden": true, "show": true, "open": true,
	"close": true, "closed": true, "visible": true, "invisible": true, "collapsed": true,
	"expanded": true, "fade": true, "in": true, "out": true, "slide": true,
	"col": true, "row": true, "container": true, "wrapper": true, "inner": true, "outer": true,
	"clearfix": true, "pull-left": true, "pull-right": true,
	"first": true, "last": true, "odd": true, "even": true,
}

var searchableSkipTags = map[string]bool{"script": true, "style": true, "noscript": true, "template": true}

var testIDAttrs = []string{"data-testid", "data-test", "data-qa", "data-cy"}

// Match is one text-node (or url-attribute) hit against a target, ranked by
// similarity, with every xpath candidate strategy that located it.
type Match struct {
	Text       string
	Similarity float64
	Tag        string
	FullText   string
	SourceAttr string
	Candidates []task.XPathCandidate
}

// XPath returns the most stable candidate for this match, or "" if none
// were generated.
func (m Match) XPath() string {
	if len(m.Candidates) == 0 {
		return ""
	}
	return m.Candidates[0].XPath
}

// SearchText walks every text node in htmlContent and returns every element
// whose text is at least threshold-similar to target, sorted by descending
// similarity. Mirrors search_in_html.
func SearchText(htmlContent, target string, threshold float64) []Match {
	if strings.TrimSpace(target) == "" || strings.TrimSpace(htmlContent) == "" {
		return nil
	}
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return nil
	}

	var matches []Match
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if searchableSkipTags[strings.ToLower(n.Data)] {
				return
			}
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.TextNode {
					if m := checkTextMatch(n, strings.TrimSpace(c.Data), target, threshold); m != nil {
						matches = append(matches, *m)
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	return matches
}

// SearchURL scans href/src/data-href/content attributes for a value similar
// to targetURL. Mirrors search_url_in_html.
func SearchURL(htmlContent, targetURL string) []Match {
	if strings.TrimSpace(targetURL) == "" || strings.TrimSpace(htmlContent) == "" {
		return nil
	}
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return nil
	}
	target := strings.TrimSpace(targetURL)

	var matches []Match
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && !searchableSkipTags[strings.ToLower(n.Data)] {
			for _, name := range []string{"href", "src", "data-href", "content"} {
				val := strings.TrimSpace(attr(n, name))
				if val == "" {
					continue
				}
				sim := urlSimilarity(val, target)
				if sim < 0.7 {
					continue
				}
				cands := xpathCandidates(n)
				if len(cands) == 0 {
					continue
				}
				matches = append(matches, Match{
					Text: val, Similarity: sim, Tag: strings.ToLower(n.Data),
					FullText: fullText(n), SourceAttr: name, Candidates: cands,
				})
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	return matches
}

func checkTextMatch(n *html.Node, text, target string, threshold float64) *Match {
	if text == "" {
		return nil
	}
	sim := Similarity(text, target)
	if sim < threshold {
		return nil
	}
	cands := xpathCandidates(n)
	return &Match{
		Text: text, Similarity: sim, Tag: strings.ToLower(n.Data),
		FullText: fullText(n), Candidates: cands,
	}
}

// Similarity mirrors _calculate_similarity: exact match after normalization
// is 1.0, containment is 0.95, otherwise a Ratcliff/Obershelp ratio
// equivalent to Python's difflib.SequenceMatcher(None, a, b).ratio().
func Similarity(a, b string) float64 {
	na, nb := normalizeText(a), normalizeText(b)
	if na == nb {
		return 1.0
	}
	if na == "" || nb == "" {
		return 0.0
	}
	if strings.Contains(na, nb) || strings.Contains(nb, na) {
		return 0.95
	}
	return seqRatio([]rune(na), []rune(nb))
}

func normalizeText(s string) string {
	fields := strings.Fields(s)
	return strings.ToLower(strings.Join(fields, " "))
}

// seqRatio is 2*M/T where M is the total number of matching characters
// found by repeatedly taking the longest common substring and recursing on
// the unmatched remainders, and T is the combined length of both strings —
// the same definition difflib.SequenceMatcher.ratio() uses.
func seqRatio(a, b []rune) float64 {
	total := len(a) + len(b)
	if total == 0 {
		return 1.0
	}
	return 2 * float64(matchLength(a, b)) / float64(total)
}

func matchLength(a, b []rune) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	aStart, bStart, size := longestCommonSubstring(a, b)
	if size == 0 {
		return 0
	}
	return size + matchLength(a[:aStart], b[:bStart]) + matchLength(a[aStart+size:], b[bStart+size:])
}

// longestCommonSubstring runs the standard O(n*m) DP over matching suffix
// run-lengths to find the longest contiguous run shared by a and b.
func longestCommonSubstring(a, b []rune) (aStart, bStart, size int) {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	best := 0
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > best {
					best = cur[j]
					aStart, bStart, size = i-cur[j], j-cur[j], cur[j]
				}
			} else {
				cur[j] = 0
			}
		}
		prev, cur = cur, prev
	}
	return aStart, bStart, size
}

func urlSimilarity(candidate, target string) float64 {
	c, t := strings.TrimSpace(candidate), strings.TrimSpace(target)
	if c == "" || t == "" {
		return 0
	}
	if c == t {
		return 1.0
	}
	if cn, ok1 := normalizeURL(c); ok1 {
		if tn, ok2 := normalizeURL(t); ok2 && cn == tn {
			return 0.98
		}
	}
	if cp, ok1 := urlPathAndID(c); ok1 {
		if tp, ok2 := urlPathAndID(t); ok2 && cp == tp {
			return 0.95
		}
	}
	cl, tl := strings.ToLower(c), strings.ToLower(t)
	if strings.Contains(cl, tl) || strings.Contains(tl, cl) {
		return 0.9
	}
	return seqRatio([]rune(cl), []rune(tl))
}

func normalizeURL(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var qb strings.Builder
	for _, k := range keys {
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		qb.WriteString(k + "=" + strings.Join(vals, ","))
		qb.WriteByte(';')
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + u.Path + "?" + qb.String(), true
}

func urlPathAndID(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return "", false
	}
	return u.Path + "#" + u.Query().Get("id"), true
}

// xpathCandidates generates up to six strategies of the cascade in
// _generate_xpath_candidates (no id-class-relative candidate is built),
// reusing task's strategy names/priority order
// so the result folds directly into the synthesizer's per-strategy merge.
func xpathCandidates(n *html.Node) []task.XPathCandidate {
	var out []task.XPathCandidate
	seen := map[string]bool{}
	add := func(xp, strategy string) {
		if xp == "" || seen[xp] {
			return
		}
		seen[xp] = true
		out = append(out, task.XPathCandidate{XPath: xp, Strategy: strategy, Priority: task.StrategyPriority(strategy)})
	}

	if id := attr(n, "id"); id != "" && !randomIDPattern.MatchString(id) {
		add(`//*[@id=`+xpathLiteral(id)+`]`, task.StrategyID)
	}
	for _, a := range testIDAttrs {
		if v := attr(n, a); v != "" {
			add(`//*[@`+a+`=`+xpathLiteral(v)+`]`, task.StrategyTestID)
		}
	}

	for anc := n.Parent; anc != nil && !isHTMLRoot(anc); anc = anc.Parent {
		ancID := attr(anc, "id")
		if ancID == "" || randomIDPattern.MatchString(ancID) {
			continue
		}
		anchorExpr := `//*[@id=` + xpathLiteral(ancID) + `]`
		if rel := relativePath(anc, n); rel != "" {
			add(anchorExpr+"/"+rel, task.StrategyIDRelative)
		} else {
			add(anchorExpr, task.StrategyIDRelative)
		}
		break
	}

	if classXP := classAnchoredXPath(n); classXP != "" {
		add(classXP, task.StrategyClassAnchor)
	}
	if dataXP := dataAttrXPath(n); dataXP != "" {
		add(dataXP, task.StrategyDataAttr)
	}
	add(absolutePath(n), task.StrategyAbsolute)

	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

func classAnchoredXPath(n *html.Node) string {
	tag := strings.ToLower(n.Data)
	if classes := stableClasses(n); len(classes) > 0 {
		return `//` + tag + `[contains(@class, ` + xpathLiteral(classes[0]) + `)]`
	}
	depth := 0
	for cur := n.Parent; cur != nil && !isHTMLRoot(cur) && depth < 6; cur = cur.Parent {
		if classes := stableClasses(cur); len(classes) > 0 {
			ancestorExpr := `//` + strings.ToLower(cur.Data) + `[contains(@class, ` + xpathLiteral(classes[0]) + `)]`
			if rel := relativePath(cur, n); rel != "" {
				return ancestorExpr + "/" + rel
			}
			return ancestorExpr
		}
		depth++
	}
	return ""
}

func dataAttrXPath(n *html.Node) string {
	tag := strings.ToLower(n.Data)
	for _, a := range n.Attr {
		if !strings.HasPrefix(a.Key, "data-") {
			continue
		}
		skip := false
		for _, t := range testIDAttrs {
			if a.Key == t {
				skip = true
			}
		}
		if skip || a.Val == "" || len(a.Val) >= 80 || randomIDPattern.MatchString(a.Val) {
			continue
		}
		return `//` + tag + `[@` + a.Key + `=` + xpathLiteral(a.Val) + `]`
	}
	return ""
}

func stableClasses(n *html.Node) []string {
	raw := strings.TrimSpace(attr(n, "class"))
	if raw == "" {
		return nil
	}
	var out []string
	for _, cls := range strings.Fields(raw) {
		if len(cls) < 3 {
			continue
		}
		if isAllDigits(cls) {
			continue
		}
		if noiseClassTokens[strings.ToLower(cls)] {
			continue
		}
		if randomIDPattern.MatchString(cls) {
			continue
		}
		out = append(out, cls)
	}
	return out
}

// relativePath builds the structural path from anchor (exclusive) down to
// n, indexing same-tag siblings the way lxml's sibling-index walk does.
func relativePath(anchor, n *html.Node) string {
	var segs []string
	cur := n
	for cur != nil && cur != anchor {
		parent := cur.Parent
		if parent == nil {
			return ""
		}
		segs = append(segs, tagWithIndex(parent, cur))
		cur = parent
	}
	if cur != anchor {
		return ""
	}
	reverse(segs)
	return strings.Join(segs, "/")
}

func absolutePath(n *html.Node) string {
	var segs []string
	cur := n
	for cur != nil && !isHTMLRoot(cur) {
		parent := cur.Parent
		if parent == nil {
			segs = append(segs, strings.ToLower(cur.Data))
			break
		}
		segs = append(segs, tagWithIndex(parent, cur))
		cur = parent
	}
	reverse(segs)
	return "//" + strings.Join(segs, "/")
}

func tagWithIndex(parent, n *html.Node) string {
	tag := strings.ToLower(n.Data)
	idx, count := 0, 0
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || !strings.EqualFold(c.Data, n.Data) {
			continue
		}
		count++
		if c == n {
			idx = count
		}
	}
	if count > 1 {
		return tag + "[" + strconv.Itoa(idx) + "]"
	}
	return tag
}

func isHTMLRoot(n *html.Node) bool {
	return n.Type == html.ElementNode && strings.EqualFold(n.Data, "html")
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func fullText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(b.String())
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func xpathLiteral(v string) string {
	if !strings.Contains(v, `"`) {
		return `"` + v + `"`
	}
	if !strings.Contains(v, `'`) {
		return `'` + v + `'`
	}
	parts := strings.Split(v, `"`)
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = `"` + p + `"`
	}
	return "concat(" + strings.Join(quoted, `, '"', `) + ")"
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
