package fieldlearn

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/pinkllo/autospider-go/internal/fuzzysearch"
	"github.com/pinkllo/autospider-go/internal/task"
)

// verify-twice gate constants, ported from field_extractor.py's
// _verify_xpath/_verify_xpath_once: a synthesized xpath must resolve to a
// bounded, unambiguous, semantically-typed, non-interactive-only value on
// two reads a short delay apart before it is trusted.
const (
	verifyMaxCount     = 20
	verifySampleSize   = 6
	verifyStableDelay  = 350 * time.Millisecond
	verifySimilarity   = 0.8
)

var interactiveOnlyTags = map[string]bool{
	"a": true, "button": true, "input": true, "select": true, "option": true, "label": true,
}

var (
	numberPattern = regexp.MustCompile(`^[^\d\-+]*[-+]?\d[\d,.\s]*[^\d]*$`)
	datePatterns  = []*regexp.Regexp{
		regexp.MustCompile(`\d{4}[-/年]\d{1,2}([-/月]\d{1,2}日?)?`),
		regexp.MustCompile(`\d{1,2}[-/]\d{1,2}([-/]\d{2,4})?`),
	}
)

// urlAttrs are tried in order when reading a DataTypeURL field's value,
// matching extractor.urlAttrs (href/src/data-href), per spec §4.8 step 1.
var urlAttrs = []string{"href", "src", "data-href"}

func attrsForDataType(dt task.DataType) []string {
	if dt == task.DataTypeURL {
		return urlAttrs
	}
	return nil
}

// isSemanticallyValid reports whether value looks like a well-formed
// instance of dt. Text fields accept anything non-empty. Ported from
// _is_value_semantically_valid/_looks_like_url/_looks_like_number/
// _looks_like_date.
func isSemanticallyValid(value string, dt task.DataType) bool {
	text := strings.TrimSpace(value)
	if text == "" {
		return false
	}
	switch dt {
	case task.DataTypeURL:
		lower := strings.ToLower(text)
		return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "/")
	case task.DataTypeNumber:
		return numberPattern.MatchString(text)
	case task.DataTypeDate:
		for _, p := range datePatterns {
			if p.MatchString(text) {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// isSuspiciouslyInteractive flags a non-url xpath that only ever resolves
// into interactive chrome (buttons, nav, header) rather than page content,
// a strong signal the locator grabbed a control instead of a field value.
// Ported from _is_xpath_semantically_suspicious.
func isSuspiciouslyInteractive(xp string, dt task.DataType, tags []string) bool {
	if dt == task.DataTypeURL {
		return false
	}
	lower := strings.ToLower(xp)
	if strings.Contains(lower, "/button") || strings.Contains(lower, "/nav") || strings.Contains(lower, "/header") {
		return true
	}
	if len(tags) == 0 {
		return false
	}
	for _, t := range tags {
		if !interactiveOnlyTags[t] {
			return false
		}
	}
	return true
}

func normalizeForCompare(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// verifyOnce reads xp's matches once and reports the accepted value, or ""
// and false if the xpath is missing, over-broad, semantically wrong-typed,
// suspiciously interactive-only, or disagrees with expected. Ported from
// _verify_xpath_once.
func (l *Learner) verifyOnce(ctx context.Context, xp string, dt task.DataType, expected string) (string, bool) {
	values, tags, count, err := l.ctrl.ReadXPathAll(ctx, xp, verifySampleSize, attrsForDataType(dt))
	if err != nil || count < 1 || count > verifyMaxCount {
		return "", false
	}

	expectedNorm := normalizeForCompare(expected)
	var matched []string
	var matchedTags []string
	for i, raw := range values {
		v := strings.TrimSpace(raw)
		if v == "" {
			continue
		}
		if expectedNorm != "" {
			actualNorm := normalizeForCompare(v)
			contained := strings.Contains(actualNorm, expectedNorm) || strings.Contains(expectedNorm, actualNorm)
			if !contained && fuzzysearch.Similarity(v, expected) < verifySimilarity {
				continue
			}
		}
		matched = append(matched, v)
		if i < len(tags) && tags[i] != "" {
			matchedTags = append(matchedTags, tags[i])
		}
	}
	if len(matched) == 0 {
		return "", false
	}

	distinct := map[string]bool{}
	for _, v := range matched {
		distinct[normalizeForCompare(v)] = true
	}
	if len(distinct) > 1 {
		return "", false // over-broad: the xpath hit more than one distinct value
	}

	selected := matched[0]
	if !isSemanticallyValid(selected, dt) {
		return "", false
	}
	if isSuspiciouslyInteractive(xp, dt, matchedTags) {
		return "", false
	}
	return selected, true
}

// verifyTwice runs verifyOnce twice, verifyStableDelay apart, and accepts
// the xpath only if both reads agree after normalization — a page that
// re-renders its field value between reads (a rotating banner, a relative
// timestamp) fails this even though either single read looked fine.
// Ported from _verify_xpath.
func (l *Learner) verifyTwice(ctx context.Context, xp string, dt task.DataType, expected string) bool {
	first, ok := l.verifyOnce(ctx, xp, dt, expected)
	if !ok {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(verifyStableDelay):
	}
	second, ok := l.verifyOnce(ctx, xp, dt, expected)
	if !ok {
		return false
	}
	return normalizeForCompare(first) == normalizeForCompare(second)
}
