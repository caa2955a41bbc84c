package resolver

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinkllo/autospider-go/internal/snapshot"
)

func markWithText(id int, text string) snapshot.ElementMark {
	return snapshot.ElementMark{MarkID: id, Text: text}
}

// TestResolveSingleIDMatchWinsOverDuplicateText exercises the duplicate-
// label scenario: two elements share the exact same visible text, and the
// model claims the mark_id of the second one. The claimed element's own
// text matches, so it must resolve as an immediate id_match rather than
// falling into a page-wide scan that would report ambiguity.
func TestResolveSingleIDMatchWinsOverDuplicateText(t *testing.T) {
	snap := &snapshot.Snapshot{Marks: []snapshot.ElementMark{
		markWithText(1, "查看详情"),
		markWithText(2, "查看详情"),
	}}

	res := ResolveSingle(Claim{MarkID: 2, Text: "查看详情"}, snap)
	assert.Equal(t, StatusIDMatch, res.Status)
	assert.Equal(t, 2, res.MarkID)
}

func TestResolveSingleFallsBackToPageScanWhenClaimedIDTextMismatches(t *testing.T) {
	snap := &snapshot.Snapshot{Marks: []snapshot.ElementMark{
		markWithText(1, "Details"),
		markWithText(2, "Other label"),
	}}

	// claim points at mark 2 but quotes mark 1's text: the id check fails,
	// so the page-wide scan takes over and finds the unique text match.
	res := ResolveSingle(Claim{MarkID: 2, Text: "Details"}, snap)
	assert.Equal(t, StatusTextUnique, res.Status)
	assert.Equal(t, 1, res.MarkID)
}

func TestResolveSingleAmbiguousWhenMultipleTextMatchesAndNoIDHit(t *testing.T) {
	snap := &snapshot.Snapshot{Marks: []snapshot.ElementMark{
		markWithText(1, "查看详情"),
		markWithText(2, "查看详情"),
	}}

	// mark_id 0 means "unsure"; neither id-check applies, so this must scan
	// the whole page and report both duplicates as ambiguous candidates.
	res := ResolveSingle(Claim{MarkID: 0, Text: "查看详情"}, snap)
	assert.Equal(t, StatusTextAmbiguous, res.Status)
	assert.ElementsMatch(t, []int{1, 2}, res.Candidates)
}

func TestResolveSingleNotFound(t *testing.T) {
	snap := &snapshot.Snapshot{Marks: []snapshot.ElementMark{
		markWithText(1, "Details"),
	}}
	res := ResolveSingle(Claim{Text: "Nonexistent"}, snap)
	assert.Equal(t, StatusTextNotFound, res.Status)
}

func TestTextMatchesShortCodepointsRequireExactEquality(t *testing.T) {
	// "OK" (2 codepoints) must not containment-match against a longer
	// string that merely contains it.
	assert.False(t, textMatches("OK", "OK, continue"))
	assert.True(t, textMatches("OK", "ok"))

	// a 2-codepoint CJK string is also exact-match-only.
	assert.False(t, textMatches("详情", "查看详情"))
	assert.True(t, textMatches("详情", "详情"))
}

func TestTextMatchesLongerTextAllowsContainment(t *testing.T) {
	// "Details" (7 codepoints) and a 4-codepoint CJK label both clear the
	// threshold and should accept containment in either direction.
	assert.True(t, textMatches("Details", "View Details Now"))
	assert.True(t, textMatches("查看详情", "请点击查看详情页面"))
}

func TestTextMatchesHandlesEllipsisTruncation(t *testing.T) {
	assert.True(t, textMatches("This is a long title that got cu...", "This is a long title that got cut off here"))
}

func TestTextMatchesHandlesBracketTruncation(t *testing.T) {
	// a vision model may report a label with a parenthetical annotation the
	// page text lacks; the bracket-split prefix must still resolve against
	// that page text, in either bracket style.
	assert.True(t, textMatches("Annual Report (Draft)", "Annual Report - Q3 2026"))
	assert.True(t, textMatches("年度报告（草案）", "年度报告二零二六年第三季度"))
}

func TestDisambiguateRetriesOnOutOfRangeChoice(t *testing.T) {
	snap := &snapshot.Snapshot{Marks: []snapshot.ElementMark{
		markWithText(1, "查看详情"),
		markWithText(2, "查看详情"),
	}}
	res := ResolveSingle(Claim{Text: "查看详情"}, snap)
	require.Equal(t, StatusTextAmbiguous, res.Status)

	calls := 0
	ask := func(text string, candidates []snapshot.ElementMark) (int, error) {
		calls++
		if calls == 1 {
			return 99, nil // out of range, triggers a retry
		}
		return 2, nil
	}

	out, err := Disambiguate(res, snap, ask)
	require.NoError(t, err)
	assert.Equal(t, StatusTextUnique, out.Status)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, out.MarkID)
}

func TestDisambiguateExhaustsRetriesAndErrors(t *testing.T) {
	snap := &snapshot.Snapshot{Marks: []snapshot.ElementMark{
		markWithText(1, "A"),
		markWithText(2, "A"),
	}}
	res := Resolution{
		Claim:      Claim{Text: "A"},
		Status:     StatusTextAmbiguous,
		Candidates: []int{1, 2},
	}
	ask := func(text string, candidates []snapshot.ElementMark) (int, error) {
		return 0, errors.New("model declined to choose")
	}
	_, err := Disambiguate(res, snap, ask)
	assert.Error(t, err)
}

func TestResolveBatchPartialSuccess(t *testing.T) {
	snap := &snapshot.Snapshot{Marks: []snapshot.ElementMark{
		markWithText(1, "Details"),
	}}
	claims := []Claim{
		{MarkID: 1, Text: "Details"},
		{Text: "Nonexistent"},
	}
	out, err := ResolveBatch(claims, snap, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 1, out[0].MarkID)
}

func TestResolveBatchSingleClaimFailureErrors(t *testing.T) {
	snap := &snapshot.Snapshot{Marks: []snapshot.ElementMark{
		markWithText(1, "Details"),
	}}
	_, err := ResolveBatch([]Claim{{Text: "Nonexistent"}}, snap, nil)
	assert.Error(t, err)
}
