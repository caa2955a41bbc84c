// Package resolver implements the Text-First mark_id Resolver described in
// spec §4.2: vision-model-claimed text is treated as ground truth over a
// claimed mark_id, with NFKC-normalized, whitespace-collapsed matching and
// tolerance for ellipsis/truncation. Ambiguous matches are resolved by a
// disambiguation round trip to the LLM over the candidates renumbered 1..N.
//
// Ported from common/som/text_first.py.
package resolver

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/pinkllo/autospider-go/internal/autoerr"
	"github.com/pinkllo/autospider-go/internal/snapshot"
)

// Status enumerates the outcome of resolving a single claim.
type Status string

const (
	StatusIDMatch        Status = "id_match"
	StatusTextUnique     Status = "text_unique"
	StatusTextAmbiguous  Status = "text_ambiguous"
	StatusTextNotFound   Status = "text_not_found"
)

// Claim is one (mark_id, text) pair as reported by the vision model.
type Claim struct {
	MarkID int
	Text   string
}

// Resolution is the outcome of resolving one Claim against a Snapshot.
type Resolution struct {
	Claim      Claim
	MarkID     int
	Status     Status
	Candidates []int
}

// Disambiguator asks the LLM to pick among candidates, renumbered 1..N in
// the order given, and returns the 1-based choice the model made. The
// implementations in this module send the numbered list as text; none
// draws an overlay or sends a screenshot.
type Disambiguator func(text string, candidates []snapshot.ElementMark) (choice int, err error)

const maxDisambiguationRetries = 2

// normalizeText applies NFKC normalization and collapses internal
// whitespace, so visually-identical text compares equal regardless of
// source encoding quirks or incidental whitespace differences.
func normalizeText(s string) string {
	s = norm.NFKC.String(s)
	fields := strings.Fields(s)
	return strings.ToLower(strings.Join(fields, " "))
}

// bracketSeparators are tried in order, first match wins, mirroring
// _llm_text_variants's `for sep in ["（", "("]`.
var bracketSeparators = []string{"（", "("}

// textVariants returns claimed plus every truncation variant worth trying
// against an element's text: the ellipsis-stripped prefix and the
// bracket-stripped prefix, in that order, deduplicated. A claim like
// "Foo (translated)" or "Foo（翻译）" is reported by vision models with the
// parenthetical annotation trimmed from the actual page text, so the
// bracket-split prefix is tried the same way the ellipsis prefix is.
func textVariants(claimed string) []string {
	variants := []string{claimed}
	for _, marker := range []string{"...", "…"} {
		if strings.HasSuffix(claimed, marker) {
			variants = append(variants, strings.TrimSuffix(claimed, marker))
			break
		}
	}
	for _, sep := range bracketSeparators {
		if idx := strings.Index(claimed, sep); idx >= 0 {
			if prefix := strings.TrimSpace(claimed[:idx]); prefix != "" {
				variants = append(variants, prefix)
			}
			break
		}
	}

	seen := make(map[string]bool, len(variants))
	out := variants[:0]
	for _, v := range variants {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// matchVariant applies the short-exact/long-containment rule a single
// (claimed, effective) pair must satisfy.
func matchVariant(claimed, effective string) bool {
	if claimed == "" || effective == "" {
		return false
	}
	if claimed == effective {
		return true
	}
	// Short claims (<=2 codepoints) must match exactly to avoid false
	// containment matches against unrelated short labels; longer claims may
	// match as a substring of a longer effective text (or vice versa).
	const shortCodepoints = 2
	if utf8.RuneCountInString(claimed) <= shortCodepoints || utf8.RuneCountInString(effective) <= shortCodepoints {
		return false
	}
	return strings.Contains(effective, claimed) || strings.Contains(claimed, effective)
}

// textMatches reports whether claimed matches an element's effective text,
// trying claimed verbatim and its ellipsis/bracket-truncated variants in
// turn so a claim that quotes only part of a long or annotated label still
// resolves.
func textMatches(claimed, effective string) bool {
	effective = normalizeText(effective)
	if effective == "" {
		return false
	}
	for _, variant := range textVariants(claimed) {
		if matchVariant(normalizeText(variant), effective) {
			return true
		}
	}
	return false
}

// ResolveSingle resolves one claim against a snapshot. The claimed mark_id's
// own element is checked first: if its effective text matches the claim, it
// wins immediately as an id_match, short-circuiting the page-wide scan (this
// is what keeps duplicate-label pages like two "view details" links from
// misresolving a correctly-claimed id). Only when that check fails does
// text match take priority over the id: a page-wide scan runs, and if
// exactly one mark's effective text matches, that mark wins even though its
// id differs from the claim. Multiple text matches are reported ambiguous
// for the caller to disambiguate; zero matches report text_not_found.
func ResolveSingle(claim Claim, snap *snapshot.Snapshot) Resolution {
	if claim.MarkID != 0 {
		if m := snap.MarkByID(claim.MarkID); m != nil && textMatches(claim.Text, m.EffectiveText()) {
			return Resolution{Claim: claim, MarkID: claim.MarkID, Status: StatusIDMatch}
		}
	}

	var textMatchIDs []int
	for _, m := range snap.Marks {
		if textMatches(claim.Text, m.EffectiveText()) {
			textMatchIDs = append(textMatchIDs, m.MarkID)
		}
	}

	switch len(textMatchIDs) {
	case 1:
		return Resolution{Claim: claim, MarkID: textMatchIDs[0], Status: StatusTextUnique}
	case 0:
		return Resolution{Claim: claim, Status: StatusTextNotFound}
	default:
		return Resolution{Claim: claim, Status: StatusTextAmbiguous, Candidates: textMatchIDs}
	}
}

// Disambiguate resolves an ambiguous resolution by asking the LLM to choose
// among the candidate marks renumbered 1..N, retrying up to
// maxDisambiguationRetries times on an out-of-range or repeated failure.
func Disambiguate(res Resolution, snap *snapshot.Snapshot, ask Disambiguator) (Resolution, error) {
	if res.Status != StatusTextAmbiguous {
		return res, nil
	}
	candidates := make([]snapshot.ElementMark, 0, len(res.Candidates))
	for _, id := range res.Candidates {
		if m := snap.MarkByID(id); m != nil {
			candidates = append(candidates, *m)
		}
	}
	if len(candidates) == 0 {
		return Resolution{Claim: res.Claim, Status: StatusTextNotFound}, nil
	}

	var lastErr error
	for attempt := 0; attempt <= maxDisambiguationRetries; attempt++ {
		choice, err := ask(res.Claim.Text, candidates)
		if err != nil {
			lastErr = err
			continue
		}
		if choice < 1 || choice > len(candidates) {
			lastErr = fmt.Errorf("resolver: disambiguation choice %d out of range [1,%d]", choice, len(candidates))
			continue
		}
		return Resolution{Claim: res.Claim, MarkID: candidates[choice-1].MarkID, Status: StatusTextUnique}, nil
	}
	return res, autoerr.NewValidation("disambiguate_mark_id", fmt.Sprintf("exhausted retries: %v", lastErr))
}

// ResolveBatch resolves every claim, disambiguating ambiguous ones inline.
// Per spec §4.2, a batch of more than one claim allows partial success: a
// claim that ultimately fails to resolve is dropped rather than aborting
// the whole batch, provided at least one other claim in the batch resolved.
// A single-claim batch that fails to resolve returns an error.
func ResolveBatch(claims []Claim, snap *snapshot.Snapshot, ask Disambiguator) ([]Resolution, error) {
	resolved := make([]Resolution, 0, len(claims))

	for _, c := range claims {
		res := ResolveSingle(c, snap)
		if res.Status == StatusTextAmbiguous {
			var err error
			res, err = Disambiguate(res, snap, ask)
			if err != nil {
				continue
			}
		}
		if res.Status == StatusTextNotFound {
			continue
		}
		resolved = append(resolved, res)
	}

	if len(resolved) == 0 {
		return nil, autoerr.NewValidation("resolve_mark_ids", "no claim in batch resolved to a mark")
	}

	dedup := make(map[int]bool, len(resolved))
	out := resolved[:0]
	for _, r := range resolved {
		if dedup[r.MarkID] {
			continue
		}
		dedup[r.MarkID] = true
		out = append(out, r)
	}
	return out, nil
}
