// Package fieldlearn implements the per-field learning loop: for each
// requested field, ask the vision model to point at that field's value on
// a handful of sample detail pages, resolve each claim to a set of xpath
// candidates, fold the samples into one synthesized CommonFieldXPath, and
// re-probe it against a held-out validation sample before trusting it.
//
// Ported from field/field_extractor.py's navigate-then-locate loop and
// field/batch_xpath_extractor.py's cross-page folding step, with the
// per-field LLM locate call modeled as a single structured decision
// instead of the original's multi-step navigation-phase reuse. Field
// values that aren't on an interactive Set-of-Mark element (price, date,
// title, description, ...) fall back to a fuzzy full-HTML text-node search
// independent of the SoM snapshot, per common/utils/fuzzy_search.py.
package fieldlearn

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pinkllo/autospider-go/internal/autoerr"
	"github.com/pinkllo/autospider-go/internal/browser"
	"github.com/pinkllo/autospider-go/internal/fuzzysearch"
	"github.com/pinkllo/autospider-go/internal/llm"
	"github.com/pinkllo/autospider-go/internal/protocol"
	"github.com/pinkllo/autospider-go/internal/resolver"
	"github.com/pinkllo/autospider-go/internal/snapshot"
	"github.com/pinkllo/autospider-go/internal/task"
	"github.com/pinkllo/autospider-go/internal/xpath"
)

// validationPassRatio is spec §4.9's "validated=true requires extracted
// semantically valid values on >=80% of the validation sample".
const validationPassRatio = 0.8

// maxFuzzyDisambiguate bounds how many of a fuzzy search's top matches get
// tried (verify-twice) before giving up, mirroring the original's 10-match
// candidate cap loosely — kept small here since each attempt costs a
// browser round trip rather than a single highlighted screenshot.
const maxFuzzyDisambiguate = 3

// locatedField is what locateField resolves a claim to: enough to fold
// into the xpath synthesizer, independent of whether the match came from
// the SoM snapshot or the raw-HTML fuzzy search.
type locatedField struct {
	Text            string
	XPathCandidates []task.XPathCandidate
}

// Learner drives field-location sampling across a fixed set of sample
// detail page URLs.
type Learner struct {
	ctrl           browser.Controller
	client         llm.Client
	logger         zerolog.Logger
	exploreCount   int
	validateCount  int
	fuzzyThreshold float64
}

func New(ctrl browser.Controller, client llm.Client, logger zerolog.Logger, exploreCount, validateCount int, fuzzyThreshold float64) *Learner {
	if exploreCount < 2 {
		exploreCount = 2
	}
	if fuzzyThreshold <= 0 {
		fuzzyThreshold = 0.8
	}
	return &Learner{ctrl: ctrl, client: client, logger: logger, exploreCount: exploreCount, validateCount: validateCount, fuzzyThreshold: fuzzyThreshold}
}

// Learn samples every field across sampleURLs and returns one synthesized
// CommonFieldXPath per field. A field that could not be located on at
// least two sample pages is returned with an empty XPathPattern and
// Validated=false, rather than dropped, so the caller can decide whether a
// missing optional field is acceptable.
func (l *Learner) Learn(ctx context.Context, fields []task.FieldDefinition, sampleURLs []string) ([]task.CommonFieldXPath, error) {
	synthURLs, validateURLs := splitSamples(sampleURLs, l.exploreCount, l.validateCount)

	out := make([]task.CommonFieldXPath, 0, len(fields))
	for _, f := range fields {
		cfx, err := l.learnOne(ctx, f, synthURLs, validateURLs)
		if err != nil {
			l.logger.Warn().Err(err).Str("field", f.Name).Msg("field learning failed")
			out = append(out, task.CommonFieldXPath{FieldName: f.Name, Required: f.Required})
			continue
		}
		cfx.Required = f.Required
		out = append(out, cfx)
	}
	return out, nil
}

// splitSamples divides the sampled URLs into a synthesis batch (up to
// exploreCount) and a disjoint held-out validation batch (up to
// validateCount), so a field's validated flag reflects a genuine
// confirmatory pass rather than the same pages the pattern was built from.
func splitSamples(urls []string, exploreCount, validateCount int) (synth, validate []string) {
	if len(urls) <= exploreCount {
		return urls, nil
	}
	synth = urls[:exploreCount]
	rest := urls[exploreCount:]
	if validateCount > 0 && len(rest) > validateCount {
		rest = rest[:validateCount]
	}
	return synth, rest
}

func (l *Learner) learnOne(ctx context.Context, field task.FieldDefinition, synthURLs, validateURLs []string) (task.CommonFieldXPath, error) {
	var sources []string
	var perVisit [][]xpath.Candidate

	for _, url := range synthURLs {
		if err := ctx.Err(); err != nil {
			return task.CommonFieldXPath{}, err
		}
		if err := l.ctrl.Navigate(ctx, url); err != nil {
			l.logger.Debug().Err(err).Str("url", url).Msg("navigate failed during field learning")
			continue
		}
		located, err := l.locateField(ctx, field)
		if err != nil {
			l.logger.Debug().Err(err).Str("field", field.Name).Str("url", url).Msg("could not locate field on sample page")
			continue
		}
		if len(located.XPathCandidates) == 0 {
			continue
		}
		sources = append(sources, located.XPathCandidates[0].XPath)
		cands := make([]xpath.Candidate, 0, len(located.XPathCandidates))
		for _, c := range located.XPathCandidates {
			cands = append(cands, xpath.Candidate{XPath: c.XPath, Strategy: c.Strategy})
		}
		perVisit = append(perVisit, cands)
	}

	if len(sources) < 2 {
		return task.CommonFieldXPath{FieldName: field.Name}, autoerr.NewValidation("learn_field",
			fmt.Sprintf("field %q located on only %d of %d sample pages", field.Name, len(sources), len(synthURLs)))
	}

	result, err := xpath.Synthesize(sources, perVisit, l.llmFallback(ctx, field))
	if err != nil {
		return task.CommonFieldXPath{FieldName: field.Name}, err
	}
	result.FieldName = field.Name
	if result.XPathPattern != "" {
		result.Validated = l.validateSample(ctx, field, result.XPathPattern, validateURLs)
	}
	return result, nil
}

// validateSample re-probes pattern against a held-out sample of detail
// pages distinct from the synthesis batch, requiring a semantically valid
// value on at least validationPassRatio of them before Validated is set,
// per spec's ">=80% of the validation sample" contract. With no held-out
// sample available (too few URLs collected yet), it conservatively reports
// unvalidated rather than fabricating a pass.
func (l *Learner) validateSample(ctx context.Context, field task.FieldDefinition, pattern string, validateURLs []string) bool {
	if len(validateURLs) == 0 {
		return false
	}
	passed := 0
	for _, url := range validateURLs {
		if err := ctx.Err(); err != nil {
			return false
		}
		if err := l.ctrl.Navigate(ctx, url); err != nil {
			continue
		}
		values, _, count, err := l.ctrl.ReadXPathAll(ctx, pattern, 1, attrsForDataType(field.DataType))
		if err != nil || count == 0 || count > verifyMaxCount {
			continue
		}
		if len(values) > 0 && isSemanticallyValid(values[0], field.DataType) {
			passed++
		}
	}
	return float64(passed)/float64(len(validateURLs)) >= validationPassRatio
}

// Locate asks the model to find field's value on the currently loaded page
// without synthesizing or updating a CommonFieldXPath, for the per-page
// self-healing path the Extractor falls back to when a required field's
// synthesized xpath misses or returns empty on a given detail page.
func (l *Learner) Locate(ctx context.Context, field task.FieldDefinition) (string, error) {
	located, err := l.locateField(ctx, field)
	if err != nil {
		return "", err
	}
	return located.Text, nil
}

// locateField asks the model to identify the element carrying field's
// value on the currently loaded page, then resolves its claim. It tries
// the Set-of-Mark interactive snapshot first (cheap, and correct for
// fields that genuinely are links/buttons), and falls back to a fuzzy
// full-HTML text-node search — independent of the interactive mark list —
// for the common case of a field value that isn't an interactive element
// at all. Either path's candidate xpath must pass the verify-twice gate
// before it is accepted.
func (l *Learner) locateField(ctx context.Context, field task.FieldDefinition) (*locatedField, error) {
	snap, err := snapshot.Capture(ctx, l.ctrl.Page(), l.logger)
	if err != nil {
		return nil, err
	}
	shot, err := l.ctrl.Page().Screenshot()
	if err != nil {
		return nil, autoerr.NewBrowser("screenshot", "", err)
	}

	prompt := fmt.Sprintf(
		"Find the element on this page whose text is the value of the field %q (%s). "+
			"Reply as JSON: {\"action\":\"locate\",\"args\":{\"field_name\":%q,\"field_text\":\"<verbatim visible text>\",\"mark_id\":<int or 0 if unsure>}}.",
		field.Name, field.Description, field.Name,
	)
	resp, err := l.client.Generate(ctx, llm.Request{
		Messages:    []llm.Message{{Role: "user", Text: prompt, Images: [][]byte{shot}}},
		Temperature: 0,
		MaxTokens:   512,
	})
	if err != nil {
		return nil, autoerr.NewLLM("locate_field", err, "")
	}
	msg, err := protocol.ParseProtocolMessage(resp.Text)
	if err != nil {
		return nil, err
	}
	fieldText, _ := msg.Args["field_text"].(string)
	if fieldText == "" {
		return nil, autoerr.NewValidation("locate_field", "model did not report field_text")
	}
	var markID int
	if v, ok := msg.Args["mark_id"].(float64); ok {
		markID = int(v)
	}

	if mark := l.resolveOnSnapshot(ctx, field, snap, markID, fieldText); mark != nil {
		return mark, nil
	}
	return l.locateByFuzzySearch(ctx, field, fieldText)
}

// resolveOnSnapshot tries the mark-based resolution path: the claim is
// matched against the snapshot's interactive marks, and the winning mark's
// own xpath must independently pass the verify-twice gate.
func (l *Learner) resolveOnSnapshot(ctx context.Context, field task.FieldDefinition, snap *snapshot.Snapshot, markID int, fieldText string) *locatedField {
	res := resolver.ResolveSingle(resolver.Claim{MarkID: markID, Text: fieldText}, snap)
	if res.Status == resolver.StatusTextAmbiguous {
		var err error
		res, err = resolver.Disambiguate(res, snap, l.disambiguator(ctx))
		if err != nil {
			return nil
		}
	}
	if res.Status == resolver.StatusTextNotFound {
		return nil
	}
	mark := snap.MarkByID(res.MarkID)
	if mark == nil || len(mark.XPathCandidates) == 0 {
		return nil
	}
	if !l.verifyTwice(ctx, mark.XPathCandidates[0].XPath, field.DataType, fieldText) {
		return nil
	}
	return &locatedField{Text: mark.EffectiveText(), XPathCandidates: mark.XPathCandidates}
}

// locateByFuzzySearch walks the page's raw HTML for a text node similar to
// fieldText, independent of the SoM interactive-mark list, per spec §4.9
// step 3. Multiple candidate matches are disambiguated by similarity
// margin, falling back to an LLM choice among the candidate texts; each
// candidate considered must still pass verify-twice before being accepted.
func (l *Learner) locateByFuzzySearch(ctx context.Context, field task.FieldDefinition, fieldText string) (*locatedField, error) {
	html, err := l.ctrl.Page().Content()
	if err != nil {
		return nil, autoerr.NewBrowser("page_content", "", err)
	}

	var matches []fuzzysearch.Match
	if field.DataType == task.DataTypeURL {
		matches = fuzzysearch.SearchURL(html, fieldText)
	}
	if len(matches) == 0 {
		matches = fuzzysearch.SearchText(html, fieldText, l.fuzzyThreshold)
	}
	if len(matches) == 0 {
		return nil, autoerr.NewValidation("locate_field", "claimed field text not found via fuzzy search")
	}

	ordered := matches
	if len(matches) > 1 && matches[0].Similarity-matches[1].Similarity < 0.05 {
		if chosen, err := l.disambiguateFuzzy(ctx, fieldText, matches); err == nil && chosen > 0 && chosen < len(matches) {
			ordered = append([]fuzzysearch.Match{matches[chosen]}, append(append([]fuzzysearch.Match{}, matches[:chosen]...), matches[chosen+1:]...)...)
		}
	}

	tries := 0
	for _, m := range ordered {
		if tries >= maxFuzzyDisambiguate {
			break
		}
		if len(m.Candidates) == 0 {
			continue
		}
		tries++
		if l.verifyTwice(ctx, m.Candidates[0].XPath, field.DataType, fieldText) {
			return &locatedField{Text: m.Text, XPathCandidates: m.Candidates}, nil
		}
	}
	return nil, autoerr.NewValidation("locate_field", "no fuzzy-matched candidate passed verification")
}

// disambiguateFuzzy asks the model to choose among the top fuzzy matches
// by their text content when no match's similarity clearly dominates,
// since raw-HTML matches (unlike SoM marks) have no renumbered-overlay
// screenshot to show.
func (l *Learner) disambiguateFuzzy(ctx context.Context, fieldText string, matches []fuzzysearch.Match) (int, error) {
	limit := len(matches)
	if limit > 10 {
		limit = 10
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Multiple page elements could be the value of %q. Reply {\"action\":\"select\",\"args\":{\"selected_index\":<1-based index>}} choosing the best match among:\n", fieldText)
	for i, m := range matches[:limit] {
		fmt.Fprintf(&b, "%d. <%s> %q\n", i+1, m.Tag, m.Text)
	}
	resp, err := l.client.Generate(ctx, llm.Request{
		Messages:    []llm.Message{{Role: "user", Text: b.String()}},
		Temperature: 0,
		MaxTokens:   256,
	})
	if err != nil {
		return -1, err
	}
	msg, err := protocol.ParseProtocolMessage(resp.Text)
	if err != nil {
		return -1, err
	}
	v, ok := msg.Args["selected_index"].(float64)
	if !ok || int(v) < 1 || int(v) > limit {
		return -1, autoerr.NewValidation("disambiguate_fuzzy", "missing or out-of-range selected_index")
	}
	return int(v) - 1, nil
}

func (l *Learner) disambiguator(ctx context.Context) resolver.Disambiguator {
	return func(text string, candidates []snapshot.ElementMark) (int, error) {
		prompt := fmt.Sprintf("Multiple elements matched %q. Reply {\"action\":\"select\",\"args\":{\"selected_mark_id\":<1-based index>}} choosing the best match among %d candidates.", text, len(candidates))
		resp, err := l.client.Generate(ctx, llm.Request{
			Messages:    []llm.Message{{Role: "user", Text: prompt}},
			Temperature: 0,
			MaxTokens:   256,
		})
		if err != nil {
			return 0, err
		}
		msg, err := protocol.ParseProtocolMessage(resp.Text)
		if err != nil {
			return 0, err
		}
		v, ok := msg.Args["selected_mark_id"].(float64)
		if !ok {
			return 0, autoerr.NewValidation("disambiguate_field", "missing selected_mark_id")
		}
		return int(v), nil
	}
}

// llmFallback asks the model to propose a common xpath directly when the
// rule-based synthesizer cascade produces nothing usable, per spec §4.3's
// last-resort step.
func (l *Learner) llmFallback(ctx context.Context, field task.FieldDefinition) xpath.LLMFallback {
	return func(sourceXPaths []string) (string, error) {
		prompt := fmt.Sprintf(
			"These are xpaths pointing at the field %q on different pages of the same site template:\n%v\n"+
				"Reply {\"action\":\"propose\",\"args\":{\"xpath\":\"<a single xpath that would match the field on a new page of this template>\"}}.",
			field.Name, sourceXPaths,
		)
		resp, err := l.client.Generate(ctx, llm.Request{
			Messages:    []llm.Message{{Role: "user", Text: prompt}},
			Temperature: 0,
			MaxTokens:   512,
		})
		if err != nil {
			return "", err
		}
		msg, err := protocol.ParseProtocolMessage(resp.Text)
		if err != nil {
			return "", err
		}
		xp, _ := msg.Args["xpath"].(string)
		return xp, nil
	}
}
