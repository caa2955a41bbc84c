// Package explorer drives the first pipeline phase: navigate to the list
// page, let the navigator apply whatever filtering the task description
// calls for, visit a handful of detail pages, and synthesize the
// CollectionConfig the Collector will replay against every later page.
//
// Ported from crawler/explore/config_generator.py's ConfigGenerator,
// generalized from its Python phase-print script into a typed four-phase
// method sequence: navigate, filter-navigate, sample detail pages,
// synthesize xpaths.
package explorer

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pinkllo/autospider-go/internal/autoerr"
	"github.com/pinkllo/autospider-go/internal/browser"
	"github.com/pinkllo/autospider-go/internal/llm"
	"github.com/pinkllo/autospider-go/internal/navigator"
	"github.com/pinkllo/autospider-go/internal/snapshot"
	"github.com/pinkllo/autospider-go/internal/task"
	"github.com/pinkllo/autospider-go/internal/xpath"
)

const (
	navigationSystemPrompt = "You are operating a web browser to reach the page described by the task. " +
		"Decide one action at a time from: click, type, scroll, wait, done. " +
		"Reply as JSON: {\"action\":\"<kind>\",\"args\":{...},\"thinking\":\"...\"}. " +
		"Use args.mark_id and args.target_text to refer to a marked element; " +
		"target_text must be the element's visible text verbatim. " +
		"Reply action \"done\" once the list shows results matching the task."

	detailSystemPrompt = "You are exploring one list page to find a representative detail page. " +
		"Pick a single result link to open, then reply \"done\" once the detail page has loaded. " +
		"Reply as JSON: {\"action\":\"<kind>\",\"args\":{...}}."
)

// Explorer drives the explore phase for one list URL.
type Explorer struct {
	ctrl   browser.Controller
	client llm.Client
	logger zerolog.Logger
	nav    *navigator.Navigator
}

func New(ctrl browser.Controller, client llm.Client, logger zerolog.Logger, maxSteps, maxFails int) *Explorer {
	return &Explorer{
		ctrl:   ctrl,
		client: client,
		logger: logger,
		nav:    navigator.New(ctrl, client, logger, maxSteps, maxFails),
	}
}

// validationPassRatio mirrors fieldlearn's ">=80% of the validation
// sample" gate, applied here to the synthesized detail-link xpath: a
// held-out batch of freshly sampled detail pages must actually appear
// among the xpath's matches on the list page before it is trusted.
const validationPassRatio = 0.8

// detailValidateSampleSize bounds how many href matches are pulled back
// from the list page when checking the validation sample, generously
// sized since a list page can carry far more than exploreCount links.
const detailValidateSampleSize = 50

var detailURLAttrs = []string{"href"}

// Generate runs the four explore phases and returns the synthesized
// CollectionConfig, or an error if fewer than two detail pages could be
// sampled (too few to synthesize a reliable common xpath). validateCount
// detail pages are sampled as a held-out batch after synthesis to confirm
// the synthesized xpath generalizes, per spec's validation-sample gate;
// a pattern that fails validation is discarded rather than returned.
func (e *Explorer) Generate(ctx context.Context, t task.Task, exploreCount, validateCount int) (task.CollectionConfig, error) {
	if exploreCount < 2 {
		exploreCount = 2
	}

	if err := e.ctrl.Navigate(ctx, t.ListURL); err != nil {
		return task.CollectionConfig{}, err
	}

	navSteps, err := e.runFilterPhase(ctx, t)
	if err != nil {
		e.logger.Warn().Err(err).Msg("navigation/filter phase did not complete, exploring current page as-is")
		navSteps = nil
	}

	listURL := e.ctrl.CurrentURL()

	visits, err := e.sampleDetailPages(ctx, t, exploreCount)
	if err != nil {
		return task.CollectionConfig{}, err
	}
	if len(visits) < 2 {
		return task.CollectionConfig{}, autoerr.NewValidation("explore_generate",
			fmt.Sprintf("only sampled %d detail pages, need at least 2 to synthesize a pattern", len(visits)))
	}

	commonDetailXPath := e.synthesizeDetailXPath(visits)
	if commonDetailXPath != "" && validateCount > 0 {
		if ok := e.validateDetailXPath(ctx, t, listURL, commonDetailXPath, validateCount); !ok {
			e.logger.Warn().Str("xpath", commonDetailXPath).Msg("common detail xpath failed validation sample, discarding")
			commonDetailXPath = ""
		}
	}

	paginationXPath, err := e.detectPaginationXPath(ctx)
	if err != nil {
		e.logger.Debug().Err(err).Msg("no pagination control detected")
	}

	jumpWidget, err := e.detectJumpWidget(ctx)
	if err != nil {
		e.logger.Debug().Err(err).Msg("no jump-to-page widget detected")
	}

	return task.CollectionConfig{
		NavSteps:          navSteps,
		CommonDetailXPath: commonDetailXPath,
		PaginationXPath:   paginationXPath,
		JumpWidgetXPath:   jumpWidget,
		ListURL:           listURL,
		TaskDescription:   t.TaskDescription,
	}, nil
}

// runFilterPhase lets the navigator apply whatever search/filter UI the
// task description calls for, stopping as soon as the model declares the
// list page ready (action "done") or the step budget runs out.
func (e *Explorer) runFilterPhase(ctx context.Context, t task.Task) ([]task.NavStep, error) {
	goal := navigator.Goal{
		SystemPrompt: navigationSystemPrompt + "\nTask: " + t.TaskDescription,
		StopWhen: func(act task.Action, _ *snapshot.Snapshot) bool {
			return act.Kind == task.ActionDone
		},
	}
	return e.nav.Run(ctx, goal)
}

// detailVisit pairs the list page a detail link was opened from with the
// detail page it landed on, for synthesizing a common xpath across
// samples taken from potentially different list pages.
type detailVisit struct {
	listURL   string
	detailURL string
	stepXPath []task.XPathCandidate
}

// sampleDetailPages opens exploreCount distinct detail pages one at a
// time, recording the xpath candidates used to reach each, then returns
// to the list page between samples.
func (e *Explorer) sampleDetailPages(ctx context.Context, t task.Task, exploreCount int) ([]detailVisit, error) {
	var visits []detailVisit
	seen := map[string]bool{}
	listURL := e.ctrl.CurrentURL()

	for len(visits) < exploreCount {
		if err := ctx.Err(); err != nil {
			return visits, err
		}

		goal := navigator.Goal{
			SystemPrompt: detailSystemPrompt + "\nTask: " + t.TaskDescription,
			StopWhen: func(act task.Action, _ *snapshot.Snapshot) bool {
				return act.Kind == task.ActionDone
			},
		}
		steps, err := e.nav.Run(ctx, goal)
		if err != nil || len(steps) == 0 {
			e.logger.Warn().Err(err).Msg("detail sample attempt produced no steps")
			break
		}

		detailURL := e.ctrl.CurrentURL()
		if !seen[detailURL] && detailURL != listURL {
			seen[detailURL] = true
			last := steps[len(steps)-1]
			visits = append(visits, detailVisit{
				listURL:   listURL,
				detailURL: detailURL,
				stepXPath: last.XPathCandidates,
			})
		}

		if err := e.ctrl.Navigate(ctx, listURL); err != nil {
			break
		}
	}
	return visits, nil
}

// synthesizeDetailXPath folds every sampled visit's resolved xpath into a
// single pattern via the pattern synthesizer.
func (e *Explorer) synthesizeDetailXPath(visits []detailVisit) string {
	sources := make([]string, 0, len(visits))
	perVisit := make([][]xpath.Candidate, 0, len(visits))
	for _, v := range visits {
		if len(v.stepXPath) == 0 {
			continue
		}
		sources = append(sources, v.stepXPath[0].XPath)
		cands := make([]xpath.Candidate, 0, len(v.stepXPath))
		for _, c := range v.stepXPath {
			cands = append(cands, xpath.Candidate{XPath: c.XPath, Strategy: c.Strategy})
		}
		perVisit = append(perVisit, cands)
	}
	result, err := xpath.Synthesize(sources, perVisit, nil)
	if err != nil {
		e.logger.Debug().Err(err).Msg("synthesize failed")
		return ""
	}
	return result.XPathPattern
}

// validateDetailXPath samples a fresh, held-out batch of detail pages and
// checks that xp (evaluated against listURL, same as collectPage does)
// actually includes at least validationPassRatio of them among its href
// matches. Returns false on any error, which the caller treats the same
// as a failed validation.
func (e *Explorer) validateDetailXPath(ctx context.Context, t task.Task, listURL, xp string, validateCount int) bool {
	held, err := e.sampleDetailPages(ctx, t, validateCount)
	if err != nil || len(held) == 0 {
		return false
	}
	if err := e.ctrl.Navigate(ctx, listURL); err != nil {
		return false
	}
	values, _, count, err := e.ctrl.ReadXPathAll(ctx, xp, detailValidateSampleSize, detailURLAttrs)
	if err != nil || count == 0 {
		return false
	}
	found := make(map[string]bool, len(values))
	for _, v := range values {
		found[normalizeHref(v)] = true
	}
	passed := 0
	for _, v := range held {
		if found[normalizeHref(v.detailURL)] {
			passed++
		}
	}
	return float64(passed)/float64(len(held)) >= validationPassRatio
}

// normalizeHref compares by path alone so a relative href resolved by the
// browser and an absolute one captured from navigation history still match.
func normalizeHref(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return strings.TrimSuffix(u.Path, "/")
}

// paginationCandidates are ranked text/attribute hints for "next page"
// controls, tried in order against the currently loaded list page.
var paginationCandidates = []string{
	"//a[contains(@class,'next')]",
	"//button[contains(@class,'next')]",
	"//a[contains(text(),'下一页')]",
	"//a[contains(text(),'Next')]",
	"//li[contains(@class,'next')]/a",
}

func (e *Explorer) detectPaginationXPath(ctx context.Context) (string, error) {
	for _, xp := range paginationCandidates {
		if err := e.ctrl.WaitFor(ctx, xp, 0); err == nil {
			return xp, nil
		}
	}
	return "", autoerr.NewValidation("detect_pagination", "no pagination control matched known patterns")
}

// jumpInputCandidates / jumpButtonCandidates are ranked hints for a
// jump-to-page widget's input and confirm button, used by the resume
// coordinator's widget-jump strategy when present.
var (
	jumpInputCandidates  = []string{"//input[contains(@class,'page') and @type='number']", "//input[@name='page']"}
	jumpButtonCandidates = []string{"//button[contains(text(),'GO')]", "//button[contains(text(),'跳转')]", "//button[contains(@class,'jump')]"}
)

func (e *Explorer) detectJumpWidget(ctx context.Context) (*task.JumpWidget, error) {
	var input, button string
	for _, xp := range jumpInputCandidates {
		if err := e.ctrl.WaitFor(ctx, xp, 0); err == nil {
			input = xp
			break
		}
	}
	if input == "" {
		return nil, autoerr.NewValidation("detect_jump_widget", "no jump input found")
	}
	for _, xp := range jumpButtonCandidates {
		if err := e.ctrl.WaitFor(ctx, xp, 0); err == nil {
			button = xp
			break
		}
	}
	if button == "" {
		return nil, autoerr.NewValidation("detect_jump_widget", "no jump confirm button found")
	}
	return &task.JumpWidget{InputXPath: input, ButtonXPath: button}, nil
}

// NormalizeListURL strips pagination query params so resumed runs and
// the URL-pattern resume strategy compare against the same base URL.
func NormalizeListURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	for _, p := range []string{"page", "p", "pageNum", "pageNo", "pn", "offset"} {
		q.Del(p)
	}
	u.RawQuery = q.Encode()
	return strings.TrimSuffix(u.String(), "?")
}
