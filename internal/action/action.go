// Package action executes a task.Action against the browser, implementing
// the Priority Fallback element-resolution rule from spec §4.1: try each
// ranked xpath candidate in turn, accept the first one the browser action
// succeeds on, and fall back to the injected data-som-id attribute when
// every xpath candidate fails. The browser acts on the first element an
// xpath matches; an xpath matching several elements is not rejected.
//
// Grounded on the reference agent's internal/tools/toolbox.go Invoke()
// dispatch, generalized from its fixed tool-name switch to task.Action's
// Kind-tagged sum type.
package action

import (
	"context"
	"fmt"
	"time"

	"github.com/pinkllo/autospider-go/internal/autoerr"
	"github.com/pinkllo/autospider-go/internal/browser"
	"github.com/pinkllo/autospider-go/internal/snapshot"
	"github.com/pinkllo/autospider-go/internal/task"
)

// Result is what executing one Action produced, enough to build a NavStep.
type Result struct {
	ClickedText     string
	XPathCandidates []task.XPathCandidate
	ResultURL       string
	OpenedNewTab    bool
	ReadText        string
	Done            bool
}

// Resolve implements the priority-fallback order: it returns every
// non-empty xpath in mark.XPathCandidates in rank order, followed by the
// injected data-som-id attribute selector as the last resort, for the
// caller to try in turn.
func Resolve(mark *snapshot.ElementMark) []string {
	if mark == nil {
		return nil
	}
	candidates := make([]string, 0, len(mark.XPathCandidates)+1)
	for _, c := range mark.XPathCandidates {
		if c.XPath != "" {
			candidates = append(candidates, c.XPath)
		}
	}
	candidates = append(candidates, fmt.Sprintf("//*[@data-som-id='%d']", mark.MarkID))
	return candidates
}

// clickWithFallback tries each candidate xpath in order, returning the one
// that succeeded (and whether a new tab was adopted).
func clickWithFallback(ctx context.Context, ctrl browser.Controller, candidates []string, expectNewTab bool) (usedXPath string, newTab bool, err error) {
	var lastErr error
	for _, xp := range candidates {
		if expectNewTab {
			opened, cerr := ctrl.ClickXPathExpectingNewTab(ctx, xp)
			if cerr == nil {
				return xp, opened, nil
			}
			lastErr = cerr
			continue
		}
		if cerr := ctrl.ClickXPath(ctx, xp); cerr == nil {
			return xp, false, nil
		} else {
			lastErr = cerr
		}
	}
	return "", false, autoerr.NewBrowser("click_with_fallback", "", lastErr)
}

// Execute runs act against ctrl. mark is the resolved element for actions
// that target one (click/type/press/extract), and may be nil for
// page-level actions (scroll/navigate/wait/go_back/go_back_tab/done/retry).
func Execute(ctx context.Context, ctrl browser.Controller, act task.Action, mark *snapshot.ElementMark) (Result, error) {
	switch act.Kind {
	case task.ActionClick:
		candidates := Resolve(mark)
		xp, newTab, err := clickWithFallback(ctx, ctrl, candidates, true)
		if err != nil {
			return Result{}, err
		}
		res := Result{ClickedText: act.TargetText, ResultURL: ctrl.CurrentURL(), OpenedNewTab: newTab}
		res.XPathCandidates = candidatesToTyped(mark, xp)
		return res, nil

	case task.ActionType:
		candidates := Resolve(mark)
		var lastErr error
		for _, xp := range candidates {
			if err := ctrl.Fill(ctx, xp, act.Text); err == nil {
				res := Result{XPathCandidates: candidatesToTyped(mark, xp)}
				key := act.ConfirmKey
				if key == "" {
					key = ConfirmKeyFor(mark)
				}
				if key != "" {
					// Best-effort: a confirm key that fails to dispatch
					// shouldn't fail the fill it followed.
					_ = ctrl.Press(ctx, xp, key)
				}
				return res, nil
			} else {
				lastErr = err
			}
		}
		return Result{}, autoerr.NewBrowser("type", "", lastErr)

	case task.ActionPress:
		key := act.ConfirmKey
		if key == "" {
			key = ConfirmKeyFor(mark)
		}
		if key == "" {
			key = "Enter"
		}
		candidates := Resolve(mark)
		var lastErr error
		for _, xp := range candidates {
			if err := ctrl.Press(ctx, xp, key); err == nil {
				return Result{XPathCandidates: candidatesToTyped(mark, xp)}, nil
			} else {
				lastErr = err
			}
		}
		return Result{}, autoerr.NewBrowser("press", "", lastErr)

	case task.ActionScroll:
		distance := act.Distance
		if err := ctrl.Scroll(ctx, act.Direction, distance); err != nil {
			return Result{}, err
		}
		return Result{}, nil

	case task.ActionNavigate:
		if err := ctrl.Navigate(ctx, act.URL); err != nil {
			return Result{}, err
		}
		return Result{ResultURL: ctrl.CurrentURL()}, nil

	case task.ActionWait:
		timeout := time.Duration(act.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(timeout):
		}
		return Result{}, nil

	case task.ActionExtract:
		candidates := Resolve(mark)
		var lastErr error
		for _, xp := range candidates {
			text, err := ctrl.ReadXPath(ctx, xp)
			if err == nil {
				typed := candidatesToTyped(mark, xp)
				if mark != nil && mark.Tag == "th" {
					// ReadXPath already read the adjacent <td>; record
					// xpaths that point at that cell too.
					for i := range typed {
						typed[i].XPath += "/following-sibling::td[1]"
					}
				}
				return Result{ReadText: text, XPathCandidates: typed}, nil
			}
			lastErr = err
		}
		return Result{}, autoerr.NewBrowser("extract", "", lastErr)

	case task.ActionGoBack:
		if err := ctrl.GoBack(ctx); err != nil {
			return Result{}, err
		}
		return Result{ResultURL: ctrl.CurrentURL()}, nil

	case task.ActionGoBackTab:
		if err := ctrl.GoBackTab(ctx); err != nil {
			return Result{}, err
		}
		return Result{ResultURL: ctrl.CurrentURL()}, nil

	case task.ActionDone:
		return Result{Done: true}, nil

	case task.ActionRetry:
		return Result{}, nil

	default:
		return Result{}, autoerr.NewValidation("execute_action", "unknown action kind "+string(act.Kind))
	}
}

// candidatesToTyped re-ranks mark's xpath candidates so the one that
// actually resolved (used) sorts first, for the NavStep replay record.
func candidatesToTyped(mark *snapshot.ElementMark, used string) []task.XPathCandidate {
	if mark == nil {
		return []task.XPathCandidate{{XPath: used, Priority: 0, Strategy: task.StrategyAbsolute, Confidence: 0.3}}
	}
	out := make([]task.XPathCandidate, 0, len(mark.XPathCandidates))
	for _, c := range mark.XPathCandidates {
		if c.XPath == used {
			out = append([]task.XPathCandidate{c}, out...)
		} else {
			out = append(out, c)
		}
	}
	return out
}

// ConfirmKeyFor infers whether a type action should be followed by a
// confirm keypress, based on the target's input type — a thin mirror of
// the original's heuristic that search/url inputs most often submit on
// Enter while free-text fields usually don't need it.
func ConfirmKeyFor(mark *snapshot.ElementMark) string {
	if mark == nil {
		return ""
	}
	switch mark.InputType {
	case "search", "url":
		return "Enter"
	default:
		return ""
	}
}
