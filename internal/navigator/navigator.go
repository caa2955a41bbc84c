// Package navigator drives one vision-LLM decision step: capture a
// Set-of-Mark snapshot, ask the model what to do next, resolve whatever
// mark_id it claims against the snapshot's text, execute the resulting
// action, and record the outcome as a NavStep.
//
// Adapted from an email-triage agent's step-loop skeleton, generalized
// from its fixed decision shape to the crawler's list/detail/field
// navigation decisions and wired through the protocol/resolver/action
// packages instead of inline JSON handling.
package navigator

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/pinkllo/autospider-go/internal/action"
	"github.com/pinkllo/autospider-go/internal/autoerr"
	"github.com/pinkllo/autospider-go/internal/browser"
	"github.com/pinkllo/autospider-go/internal/llm"
	"github.com/pinkllo/autospider-go/internal/protocol"
	"github.com/pinkllo/autospider-go/internal/resolver"
	"github.com/pinkllo/autospider-go/internal/snapshot"
	"github.com/pinkllo/autospider-go/internal/task"
)

// Goal tells the navigator what kind of decision to ask the model for.
// Each stage (explore/collect/field-learn) drives the same step loop with
// a different goal prompt and stop condition.
type Goal struct {
	SystemPrompt string
	// StopWhen inspects the decided Action and the snapshot it was taken
	// against, returning true when the step loop should end successfully.
	StopWhen func(act task.Action, snap *snapshot.Snapshot) bool
}

// StepOutcome is one completed iteration of the loop.
type StepOutcome struct {
	Step     int
	Snapshot *snapshot.Snapshot
	Decision task.Action
	NavStep  task.NavStep
	Done     bool
}

// Navigator runs the capture-decide-resolve-execute loop against one
// browser controller.
type Navigator struct {
	ctrl     browser.Controller
	client   llm.Client
	logger   zerolog.Logger
	maxSteps int
	maxFails int
}

func New(ctrl browser.Controller, client llm.Client, logger zerolog.Logger, maxSteps, maxFails int) *Navigator {
	if maxSteps <= 0 {
		maxSteps = 20
	}
	if maxFails <= 0 {
		maxFails = 3
	}
	return &Navigator{ctrl: ctrl, client: client, logger: logger, maxSteps: maxSteps, maxFails: maxFails}
}

// Run drives the loop until Goal.StopWhen reports true, the step budget is
// exhausted, or consecutive failures reach maxFails. It returns every
// NavStep taken, so the caller can assemble a CollectionConfig or abandon
// a dead-end path.
func (n *Navigator) Run(ctx context.Context, goal Goal) ([]task.NavStep, error) {
	var steps []task.NavStep
	fails := 0
	var stepErrs error

	for i := 1; i <= n.maxSteps; i++ {
		if err := ctx.Err(); err != nil {
			return steps, err
		}

		outcome, err := n.step(ctx, goal, i)
		if err != nil {
			fails++
			stepErrs = multierr.Append(stepErrs, fmt.Errorf("step %d: %w", i, err))
			n.logger.Warn().Err(err).Int("step", i).Int("fails", fails).Msg("navigator step failed")
			if fails >= n.maxFails {
				return steps, autoerr.NewValidation("navigator_run", fmt.Sprintf("exceeded max failures (%d) at step %d: %v", n.maxFails, i, stepErrs))
			}
			continue
		}
		fails = 0
		steps = append(steps, outcome.NavStep)
		if outcome.Done {
			return steps, nil
		}
	}
	return steps, autoerr.NewValidation("navigator_run", fmt.Sprintf("exhausted %d steps without reaching goal", n.maxSteps))
}

func (n *Navigator) step(ctx context.Context, goal Goal, stepIdx int) (StepOutcome, error) {
	snap, err := snapshot.Capture(ctx, n.ctrl.Page(), n.logger)
	if err != nil {
		return StepOutcome{}, err
	}

	shot, err := n.ctrl.Page().Screenshot()
	if err != nil {
		return StepOutcome{}, autoerr.NewBrowser("screenshot", "", err)
	}

	req := llm.Request{
		System: goal.SystemPrompt,
		Messages: []llm.Message{{
			Role:   "user",
			Text:   describeSnapshot(snap),
			Images: [][]byte{shot},
		}},
		Temperature: 0.1,
		MaxTokens:   2048,
	}

	resp, err := n.client.Generate(ctx, req)
	if err != nil {
		return StepOutcome{}, autoerr.NewLLM("navigator_decision", err, "")
	}

	msg, err := protocol.ParseProtocolMessage(resp.Text)
	if err != nil {
		return StepOutcome{}, err
	}
	if err := protocol.Validate(protocol.SchemaDecision, map[string]any{"action": msg.Action, "args": msg.Args}); err != nil {
		n.logger.Debug().Err(err).Msg("decision failed schema validation, proceeding best-effort")
	}

	act := decisionToAction(msg)

	var mark *snapshot.ElementMark
	if act.Kind == task.ActionClick || act.Kind == task.ActionType || act.Kind == task.ActionExtract || act.Kind == task.ActionPress {
		claim := resolver.Claim{MarkID: act.MarkID, Text: act.TargetText}
		res := resolver.ResolveSingle(claim, snap)
		if res.Status == resolver.StatusTextAmbiguous {
			res, err = resolver.Disambiguate(res, snap, n.disambiguateViaLLM(ctx, goal))
			if err != nil {
				return StepOutcome{}, err
			}
		}
		if res.Status == resolver.StatusTextNotFound {
			return StepOutcome{}, autoerr.NewValidation("resolve_mark_id", fmt.Sprintf("no element matched claimed text %q", act.TargetText))
		}
		mark = snap.MarkByID(res.MarkID)
		act.MarkID = res.MarkID
	}

	res, err := action.Execute(ctx, n.ctrl, act, mark)
	navStep := task.NavStep{
		Action:          act,
		ClickedText:     res.ClickedText,
		XPathCandidates: res.XPathCandidates,
		ResultURL:       n.ctrl.CurrentURL(),
		Success:         err == nil,
	}
	if err != nil {
		return StepOutcome{Step: stepIdx, Snapshot: snap, Decision: act, NavStep: navStep}, err
	}

	done := res.Done || (goal.StopWhen != nil && goal.StopWhen(act, snap))
	return StepOutcome{Step: stepIdx, Snapshot: snap, Decision: act, NavStep: navStep, Done: done}, nil
}

// disambiguateViaLLM builds a resolver.Disambiguator that asks the same
// vision client to choose among the candidates, sent as a text list
// renumbered 1..N, per spec §4.2's disambiguation round trip. No overlay
// is drawn and no screenshot is sent with this request.
func (n *Navigator) disambiguateViaLLM(ctx context.Context, goal Goal) resolver.Disambiguator {
	return func(text string, candidates []snapshot.ElementMark) (int, error) {
		var b strings.Builder
		fmt.Fprintf(&b, "Multiple elements matched the text %q. Reply with the JSON {\"action\":\"select\",\"args\":{\"selected_mark_id\":<1-based index>}} choosing the single best match among:\n", text)
		for i, c := range candidates {
			fmt.Fprintf(&b, "%d. %s (%s)\n", i+1, c.EffectiveText(), c.Tag)
		}
		resp, err := n.client.Generate(ctx, llm.Request{
			System:      goal.SystemPrompt,
			Messages:    []llm.Message{{Role: "user", Text: b.String()}},
			Temperature: 0,
			MaxTokens:   512,
		})
		if err != nil {
			return 0, err
		}
		msg, err := protocol.ParseProtocolMessage(resp.Text)
		if err != nil {
			return 0, err
		}
		idx, ok := msg.Args["selected_mark_id"]
		if !ok {
			return 0, autoerr.NewValidation("disambiguate_via_llm", "response missing selected_mark_id")
		}
		f, ok := idx.(float64)
		if !ok {
			return 0, autoerr.NewValidation("disambiguate_via_llm", "selected_mark_id not a number")
		}
		return int(f), nil
	}
}

// decisionToAction maps a parsed protocol message onto the Action sum
// type, pulling only the fields relevant to the declared kind.
func decisionToAction(msg protocol.ProtocolMessage) task.Action {
	act := task.Action{Kind: task.ActionKind(msg.Action)}
	if v, ok := msg.Args["mark_id"].(float64); ok {
		act.MarkID = int(v)
	}
	if v, ok := msg.Args["target_text"].(string); ok {
		act.TargetText = v
	}
	if v, ok := msg.Args["text"].(string); ok {
		act.Text = v
	}
	if v, ok := msg.Args["confirm_key"].(string); ok {
		act.ConfirmKey = v
	}
	if v, ok := msg.Args["direction"].(string); ok {
		act.Direction = v
	}
	if v, ok := msg.Args["distance"].(float64); ok {
		act.Distance = int(v)
	}
	if v, ok := msg.Args["url"].(string); ok {
		act.URL = v
	}
	if v, ok := msg.Args["reasoning"].(string); ok {
		act.Reason = v
	}
	return act
}

// describeSnapshot renders a compact textual index of the snapshot's marks
// alongside the screenshot, mirroring the original's numbered-element
// summary so the model can cross-reference marks with what it sees.
func describeSnapshot(snap *snapshot.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "URL: %s\nTitle: %s\n", snap.URL, snap.Title)
	if snap.ScrollInfo.CanScrollDn {
		b.WriteString("More content below the fold.\n")
	}
	b.WriteString("Marked elements:\n")
	limit := len(snap.Marks)
	if limit > 60 {
		limit = 60
	}
	for _, m := range snap.Marks[:limit] {
		fmt.Fprintf(&b, "[%d] <%s> %q\n", m.MarkID, m.Tag, m.EffectiveText())
	}
	return b.String()
}
