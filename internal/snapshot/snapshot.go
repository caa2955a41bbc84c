// Package snapshot is the SoM Adaptor: it injects the Set-of-Mark scanner
// script into the page and parses the returned marks into typed
// ElementMarks, each carrying a ranked list of multi-strategy XPath
// candidates.
//
// Adapted from the reference agent's internal/snapshot package, which
// built a single CSS-selector-like `sel` string per element off the CDP
// accessibility tree. This package instead emits the richer
// xpath_candidates shape the pattern synthesizer and text-first resolver
// both need, and leans on the injected script's own xpath generation
// (mirroring the Set-of-Mark injector contract in the external-interfaces
// section) rather than reconstructing selectors from an accessibility
// snapshot.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"

	"github.com/pinkllo/autospider-go/internal/autoerr"
	"github.com/pinkllo/autospider-go/internal/task"
)

// Bbox is an element's bounding box in viewport pixels.
type Bbox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Point is a normalized [0,1] coordinate, used for click-by-coordinate
// fallback.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ElementMark is one numbered, interactive element surfaced by the SoM
// injector.
type ElementMark struct {
	MarkID           int                   `json:"mark_id"`
	Tag              string                `json:"tag"`
	Role             string                `json:"role"`
	Text             string                `json:"text"`
	AriaLabel        string                `json:"aria_label"`
	Placeholder      string                `json:"placeholder"`
	Href             string                `json:"href"`
	InputType        string                `json:"input_type"`
	Bbox             Bbox                  `json:"bbox"`
	CenterNormalized Point                 `json:"center_normalized"`
	XPathCandidates  []task.XPathCandidate `json:"xpath_candidates"`
}

// EffectiveText returns the first non-empty of innerText / aria-label /
// placeholder, per spec §4.2's effective-text precedence (value, then
// title, are folded into Text by the injector script when innerText is
// empty).
func (m ElementMark) EffectiveText() string {
	if m.Text != "" {
		return m.Text
	}
	if m.AriaLabel != "" {
		return m.AriaLabel
	}
	if m.Placeholder != "" {
		return m.Placeholder
	}
	return ""
}

// ScrollInfo describes the page's current scroll position.
type ScrollInfo struct {
	Top          float64 `json:"top"`
	Height       float64 `json:"height"`
	ClientHeight float64 `json:"client_height"`
	CanScrollUp  bool    `json:"can_scroll_up"`
	CanScrollDn  bool    `json:"can_scroll_down"`
	AtTop        bool    `json:"at_top"`
	AtBottom     bool    `json:"at_bottom"`
}

// Snapshot is the page-level result returned by the injector.
type Snapshot struct {
	URL            string        `json:"url"`
	Title          string        `json:"title"`
	ViewportWidth  int           `json:"viewport_width"`
	ViewportHeight int           `json:"viewport_height"`
	Marks          []ElementMark `json:"marks"`
	ScrollInfo     ScrollInfo    `json:"scroll_info"`
}

// MarkByID returns the mark with the given id, or nil.
func (s *Snapshot) MarkByID(id int) *ElementMark {
	for i := range s.Marks {
		if s.Marks[i].MarkID == id {
			return &s.Marks[i]
		}
	}
	return nil
}

// somScript is injected into the page. It walks interactive elements
// (links, buttons, inputs, and ARIA-interactive roles), tags each with
// data-som-id, and for every element computes a ranked list of xpath
// candidates using the strategy order the pattern synthesizer expects.
const somScript = `() => {
  function xpathFor(el) {
    const candidates = [];
    const push = (xpath, priority, strategy, confidence) => {
      candidates.push({xpath, priority, strategy, confidence});
    };
    if (el.id) {
      push('//*[@id="' + el.id + '"]', 0, 'id', 0.95);
    }
    const testid = el.getAttribute('data-testid') || el.getAttribute('data-test-id');
    if (testid) {
      push('//*[@data-testid="' + testid + '"]', 1, 'testid', 0.9);
    }
    for (const attr of el.attributes) {
      if (attr.name.startsWith('data-') && attr.name !== 'data-som-id' && attr.value) {
        push('//' + el.tagName.toLowerCase() + '[@' + attr.name + '="' + attr.value + '"]', 5, 'data-attr', 0.6);
        break;
      }
    }
    if (el.className && typeof el.className === 'string') {
      const tok = el.className.trim().split(/\s+/)[0];
      if (tok && tok.length >= 3) {
        push('//' + el.tagName.toLowerCase() + '[contains(@class,"' + tok + '")]', 4, 'class-anchor', 0.5);
      }
    }
    let path = '';
    let node = el;
    while (node && node.nodeType === 1 && node !== document.body) {
      let idx = 1, sib = node.previousElementSibling;
      while (sib) { if (sib.tagName === node.tagName) idx++; sib = sib.previousElementSibling; }
      path = '/' + node.tagName.toLowerCase() + '[' + idx + ']' + path;
      node = node.parentElement;
    }
    push('/html/body' + path, 6, 'absolute', 0.3);
    candidates.sort((a, b) => a.priority - b.priority);
    return candidates;
  }

  const interactiveSel = 'a,button,input,select,textarea,[role=button],[role=link],[role=checkbox],[onclick]';
  const nodes = Array.from(document.querySelectorAll(interactiveSel));
  const marks = [];
  let markId = 1;
  for (const el of nodes) {
    const rect = el.getBoundingClientRect();
    if (rect.width <= 0 || rect.height <= 0) continue;
    const style = window.getComputedStyle(el);
    if (style.visibility === 'hidden' || style.display === 'none') continue;
    el.setAttribute('data-som-id', String(markId));
    marks.push({
      mark_id: markId,
      tag: el.tagName.toLowerCase(),
      role: el.getAttribute('role') || '',
      text: (el.innerText || el.value || el.title || '').trim().slice(0, 200),
      aria_label: el.getAttribute('aria-label') || '',
      placeholder: el.getAttribute('placeholder') || '',
      href: el.getAttribute('href') || '',
      input_type: el.getAttribute('type') || '',
      bbox: {x: rect.x, y: rect.y, w: rect.width, h: rect.height},
      center_normalized: {
        x: (rect.x + rect.width / 2) / window.innerWidth,
        y: (rect.y + rect.height / 2) / window.innerHeight,
      },
      xpath_candidates: xpathFor(el),
    });
    markId++;
  }

  return {
    url: location.href,
    title: document.title,
    viewport_width: window.innerWidth,
    viewport_height: window.innerHeight,
    marks,
    scroll_info: {
      top: window.scrollY,
      height: document.body.scrollHeight,
      client_height: window.innerHeight,
      can_scroll_up: window.scrollY > 0,
      can_scroll_down: window.scrollY + window.innerHeight < document.body.scrollHeight - 1,
      at_top: window.scrollY <= 0,
      at_bottom: window.scrollY + window.innerHeight >= document.body.scrollHeight - 1,
    },
  };
}`

// Capture injects the scanner script and parses the result. Every mark is
// guaranteed at least one xpath candidate (the absolute-path fallback),
// satisfying the spec's invariant; a mark whose injector result somehow
// produced zero candidates is dropped rather than handed downstream.
func Capture(ctx context.Context, page playwright.Page, logger zerolog.Logger) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := page.Evaluate(somScript)
	if err != nil {
		return nil, autoerr.NewBrowser("snapshot.capture", "", err)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("snapshot: marshal injector result: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("snapshot: parse injector result: %w", err)
	}

	kept := snap.Marks[:0]
	for _, m := range snap.Marks {
		if len(m.XPathCandidates) == 0 {
			logger.Debug().Int("mark_id", m.MarkID).Msg("dropping mark with no xpath candidates")
			continue
		}
		kept = append(kept, m)
	}
	snap.Marks = kept
	return &snap, nil
}
