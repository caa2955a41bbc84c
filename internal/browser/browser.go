// Package browser owns the Playwright lifecycle and exposes the small set
// of page actions the Action Executor needs: navigation, xpath-based click
// and fill, scrolling, tab management, and state capture. Adapted from the
// reference agent's internal/browser package with the email-client-specific
// helpers (fuzzy text click, email-element waits) dropped and xpath-first,
// new-tab-aware actions added in their place.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/pinkllo/autospider-go/internal/autoerr"
)

const (
	defaultNavTimeout = 30 * time.Second
	defaultActionTime = 10 * time.Second
	newTabGrace       = 3 * time.Second
)

// Controller exposes the browser actions one crawler worker needs against
// a single page/tab stack.
type Controller interface {
	Close(ctx context.Context) error
	Navigate(ctx context.Context, url string) error
	ClickXPath(ctx context.Context, xpath string) error
	// ClickXPathExpectingNewTab clicks xpath and, if the click opens a new
	// tab within newTabGrace, adopts that tab as the active page and
	// returns true. Otherwise the original page remains active.
	ClickXPathExpectingNewTab(ctx context.Context, xpath string) (newTab bool, err error)
	ClickByCoordinates(ctx context.Context, x, y float64) error
	Fill(ctx context.Context, xpath, text string) error
	// Press dispatches a keyboard key (e.g. "Enter") at the element xpath
	// resolves to, for confirm-key submission after a fill.
	Press(ctx context.Context, xpath, key string) error
	// ReadXPath returns the element's inner text; when the xpath resolves
	// to a <th>, it returns the text of that header cell's next <td>
	// sibling instead.
	ReadXPath(ctx context.Context, xpath string) (string, error)
	// ReadXPathAll reads up to maxSamples elements xpath resolves to,
	// trying attrs (e.g. href/src/data-href) before falling back to inner
	// text, and reports each sampled node's lowercase tag name alongside
	// its value and the total number of elements xpath matched (which may
	// exceed maxSamples). Used for url-type field extraction and for the
	// field-learning verify-twice gate's multi-node sampling.
	ReadXPathAll(ctx context.Context, xpath string, maxSamples int, attrs []string) (values []string, tags []string, count int, err error)
	Scroll(ctx context.Context, direction string, distance int) error
	WaitFor(ctx context.Context, xpath string, timeout time.Duration) error
	// GoBack navigates the active tab's history back one entry.
	GoBack(ctx context.Context) error
	// GoBackTab closes the active tab (if it was adopted via
	// ClickXPathExpectingNewTab) and restores the previous tab on the
	// controller's own tab stack as active; Page.Opener() is not consulted.
	GoBackTab(ctx context.Context) error
	SaveState(ctx context.Context, path string) error
	CurrentURL() string
	Page() playwright.Page
}

// Launcher owns the shared playwright/browser process.
type Launcher struct {
	pw       *playwright.Playwright
	browser  playwright.Browser
	headless bool
}

func NewLauncher(ctx context.Context, headless bool) (*Launcher, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(headless),
		Args: []string{
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	return &Launcher{pw: pw, browser: browser, headless: headless}, nil
}

func (l *Launcher) NewController(ctx context.Context, storagePath string) (Controller, error) {
	opts := playwright.BrowserNewContextOptions{
		IgnoreHttpsErrors: playwright.Bool(true),
	}
	if strings.TrimSpace(storagePath) != "" {
		opts.StorageStatePath = playwright.String(storagePath)
	}
	bctx, err := l.browser.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("new context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}
	page.SetDefaultTimeout(float64(defaultNavTimeout.Milliseconds()))
	return &controller{context: bctx, pages: []playwright.Page{page}}, nil
}

func (l *Launcher) Close() error {
	if l.browser != nil {
		_ = l.browser.Close()
	}
	if l.pw != nil {
		return l.pw.Stop()
	}
	return nil
}

// controller tracks a stack of tabs so ClickXPathExpectingNewTab /
// GoBackTab can adopt and release tabs as the Navigator explores.
type controller struct {
	context playwright.BrowserContext
	pages   []playwright.Page
}

func (c *controller) page() playwright.Page { return c.pages[len(c.pages)-1] }

func (c *controller) Page() playwright.Page { return c.page() }

func (c *controller) CurrentURL() string { return c.page().URL() }

func (c *controller) Close(ctx context.Context) error {
	_ = ctx
	for _, p := range c.pages {
		_ = p.Close()
	}
	return c.context.Close()
}

func (c *controller) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.page().Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   playwright.Float(float64(defaultNavTimeout.Milliseconds())),
	})
	return wrap("navigate", url, err)
}

func (c *controller) locatorFor(xpath string) playwright.Locator {
	if !strings.HasPrefix(xpath, "xpath=") && !strings.HasPrefix(xpath, "/") {
		xpath = "xpath=" + xpath
	} else if strings.HasPrefix(xpath, "/") {
		xpath = "xpath=" + xpath
	}
	return c.page().Locator(xpath).First()
}

func (c *controller) ClickXPath(ctx context.Context, xpath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	loc := c.locatorFor(xpath)
	if err := loc.WaitFor(playwright.LocatorWaitForOptions{State: playwright.WaitForSelectorStateVisible}); err != nil {
		return wrap("click", xpath, err)
	}
	_ = loc.ScrollIntoViewIfNeeded()
	return wrap("click", xpath, loc.Click())
}

func (c *controller) ClickXPathExpectingNewTab(ctx context.Context, xpath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	popupChan := make(chan playwright.Page, 1)
	c.context.OnPage(func(p playwright.Page) {
		select {
		case popupChan <- p:
		default:
		}
	})

	if err := c.ClickXPath(ctx, xpath); err != nil {
		return false, err
	}

	select {
	case popup := <-popupChan:
		if err := popup.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
			State:   playwright.LoadStateLoad,
			Timeout: playwright.Float(float64(defaultNavTimeout.Milliseconds())),
		}); err != nil {
			_ = popup.Close()
			return false, nil
		}
		popup.SetDefaultTimeout(float64(defaultNavTimeout.Milliseconds()))
		c.pages = append(c.pages, popup)
		return true, nil
	case <-time.After(newTabGrace):
		return false, nil
	}
}

func (c *controller) ClickByCoordinates(ctx context.Context, x, y float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap("click_coords", "", c.page().Mouse().Click(x, y))
}

func (c *controller) Fill(ctx context.Context, xpath, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	loc := c.locatorFor(xpath)
	if err := loc.WaitFor(playwright.LocatorWaitForOptions{State: playwright.WaitForSelectorStateVisible}); err != nil {
		return wrap("fill", xpath, err)
	}
	return wrap("fill", xpath, loc.Fill(text))
}

func (c *controller) Press(ctx context.Context, xpath, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(key) == "" {
		return nil
	}
	loc := c.locatorFor(xpath)
	if err := loc.WaitFor(playwright.LocatorWaitForOptions{State: playwright.WaitForSelectorStateVisible}); err != nil {
		return wrap("press", xpath, err)
	}
	return wrap("press", xpath, loc.Press(key))
}

// thToTDScript rewrites a resolved node's reading so a <th> cell's text is
// read identically to a <td>'s: the field extractor's synthesized xpaths
// target whichever of the two a pattern matched first during exploration,
// and detail pages are free to render the same field as either. When the
// resolved node is a <th>, the value actually lives in the row's adjacent
// <td>, so the read is redirected there instead of returning the header
// label itself.
const thToTDScript = `(el) => {
  if (!el) return '';
  if (el.tagName === 'TH') {
    let sib = el.nextElementSibling;
    while (sib && sib.tagName !== 'TD') sib = sib.nextElementSibling;
    if (sib) return (sib.innerText || sib.textContent || '').trim();
  }
  return (el.innerText || el.textContent || '').trim();
}`

func (c *controller) ReadXPath(ctx context.Context, xpath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(xpath) == "" {
		val, err := c.page().InnerText("body")
		return val, wrap("read", xpath, err)
	}
	loc := c.locatorFor(xpath)
	if err := loc.WaitFor(playwright.LocatorWaitForOptions{State: playwright.WaitForSelectorStateVisible}); err != nil {
		return "", wrap("read", xpath, err)
	}
	raw, err := loc.Evaluate(thToTDScript, nil)
	if err != nil {
		val, ierr := loc.InnerText()
		return val, wrap("read", xpath, ierr)
	}
	text, _ := raw.(string)
	return strings.TrimSpace(text), nil
}

// tagNameScript reads a node's lowercase tag name, used to tell the
// field-learning verify-twice gate whether a sampled match sits on a
// suspiciously interactive-only element (button/a/input/...).
const tagNameScript = `(el) => (el.tagName || '').toLowerCase()`

// ReadXPathAll samples up to maxSamples of the elements xpath matches. For
// each it tries attrs in order (GetAttribute), falling back to the same
// th->td-aware inner-text read ReadXPath uses when no attr value is
// present or attrs is empty. Ported from field_extractor.py's
// _read_xpath_value (attribute-first read for url-type fields) and
// _verify_xpath_once's up-to-6-node sampling.
func (c *controller) ReadXPathAll(ctx context.Context, xpath string, maxSamples int, attrs []string) ([]string, []string, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, 0, err
	}
	if maxSamples <= 0 {
		maxSamples = 1
	}
	loc := c.locatorFor(xpath)
	all := c.page().Locator(xpathSelector(xpath))
	count, err := all.Count()
	if err != nil {
		return nil, nil, 0, wrap("read_all", xpath, err)
	}
	if count == 0 {
		return nil, nil, 0, nil
	}
	if err := loc.WaitFor(playwright.LocatorWaitForOptions{State: playwright.WaitForSelectorStateVisible}); err != nil {
		return nil, nil, count, wrap("read_all", xpath, err)
	}

	samples := count
	if samples > maxSamples {
		samples = maxSamples
	}
	values := make([]string, 0, samples)
	tags := make([]string, 0, samples)
	for i := 0; i < samples; i++ {
		node := all.Nth(i)
		tagRaw, terr := node.Evaluate(tagNameScript, nil)
		tag, _ := tagRaw.(string)
		if terr != nil {
			tag = ""
		}
		tags = append(tags, tag)

		var value string
		for _, attrName := range attrs {
			v, aerr := node.GetAttribute(attrName)
			if aerr == nil && strings.TrimSpace(v) != "" {
				value = strings.TrimSpace(v)
				break
			}
		}
		if value == "" {
			raw, everr := node.Evaluate(thToTDScript, nil)
			if everr == nil {
				text, _ := raw.(string)
				value = strings.TrimSpace(text)
			} else if text, ierr := node.InnerText(); ierr == nil {
				value = strings.TrimSpace(text)
			}
		}
		values = append(values, value)
	}
	return values, tags, count, nil
}

// xpathSelector normalizes xpath the same way locatorFor does, returned
// separately so ReadXPathAll can build a fresh Locator over every match
// rather than the .First()-scoped one locatorFor returns.
func xpathSelector(xp string) string {
	if strings.HasPrefix(xp, "xpath=") {
		return xp
	}
	return "xpath=" + xp
}

func (c *controller) Scroll(ctx context.Context, direction string, distance int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	const defaultScroll = 600
	if distance == 0 {
		distance = defaultScroll
	}
	move := distance
	switch strings.ToLower(direction) {
	case "up":
		move = -distance
	case "top":
		_, err := c.page().Evaluate("window.scrollTo(0,0);")
		return wrap("scroll", "top", err)
	case "bottom":
		_, err := c.page().Evaluate("window.scrollTo(0, document.body.scrollHeight);")
		return wrap("scroll", "bottom", err)
	}
	script := fmt.Sprintf("window.scrollBy(0,%d);", move)
	_, err := c.page().Evaluate(script)
	return wrap("scroll", direction, err)
}

func (c *controller) WaitFor(ctx context.Context, xpath string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = defaultActionTime
	}
	loc := c.locatorFor(xpath)
	return wrap("wait", xpath, loc.WaitFor(playwright.LocatorWaitForOptions{
		Timeout: playwright.Float(timeout.Seconds() * 1000),
		State:   playwright.WaitForSelectorStateVisible,
	}))
}

func (c *controller) GoBack(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.page().GoBack(playwright.PageGoBackOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   playwright.Float(float64(defaultNavTimeout.Milliseconds())),
	})
	return wrap("go_back", "", err)
}

func (c *controller) GoBackTab(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(c.pages) <= 1 {
		return autoerr.NewBrowser("go_back_tab", "", fmt.Errorf("no adopted tab to close"))
	}
	last := c.pages[len(c.pages)-1]
	_ = last.Close()
	c.pages = c.pages[:len(c.pages)-1]
	return nil
}

func (c *controller) SaveState(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	state, err := c.context.StorageState()
	if err != nil {
		return wrap("save_state", path, err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal storage: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func wrap(op, selector string, err error) error {
	if err == nil {
		return nil
	}
	return autoerr.NewBrowser(op, selector, err)
}
