// Package driver adapts a Playwright-controlled browser to the engine's
// observe/execute contract. It is the reference driver: the engine only ever
// sees window titles, named elements, and screenshots, so a native desktop
// driver can replace this package without touching the loop.
package driver

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"

	"github.com/polzovatel/ai-agent-for-desktop/internal/action"
)

const (
	defaultNavTimeout   = 30 * time.Second
	headlessEnv         = "AGENT_HEADLESS"
	defaultScrollAmount = 600
	maxObservedElements = 50
)

// Launcher owns the playwright lifecycle.
type Launcher struct {
	pw       *playwright.Playwright
	browser  playwright.Browser
	headless bool
}

func NewLauncher(ctx context.Context) (*Launcher, error) {
	_ = ctx
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	headless := parseBoolEnv(headlessEnv, false)
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

// NewDriver opens a fresh browser context and page.
func (l *Launcher) NewDriver(ctx context.Context, logger zerolog.Logger) (*Driver, error) {
	_ = ctx
	bctx, err := l.browser.NewContext(playwright.BrowserNewContextOptions{
		IgnoreHttpsErrors: playwright.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("new context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}
	page.SetDefaultTimeout(float64(defaultNavTimeout.Milliseconds()))
	return &Driver{context: bctx, page: page, logger: logger}, nil
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

// Driver implements action.Observer and action.Executor over one page.
type Driver struct {
	context playwright.BrowserContext
	page    playwright.Page
	logger  zerolog.Logger
}

func (d *Driver) Close(ctx context.Context) error {
	_ = ctx
	if d.page != nil {
		_ = d.page.Close()
	}
	if d.context != nil {
		return d.context.Close()
	}
	return nil
}

// collectScript gathers the interactive elements of the page (and same-origin
// iframes) as name + control type pairs, most relevant first.
const collectScript = `(limit) => {
	const out = [];
	const push = (name, type) => {
		name = (name || "").trim().replace(/\s+/g, " ");
		if (!name || name.length > 120) return;
		out.push({name: name, control_type: type});
	};
	function scan(root) {
		const nodes = root.querySelectorAll(
			"button, a[href], input, select, textarea, [role='button'], [role='link'], " +
			"[role='tab'], [role='menuitem'], [role='checkbox'], [role='option'], [role='slider']");
		for (const n of nodes) {
			if (out.length >= limit) return;
			const rect = n.getBoundingClientRect();
			if (rect.width === 0 || rect.height === 0) continue;
			const role = n.getAttribute("role");
			let type = role || n.tagName.toLowerCase();
			if (type === "a") type = "link";
			if (type === "input") type = n.getAttribute("type") || "input";
			const name = n.getAttribute("aria-label") || n.innerText || n.textContent ||
				n.getAttribute("placeholder") || n.getAttribute("value") || "";
			push(name, type);
		}
	}
	scan(document);
	for (const iframe of document.querySelectorAll("iframe")) {
		if (out.length >= limit) break;
		try {
			const doc = iframe.contentDocument || (iframe.contentWindow && iframe.contentWindow.document);
			if (doc) scan(doc);
		} catch (e) {}
	}
	return out;
}`

// Observe captures the current page as one observation frame. Element
// collection failures degrade to a partial frame instead of erroring out.
func (d *Driver) Observe(ctx context.Context) (action.Observation, error) {
	if err := ctx.Err(); err != nil {
		return action.Observation{}, err
	}

	title, err := d.page.Title()
	if err != nil {
		return action.Observation{}, wrap(err)
	}

	obs := action.Observation{
		WindowTitle: title,
		Timestamp:   time.Now(),
	}

	raw, err := d.page.Evaluate(collectScript, maxObservedElements)
	if err != nil {
		d.logger.Debug().Err(err).Msg("element collection failed, partial observation")
		obs.Partial = true
	} else if items, ok := raw.([]any); ok {
		for _, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			name, _ := m["name"].(string)
			ctype, _ := m["control_type"].(string)
			if name != "" {
				obs.Elements = append(obs.Elements, action.UIElement{Name: name, ControlType: ctype})
			}
		}
	}

	if shot, err := d.page.Screenshot(); err == nil {
		obs.Screenshot = shot
	} else {
		d.logger.Debug().Err(err).Msg("screenshot failed")
	}

	return obs, nil
}

// Execute dispatches one primitive. The switch is exhaustive over the action
// vocabulary; anything else is rejected with ErrUnknownKind.
func (d *Driver) Execute(ctx context.Context, act action.Action) (action.Result, error) {
	if err := ctx.Err(); err != nil {
		return action.Result{}, err
	}

	var err error
	msg := ""
	switch act.Kind {
	case action.Click:
		msg, err = d.click(act.Params)
	case action.TypeText:
		msg, err = d.typeText(act.Params)
	case action.PressKey:
		key := action.OptionalString(act.Params, "key")
		err = wrap(d.page.Keyboard().Press(mapKey(key)))
		msg = "pressed " + key
	case action.Hotkey:
		msg, err = d.hotkey(act.Params)
	case action.Scroll:
		msg, err = d.scroll(act.Params)
	case action.Drag:
		msg, err = d.drag(act.Params)
	case action.SetSlider:
		msg, err = d.setSlider(act.Params)
	case action.OpenApp:
		msg, err = d.openApp(act.Params)
	case action.Wait:
		secs := action.OptionalFloat(act.Params, "seconds")
		if secs <= 0 {
			secs = 1
		}
		select {
		case <-ctx.Done():
			return action.Result{}, ctx.Err()
		case <-time.After(time.Duration(secs * float64(time.Second))):
		}
		msg = fmt.Sprintf("waited %.1fs", secs)
	case action.Done:
		msg = "terminal marker, nothing executed"
	default:
		return action.Result{}, action.ErrUnknownKind{Kind: string(act.Kind)}
	}

	if err != nil {
		return action.Result{Success: false, Message: err.Error()}, nil
	}
	return action.Result{Success: true, Message: msg}, nil
}

func (d *Driver) click(params map[string]any) (string, error) {
	if name := action.OptionalString(params, "element_name"); name != "" {
		loc := d.page.GetByText(name, playwright.PageGetByTextOptions{
			Exact: playwright.Bool(false),
		}).First()
		if err := loc.WaitFor(playwright.LocatorWaitForOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: playwright.Float(10000),
		}); err != nil {
			return "", wrap(err)
		}
		_ = loc.ScrollIntoViewIfNeeded()
		if err := loc.Click(); err != nil {
			return "", wrap(err)
		}
		return "clicked " + name, nil
	}

	_, hasX := params["x"]
	_, hasY := params["y"]
	if !hasX || !hasY {
		return "", fmt.Errorf("click needs element_name or x/y coordinates")
	}
	x := action.OptionalFloat(params, "x")
	y := action.OptionalFloat(params, "y")
	if err := d.page.Mouse().Click(x, y); err != nil {
		return "", wrap(err)
	}
	return fmt.Sprintf("clicked at (%.0f, %.0f)", x, y), nil
}

func (d *Driver) typeText(params map[string]any) (string, error) {
	text, err := action.RequiredString(params, "text")
	if err != nil {
		return "", err
	}
	if name := action.OptionalString(params, "element_name"); name != "" {
		// Focus the named field first; typing goes to whatever is focused.
		loc := d.page.GetByText(name, playwright.PageGetByTextOptions{
			Exact: playwright.Bool(false),
		}).First()
		_ = loc.Click(playwright.LocatorClickOptions{Timeout: playwright.Float(5000)})
	}
	if err := d.page.Keyboard().Type(text); err != nil {
		return "", wrap(err)
	}
	preview := text
	if len(preview) > 30 {
		preview = preview[:30] + "..."
	}
	return fmt.Sprintf("typed %q", preview), nil
}

func (d *Driver) hotkey(params map[string]any) (string, error) {
	keys := action.StringSlice(params, "keys")
	if len(keys) == 0 {
		return "", fmt.Errorf("hotkey needs a keys list")
	}
	mapped := make([]string, 0, len(keys))
	for _, k := range keys {
		mapped = append(mapped, mapKey(k))
	}
	combo := strings.Join(mapped, "+")
	if err := d.page.Keyboard().Press(combo); err != nil {
		return "", wrap(err)
	}
	return "pressed " + combo, nil
}

func (d *Driver) scroll(params map[string]any) (string, error) {
	direction := strings.ToLower(action.OptionalString(params, "direction"))
	amount := action.OptionalInt(params, "amount")
	if amount <= 0 {
		amount = defaultScrollAmount
	}
	dy := float64(amount)
	if direction == "up" {
		dy = -dy
	}
	if err := d.page.Mouse().Wheel(0, dy); err != nil {
		return "", wrap(err)
	}
	return fmt.Sprintf("scrolled %s by %d", direction, amount), nil
}

func (d *Driver) drag(params map[string]any) (string, error) {
	for _, key := range []string{"from_x", "from_y", "to_x", "to_y"} {
		if _, ok := params[key]; !ok {
			return "", fmt.Errorf("drag needs from_x/from_y/to_x/to_y")
		}
	}
	fromX := action.OptionalFloat(params, "from_x")
	fromY := action.OptionalFloat(params, "from_y")
	toX := action.OptionalFloat(params, "to_x")
	toY := action.OptionalFloat(params, "to_y")
	mouse := d.page.Mouse()
	if err := mouse.Move(fromX, fromY); err != nil {
		return "", wrap(err)
	}
	if err := mouse.Down(); err != nil {
		return "", wrap(err)
	}
	if err := mouse.Move(toX, toY, playwright.MouseMoveOptions{Steps: playwright.Int(12)}); err != nil {
		_ = mouse.Up()
		return "", wrap(err)
	}
	if err := mouse.Up(); err != nil {
		return "", wrap(err)
	}
	return fmt.Sprintf("dragged (%.0f,%.0f) -> (%.0f,%.0f)", fromX, fromY, toX, toY), nil
}

func (d *Driver) setSlider(params map[string]any) (string, error) {
	value, err := action.RequiredInt(params, "value")
	if err != nil {
		return "", err
	}
	selector := action.OptionalString(params, "selector")
	if selector == "" {
		selector = "input[type='range']"
	}
	loc := d.page.Locator(selector).First()
	if err := loc.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(5000),
	}); err != nil {
		return "", wrap(err)
	}
	if err := loc.Fill(fmt.Sprintf("%d", value)); err != nil {
		return "", wrap(err)
	}
	return fmt.Sprintf("slider set to %d", value), nil
}

// openApp is navigation in the browser realization: the "app" is a URL or a
// bare hostname.
func (d *Driver) openApp(params map[string]any) (string, error) {
	name, err := action.RequiredString(params, "app_name")
	if err != nil {
		return "", err
	}
	url := name
	if !strings.Contains(url, "://") {
		url = "https://" + url
	}
	if _, err := d.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   playwright.Float(float64(defaultNavTimeout.Milliseconds())),
	}); err != nil {
		return "", wrap(err)
	}
	return "opened " + url, nil
}

// mapKey translates the engine's lowercase key names to Playwright's.
func mapKey(key string) string {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "escape", "esc":
		return "Escape"
	case "enter", "return":
		return "Enter"
	case "tab":
		return "Tab"
	case "space":
		return "Space"
	case "backspace":
		return "Backspace"
	case "delete", "del":
		return "Delete"
	case "left":
		return "ArrowLeft"
	case "right":
		return "ArrowRight"
	case "up":
		return "ArrowUp"
	case "down":
		return "ArrowDown"
	case "home":
		return "Home"
	case "end":
		return "End"
	case "pageup", "page_up":
		return "PageUp"
	case "pagedown", "page_down":
		return "PageDown"
	case "ctrl", "control":
		return "Control"
	case "alt":
		return "Alt"
	case "shift":
		return "Shift"
	case "win", "meta", "cmd":
		return "Meta"
	default:
		return key
	}
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("playwright: %w", err)
}

func parseBoolEnv(name string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(name))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
