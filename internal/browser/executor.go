// internal/browser/executor.go
package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	jsoniter "github.com/json-iterator/go"

	"github.com/browsermux/browsermux/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// evaluate runs a script in the page and unmarshals its value into out.
func evaluate(ctx context.Context, script string, out interface{}) error {
	return chromedp.Run(ctx, chromedp.Evaluate(script, out, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithReturnByValue(true).WithAwaitPromise(true).WithSilent(true)
	}))
}

// jsonEncode safely encodes a value (especially strings) for JS injection.
func jsonEncode(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `""`
	}
	return string(b)
}

// runErr classifies a chromedp failure. Deadline and cancellation errors
// pass through untouched so the session layer can map them to timeout
// codes; everything else is an internal browser failure.
func runErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	return schemas.NewCommandError(schemas.ErrInternal, err.Error())
}

// resetPage returns a context to a neutral page.
func resetPage(ctx context.Context) error {
	return chromedp.Run(ctx, chromedp.Navigate("about:blank"))
}

// -- navigate --

const navInfoScript = `(() => {
	const nav = performance.getEntriesByType('navigation')[0];
	return {
		url: location.href,
		title: document.title,
		status: nav && nav.responseStatus ? nav.responseStatus : 0,
		redirected: !!(nav && nav.redirectCount > 0),
	};
})()`

func executeNavigate(ctx context.Context, cmd *schemas.NavigateCommand) (*schemas.NavigateResponse, error) {
	start := time.Now()

	var errorText string
	nav := chromedp.ActionFunc(func(ctx context.Context) error {
		p := page.Navigate(cmd.URL)
		if cmd.Referer != "" {
			p = p.WithReferrer(cmd.Referer)
		}
		_, _, text, _, err := p.Do(ctx)
		if err != nil {
			return err
		}
		errorText = text
		return nil
	})
	if err := chromedp.Run(ctx, nav); err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, schemas.NewCommandError(schemas.ErrNavigationFailed, err.Error()).
			WithDetail("url", cmd.URL)
	}
	if errorText != "" {
		return nil, schemas.NewCommandError(schemas.ErrNavigationFailed, errorText).
			WithDetail("url", cmd.URL)
	}

	if err := waitForLifecycle(ctx, cmd.WaitUntil); err != nil {
		return nil, err
	}

	var info struct {
		URL        string `json:"url"`
		Title      string `json:"title"`
		Status     int    `json:"status"`
		Redirected bool   `json:"redirected"`
	}
	if err := evaluate(ctx, navInfoScript, &info); err != nil {
		return nil, runErr(ctx, err)
	}

	return &schemas.NavigateResponse{
		URL:        info.URL,
		Title:      info.Title,
		StatusCode: info.Status,
		Redirected: info.Redirected,
		LoadTimeMs: time.Since(start).Milliseconds(),
	}, nil
}

// waitForLifecycle polls the page until it reaches the requested
// lifecycle stage. Network idle is approximated as a settled resource
// count on a complete document.
func waitForLifecycle(ctx context.Context, until schemas.WaitUntil) error {
	lastResources := -1
	for {
		var probe struct {
			ReadyState string `json:"ready_state"`
			Resources  int    `json:"resources"`
		}
		err := evaluate(ctx, `({
			ready_state: document.readyState,
			resources: performance.getEntriesByType('resource').length,
		})`, &probe)
		if err != nil {
			return runErr(ctx, err)
		}

		switch until {
		case schemas.WaitDOMContentLoaded:
			if probe.ReadyState != "loading" {
				return nil
			}
		case schemas.WaitNetworkIdle:
			if probe.ReadyState == "complete" && probe.Resources == lastResources {
				return nil
			}
			lastResources = probe.Resources
		default:
			if probe.ReadyState == "complete" {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// -- click --

const clickProbeScript = `(sel => {
	const el = document.querySelector(sel);
	if (!el) return {found: false};
	el.scrollIntoView({block: 'center', inline: 'center'});
	const rect = el.getBoundingClientRect();
	const style = window.getComputedStyle(el);
	const visible = rect.width > 0 && rect.height > 0 &&
		style.visibility !== 'hidden' && style.display !== 'none' &&
		parseFloat(style.opacity) > 0;
	return {
		found: true,
		visible: visible,
		x: rect.left, y: rect.top, w: rect.width, h: rect.height,
		text: (el.innerText || '').slice(0, 200),
		tag: el.tagName.toLowerCase(),
	};
})(%s)`

type elementProbe struct {
	Found   bool    `json:"found"`
	Visible bool    `json:"visible"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	W       float64 `json:"w"`
	H       float64 `json:"h"`
	Text    string  `json:"text"`
	Tag     string  `json:"tag"`
}

// clickPoint resolves the viewport coordinates for a click, offset into
// the element's box by the fractional position (center by default).
func clickPoint(probe elementProbe, pos *schemas.Position) (float64, float64) {
	fx, fy := 0.5, 0.5
	if pos != nil {
		fx, fy = pos.X, pos.Y
	}
	return probe.X + probe.W*fx, probe.Y + probe.H*fy
}

// mouseButton maps the protocol button name to its CDP equivalent.
func mouseButton(b schemas.MouseButton) input.MouseButton {
	switch b {
	case schemas.ButtonRight:
		return input.Right
	case schemas.ButtonMiddle:
		return input.Middle
	default:
		return input.Left
	}
}

func executeClick(ctx context.Context, cmd *schemas.ClickCommand) (*schemas.ClickResponse, error) {
	var probe elementProbe
	script := fmt.Sprintf(clickProbeScript, jsonEncode(cmd.Selector))
	if err := evaluate(ctx, script, &probe); err != nil {
		return nil, runErr(ctx, err)
	}
	if !probe.Found {
		return nil, schemas.NewCommandError(schemas.ErrElementNotFound, "no element matches selector").
			WithDetail("selector", cmd.Selector)
	}
	if !probe.Visible && !cmd.Force {
		return nil, schemas.NewCommandError(schemas.ErrElementNotVisible, "element is not visible").
			WithDetail("selector", cmd.Selector)
	}

	x, y := clickPoint(probe, cmd.Position)
	button := mouseButton(cmd.Button)

	actions := []chromedp.Action{
		input.DispatchMouseEvent(input.MouseMoved, x, y),
	}
	for i := 0; i < cmd.ClickCount; i++ {
		count := int64(i + 1)
		actions = append(actions,
			input.DispatchMouseEvent(input.MousePressed, x, y).
				WithButton(button).WithClickCount(count),
			input.DispatchMouseEvent(input.MouseReleased, x, y).
				WithButton(button).WithClickCount(count),
		)
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return nil, runErr(ctx, err)
	}

	return &schemas.ClickResponse{
		ElementFound:   true,
		ElementVisible: probe.Visible,
		ClickPosition:  &schemas.Position{X: x, Y: y},
		ElementText:    probe.Text,
		ElementTag:     probe.Tag,
	}, nil
}

// -- fill --

const fillProbeScript = `(sel => {
	const el = document.querySelector(sel);
	if (!el) return {found: false};
	const tag = el.tagName.toLowerCase();
	const editable = el.isContentEditable;
	const fillable = tag === 'input' || tag === 'textarea' || editable;
	return {
		found: true,
		fillable: fillable,
		blocked: !!el.disabled || el.readOnly === true,
		type: tag === 'input' ? (el.type || 'text') : tag,
		value: editable ? (el.textContent || '') : (el.value || ''),
		editable: editable,
	};
})(%s)`

const fillClearScript = `(sel => {
	const el = document.querySelector(sel);
	if (!el) return false;
	if (el.isContentEditable) {
		el.textContent = '';
	} else {
		el.value = '';
	}
	el.dispatchEvent(new Event('input', {bubbles: true}));
	return true;
})(%s)`

type fillProbe struct {
	Found    bool   `json:"found"`
	Fillable bool   `json:"fillable"`
	Blocked  bool   `json:"blocked"`
	Type     string `json:"type"`
	Value    string `json:"value"`
	Editable bool   `json:"editable"`
}

func executeFill(ctx context.Context, cmd *schemas.FillCommand) (*schemas.FillResponse, error) {
	var probe fillProbe
	script := fmt.Sprintf(fillProbeScript, jsonEncode(cmd.Selector))
	if err := evaluate(ctx, script, &probe); err != nil {
		return nil, runErr(ctx, err)
	}
	if !probe.Found {
		return nil, schemas.NewCommandError(schemas.ErrElementNotFound, "no element matches selector").
			WithDetail("selector", cmd.Selector)
	}
	if !probe.Fillable || probe.Blocked {
		return nil, schemas.NewCommandError(schemas.ErrElementNotInteractable, "element does not accept text input").
			WithDetail("selector", cmd.Selector).
			WithDetail("element_type", probe.Type)
	}

	if err := chromedp.Run(ctx, chromedp.Focus(cmd.Selector, chromedp.ByQuery)); err != nil {
		return nil, runErr(ctx, err)
	}
	if cmd.ClearFirst {
		var cleared bool
		clear := fmt.Sprintf(fillClearScript, jsonEncode(cmd.Selector))
		if err := evaluate(ctx, clear, &cleared); err != nil {
			return nil, runErr(ctx, err)
		}
	}

	if err := typeText(ctx, cmd.Text, cmd.TypingDelayMs); err != nil {
		return nil, runErr(ctx, err)
	}
	if cmd.PressEnter {
		if err := chromedp.Run(ctx, chromedp.KeyEvent(kb.Enter)); err != nil {
			return nil, runErr(ctx, err)
		}
	}

	resp := &schemas.FillResponse{
		ElementFound:     true,
		ElementType:      probe.Type,
		TextEntered:      true,
		PreviousValue:    probe.Value,
		ValidationPassed: true,
	}

	if cmd.ValidateInput {
		var after fillProbe
		if err := evaluate(ctx, script, &after); err != nil {
			return nil, runErr(ctx, err)
		}
		resp.CurrentValue = after.Value
		if cmd.ClearFirst {
			resp.ValidationPassed = after.Value == cmd.Text
		} else {
			resp.ValidationPassed = strings.HasSuffix(after.Value, cmd.Text)
		}
	}
	return resp, nil
}

// typeText sends keystrokes to the focused element, pacing them when a
// typing delay was requested.
func typeText(ctx context.Context, text string, delayMs int) error {
	if delayMs <= 0 {
		return chromedp.Run(ctx, chromedp.KeyEvent(text))
	}
	delay := time.Duration(delayMs) * time.Millisecond
	for _, r := range text {
		if err := chromedp.Run(ctx, chromedp.KeyEvent(string(r))); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil
}

// -- extract --

const extractScript = `((sel, opts) => {
	try {
		const nodes = document.querySelectorAll(sel);
		const limit = opts.multiple ? nodes.length : Math.min(nodes.length, 1);
		const items = [];
		for (let i = 0; i < limit; i++) {
			const el = nodes[i];
			let v;
			switch (opts.kind) {
			case 'html':
				v = el.innerHTML;
				break;
			case 'attribute':
				v = el.getAttribute(opts.name);
				break;
			case 'property':
				v = el[opts.name];
				break;
			default:
				v = el.innerText != null ? el.innerText : el.textContent;
			}
			if (typeof v === 'string' && opts.trim) v = v.trim();
			items.push({
				value: v === undefined ? null : v,
				tag: el.tagName.toLowerCase(),
				cls: typeof el.className === 'string' ? el.className : '',
				index: i,
			});
		}
		return {ok: true, count: nodes.length, items: items};
	} catch (e) {
		return {ok: false, error: String(e)};
	}
})(%s, %s)`

func executeExtract(ctx context.Context, cmd *schemas.ExtractCommand) (*schemas.ExtractResponse, error) {
	opts := map[string]interface{}{
		"kind":     string(cmd.ExtractType),
		"multiple": cmd.Multiple,
		"trim":     cmd.TrimWhitespace,
	}
	switch cmd.ExtractType {
	case schemas.ExtractAttribute:
		opts["name"] = cmd.AttributeName
	case schemas.ExtractProperty:
		opts["name"] = cmd.PropertyName
	}

	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
		Count int    `json:"count"`
		Items []struct {
			Value interface{} `json:"value"`
			Tag   string      `json:"tag"`
			Cls   string      `json:"cls"`
			Index int         `json:"index"`
		} `json:"items"`
	}
	script := fmt.Sprintf(extractScript, jsonEncode(cmd.Selector), jsonEncode(opts))
	if err := evaluate(ctx, script, &result); err != nil {
		return nil, runErr(ctx, err)
	}
	if !result.OK {
		return nil, schemas.NewCommandError(schemas.ErrExtractionFailed, result.Error).
			WithDetail("selector", cmd.Selector)
	}
	if result.Count == 0 {
		return nil, schemas.NewCommandError(schemas.ErrElementNotFound, "no element matches selector").
			WithDetail("selector", cmd.Selector)
	}

	resp := &schemas.ExtractResponse{ElementsFound: result.Count}
	info := make([]schemas.ElementInfo, 0, len(result.Items))
	values := make([]interface{}, 0, len(result.Items))
	for _, it := range result.Items {
		values = append(values, it.Value)
		info = append(info, schemas.ElementInfo{Tag: it.Tag, Class: it.Cls, Index: it.Index})
	}
	resp.ElementInfo = info
	if cmd.Multiple {
		resp.Data = values
	} else {
		resp.Data = values[0]
	}
	return resp, nil
}

// -- wait --

const waitElementScript = `((sel, cond, want) => {
	const nodes = document.querySelectorAll(sel);
	const el = nodes[0] || null;
	const visible = (e) => {
		if (!e) return false;
		const rect = e.getBoundingClientRect();
		const style = window.getComputedStyle(e);
		return rect.width > 0 && rect.height > 0 &&
			style.visibility !== 'hidden' && style.display !== 'none';
	};
	let met = false;
	switch (cond) {
	case 'attached':
		met = nodes.length > 0;
		break;
	case 'detached':
		met = nodes.length === 0;
		break;
	case 'visible':
		met = visible(el);
		break;
	case 'hidden':
		met = nodes.length === 0 || !visible(el);
		break;
	case 'text_equals':
		met = el !== null && (el.innerText || '').trim() === want;
		break;
	}
	return {met: met, count: nodes.length, state: document.readyState};
})(%s, %s, %s)`

type waitProbe struct {
	Met   bool   `json:"met"`
	Count int    `json:"count"`
	State string `json:"state"`
}

// checkWaitCondition evaluates one poll of a wait predicate.
// lastResources carries the resource count between network idle polls.
func checkWaitCondition(ctx context.Context, cmd *schemas.WaitCommand, lastResources *int) (waitProbe, error) {
	var probe waitProbe
	switch cmd.Condition {
	case schemas.CondLoad, schemas.CondDOMContentLoaded, schemas.CondNetworkIdle:
		var page struct {
			ReadyState string `json:"ready_state"`
			Resources  int    `json:"resources"`
		}
		err := evaluate(ctx, `({
			ready_state: document.readyState,
			resources: performance.getEntriesByType('resource').length,
		})`, &page)
		if err != nil {
			return probe, err
		}
		probe.State = page.ReadyState
		switch cmd.Condition {
		case schemas.CondDOMContentLoaded:
			probe.Met = page.ReadyState != "loading"
		case schemas.CondNetworkIdle:
			probe.Met = page.ReadyState == "complete" && page.Resources == *lastResources
			*lastResources = page.Resources
		default:
			probe.Met = page.ReadyState == "complete"
		}
		return probe, nil

	case schemas.CondCustomJS:
		// The script was vetted by the sanitizer before it reached the
		// session. Evaluation errors count as condition-not-met.
		script := fmt.Sprintf(`(() => { try { return Boolean(%s); } catch (e) { return false; } })()`, cmd.CustomJS)
		var met bool
		if err := evaluate(ctx, script, &met); err != nil {
			return probe, err
		}
		probe.Met = met
		return probe, nil

	default:
		script := fmt.Sprintf(waitElementScript,
			jsonEncode(cmd.Selector), jsonEncode(string(cmd.Condition)), jsonEncode(cmd.TextContent))
		if err := evaluate(ctx, script, &probe); err != nil {
			return probe, err
		}
		return probe, nil
	}
}

func executeWait(ctx context.Context, cmd *schemas.WaitCommand) (*schemas.WaitResponse, error) {
	start := time.Now()
	interval := time.Duration(cmd.PollIntervalMs) * time.Millisecond
	lastResources := -1

	for {
		probe, err := checkWaitCondition(ctx, cmd, &lastResources)
		if err != nil {
			return nil, runErr(ctx, err)
		}
		if probe.Met {
			return &schemas.WaitResponse{
				ConditionMet: true,
				WaitTimeMs:   time.Since(start).Milliseconds(),
				FinalState:   probe.State,
				ElementCount: probe.Count,
				ConditionDetails: map[string]interface{}{
					"condition": string(cmd.Condition),
				},
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, schemas.NewCommandError(schemas.ErrWaitTimeout, "wait condition was not met before the deadline").
				WithDetail("condition", string(cmd.Condition)).
				WithDetail("waited_ms", time.Since(start).Milliseconds())
		case <-time.After(interval):
		}
	}
}
