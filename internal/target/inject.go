package target

import (
	"context"
	"fmt"
	"strings"
)

// ElementNotFoundError means no selector in the chain matched an editable
// element in the target's UI. Surfaced to the caller, never retried here.
type ElementNotFoundError struct {
	Selectors []string
}

func (e *ElementNotFoundError) Error() string {
	return fmt.Sprintf("no editable element matched selectors: %s", strings.Join(e.Selectors, ", "))
}

// Inject places text into the target's input element and presses the submit
// key. The content is set through the native value pathway so the target's
// own change detection fires. Best-effort: success here does not confirm the
// target acted on the input — that confirmation comes from the observation
// pipeline.
func (c *Client) Inject(ctx context.Context, text string) error {
	result, err := c.EvaluateString(ctx, c.injectSnippet(text))
	if err != nil {
		return err
	}
	if result == "not-found" {
		return &ElementNotFoundError{Selectors: c.selectorChain()}
	}

	return c.pressSubmitKey(ctx)
}

// injectSnippet builds the evaluated snippet: walk the selector chain, set
// the content natively, and dispatch a synthetic input event.
func (c *Client) injectSnippet(text string) string {
	chain := c.selectorChain()
	selectors := make([]string, len(chain))
	for i, sel := range chain {
		selectors[i] = jsString(sel)
	}

	return fmt.Sprintf(`(() => {
	const selectors = [%s];
	let el = null;
	for (const sel of selectors) {
		el = document.querySelector(sel);
		if (el) break;
	}
	if (!el) return "not-found";
	const text = %s;
	if (el.isContentEditable) {
		el.focus();
		el.textContent = text;
	} else {
		const proto = Object.getPrototypeOf(el);
		const desc = Object.getOwnPropertyDescriptor(proto, "value");
		if (desc && desc.set) {
			desc.set.call(el, text);
		} else {
			el.value = text;
		}
	}
	el.dispatchEvent(new InputEvent("input", { bubbles: true }));
	return "ok";
})()`, strings.Join(selectors, ", "), jsString(text))
}

// pressSubmitKey simulates pressing Enter: key down followed by key up.
func (c *Client) pressSubmitKey(ctx context.Context) error {
	for _, kind := range []string{"rawKeyDown", "keyUp"} {
		_, err := c.conn.Call(ctx, "Input.dispatchKeyEvent", map[string]any{
			"type":                  kind,
			"key":                   "Enter",
			"code":                  "Enter",
			"windowsVirtualKeyCode": 13,
			"nativeVirtualKeyCode":  13,
		})
		if err != nil {
			return fmt.Errorf("dispatch %s: %w", kind, err)
		}
	}
	return nil
}
