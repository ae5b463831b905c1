// internal/browser/statediff.go
package browser

import (
	"context"

	"github.com/browsermux/browsermux/api/schemas"
)

// pageStateScript summarizes the page in one round trip. The DOM
// fingerprint is an FNV-1a hash over tag names and ids in document
// order, cheap enough to run before and after every mutating command.
const pageStateScript = `(() => {
	const els = document.getElementsByTagName('*');
	let h = 0x811c9dc5;
	const mix = (s) => {
		for (let i = 0; i < s.length; i++) {
			h ^= s.charCodeAt(i);
			h = Math.imul(h, 0x01000193) >>> 0;
		}
	};
	for (let i = 0; i < els.length; i++) {
		mix(els[i].tagName);
		if (els[i].id) mix(els[i].id);
	}
	return {
		url: location.href,
		title: document.title,
		element_count: els.length,
		dom_fingerprint: h.toString(16),
	};
})()`

// capturePageState reads the current URL, title, and DOM fingerprint.
func capturePageState(ctx context.Context) (schemas.PageState, error) {
	var state struct {
		URL            string `json:"url"`
		Title          string `json:"title"`
		ElementCount   int    `json:"element_count"`
		DOMFingerprint string `json:"dom_fingerprint"`
	}
	if err := evaluate(ctx, pageStateScript, &state); err != nil {
		return schemas.PageState{}, err
	}
	return schemas.PageState{
		URL:            state.URL,
		Title:          state.Title,
		ElementCount:   state.ElementCount,
		DOMFingerprint: state.DOMFingerprint,
	}, nil
}
