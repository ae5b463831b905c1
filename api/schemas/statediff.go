package schemas

// PageState is a coarse snapshot of a page taken before and after a
// mutating command. The DOM fingerprint is a structural hash computed in
// the page, cheap enough to capture on every mutation.
type PageState struct {
	URL            string `json:"url"`
	Title          string `json:"title"`
	ElementCount   int    `json:"element_count"`
	DOMFingerprint string `json:"dom_fingerprint"`
}

// StateDiff summarizes what a mutating command changed.
type StateDiff struct {
	URLChanged   bool   `json:"url_changed"`
	TitleChanged bool   `json:"title_changed"`
	DOMChanged   bool   `json:"dom_changed"`
	BeforeURL    string `json:"before_url,omitempty"`
	AfterURL     string `json:"after_url,omitempty"`
	BeforeTitle  string `json:"before_title,omitempty"`
	AfterTitle   string `json:"after_title,omitempty"`
}

// Changed reports whether any observed dimension moved.
func (d *StateDiff) Changed() bool {
	return d != nil && (d.URLChanged || d.TitleChanged || d.DOMChanged)
}

// DiffStates compares two snapshots into a StateDiff.
func DiffStates(before, after PageState) *StateDiff {
	return &StateDiff{
		URLChanged:   before.URL != after.URL,
		TitleChanged: before.Title != after.Title,
		DOMChanged:   before.DOMFingerprint != after.DOMFingerprint || before.ElementCount != after.ElementCount,
		BeforeURL:    before.URL,
		AfterURL:     after.URL,
		BeforeTitle:  before.Title,
		AfterTitle:   after.Title,
	}
}
