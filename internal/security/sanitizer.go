// internal/security/sanitizer.go
package security

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/browsermux/browsermux/api/schemas"
	"github.com/browsermux/browsermux/internal/config"
)

// jsInjectionPatterns match script-bearing constructs that have no place in
// a selector or text payload.
var jsInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)vbscript\s*:`),
	regexp.MustCompile(`(?i)data\s*:\s*text/html`),
	regexp.MustCompile(`(?i)\bon\w+\s*=`),
	regexp.MustCompile(`(?i)\beval\s*\(`),
	regexp.MustCompile(`(?i)\bFunction\s*\(`),
	regexp.MustCompile(`(?i)\bsetTimeout\s*\(`),
	regexp.MustCompile(`(?i)\bsetInterval\s*\(`),
}

// cssInjectionPatterns match CSS constructs that can smuggle scripts or
// external fetches through a selector.
var cssInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)expression\s*\(`),
	regexp.MustCompile(`(?i)@import`),
	regexp.MustCompile(`(?i)\burl\s*\(`),
}

// Sanitizer vets client-supplied selectors, text, URLs, and scripts before
// they reach a browser context. Rejections name the offending field but
// never echo the payload back on the wire.
type Sanitizer struct {
	cfg config.SecurityConfig
}

// NewSanitizer creates a Sanitizer with the configured limits.
func NewSanitizer(cfg config.SecurityConfig) *Sanitizer {
	return &Sanitizer{cfg: cfg}
}

// CheckCommand routes a typed command through the checks its fields need.
func (s *Sanitizer) CheckCommand(cmd schemas.Command) error {
	switch c := cmd.(type) {
	case *schemas.NavigateCommand:
		return s.CheckURL(c.URL)
	case *schemas.ClickCommand:
		return s.CheckSelector(c.Selector)
	case *schemas.FillCommand:
		if err := s.CheckSelector(c.Selector); err != nil {
			return err
		}
		return s.CheckText(c.Text)
	case *schemas.ExtractCommand:
		return s.CheckSelector(c.Selector)
	case *schemas.WaitCommand:
		if c.Selector != "" {
			if err := s.CheckSelector(c.Selector); err != nil {
				return err
			}
		}
		if c.CustomJS != "" {
			return s.CheckScript(c.CustomJS)
		}
		return nil
	default:
		return nil
	}
}

// CheckSelector vets a CSS selector for length, balance, and injection.
func (s *Sanitizer) CheckSelector(selector string) error {
	if len(selector) > s.cfg.MaxSelectorLength {
		return schemas.NewCommandError(schemas.ErrUnsafeInput, "selector exceeds maximum length").
			WithDetail("field", "selector").
			WithDetail("limit", s.cfg.MaxSelectorLength)
	}
	if !balanced(selector) {
		return schemas.NewCommandError(schemas.ErrUnsafeInput, "selector has unbalanced brackets or quotes").
			WithDetail("field", "selector")
	}
	for _, p := range jsInjectionPatterns {
		if p.MatchString(selector) {
			return schemas.NewCommandError(schemas.ErrUnsafeInput, "selector contains a blocked pattern").
				WithDetail("field", "selector")
		}
	}
	for _, p := range cssInjectionPatterns {
		if p.MatchString(selector) {
			return schemas.NewCommandError(schemas.ErrUnsafeInput, "selector contains a blocked pattern").
				WithDetail("field", "selector")
		}
	}
	return nil
}

// CheckText vets fill text for length and script injection.
func (s *Sanitizer) CheckText(text string) error {
	if len(text) > s.cfg.MaxTextLength {
		return schemas.NewCommandError(schemas.ErrUnsafeInput, "text exceeds maximum length").
			WithDetail("field", "text").
			WithDetail("limit", s.cfg.MaxTextLength)
	}
	for _, p := range jsInjectionPatterns {
		if p.MatchString(text) {
			return schemas.NewCommandError(schemas.ErrUnsafeInput, "text contains a blocked pattern").
				WithDetail("field", "text")
		}
	}
	return nil
}

// CheckURL vets a navigation target. Only http and https schemes are
// accepted unless the deployment explicitly opens it up.
func (s *Sanitizer) CheckURL(raw string) error {
	if len(raw) > s.cfg.MaxURLLength {
		return schemas.NewCommandError(schemas.ErrUnsafeInput, "url exceeds maximum length").
			WithDetail("field", "url").
			WithDetail("limit", s.cfg.MaxURLLength)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return schemas.NewCommandError(schemas.ErrUnsafeInput, "url does not parse").
			WithDetail("field", "url")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "http" || scheme == "https" {
		if u.Host == "" {
			return schemas.NewCommandError(schemas.ErrUnsafeInput, "url has no host").
				WithDetail("field", "url")
		}
		return nil
	}
	if s.cfg.AllowNonHTTPURLs && scheme != "javascript" && scheme != "vbscript" && scheme != "data" {
		return nil
	}
	return schemas.NewCommandError(schemas.ErrUnsafeInput, "url scheme is not allowed").
		WithDetail("field", "url").
		WithDetail("scheme", scheme)
}

// CheckScript vets a custom wait predicate. Scripts run inside the page,
// so only the obviously hostile constructs are refused.
func (s *Sanitizer) CheckScript(js string) error {
	if !s.cfg.AllowCustomJS {
		return schemas.NewCommandError(schemas.ErrUnsafeInput, "custom_js is disabled on this server").
			WithDetail("field", "custom_js")
	}
	if len(js) > s.cfg.MaxTextLength {
		return schemas.NewCommandError(schemas.ErrUnsafeInput, "custom_js exceeds maximum length").
			WithDetail("field", "custom_js").
			WithDetail("limit", s.cfg.MaxTextLength)
	}
	// The Function constructor is blocked case-sensitively; lowercase
	// function expressions are legitimate predicates.
	if strings.Contains(js, "Function(") {
		return schemas.NewCommandError(schemas.ErrUnsafeInput, "custom_js touches a blocked API").
			WithDetail("field", "custom_js")
	}
	lowered := strings.ToLower(js)
	for _, blocked := range []string{"eval(", "settimeout(", "setinterval(", "document.cookie", "localstorage", "sessionstorage", "indexeddb", "websocket", "xmlhttprequest", "fetch("} {
		if strings.Contains(lowered, blocked) {
			return schemas.NewCommandError(schemas.ErrUnsafeInput, "custom_js touches a blocked API").
				WithDetail("field", "custom_js")
		}
	}
	return nil
}

// balanced reports whether every bracket and quote in a selector closes.
// Quoted sections suspend bracket counting, matching CSS attribute syntax.
func balanced(selector string) bool {
	var quote rune
	depthSquare, depthParen := 0, 0
	for _, r := range selector {
		if quote != 0 {
			if r == quote {
				quote = 0
			}
			continue
		}
		switch r {
		case '\'', '"':
			quote = r
		case '[':
			depthSquare++
		case ']':
			depthSquare--
			if depthSquare < 0 {
				return false
			}
		case '(':
			depthParen++
		case ')':
			depthParen--
			if depthParen < 0 {
				return false
			}
		}
	}
	return quote == 0 && depthSquare == 0 && depthParen == 0
}
