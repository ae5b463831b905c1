package schemas

import "fmt"

// CommandMethod enumerates the protocol verbs a client may issue.
type CommandMethod string

const (
	MethodNavigate CommandMethod = "navigate"
	MethodClick    CommandMethod = "click"
	MethodFill     CommandMethod = "fill"
	MethodExtract  CommandMethod = "extract"
	MethodWait     CommandMethod = "wait"
)

// Timeout bounds applied to every command, in milliseconds.
const (
	MinTimeoutMs     = 1000
	MaxTimeoutMs     = 300000
	DefaultTimeoutMs = 30000
)

// MouseButton identifies which button a click command presses.
type MouseButton string

const (
	ButtonLeft   MouseButton = "left"
	ButtonRight  MouseButton = "right"
	ButtonMiddle MouseButton = "middle"
)

// WaitUntil selects the page lifecycle event a navigation waits for.
type WaitUntil string

const (
	WaitLoad             WaitUntil = "load"
	WaitDOMContentLoaded WaitUntil = "domcontentloaded"
	WaitNetworkIdle      WaitUntil = "networkidle"
)

// ExtractType selects what an extract command pulls from matched elements.
type ExtractType string

const (
	ExtractText      ExtractType = "text"
	ExtractHTML      ExtractType = "html"
	ExtractAttribute ExtractType = "attribute"
	ExtractProperty  ExtractType = "property"
)

// WaitCondition enumerates the predicates a wait command can poll for.
type WaitCondition string

const (
	CondLoad             WaitCondition = "load"
	CondDOMContentLoaded WaitCondition = "domcontentloaded"
	CondNetworkIdle      WaitCondition = "networkidle"
	CondVisible          WaitCondition = "visible"
	CondHidden           WaitCondition = "hidden"
	CondAttached         WaitCondition = "attached"
	CondDetached         WaitCondition = "detached"
	CondTextEquals       WaitCondition = "text_equals"
	CondCustomJS         WaitCondition = "custom_js"
)

// Command is the contract every typed command variant satisfies.
type Command interface {
	Base() *BaseCommand
	Validate() error
}

// BaseCommand carries the envelope fields shared by all commands.
type BaseCommand struct {
	ID        string        `json:"id"`
	Method    CommandMethod `json:"method"`
	SessionID string        `json:"session_id"`
	TimeoutMs int           `json:"timeout_ms,omitempty"`
}

// Base returns the shared envelope. Embedding this type gives every
// variant the method for free.
func (b *BaseCommand) Base() *BaseCommand { return b }

// validateBase checks the envelope fields and normalizes the timeout.
// An empty session_id is legal: it asks the server to create a session
// and return its generated id on the reply.
func (b *BaseCommand) validateBase() error {
	if b.ID == "" {
		return NewCommandError(ErrInvalidParams, "command id is required")
	}
	if b.TimeoutMs == 0 {
		b.TimeoutMs = DefaultTimeoutMs
	}
	if b.TimeoutMs < MinTimeoutMs || b.TimeoutMs > MaxTimeoutMs {
		return NewCommandError(ErrInvalidParams,
			fmt.Sprintf("timeout_ms must be between %d and %d", MinTimeoutMs, MaxTimeoutMs)).
			WithDetail("field", "timeout_ms")
	}
	return nil
}

// Position is a fractional point inside an element's bounding box.
// (0,0) is the top-left corner, (1,1) the bottom-right.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NavigateCommand loads a URL in the session's page.
type NavigateCommand struct {
	BaseCommand
	URL       string    `json:"url"`
	WaitUntil WaitUntil `json:"wait_until,omitempty"`
	Referer   string    `json:"referer,omitempty"`
}

// Validate checks navigate parameters and applies defaults.
func (c *NavigateCommand) Validate() error {
	if err := c.validateBase(); err != nil {
		return err
	}
	if c.URL == "" {
		return NewCommandError(ErrInvalidParams, "url is required").WithDetail("field", "url")
	}
	if c.WaitUntil == "" {
		c.WaitUntil = WaitLoad
	}
	switch c.WaitUntil {
	case WaitLoad, WaitDOMContentLoaded, WaitNetworkIdle:
	default:
		return NewCommandError(ErrInvalidParams, "unknown wait_until value").
			WithDetail("field", "wait_until")
	}
	return nil
}

// ClickCommand clicks an element matched by a CSS selector.
type ClickCommand struct {
	BaseCommand
	Selector   string      `json:"selector"`
	Button     MouseButton `json:"button,omitempty"`
	ClickCount int         `json:"click_count,omitempty"`
	Force      bool        `json:"force,omitempty"`
	Position   *Position   `json:"position,omitempty"`
}

// Validate checks click parameters and applies defaults.
func (c *ClickCommand) Validate() error {
	if err := c.validateBase(); err != nil {
		return err
	}
	if c.Selector == "" {
		return NewCommandError(ErrInvalidParams, "selector is required").WithDetail("field", "selector")
	}
	if c.Button == "" {
		c.Button = ButtonLeft
	}
	switch c.Button {
	case ButtonLeft, ButtonRight, ButtonMiddle:
	default:
		return NewCommandError(ErrInvalidParams, "unknown button value").WithDetail("field", "button")
	}
	if c.ClickCount == 0 {
		c.ClickCount = 1
	}
	if c.ClickCount < 1 || c.ClickCount > 10 {
		return NewCommandError(ErrInvalidParams, "click_count must be between 1 and 10").
			WithDetail("field", "click_count")
	}
	if c.Position != nil {
		if c.Position.X < 0 || c.Position.X > 1 || c.Position.Y < 0 || c.Position.Y > 1 {
			return NewCommandError(ErrInvalidParams, "position coordinates must be between 0.0 and 1.0").
				WithDetail("field", "position")
		}
	}
	return nil
}

// FillCommand types text into an input element.
type FillCommand struct {
	BaseCommand
	Selector      string `json:"selector"`
	Text          string `json:"text"`
	ClearFirst    bool   `json:"clear_first"`
	PressEnter    bool   `json:"press_enter,omitempty"`
	TypingDelayMs int    `json:"typing_delay_ms,omitempty"`
	ValidateInput bool   `json:"validate_input"`
}

// Validate checks fill parameters.
func (c *FillCommand) Validate() error {
	if err := c.validateBase(); err != nil {
		return err
	}
	if c.Selector == "" {
		return NewCommandError(ErrInvalidParams, "selector is required").WithDetail("field", "selector")
	}
	if c.TypingDelayMs < 0 || c.TypingDelayMs > 1000 {
		return NewCommandError(ErrInvalidParams, "typing_delay_ms must be between 0 and 1000").
			WithDetail("field", "typing_delay_ms")
	}
	return nil
}

// ExtractCommand reads data out of matched elements without mutating the page.
type ExtractCommand struct {
	BaseCommand
	Selector       string      `json:"selector"`
	ExtractType    ExtractType `json:"extract_type,omitempty"`
	AttributeName  string      `json:"attribute_name,omitempty"`
	PropertyName   string      `json:"property_name,omitempty"`
	Multiple       bool        `json:"multiple,omitempty"`
	TrimWhitespace bool        `json:"trim_whitespace"`
}

// Validate checks extract parameters and applies defaults.
func (c *ExtractCommand) Validate() error {
	if err := c.validateBase(); err != nil {
		return err
	}
	if c.Selector == "" {
		return NewCommandError(ErrInvalidParams, "selector is required").WithDetail("field", "selector")
	}
	if c.ExtractType == "" {
		c.ExtractType = ExtractText
	}
	switch c.ExtractType {
	case ExtractText, ExtractHTML:
	case ExtractAttribute:
		if c.AttributeName == "" {
			return NewCommandError(ErrInvalidParams, "attribute_name is required for attribute extraction").
				WithDetail("field", "attribute_name")
		}
	case ExtractProperty:
		if c.PropertyName == "" {
			return NewCommandError(ErrInvalidParams, "property_name is required for property extraction").
				WithDetail("field", "property_name")
		}
	default:
		return NewCommandError(ErrInvalidParams, "unknown extract_type value").
			WithDetail("field", "extract_type")
	}
	return nil
}

// WaitCommand blocks until a page or element condition is met.
type WaitCommand struct {
	BaseCommand
	Condition      WaitCondition `json:"condition"`
	Selector       string        `json:"selector,omitempty"`
	TextContent    string        `json:"text_content,omitempty"`
	CustomJS       string        `json:"custom_js,omitempty"`
	PollIntervalMs int           `json:"poll_interval_ms,omitempty"`
}

// Validate checks wait parameters and applies defaults.
func (c *WaitCommand) Validate() error {
	if err := c.validateBase(); err != nil {
		return err
	}
	if c.PollIntervalMs == 0 {
		c.PollIntervalMs = 100
	}
	if c.PollIntervalMs < 50 || c.PollIntervalMs > 5000 {
		return NewCommandError(ErrInvalidParams, "poll_interval_ms must be between 50 and 5000").
			WithDetail("field", "poll_interval_ms")
	}
	switch c.Condition {
	case CondLoad, CondDOMContentLoaded, CondNetworkIdle:
	case CondVisible, CondHidden, CondAttached, CondDetached:
		if c.Selector == "" {
			return NewCommandError(ErrInvalidParams, "selector is required for element conditions").
				WithDetail("field", "selector")
		}
	case CondTextEquals:
		if c.Selector == "" {
			return NewCommandError(ErrInvalidParams, "selector is required for text_equals").
				WithDetail("field", "selector")
		}
		if c.TextContent == "" {
			return NewCommandError(ErrInvalidParams, "text_content is required for text_equals").
				WithDetail("field", "text_content")
		}
	case CondCustomJS:
		if c.CustomJS == "" {
			return NewCommandError(ErrInvalidParams, "custom_js is required for custom_js condition").
				WithDetail("field", "custom_js")
		}
	default:
		return NewCommandError(ErrInvalidParams, "unknown wait condition").
			WithDetail("field", "condition")
	}
	return nil
}

// Mutating reports whether a method can change page state. Mutating
// commands carry a state diff and trigger cache invalidation.
func Mutating(m CommandMethod) bool {
	switch m {
	case MethodNavigate, MethodClick, MethodFill:
		return true
	default:
		return false
	}
}
