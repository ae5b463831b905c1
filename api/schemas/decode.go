package schemas

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// envelope is the minimal view of a frame needed to pick a variant.
type envelope struct {
	ID     string        `json:"id"`
	Method CommandMethod `json:"method"`
}

// DecodeCommand parses a raw frame into its typed command variant and
// validates it. The returned error is always a *CommandError: malformed
// JSON or an unknown method maps to INVALID_COMMAND, field-level failures
// to INVALID_PARAMS.
func DecodeCommand(raw []byte) (Command, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, NewCommandError(ErrInvalidCommand, "frame is not valid JSON")
	}
	if env.Method == "" {
		return nil, NewCommandError(ErrInvalidCommand, "method is required")
	}

	// Variants whose boolean fields default to true are seeded before
	// unmarshal so an absent field keeps the default.
	var cmd Command
	switch env.Method {
	case MethodNavigate:
		cmd = &NavigateCommand{}
	case MethodClick:
		cmd = &ClickCommand{}
	case MethodFill:
		cmd = &FillCommand{ClearFirst: true, ValidateInput: true}
	case MethodExtract:
		cmd = &ExtractCommand{TrimWhitespace: true}
	case MethodWait:
		cmd = &WaitCommand{}
	default:
		return nil, NewCommandError(ErrInvalidCommand, "unknown method").
			WithDetail("method", string(env.Method))
	}

	if err := json.Unmarshal(raw, cmd); err != nil {
		return nil, NewCommandError(ErrInvalidParams, "frame does not match command schema").
			WithDetail("method", string(env.Method))
	}
	cmd.Base().Method = env.Method
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return cmd, nil
}
