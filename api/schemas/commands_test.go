package schemas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCommand_Navigate(t *testing.T) {
	raw := []byte(`{"id":"c1","method":"navigate","session_id":"s1","url":"https://example.com"}`)
	cmd, err := DecodeCommand(raw)
	require.NoError(t, err)

	nav, ok := cmd.(*NavigateCommand)
	require.True(t, ok)
	assert.Equal(t, "https://example.com", nav.URL)
	assert.Equal(t, WaitLoad, nav.WaitUntil, "wait_until should default to load")
	assert.Equal(t, DefaultTimeoutMs, nav.TimeoutMs, "timeout should default")
}

func TestDecodeCommand_EmptySessionIDMeansCreate(t *testing.T) {
	raw := []byte(`{"id":"c1","method":"navigate","url":"https://example.com"}`)
	cmd, err := DecodeCommand(raw)
	require.NoError(t, err, "an omitted session_id asks for a new session")
	assert.Empty(t, cmd.Base().SessionID)
}

func TestDecodeCommand_BooleanDefaults(t *testing.T) {
	t.Run("fill defaults clear_first and validate_input to true", func(t *testing.T) {
		raw := []byte(`{"id":"c1","method":"fill","session_id":"s1","selector":"#q","text":"hi"}`)
		cmd, err := DecodeCommand(raw)
		require.NoError(t, err)

		fill := cmd.(*FillCommand)
		assert.True(t, fill.ClearFirst)
		assert.True(t, fill.ValidateInput)
	})

	t.Run("explicit false survives decoding", func(t *testing.T) {
		raw := []byte(`{"id":"c1","method":"fill","session_id":"s1","selector":"#q","text":"hi","clear_first":false}`)
		cmd, err := DecodeCommand(raw)
		require.NoError(t, err)
		assert.False(t, cmd.(*FillCommand).ClearFirst)
	})

	t.Run("extract defaults trim_whitespace to true", func(t *testing.T) {
		raw := []byte(`{"id":"c1","method":"extract","session_id":"s1","selector":"h1"}`)
		cmd, err := DecodeCommand(raw)
		require.NoError(t, err)
		assert.True(t, cmd.(*ExtractCommand).TrimWhitespace)
	})
}

func TestDecodeCommand_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		code ErrorCode
	}{
		{"not json", `{{{{`, ErrInvalidCommand},
		{"missing method", `{"id":"c1","session_id":"s1"}`, ErrInvalidCommand},
		{"unknown method", `{"id":"c1","method":"teleport","session_id":"s1"}`, ErrInvalidCommand},
		{"missing id", `{"method":"navigate","session_id":"s1","url":"https://a.test"}`, ErrInvalidParams},
		{"missing url", `{"id":"c1","method":"navigate","session_id":"s1"}`, ErrInvalidParams},
		{"timeout too small", `{"id":"c1","method":"navigate","session_id":"s1","url":"https://a.test","timeout_ms":10}`, ErrInvalidParams},
		{"timeout too large", `{"id":"c1","method":"navigate","session_id":"s1","url":"https://a.test","timeout_ms":400000}`, ErrInvalidParams},
		{"bad wait_until", `{"id":"c1","method":"navigate","session_id":"s1","url":"https://a.test","wait_until":"never"}`, ErrInvalidParams},
		{"click missing selector", `{"id":"c1","method":"click","session_id":"s1"}`, ErrInvalidParams},
		{"click bad button", `{"id":"c1","method":"click","session_id":"s1","selector":"a","button":"back"}`, ErrInvalidParams},
		{"click count too high", `{"id":"c1","method":"click","session_id":"s1","selector":"a","click_count":11}`, ErrInvalidParams},
		{"click position out of range", `{"id":"c1","method":"click","session_id":"s1","selector":"a","position":{"x":1.5,"y":0.5}}`, ErrInvalidParams},
		{"fill delay out of range", `{"id":"c1","method":"fill","session_id":"s1","selector":"#q","text":"x","typing_delay_ms":2000}`, ErrInvalidParams},
		{"extract attribute without name", `{"id":"c1","method":"extract","session_id":"s1","selector":"a","extract_type":"attribute"}`, ErrInvalidParams},
		{"extract property without name", `{"id":"c1","method":"extract","session_id":"s1","selector":"a","extract_type":"property"}`, ErrInvalidParams},
		{"extract bad type", `{"id":"c1","method":"extract","session_id":"s1","selector":"a","extract_type":"style"}`, ErrInvalidParams},
		{"wait missing condition", `{"id":"c1","method":"wait","session_id":"s1"}`, ErrInvalidParams},
		{"wait element condition without selector", `{"id":"c1","method":"wait","session_id":"s1","condition":"visible"}`, ErrInvalidParams},
		{"wait text_equals without text", `{"id":"c1","method":"wait","session_id":"s1","condition":"text_equals","selector":"h1"}`, ErrInvalidParams},
		{"wait custom_js without script", `{"id":"c1","method":"wait","session_id":"s1","condition":"custom_js"}`, ErrInvalidParams},
		{"wait poll too fast", `{"id":"c1","method":"wait","session_id":"s1","condition":"load","poll_interval_ms":10}`, ErrInvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCommand([]byte(tt.raw))
			require.Error(t, err)
			ce := AsCommandError(err)
			assert.Equal(t, tt.code, ce.Code)
		})
	}
}

func TestClickCommand_Defaults(t *testing.T) {
	raw := []byte(`{"id":"c1","method":"click","session_id":"s1","selector":"#go"}`)
	cmd, err := DecodeCommand(raw)
	require.NoError(t, err)

	click := cmd.(*ClickCommand)
	assert.Equal(t, ButtonLeft, click.Button)
	assert.Equal(t, 1, click.ClickCount)
	assert.Nil(t, click.Position)
}

func TestWaitCommand_Defaults(t *testing.T) {
	raw := []byte(`{"id":"c1","method":"wait","session_id":"s1","condition":"load"}`)
	cmd, err := DecodeCommand(raw)
	require.NoError(t, err)
	assert.Equal(t, 100, cmd.(*WaitCommand).PollIntervalMs)
}

func TestMutating(t *testing.T) {
	assert.True(t, Mutating(MethodNavigate))
	assert.True(t, Mutating(MethodClick))
	assert.True(t, Mutating(MethodFill))
	assert.False(t, Mutating(MethodExtract))
	assert.False(t, Mutating(MethodWait))
}

func TestErrorCodeTypes(t *testing.T) {
	assert.Equal(t, "validation", ErrInvalidParams.Type())
	assert.Equal(t, "security", ErrUnsafeInput.Type())
	assert.Equal(t, "session", ErrSessionNotOwned.Type())
	assert.Equal(t, "execution", ErrWaitTimeout.Type())
	assert.Equal(t, "internal", ErrInternal.Type())
}

func TestDiffStates(t *testing.T) {
	before := PageState{URL: "https://a.test/", Title: "A", ElementCount: 10, DOMFingerprint: "f1"}

	t.Run("no change", func(t *testing.T) {
		d := DiffStates(before, before)
		assert.False(t, d.Changed())
	})

	t.Run("dom change", func(t *testing.T) {
		after := before
		after.DOMFingerprint = "f2"
		d := DiffStates(before, after)
		assert.True(t, d.Changed())
		assert.True(t, d.DOMChanged)
		assert.False(t, d.URLChanged)
	})

	t.Run("navigation change", func(t *testing.T) {
		after := PageState{URL: "https://b.test/", Title: "B", ElementCount: 3, DOMFingerprint: "f3"}
		d := DiffStates(before, after)
		assert.True(t, d.URLChanged)
		assert.True(t, d.TitleChanged)
		assert.True(t, d.DOMChanged)
	})
}
