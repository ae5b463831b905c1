// api/schemas/decode_fuzz_test.go
//go:build go1.18
// +build go1.18

package schemas

import (
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
)

func Fuzz_DecodeCommand(f *testing.F) {
	f.Add([]byte(`{"id":"c1","method":"navigate","session_id":"s1","url":"https://example.com"}`))
	f.Add([]byte(`{"id":"c1","method":"wait","session_id":"s1","condition":"visible","selector":"#x"}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`not json`))

	f.Fuzz(func(t *testing.T, raw []byte) {
		cmd, err := DecodeCommand(raw)
		if err != nil {
			// Every decode failure must surface as a typed CommandError.
			if _, ok := err.(*CommandError); !ok {
				t.Fatalf("decode returned untyped error: %v", err)
			}
			return
		}
		// A decoded command must re-validate cleanly.
		if verr := cmd.Validate(); verr != nil {
			t.Fatalf("decoded command failed re-validation: %v", verr)
		}
	})
}

func Fuzz_ClickValidate(f *testing.F) {
	f.Add("c1", "s1", "#button", "left", 1, 0.5, 0.5)
	f.Fuzz(func(t *testing.T, id, session, selector, button string, count int, x, y float64) {
		cmd := &ClickCommand{
			BaseCommand: BaseCommand{ID: id, Method: MethodClick, SessionID: session},
			Selector:    selector,
			Button:      MouseButton(button),
			ClickCount:  count,
			Position:    &Position{X: x, Y: y},
		}
		_ = cmd.Validate()
	})
}

func Fuzz_GeneratedCommands(f *testing.F) {
	f.Add([]byte{0x01, 0x02, 0x03})
	f.Fuzz(func(t *testing.T, seed []byte) {
		fc := fuzz.NewConsumer(seed)
		var cmd WaitCommand
		if err := fc.GenerateStruct(&cmd); err != nil {
			return
		}
		_ = cmd.Validate()
	})
}
