package browser

import (
	"testing"

	"go.uber.org/goleak"
)

// Sessions, pools, and combined contexts all spawn goroutines; every
// test must leave none behind.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
