package bus

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies that publish/subscribe/close leaves no dispatcher or
// per-subscriber goroutine running behind, the same goroutine-leak
// guarantee the teacher's own async worker tests assert.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
