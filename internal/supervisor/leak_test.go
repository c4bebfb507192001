package supervisor

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies that every monitor/drainStderr/waitForExit goroutine a
// supervised process spawns exits once the process does, leaving nothing
// behind for the next Session.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
