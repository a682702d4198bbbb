package server

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies this package's tests never leave a readLoop/writeLoop/
// tickLoop goroutine running past the connection that spawned it — the
// driver is the one layer in this system that manages goroutines itself,
// so it is the one place a leak could actually hide.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
