package topology_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies no goroutines leak across the topology test
// suite.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
