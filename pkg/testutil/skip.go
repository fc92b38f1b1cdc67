// Package testutil gates the container-backed backend tests.
package testutil

import (
	"os"
	"testing"
)

// IntegrationEnv forces integration tests on CI machines, where they are
// skipped by default.
const IntegrationEnv = "JOBQUEUE_INTEGRATION"

// RequireIntegration skips t under -short, and on CI unless IntegrationEnv is set.
func RequireIntegration(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping backend integration test in short mode")
	}
	if os.Getenv(IntegrationEnv) == "" && os.Getenv("CI") != "" {
		t.Skipf("skipping backend integration test on CI (set %s=1 to run)", IntegrationEnv)
	}
}
