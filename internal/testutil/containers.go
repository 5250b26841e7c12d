// Package testutil starts throwaway backing services for integration tests.
//
// Containers are shared per test binary and terminated by Cleanup, which the
// package's TestMain should call after m.Run. Tests are skipped in -short
// mode or when Docker is not available.
package testutil

import (
	"sync"
	"testing"

	"github.com/testcontainers/testcontainers-go"
)

var (
	cleanupMu  sync.Mutex
	containers []testcontainers.Container
)

func registerCleanup(c testcontainers.Container) {
	cleanupMu.Lock()
	defer cleanupMu.Unlock()
	containers = append(containers, c)
}

// Cleanup terminates every container started by this package.
func Cleanup() {
	cleanupMu.Lock()
	defer cleanupMu.Unlock()
	for _, c := range containers {
		_ = testcontainers.TerminateContainer(c)
	}
	containers = nil
}

func skipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in -short mode")
	}
}
