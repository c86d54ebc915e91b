// Package containers starts ephemeral CouchDB and Redis containers for
// integration tests using testcontainers-go.
//
// Containers listen on randomized host ports so parallel test runs do not
// collide, and every setup function returns a cleanup that terminates the
// container. Tests that depend on this package carry the integration build
// tag:
//
//	//go:build integration
//
// Example:
//
//	func TestStoreIntegration(t *testing.T) {
//	    ctx := context.Background()
//	    url, cleanup, err := containers.SetupCouchDB(ctx, nil)
//	    require.NoError(t, err)
//	    defer cleanup()
//	    // connect to url...
//	}
package containers

import (
	"context"

	"github.com/testcontainers/testcontainers-go"

	"msgstore.evalgo.org/common"
)

// ContainerCleanup terminates a test container. Defer it right after a
// successful setup call. Cleanups returned alongside an error are no-ops and
// safe to call.
type ContainerCleanup func()

func createCleanupFunc(ctx context.Context, container testcontainers.Container, containerType string) ContainerCleanup {
	return func() {
		if err := container.Terminate(ctx); err != nil {
			common.Logger.WithError(err).WithField("container", containerType).Warn("Failed to terminate test container")
		}
	}
}
