// Package modules contains the dependency modules of the composition root.
//
// Import Path: herald.io/herald/internal/app/modules
package modules

import (
	"context"

	"github.com/riverqueue/river"

	"herald.io/herald/internal/api/handlers"
)

// Module represents a dependency unit in the composition root.
type Module interface {
	// Name returns a stable module identifier for logging/debugging.
	Name() string

	// ContributeServerDeps injects module-owned dependencies into the HTTP server deps.
	ContributeServerDeps(*handlers.ServerDeps)

	// RegisterWorkers registers module workers into a shared River worker registry.
	RegisterWorkers(*river.Workers)

	// Start launches module-owned background loops. They stop when the
	// worker pools shut down.
	Start(context.Context) error

	// Shutdown performs module-local graceful cleanup.
	Shutdown(context.Context) error
}
