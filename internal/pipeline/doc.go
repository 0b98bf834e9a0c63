// Package pipeline coordinates the two build stages of a dev cycle.
//
// Every cycle compiles client assets and the server bundle concurrently, but
// the server stage is gated on the client stage: [Coordinator.OnServerBuildStart]
// blocks until the current cycle's client signal settles, and refuses to
// proceed if it rejected. Each cycle gets two fresh [deferred.Signal] values.
// Starting a new cycle, or closing the coordinator, force-rejects the
// signals of the old one so no waiter is left hanging.
//
// # Hooks
//
// A bundler that runs its own stages drives the coordinator through hooks:
//
//	id := coord.OnClientBuildStart()
//	// client compile ...
//	coord.OnClientBuildEnd(err)
//	coord.OnClientWritten()
//
//	// concurrently, for the server stage:
//	if err := coord.OnServerBuildStart(ctx); err != nil {
//	    return // client failed; skip the server stage
//	}
//	// server compile ...
//	coord.OnServerBuildEnd(err)
//	coord.OnServerWritten()
//
// [Coordinator.RunCycle] performs the same sequence for a [Builder].
//
// # Shutdown
//
// [Coordinator.Close] settles in-flight signals with [errors.ErrCoordinatorClosed]
// and waits up to the grace period for gated waiters to unwind.
package pipeline
