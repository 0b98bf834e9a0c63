// Package worker runs the storefront inside a sandbox and keeps it current.
//
// A [Manager] boots three workers behind one listener:
//
//   - the edge worker receives every request; it serves static assets and the
//     debug-network stream and forwards the rest to the app with a request id
//     and the oxygen headers
//   - the app worker executes the server bundle with the project variables
//     bound, plus an H2O_LOG_EVENT binding for request events
//   - the profiler worker records those events on an [event.Bus]
//
// [Manager.Reload] re-reads the bundle from disk and swaps it into the
// running [Handle] without closing the listener.
package worker
