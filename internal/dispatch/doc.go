// Package dispatch turns a deploy request into a running worker.
//
// Deploy resolves the request suffix to a stored deployment, installs its
// dependencies, builds the worker environment, spawns the worker and sends it
// the load message. The caller is answered as soon as the load message is
// written; readiness is observed afterwards through the application registry.
//
// Every spawned worker gets a watcher goroutine that:
//   - applies getApplicationMetadata messages to the application registry
//     (last writer wins per application name)
//   - logs error messages from the worker
//   - stops the worker if it has not reported metadata within the ready
//     timeout (SIGTERM → grace → SIGKILL)
//   - removes the applications the worker still owns once it exits
//
// With wait_ready enabled, Deploy blocks until the worker is ready and fails
// with 504 when the ready timeout elapses first.
//
// Error mapping:
//   - unknown suffix → 400 "Invalid deployment id: <suffix>"
//   - install failure → the installer's own status (500, or 504 on timeout)
//   - spawn failure → 500
//   - shutdown in progress → 503
package dispatch
