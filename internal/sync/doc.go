// Package sync implements the cross-platform synchronization engine.
//
// The Engine registers platforms, stores encrypted records, and propagates
// every accepted mutation to the other live platforms through their
// adapters. Each mutation becomes an Operation that is dispatched in the
// background and retried with capped exponential backoff.
//
// # Conflicts
//
// An update collides with the stored record when its checksum differs, the
// stored record was written within the conflict window, and the stored
// writer is a different platform. Collisions are recorded as Conflicts and
// adjudicated by the category's strategy:
//   - latest-wins: the incoming update is applied over the stored one
//   - manual: nothing changes until ResolveConflict is called
//   - source-priority: the higher-ranked platform kind wins
//
// In every case the colliding UpdateRecord call reports false.
//
// # Background loop
//
// While the service runs, each iteration probes adapter health, clears the
// liveness of platforms not seen within the staleness window, re-dispatches
// failed operations whose backoff elapsed, verifies every record's checksum
// and prunes old conflicts and operations. Errors are reported as
// sync_error events and never stop the loop.
package sync
