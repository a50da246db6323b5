// Package dispatch claims due job descriptors and runs them.
//
// A pass (RunOnce) fetches up to Capacity due descriptors, claims each with
// the store's compare-and-swap, and runs the claimed ones concurrently. Any
// number of dispatchers may share a store; a descriptor is executed by the
// one whose claim lands.
//
// Outcome handling:
//   - Success: completed, result stored
//   - job.Fatal error or unknown job type: broken
//   - Any other error or a panic: failed, then queued again after backoff
//     until MaxAttempts runs have been made, then broken
//
// Reconcile treats running descriptors that have not been updated within
// StaleAfter as abandoned and routes them through the same failure path.
package dispatch
