// Package state implements the State Manager and Change Queue (spec.md
// §4.3): a versioned registry of named PropValues, and a bounded journal of
// timestamped deltas the Sync Controller drains to push to the cloud.
package state
