// Package scheduler implements the single-threaded cooperative Task Runner
// described in spec.md §5: posted tasks (command dispatch and expiry, the
// sync loops' ticks) run one at a time on its one goroutine. Not every
// mutation of shared agent state goes through it: the local API, for one,
// adds commands from its own HTTP goroutines, and the command, state and
// registration types guard their data with their own mutexes.
package scheduler
