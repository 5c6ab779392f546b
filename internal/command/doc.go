// Package command implements the Command Manager (spec.md §4.2): command
// dictionaries loaded from schema JSON, the Command state machine, and the
// queue/dispatch machinery that hands queued commands to registered
// handlers on the Task Runner.
package command
