// Package registration implements the Device Registration / Cloud Sync
// Controller (spec.md §4.4): the OAuth registration handshake, access-token
// lifecycle, command poll / state push loops, and the GcdState lifecycle
// those expose to observers.
package registration
