package registration

import "sync"

// GcdState is the agent's cloud-connection lifecycle state (spec.md §3).
type GcdState int

const (
	GcdStateUnconfigured GcdState = iota
	GcdStateConnecting
	GcdStateConnected
	GcdStateDisabled
	GcdStateInvalid
)

func (s GcdState) String() string {
	switch s {
	case GcdStateUnconfigured:
		return "unconfigured"
	case GcdStateConnecting:
		return "connecting"
	case GcdStateConnected:
		return "connected"
	case GcdStateDisabled:
		return "disabled"
	case GcdStateInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// stateObservers tracks GcdState subscribers and the current value.
type stateObservers struct {
	mu        sync.RWMutex
	current   GcdState
	observers []func(GcdState)
}

func (s *stateObservers) get() GcdState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// set updates current and notifies observers if it changed.
func (s *stateObservers) set(next GcdState) {
	s.mu.Lock()
	if s.current == next {
		s.mu.Unlock()
		return
	}
	s.current = next
	cbs := append([]func(GcdState){}, s.observers...)
	s.mu.Unlock()

	for _, cb := range cbs {
		cb(next)
	}
}

func (s *stateObservers) subscribe(cb func(GcdState)) {
	s.mu.Lock()
	s.observers = append(s.observers, cb)
	current := s.current
	s.mu.Unlock()
	cb(current)
}
