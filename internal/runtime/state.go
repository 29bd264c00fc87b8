package runtime

import loggingpkg "github.com/drblury/holdflow/internal/runtime/logging"

// State is the lifecycle position of a service.
type State string

const (
	StateCreated      State = "CREATED"
	StateInitializing State = "INITIALIZING"
	StateReady        State = "READY"
	StateProcessing   State = "PROCESSING"
	StateStopped      State = "STOPPED"
	StateError        State = "ERROR"
)

func (s State) String() string { return string(s) }

// State returns the current lifecycle state.
func (s *BaseService) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *BaseService) setState(next State) {
	s.stateMu.Lock()
	prev := s.state
	s.state = next
	s.stateMu.Unlock()
	if prev != next {
		s.logger.Trace("State changed", loggingpkg.LogFields{"from": string(prev), "to": string(next)})
	}
}
