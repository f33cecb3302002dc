package session

import "fmt"

// State is the lifecycle state of the tracking session.
type State int

const (
	Stopped State = iota
	Starting
	Active
	Paused
	Stopping
	Error
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Paused:
		return "paused"
	case Stopping:
		return "stopping"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Idle reports whether no asynchronous work can be pending in s.
func (s State) Idle() bool {
	return s == Stopped || s == Error
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	for candidate := Stopped; candidate <= Error; candidate++ {
		if candidate.String() == string(b) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Event drives a state transition.
type Event int

const (
	EventStart Event = iota
	EventSubscribed
	EventAbort
	EventPause
	EventResume
	EventStop
	EventFinalized
	EventRecover
	EventFailure
	EventReset
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventSubscribed:
		return "subscribed"
	case EventAbort:
		return "abort"
	case EventPause:
		return "pause"
	case EventResume:
		return "resume"
	case EventStop:
		return "stop"
	case EventFinalized:
		return "finalized"
	case EventRecover:
		return "recover"
	case EventFailure:
		return "failure"
	case EventReset:
		return "reset"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Next returns the state reached from s on e. Illegal pairs return s and
// false.
//
// EventAbort rolls a start back when the stream could not be opened, and
// EventRecover adopts an unfinished trip found at startup; both are internal
// to the controller.
func Next(s State, e Event) (State, bool) {
	if e == EventFailure {
		return Error, true
	}

	switch s {
	case Stopped:
		switch e {
		case EventStart:
			return Starting, true
		case EventRecover:
			return Paused, true
		}
	case Starting:
		switch e {
		case EventSubscribed:
			return Active, true
		case EventAbort:
			return Stopped, true
		}
	case Active:
		switch e {
		case EventPause:
			return Paused, true
		case EventStop:
			return Stopping, true
		}
	case Paused:
		switch e {
		case EventResume:
			return Active, true
		case EventStop:
			return Stopping, true
		}
	case Stopping:
		if e == EventFinalized {
			return Stopped, true
		}
	case Error:
		if e == EventReset {
			return Stopped, true
		}
	}
	return s, false
}
