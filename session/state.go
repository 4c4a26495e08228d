package session

import "fmt"

// State состояние сессии записи
type State int

const (
	StateIdle State = iota
	StateRequestingDevice
	StateRecording
	StateFinalizing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequestingDevice:
		return "requesting_device"
	case StateRecording:
		return "recording"
	case StateFinalizing:
		return "finalizing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText для JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{StateIdle, StateRequestingDevice, StateRecording, StateFinalizing} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

type event int

const (
	eventStart event = iota
	eventGranted
	eventFailed
	eventStop
	eventFinalized
)

func (e event) String() string {
	return [...]string{"start", "granted", "failed", "stop", "finalized"}[e]
}

// transitions единственное место, где описаны допустимые переходы
var transitions = map[State]map[event]State{
	StateIdle: {
		eventStart: StateRequestingDevice,
	},
	StateRequestingDevice: {
		eventGranted: StateRecording,
		eventFailed:  StateIdle,
	},
	StateRecording: {
		eventStop: StateFinalizing,
	},
	StateFinalizing: {
		eventFinalized: StateIdle,
	},
}

func next(from State, ev event) (State, error) {
	to, ok := transitions[from][ev]
	if !ok {
		return from, fmt.Errorf("invalid transition: %s on %s", from, ev)
	}
	return to, nil
}
