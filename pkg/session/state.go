package session

import "fmt"

// State is the lifecycle state of the capture session.
type State int

const (
	StateIdle State = iota
	StateAcquiringDevice
	StateDeviceError
	StateConnecting
	StateStreaming
	StateStopping
	StateLinkError
)

var stateNames = map[State]string{
	StateIdle:            "idle",
	StateAcquiringDevice: "acquiring-device",
	StateDeviceError:     "device-error",
	StateConnecting:      "connecting",
	StateStreaming:       "streaming",
	StateStopping:        "stopping",
	StateLinkError:       "link-error",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether s is an error state that holds no resources.
func (s State) Terminal() bool {
	return s == StateDeviceError || s == StateLinkError
}

// Status is the UI-facing session status.
type Status string

const (
	StatusIdle             Status = "idle"
	StatusRequestingCamera Status = "requesting-camera"
	StatusCameraError      Status = "camera-error"
	StatusConnecting       Status = "connecting"
	StatusStreaming        Status = "streaming"
	StatusClosed           Status = "closed"
	StatusWSError          Status = "ws-error"
)

// statusFor maps a state to the UI status. A link error shows as closed when
// the peer ended the session cleanly.
func statusFor(s State, gracefulClose bool) Status {
	switch s {
	case StateIdle:
		return StatusIdle
	case StateAcquiringDevice:
		return StatusRequestingCamera
	case StateDeviceError:
		return StatusCameraError
	case StateConnecting:
		return StatusConnecting
	case StateStreaming:
		return StatusStreaming
	case StateStopping:
		return StatusClosed
	case StateLinkError:
		if gracefulClose {
			return StatusClosed
		}
		return StatusWSError
	default:
		return StatusIdle
	}
}

// event drives a state transition.
type event int

const (
	evStart event = iota
	evDeviceReady
	evDeviceError
	evLinkOpen
	evLinkError
	evStop
	evStopped
)

func (e event) String() string {
	switch e {
	case evStart:
		return "start"
	case evDeviceReady:
		return "device-ready"
	case evDeviceError:
		return "device-error"
	case evLinkOpen:
		return "link-open"
	case evLinkError:
		return "link-error"
	case evStop:
		return "stop"
	case evStopped:
		return "stopped"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// transitions lists every legal transition.
var transitions = map[State]map[event]State{
	StateIdle: {
		evStart: StateAcquiringDevice,
	},
	StateAcquiringDevice: {
		evDeviceReady: StateConnecting,
		evDeviceError: StateDeviceError,
		evStop:        StateStopping,
	},
	StateDeviceError: {
		evStart: StateAcquiringDevice,
		evStop:  StateStopping,
	},
	StateConnecting: {
		evLinkOpen:  StateStreaming,
		evLinkError: StateLinkError,
		evStop:      StateStopping,
	},
	StateStreaming: {
		evLinkError: StateLinkError,
		evStop:      StateStopping,
	},
	StateLinkError: {
		evStart: StateAcquiringDevice,
		evStop:  StateStopping,
	},
	StateStopping: {
		evStopped: StateIdle,
	},
}

// next returns the target state for ev, or false if the transition is illegal.
func next(from State, ev event) (State, bool) {
	to, ok := transitions[from][ev]
	return to, ok
}
