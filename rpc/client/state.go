package client

import "encoding/json"

// ConnState is the state of the connection of a Facade.
//
//	CONNECTING -> HANDSHAKING -> SYNCED -> (RECONNECTING <-> SYNCED) -> CLOSED
type ConnState uint8

const (
	StateConnecting   ConnState = iota // first dial in progress
	StateHandshaking                   // connected, handshake not complete
	StateSynced                        // both sync steps done, updates stream live
	StateReconnecting                  // connection lost, waiting for the backoff or re-running the handshake
	StateClosed                        // closed by the user or by a terminal error
)

// String returns the string representation of a ConnState.
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateSynced:
		return "SYNCED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON serializes the state as its name.
func (s ConnState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}
