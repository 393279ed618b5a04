package session

import (
	"time"
)

// State represents the command-channel session state.
type State int

const (
	// StateDisconnected is the initial state, before Connect.
	StateDisconnected State = iota
	// StateConnecting means the transport is being opened.
	StateConnecting
	// StateVersionCheck means the hello exchange is in progress.
	StateVersionCheck
	// StateSyncing means the server configuration is being synchronized.
	StateSyncing
	// StateConnected is the operational state: dispatch is accepted and
	// heartbeats are monitored.
	StateConnected
	// StateReconnecting means the channel was lost and retries are scheduled.
	StateReconnecting
	// StateFault means automatic recovery has stopped. Leaving Fault
	// requires a manual reconnect trigger.
	StateFault
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateVersionCheck:
		return "version-check"
	case StateSyncing:
		return "syncing"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Transition is the notification delivered to subscribers on every state
// change. Delivery is synchronous on the transitioning goroutine.
type Transition struct {
	Previous  State
	New       State
	Timestamp time.Time
}

// validTransitions is the session state graph. Disconnected is reachable
// from every state so Close can always tear the session down.
var validTransitions = map[State]map[State]bool{
	StateDisconnected: {
		StateConnecting: true,
	},
	StateConnecting: {
		StateVersionCheck: true,
		StateReconnecting: true,
		StateDisconnected: true,
	},
	StateVersionCheck: {
		StateSyncing:      true,
		StateFault:        true,
		StateReconnecting: true,
		StateDisconnected: true,
	},
	StateSyncing: {
		StateConnected:    true,
		StateReconnecting: true,
		StateDisconnected: true,
	},
	StateConnected: {
		StateReconnecting: true,
		StateDisconnected: true,
	},
	StateReconnecting: {
		StateConnecting:   true,
		StateFault:        true,
		StateDisconnected: true,
	},
	StateFault: {
		StateConnecting:   true,
		StateDisconnected: true,
	},
}

// canTransition reports whether the state graph permits from -> to.
func canTransition(from, to State) bool {
	return validTransitions[from][to]
}
