package connection

import "fmt"

// Kind enumerates connection states.
type Kind int

const (
	Initialized Kind = iota
	Connecting
	Connected
	Disconnecting
	Disconnected
)

func (k Kind) String() string {
	switch k {
	case Initialized:
		return "initialized"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Disconnected:
		return "disconnected"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// SourceKind says who asked for a disconnect.
type SourceKind int

const (
	UserInitiated SourceKind = iota
	SystemInitiated
	ServerInitiated
	NoPongReceived
)

func (k SourceKind) String() string {
	switch k {
	case UserInitiated:
		return "user"
	case SystemInitiated:
		return "system"
	case ServerInitiated:
		return "server"
	case NoPongReceived:
		return "no-pong"
	}
	return fmt.Sprintf("source(%d)", int(k))
}

// DisconnectSource carries the reason for a disconnect. Err is set for
// server-initiated disconnects.
type DisconnectSource struct {
	Kind SourceKind
	Err  error
}

// State is a connection state. ConnectionID is set only when Connected,
// Source only when Disconnecting and Err only when Disconnected.
type State struct {
	Kind         Kind
	ConnectionID string
	Source       DisconnectSource
	Err          error
}

func (s State) String() string {
	switch s.Kind {
	case Connected:
		return fmt.Sprintf("connected(%s)", s.ConnectionID)
	case Disconnecting:
		return fmt.Sprintf("disconnecting(%s)", s.Source.Kind)
	case Disconnected:
		if s.Err != nil {
			return fmt.Sprintf("disconnected(%v)", s.Err)
		}
		return "disconnected"
	}
	return s.Kind.String()
}

var transitions = map[Kind][]Kind{
	Initialized:   {Connecting},
	Connecting:    {Connected, Disconnecting, Disconnected},
	Connected:     {Disconnecting},
	Disconnecting: {Disconnected},
	Disconnected:  {Connecting},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to Kind) bool {
	for _, k := range transitions[from] {
		if k == to {
			return true
		}
	}
	return false
}
