package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionNotFound is returned for ids that were never created or
	// have already been removed.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionTerminated is returned for sessions that are shutting down.
	ErrSessionTerminated = errors.New("session terminated")
	// ErrWriteFailed wraps PTY write errors.
	ErrWriteFailed = errors.New("write to pty failed")
	// ErrUnsupportedType is returned by Create for session types that have
	// no backing implementation.
	ErrUnsupportedType = errors.New("unsupported session type")
	// ErrInvalidSize is returned for zero terminal dimensions.
	ErrInvalidSize = errors.New("invalid terminal size")
)

// State is a session's lifecycle state. Terminated is absorbing.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "Starting":
		*s = StateStarting
	case "Running":
		*s = StateRunning
	case "Terminated":
		*s = StateTerminated
	default:
		return fmt.Errorf("unknown session state %q", text)
	}
	return nil
}

// Reason records why a session was terminated.
type Reason string

const (
	ReasonTerminated Reason = "terminated" // explicit terminate_session
	ReasonExited     Reason = "exited"     // backing process exited
	ReasonError      Reason = "error"      // unrecoverable PTY error
	ReasonShutdown   Reason = "shutdown"   // daemon shutting down
)

// Kind names a session type variant.
type Kind string

const (
	KindLocal  Kind = "Local"
	KindSSH    Kind = "Ssh"
	KindSerial Kind = "Serial"
)

// Type is the tagged session type. Only Local has a backing implementation;
// the remote variants are accepted on the wire and rejected by Create.
//
// JSON form: "Local", {"Ssh": {"host": "h", "port": 22}} or
// {"Serial": {"device": "/dev/ttyUSB0"}}.
type Type struct {
	Kind   Kind
	Host   string
	Port   uint16
	Device string
}

// Local is the default session type.
var Local = Type{Kind: KindLocal}

func (t Type) String() string {
	switch t.Kind {
	case KindSSH:
		return fmt.Sprintf("Ssh(%s:%d)", t.Host, t.Port)
	case KindSerial:
		return fmt.Sprintf("Serial(%s)", t.Device)
	default:
		return string(t.Kind)
	}
}

type sshFields struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

type serialFields struct {
	Device string `json:"device"`
}

func (t Type) MarshalJSON() ([]byte, error) {
	switch t.Kind {
	case KindLocal:
		return json.Marshal(string(KindLocal))
	case KindSSH:
		return json.Marshal(map[string]sshFields{string(KindSSH): {Host: t.Host, Port: t.Port}})
	case KindSerial:
		return json.Marshal(map[string]serialFields{string(KindSerial): {Device: t.Device}})
	default:
		return nil, fmt.Errorf("unknown session type %q", t.Kind)
	}
}

func (t *Type) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		if Kind(name) != KindLocal {
			return fmt.Errorf("unknown session type %q", name)
		}
		*t = Local
		return nil
	}

	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("session type: %w", err)
	}
	if len(tagged) != 1 {
		return errors.New("session type: expected exactly one variant")
	}
	for name, body := range tagged {
		switch Kind(name) {
		case KindLocal:
			*t = Local
		case KindSSH:
			var f sshFields
			if err := json.Unmarshal(body, &f); err != nil {
				return fmt.Errorf("session type Ssh: %w", err)
			}
			*t = Type{Kind: KindSSH, Host: f.Host, Port: f.Port}
		case KindSerial:
			var f serialFields
			if err := json.Unmarshal(body, &f); err != nil {
				return fmt.Errorf("session type Serial: %w", err)
			}
			*t = Type{Kind: KindSerial, Device: f.Device}
		default:
			return fmt.Errorf("unknown session type %q", name)
		}
	}
	return nil
}

// Summary is a point-in-time view of a session, as reported by list_sessions.
type Summary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	SessionType Type      `json:"session_type"`
	State       State     `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	LastActive  time.Time `json:"last_active"`
	NumClients  int       `json:"num_clients"`
	Cols        uint16    `json:"cols"`
	Rows        uint16    `json:"rows"`
}
