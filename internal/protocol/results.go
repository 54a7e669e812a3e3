package protocol

import (
	"time"

	"github.com/peterje/pulsar/internal/session"
)

type StatusResult struct {
	Version       string `json:"version"`
	UptimeSeconds uint64 `json:"uptime_seconds"`
	NumSessions   int    `json:"num_sessions"`
	NumClients    int    `json:"num_clients"`
}

type CreateSessionResult struct {
	SessionID string `json:"session_id"`
}

type ListSessionsResult struct {
	Sessions []session.Summary `json:"sessions"`
}

// SuccessResult answers attach, detach, terminate and resize.
type SuccessResult struct {
	Success bool `json:"success"`
}

type SendInputResult struct {
	BytesWritten int `json:"bytes_written"`
}

// ReceiveOutputResult carries base64 Data; BytesRead counts decoded bytes.
type ReceiveOutputResult struct {
	Data      string `json:"data"`
	BytesRead int    `json:"bytes_read"`
}

// HistoryEntry is one recorded session lifecycle. Terminal fields are nil
// while the session is live.
type HistoryEntry struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	SessionType  session.Type `json:"session_type"`
	CreatedAt    time.Time    `json:"created_at"`
	TerminatedAt *time.Time   `json:"terminated_at,omitempty"`
	Reason       *string      `json:"reason,omitempty"`
	ExitCode     *int         `json:"exit_code,omitempty"`
}

type SessionHistoryResult struct {
	Sessions []HistoryEntry `json:"sessions"`
}
