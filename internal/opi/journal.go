package opi

import "time"

// CommandRecord describes one handled command for the Journal.
type CommandRecord struct {
	SessionID string
	Machine   string
	Command   string
	Request   Message
	Reply     Message
	OK        bool
	Started   time.Time
	Duration  time.Duration
}

// Journal receives an audit trail of every session. Implementations must be
// safe for concurrent use; their errors are logged and never reach the client.
type Journal interface {
	SessionOpened(id, remote string, at time.Time) error
	CommandHandled(rec CommandRecord) error
	SessionClosed(id string, state State, at time.Time) error
}
