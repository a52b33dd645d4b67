// Package opi implements the OPI command protocol: message framing, per-command
// parameter contracts, the per-connection session state machine and the TCP
// listener that drives it. Device behaviour lives behind the Backend interface.
package opi

// Command is one of the six OPI commands. The wire value is lowercase.
type Command string

const (
	Choose     Command = "choose"
	Query      Command = "query"
	Initialize Command = "initialize"
	Setup      Command = "setup"
	Present    Command = "present"
	Close      Command = "close"
)

// CommandKey is the message key carrying the command name.
const CommandKey = "command"

var allCommands = []Command{Choose, Query, Initialize, Setup, Present, Close}

// Commands returns every command in protocol order.
func Commands() []Command {
	return append([]Command(nil), allCommands...)
}

// ParseCommand resolves a wire value. Matching is case-sensitive.
func ParseCommand(s string) (Command, bool) {
	for _, c := range allCommands {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}

// State is the lifecycle state of a Session.
type State int

const (
	Unselected State = iota
	Ready
	Running
	Broken
	Closed
)

func (s State) String() string {
	switch s {
	case Unselected:
		return "UNSELECTED"
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Broken:
		return "BROKEN"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further command is accepted in s.
func (s State) Terminal() bool {
	return s == Broken || s == Closed
}

// allowed reports whether cmd may be issued in state s. CHOOSE additionally
// requires a known machine and CLOSE always succeeds outside terminal states.
func allowed(s State, cmd Command) bool {
	if s.Terminal() {
		return false
	}
	switch cmd {
	case Choose:
		return s == Unselected
	case Close:
		return true
	case Query:
		return s == Ready || s == Running
	case Initialize:
		return s == Ready
	case Setup, Present:
		return s == Running
	}
	return false
}
