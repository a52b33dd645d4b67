package opi

import (
	"errors"
	"fmt"
	"strconv"
)

// Reply error codes.
const (
	CodeFrame      = "FRAME"
	CodeValidation = "VALIDATION"
	CodeState      = "STATE"
	CodeBackend    = "BACKEND"
)

// ErrConnectionLost is wrapped by backends whose device link is gone. The
// session moves to BROKEN when a backend error carries it.
var ErrConnectionLost = errors.New("device connection lost")

// ErrUnknownVariant is returned when CHOOSE names a machine with no registered
// backend.
var ErrUnknownVariant = errors.New("unknown machine")

// BindError reports that the listener could not open its port.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string { return fmt.Sprintf("bind %s: %v", e.Addr, e.Err) }
func (e *BindError) Unwrap() error { return e.Err }

// FrameError reports a malformed or oversized frame.
type FrameError struct {
	Reason string
	Err    error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bad frame: %s: %v", e.Reason, e.Err)
	}
	return "bad frame: " + e.Reason
}

func (e *FrameError) Unwrap() error { return e.Err }

// Reason values carried by ValidationError.
const (
	ReasonMissing    = "missing"
	ReasonUnexpected = "unexpected"
	ReasonType       = "type"
	ReasonRange      = "range"
	ReasonEnum       = "enum"
	ReasonCommand    = "command"
	ReasonMachine    = "machine"
)

// ValidationError names the first field of a request that broke its contract.
// Index is the offending list element, or -1 for scalars.
type ValidationError struct {
	Command  Command
	Field    string
	Reason   string
	Expected string
	Actual   any
	Index    int
	Err      error
}

// MissingField builds the error for an absent required field.
func MissingField(cmd Command, name string) *ValidationError {
	return &ValidationError{Command: cmd, Field: name, Reason: ReasonMissing, Expected: "present", Index: -1}
}

// UnexpectedField builds the error for a key no spec declares.
func UnexpectedField(cmd Command, name string, value any) *ValidationError {
	return &ValidationError{Command: cmd, Field: name, Reason: ReasonUnexpected, Expected: "absent", Actual: value, Index: -1}
}

func (e *ValidationError) Error() string {
	field := e.Field
	if e.Index >= 0 {
		field += "[" + strconv.Itoa(e.Index) + "]"
	}
	switch e.Reason {
	case ReasonMissing:
		return fmt.Sprintf("%s: missing field %q", e.Command, field)
	case ReasonUnexpected:
		return fmt.Sprintf("%s: unexpected field %q", e.Command, field)
	}
	return fmt.Sprintf("%s: field %q: expected %s, got %v", e.Command, field, e.Expected, e.Actual)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ProtocolStateError reports a command that is illegal in the current state.
type ProtocolStateError struct {
	State   State
	Command Command
}

func (e *ProtocolStateError) Error() string {
	return fmt.Sprintf("command %q not allowed in state %s", e.Command, e.State)
}

// BackendError is the envelope for any failure raised by a device backend.
type BackendError struct {
	Code   string
	Detail string
	Broken bool
	Err    error
}

func (e *BackendError) Error() string {
	if e.Code == "" {
		return "backend: " + e.Detail
	}
	return fmt.Sprintf("backend %s: %s", e.Code, e.Detail)
}

func (e *BackendError) Unwrap() error { return e.Err }

// NewBackendError wraps err with a device-specific code.
func NewBackendError(code string, err error) *BackendError {
	return &BackendError{Code: code, Detail: err.Error(), Broken: errors.Is(err, ErrConnectionLost), Err: err}
}

// asBackendError maps any error returned by a backend into the envelope.
func asBackendError(err error) *BackendError {
	var be *BackendError
	if errors.As(err, &be) {
		if !be.Broken && errors.Is(err, ErrConnectionLost) {
			be.Broken = true
		}
		return be
	}
	return NewBackendError("DEVICE", err)
}

// TransportError reports that the client socket failed; no reply is possible.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ErrorReply converts err into the wire error envelope.
func ErrorReply(cmd Command, err error) Message {
	m := Message{CommandKey: string(cmd), "error": true, "msg": err.Error()}

	var (
		fe *FrameError
		ve *ValidationError
		se *ProtocolStateError
		be *BackendError
	)
	switch {
	case errors.As(err, &fe):
		m["code"] = CodeFrame
	case errors.As(err, &ve):
		m["code"] = CodeValidation
		m["field"] = ve.Field
		m["reason"] = ve.Reason
		if ve.Index >= 0 {
			m["index"] = ve.Index
		}
	case errors.As(err, &se):
		m["code"] = CodeState
		m["state"] = se.State.String()
	case errors.As(err, &be):
		m["code"] = CodeBackend
		m["device_code"] = be.Code
		m["broken"] = be.Broken
	default:
		m["code"] = CodeBackend
	}
	return m
}
