package opi

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Message is one decoded protocol frame: a JSON object with no fixed schema.
type Message map[string]any

// DecodeMessage parses one frame. Anything but a single JSON object is a
// FrameError.
func DecodeMessage(frame []byte) (Message, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return nil, &FrameError{Reason: "empty frame"}
	}
	var v any
	if err := json.Unmarshal(frame, &v); err != nil {
		return nil, &FrameError{Reason: "invalid json", Err: err}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, &FrameError{Reason: fmt.Sprintf("expected a json object, got %T", v)}
	}
	return Message(obj), nil
}

// Encode renders m as one newline-terminated frame.
func (m Message) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// CommandName returns the raw command value, if it is a string.
func (m Message) CommandName() (string, bool) {
	s, ok := m[CommandKey].(string)
	return s, ok
}

// OK builds a success reply carrying fields.
func OK(cmd Command, fields Message) Message {
	reply := make(Message, len(fields)+2)
	for k, v := range fields {
		reply[k] = v
	}
	reply[CommandKey] = string(cmd)
	reply["error"] = false
	return reply
}

// Args are the validated arguments handed to a backend. Defaults declared by
// optional specs are already filled in and the command key is removed.
type Args map[string]any

// Has reports whether name is set.
func (a Args) Has(name string) bool {
	_, ok := a[name]
	return ok
}

// Float returns a numeric argument, or 0 when absent.
func (a Args) Float(name string) float64 {
	f, _ := a[name].(float64)
	return f
}

// Int returns a numeric argument truncated to int.
func (a Args) Int(name string) int {
	return int(a.Float(name))
}

// Floats returns a numeric list argument.
func (a Args) Floats(name string) []float64 {
	switch v := a[name].(type) {
	case []float64:
		return v
	case []any:
		out := make([]float64, 0, len(v))
		for _, e := range v {
			if f, ok := e.(float64); ok {
				out = append(out, f)
			}
		}
		return out
	}
	return nil
}

// String returns a string or enum argument.
func (a Args) String(name string) string {
	s, _ := a[name].(string)
	return s
}

// Strings returns a string or enum list argument.
func (a Args) Strings(name string) []string {
	switch v := a[name].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Bool returns a boolean argument.
func (a Args) Bool(name string) bool {
	b, _ := a[name].(bool)
	return b
}
