package opi

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

func TestFrameReader_SplitsLines(t *testing.T) {
	r := newFrameReader(strings.NewReader("{\"a\":1}\n{\"b\":2}\r\n"), 0)
	for _, want := range []string{`{"a":1}`, `{"b":2}`} {
		got, err := r.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if string(got) != want {
			t.Errorf("frame = %q, want %q", got, want)
		}
	}
	if _, err := r.ReadFrame(); !errors.Is(err, io.EOF) {
		t.Errorf("err = %v, want EOF", err)
	}
}

func TestFrameReader_BuffersPartialReads(t *testing.T) {
	r := newFrameReader(iotest.OneByteReader(strings.NewReader("{\"command\":\"query\"}\n")), 0)
	got, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(got) != `{"command":"query"}` {
		t.Errorf("frame = %q", got)
	}
}

func TestFrameReader_OversizeIsSkipped(t *testing.T) {
	long := strings.Repeat("x", 10000)
	r := newFrameReader(strings.NewReader(long+"\n{\"ok\":true}\n"), 64)

	_, err := r.ReadFrame()
	var fe *FrameError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want FrameError", err)
	}
	got, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame after oversize: %v", err)
	}
	if string(got) != `{"ok":true}` {
		t.Errorf("frame = %q, stream lost alignment", got)
	}
}

func TestFrameReader_LimitExcludesTerminator(t *testing.T) {
	body := strings.Repeat("x", 100)
	for _, term := range []string{"\n", "\r\n"} {
		r := newFrameReader(strings.NewReader(body+term+body+"y"+term), 100)
		got, err := r.ReadFrame()
		if err != nil {
			t.Fatalf("%q: frame of exactly max bytes rejected: %v", term, err)
		}
		if string(got) != body {
			t.Errorf("%q: frame = %q, want %d bytes", term, got, len(body))
		}
		var fe *FrameError
		if _, err := r.ReadFrame(); !errors.As(err, &fe) {
			t.Errorf("%q: err = %v, want FrameError for max+1 bytes", term, err)
		}
	}
}

func TestFrameReader_PartialLineAtEOF(t *testing.T) {
	r := newFrameReader(strings.NewReader(`{"command":`), 0)
	if _, err := r.ReadFrame(); !errors.Is(err, io.EOF) {
		t.Errorf("err = %v, want EOF", err)
	}
}

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"object", `{"command":"query","x":1}`, false},
		{"empty", "  ", true},
		{"malformed", `{"command":`, true},
		{"array", `[1,2]`, true},
		{"string", `"query"`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := DecodeMessage([]byte(tt.in))
			if tt.wantErr {
				var fe *FrameError
				if !errors.As(err, &fe) {
					t.Fatalf("err = %v, want FrameError", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if name, _ := m.CommandName(); name != "query" {
				t.Errorf("CommandName = %q", name)
			}
			if m["x"] != 1.0 {
				t.Errorf("numbers should decode to float64, got %T", m["x"])
			}
		})
	}
}

func TestMessage_Encode(t *testing.T) {
	b, err := OK(Query, Message{"name": "sim"}).Encode()
	if err != nil {
		t.Fatal(err)
	}
	want := `{"command":"query","error":false,"name":"sim"}` + "\n"
	if string(b) != want {
		t.Errorf("Encode = %q, want %q", b, want)
	}
}

func TestErrorReply(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"frame", &FrameError{Reason: "invalid json"}, CodeFrame},
		{"validation", MissingField(Setup, "bgcol"), CodeValidation},
		{"state", &ProtocolStateError{State: Unselected, Command: Present}, CodeState},
		{"backend", NewBackendError("SERIAL", ErrConnectionLost), CodeBackend},
		{"plain", errors.New("boom"), CodeBackend},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := ErrorReply(Present, tt.err)
			if m["error"] != true || m["code"] != tt.code || m[CommandKey] != "present" {
				t.Errorf("reply = %v", m)
			}
			if m["msg"] != tt.err.Error() {
				t.Errorf("msg = %v", m["msg"])
			}
		})
	}

	m := ErrorReply(Present, NewBackendError("SERIAL", ErrConnectionLost))
	if m["broken"] != true || m["device_code"] != "SERIAL" {
		t.Errorf("backend detail = %v", m)
	}
	m = ErrorReply(Present, &ProtocolStateError{State: Closed, Command: Present})
	if m["state"] != "CLOSED" {
		t.Errorf("state detail = %v", m["state"])
	}
}
