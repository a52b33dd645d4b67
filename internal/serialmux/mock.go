package serialmux

import (
	"bytes"
	"errors"
	"strings"
	"sync"
)

// ErrPortClosed is returned by TestableSerialPort after Close or Unplug.
var ErrPortClosed = errors.New("serial port closed")

// TestableSerialPort is an in-memory SerialPorter. Reads block until data is
// queued or the port is closed, so it behaves like a quiet device under
// Monitor.
type TestableSerialPort struct {
	mu       sync.Mutex
	readCond *sync.Cond

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer
	pending  string

	// Responder, when set, is called with every complete line written to the
	// port. A non-empty result is queued for reading, newline appended.
	Responder func(line string) string

	// WriteError is returned by the next Write call if set.
	WriteError error
	// CloseError is returned by Close if set.
	CloseError error

	closed     bool
	closeCalls int
	unplugged  bool
	readCalls  int
	writeCalls int
}

// NewTestableSerialPort creates an empty port.
func NewTestableSerialPort() *TestableSerialPort {
	p := &TestableSerialPort{}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

// Read blocks until data is available or the port is closed.
func (p *TestableSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readCalls++
	for !p.closed && !p.unplugged && p.readBuf.Len() == 0 {
		p.readCond.Wait()
	}
	if p.closed || p.unplugged {
		return 0, ErrPortClosed
	}
	return p.readBuf.Read(b)
}

// Write records b and feeds complete lines to Responder.
func (p *TestableSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeCalls++
	if p.closed || p.unplugged {
		return 0, ErrPortClosed
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		return 0, err
	}
	p.writeBuf.Write(b)
	if p.Responder == nil {
		return len(b), nil
	}
	p.pending += string(b)
	for {
		i := strings.IndexByte(p.pending, '\n')
		if i < 0 {
			break
		}
		line := p.pending[:i]
		p.pending = p.pending[i+1:]
		if reply := p.Responder(line); reply != "" {
			p.readBuf.WriteString(reply + "\n")
			p.readCond.Broadcast()
		}
	}
	return len(b), nil
}

// Close marks the port closed and wakes blocked readers.
func (p *TestableSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.closeCalls++
	p.readCond.Broadcast()
	return p.CloseError
}

// Unplug simulates the cable being pulled: reads and writes fail from now on.
func (p *TestableSerialPort) Unplug() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unplugged = true
	p.readCond.Broadcast()
}

// AddReadData queues data for subsequent reads.
func (p *TestableSerialPort) AddReadData(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readBuf.Write(data)
	p.readCond.Broadcast()
}

// WrittenLines returns every line written so far.
func (p *TestableSerialPort) WrittenLines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := strings.TrimSuffix(p.writeBuf.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// Closed reports whether Close was called.
func (p *TestableSerialPort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// CloseCalls reports how many times Close was called.
func (p *TestableSerialPort) CloseCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCalls
}

// MockOpener hands out a fixed port and records the paths it was asked for.
type MockOpener struct {
	mu    sync.Mutex
	Port  SerialPorter
	Err   error
	Calls []string
	Opts  []PortOptions
}

// Open has the Opener signature.
func (o *MockOpener) Open(path string, opts PortOptions) (SerialPorter, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Calls = append(o.Calls, path)
	o.Opts = append(o.Opts, opts)
	if o.Err != nil {
		return nil, o.Err
	}
	return o.Port, nil
}
