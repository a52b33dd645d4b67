package serialmux

import (
	"io"

	"go.bug.st/serial"
)

// SerialPorter is the minimal interface needed for a serial port, so tests can
// run without hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// Opener opens the port at path. Device backends take an Opener so tests can
// substitute a TestableSerialPort.
type Opener func(path string, opts PortOptions) (SerialPorter, error)

// OpenReal opens a hardware port with go.bug.st/serial.
func OpenReal(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	return serial.Open(path, mode)
}

// Open opens a port with opener and wraps it in a mux.
func Open(opener Opener, path string, opts PortOptions) (*SerialMux[SerialPorter], error) {
	if opener == nil {
		opener = OpenReal
	}
	port, err := opener(path, opts)
	if err != nil {
		return nil, err
	}
	return NewSerialMux(port), nil
}
