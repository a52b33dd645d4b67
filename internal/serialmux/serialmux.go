// Package serialmux multiplexes a line-oriented serial link. Lines read from
// the device fan out to subscribers; commands are written one at a time and
// Request pairs a command with the next line the device sends back.
package serialmux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"tailscale.com/tsweb"

	"github.com/banshee-data/opi.server/internal/monitoring"
)

var (
	ErrWriteFailed = errors.New("short write to serial port")
	// ErrLinkDown is returned once the read side of the link has failed or the
	// mux has been closed.
	ErrLinkDown = errors.New("serial link down")
)

// SerialMux is a serial port multiplexer shared by one device backend and the
// admin tail page.
type SerialMux[T SerialPorter] struct {
	port         T
	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	// requestMu keeps request/reply pairs from interleaving.
	requestMu sync.Mutex

	downOnce sync.Once
	down     chan struct{}
	downErr  error
	closing   bool
	closeOnce sync.Once
	closeErr  error
}

// SerialMuxInterface is what device backends and admin routes need from a mux.
type SerialMuxInterface interface {
	// Subscribe creates a channel receiving every line read from the port.
	// The id is passed to Unsubscribe.
	Subscribe() (string, chan string)
	Unsubscribe(string)
	// SendCommand writes one line to the port.
	SendCommand(string) error
	// Request writes one line and waits for the next line read back.
	Request(context.Context, string) (string, error)
	// Monitor reads lines until ctx ends or the port fails.
	Monitor(context.Context) error
	Close() error
	AttachAdminRoutes(*http.ServeMux)
}

// NewSerialMux wraps an open port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]chan string),
		down:        make(chan struct{}),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	return s.subscribe(0)
}

func (s *SerialMux[T]) subscribe(buf int) (string, chan string) {
	id := randomID()
	ch := make(chan string, buf)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if s.closing {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// SendCommand writes command, newline terminated, to the port.
func (s *SerialMux[T]) SendCommand(command string) error {
	select {
	case <-s.down:
		return s.linkErr()
	default:
	}
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		s.markDown(err)
		return fmt.Errorf("%w: write: %v", ErrLinkDown, err)
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Request sends line and returns the next line the device emits. Monitor
// must be running. Lines arriving before the write are not considered.
func (s *SerialMux[T]) Request(ctx context.Context, line string) (string, error) {
	s.requestMu.Lock()
	defer s.requestMu.Unlock()

	id, ch := s.subscribe(1)
	defer s.Unsubscribe(id)

	if err := s.SendCommand(line); err != nil {
		return "", err
	}
	select {
	case reply, ok := <-ch:
		if !ok {
			return "", s.linkErr()
		}
		return reply, nil
	case <-s.down:
		return "", s.linkErr()
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Done is closed when the link goes down.
func (s *SerialMux[T]) Done() <-chan struct{} { return s.down }

func (s *SerialMux[T]) markDown(err error) {
	s.downOnce.Do(func() {
		s.downErr = err
		close(s.down)
		if err != nil {
			monitoring.Log.Warn().Err(err).Msg("serial link down")
		}
	})
}

func (s *SerialMux[T]) linkErr() error {
	<-s.down
	if s.downErr == nil {
		return ErrLinkDown
	}
	return fmt.Errorf("%w: %v", ErrLinkDown, s.downErr)
}

// Monitor reads lines from the port and fans them out to subscribers. It
// returns when ctx ends, the mux is closed or the port fails; in the last
// case the link is marked down.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErrChan <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-s.down:
			return nil

		case err := <-scanErrChan:
			s.markDown(err)
			return err

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					s.markDown(err)
					return err
				default:
				}
				s.markDown(io.EOF)
				return nil
			}
			s.subscriberMu.Lock()
			for _, ch := range s.subscribers {
				select {
				case ch <- line:
				default:
					// slow subscribers miss lines rather than stall the link
				}
			}
			s.subscriberMu.Unlock()
		}
	}
}

// Close closes every subscriber and the port exactly once. Later and
// concurrent calls wait for the first to finish and return its error.
func (s *SerialMux[T]) Close() error {
	s.closeOnce.Do(func() {
		s.subscriberMu.Lock()
		s.closing = true
		for id, ch := range s.subscribers {
			close(ch)
			delete(s.subscribers, id)
		}
		s.subscriberMu.Unlock()

		s.markDown(nil)
		s.closeErr = s.port.Close()
	})
	return s.closeErr
}

// AttachAdminRoutes mounts a live tail of the link (/debug/serial-tail) and a
// raw command endpoint (/debug/serial-send). They are reachable only over
// localhost or Tailscale.
func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	s.AttachAdminRoutesPrefix(mux, "serial-")
}

// AttachAdminRoutesPrefix is AttachAdminRoutes with a caller-chosen route
// prefix, e.g. "compass-", so several links can share one mux.
func (s *SerialMux[T]) AttachAdminRoutesPrefix(mux *http.ServeMux, prefix string) {
	debug := tsweb.Debugger(mux)

	debug.HandleSilentFunc(prefix+"send", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to serial port", command))
	})

	// Server-Sent Events, one event per line read from the port.
	debug.HandleSilentFunc(prefix+"tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
