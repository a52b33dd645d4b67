package opi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/banshee-data/opi.server/internal/metrics"
	"github.com/banshee-data/opi.server/internal/monitoring"
)

// DefaultReleaseTimeout bounds the backend Close issued when a session is torn
// down without an explicit CLOSE command.
const DefaultReleaseTimeout = 5 * time.Second

// SessionConfig holds what every session of a listener shares.
type SessionConfig struct {
	Registry       *Registry
	Policy         FieldPolicy
	Journal        Journal
	MaxFrameBytes  int
	IdleTimeout    time.Duration
	ReleaseTimeout time.Duration
}

// SessionInfo is a point-in-time view of a session for admin pages.
type SessionInfo struct {
	ID       string    `json:"id"`
	Remote   string    `json:"remote"`
	State    string    `json:"state"`
	Machine  string    `json:"machine,omitempty"`
	Commands int       `json:"commands"`
	Opened   time.Time `json:"opened"`
}

// Session binds one client connection to at most one backend and enforces the
// command ordering of the protocol. Commands are handled strictly one at a
// time.
type Session struct {
	id     string
	remote string
	cfg    SessionConfig
	conn   io.ReadWriteCloser
	opened time.Time
	log    zerolog.Logger

	// commandMu serialises Handle so replies leave in request order.
	commandMu sync.Mutex

	mu       sync.Mutex
	state    State
	variant  Variant
	backend  Backend
	inFlight bool
	closing  bool
	commands int

	closeOnce sync.Once
	closeErr  error
}

// NewSession creates a session in state UNSELECTED. conn may be nil when the
// session is driven directly through Handle.
func NewSession(cfg SessionConfig, conn io.ReadWriteCloser, remote string) *Session {
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = DefaultReleaseTimeout
	}
	s := &Session{
		id:     uuid.NewString(),
		remote: remote,
		cfg:    cfg,
		conn:   conn,
		opened: time.Now(),
		state:  Unselected,
	}
	s.log = monitoring.Log.With().Str("session_id", s.id).Str("remote", remote).Logger()
	metrics.SessionOpened()
	if cfg.Journal != nil {
		if err := cfg.Journal.SessionOpened(s.id, remote, s.opened); err != nil {
			s.log.Warn().Err(err).Msg("journal session open")
		}
	}
	s.log.Info().Msg("session opened")
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot describes the session for debugging.
func (s *Session) Snapshot() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:       s.id,
		Remote:   s.remote,
		State:    s.state.String(),
		Machine:  string(s.variant),
		Commands: s.commands,
		Opened:   s.opened,
	}
}

// Backend returns the chosen backend, or nil before CHOOSE.
func (s *Session) Backend() Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend
}

// Handle processes one request and returns its reply. It never panics and
// never returns nil.
func (s *Session) Handle(ctx context.Context, m Message) Message {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()

	started := time.Now()
	cmd, reply, machine := s.handle(ctx, m)
	elapsed := time.Since(started)

	outcome := "ok"
	if code, ok := reply["code"].(string); ok {
		outcome = code
	}
	metrics.RecordCommand(string(cmd), outcome)
	metrics.ObserveCommandDuration(string(cmd), machine, elapsed)

	if s.cfg.Journal != nil {
		rec := CommandRecord{
			SessionID: s.id,
			Machine:   machine,
			Command:   string(cmd),
			Request:   m,
			Reply:     reply,
			OK:        outcome == "ok",
			Started:   started,
			Duration:  elapsed,
		}
		if err := s.cfg.Journal.CommandHandled(rec); err != nil {
			s.log.Warn().Err(err).Msg("journal command")
		}
	}
	return reply
}

func (s *Session) handle(ctx context.Context, m Message) (Command, Message, string) {
	cmd, err := s.parseCommand(m)
	if err != nil {
		s.reject(cmd, err)
		return cmd, ErrorReply(cmd, err), ""
	}

	s.mu.Lock()
	s.commands++
	state, variant, backend := s.state, s.variant, s.backend
	if !allowed(state, cmd) {
		s.mu.Unlock()
		err := &ProtocolStateError{State: state, Command: cmd}
		s.reject(cmd, err)
		return cmd, ErrorReply(cmd, err), string(variant)
	}
	s.inFlight = true
	s.mu.Unlock()

	reply, next := s.dispatch(ctx, cmd, m, variant, backend)

	s.mu.Lock()
	s.inFlight = false
	var drop []Backend
	if next.set {
		if s.closing {
			// Close ran during the call and already fixed the final state.
			if next.backend != nil {
				drop = append(drop, next.backend)
			}
		} else {
			s.state = next.state
			if next.backend != nil {
				s.variant, s.backend = next.variant, next.backend
			}
		}
		if next.release {
			s.backend = nil
		}
	}
	if next.drop != nil {
		drop = append(drop, next.drop)
	}
	if orphan := s.takeOrphanLocked(); orphan != nil {
		drop = append(drop, orphan)
	}
	variant = s.variant
	s.mu.Unlock()

	for _, b := range drop {
		s.release(b)
	}
	return cmd, reply, string(variant)
}

// transition is the state change produced by one dispatched command.
type transition struct {
	set     bool
	state   State
	variant Variant
	backend Backend
	release bool
	drop    Backend
}

func (s *Session) dispatch(ctx context.Context, cmd Command, m Message, variant Variant, backend Backend) (Message, transition) {
	contract, ok := s.cfg.Registry.Contract(variant, cmd)
	if !ok && cmd == Close && backend == nil {
		// closing before CHOOSE: there is no machine contract to apply
		contract, ok = Contract{}, true
	}
	if !ok {
		err := &BackendError{Code: "NO_CONTRACT", Detail: fmt.Sprintf("%s has no %s contract", variant, cmd)}
		return ErrorReply(cmd, err), transition{}
	}
	args, err := Validate(m, cmd, contract.Params, s.cfg.Policy)
	if err != nil {
		s.reject(cmd, err)
		return ErrorReply(cmd, err), transition{}
	}
	if s.cfg.Policy == IgnoreUnexpected {
		if extra := Unexpected(m, contract.Params); len(extra) > 0 {
			s.log.Debug().Str("command", string(cmd)).Strs("fields", extra).Msg("ignoring unexpected fields")
		}
	}

	if cmd == Choose {
		return s.choose(args)
	}

	var (
		out  Message
		next transition
	)
	switch cmd {
	case Query:
		out, err = call(func() (Message, error) { return backend.Query(ctx) })
	case Initialize:
		out, err = call(func() (Message, error) { return backend.Initialize(ctx, args) })
		if err == nil {
			next = transition{set: true, state: Running}
		}
	case Setup:
		out, err = call(func() (Message, error) { return backend.Setup(ctx, args) })
	case Present:
		out, err = call(func() (Message, error) { return backend.Present(ctx, args) })
	case Close:
		if backend != nil {
			out, err = call(func() (Message, error) { return backend.Close(ctx) })
		}
		next = transition{set: true, state: Closed, release: true}
	}

	if err != nil {
		be := asBackendError(err)
		s.log.Warn().Err(be).Str("command", string(cmd)).Bool("broken", be.Broken).Msg("backend error")
		if be.Broken && cmd != Close {
			// the link is gone but the backend may still hold local resources
			next = transition{set: true, state: Broken, release: true, drop: backend}
		}
		return ErrorReply(cmd, be), next
	}

	if problems := CheckReply(out, contract.Returns); len(problems) > 0 {
		s.log.Debug().Str("command", string(cmd)).Strs("problems", problems).Msg("reply does not match contract")
	}
	return OK(cmd, out), next
}

func (s *Session) choose(args Args) (Message, transition) {
	variant, backend, err := s.cfg.Registry.New(args.String("machine"))
	if err != nil {
		if errors.Is(err, ErrUnknownVariant) {
			verr := &ValidationError{Command: Choose, Field: "machine", Reason: ReasonMachine, Expected: "registered machine", Actual: args.String("machine"), Index: -1, Err: err}
			s.reject(Choose, verr)
			return ErrorReply(Choose, verr), transition{}
		}
		return ErrorReply(Choose, asBackendError(err)), transition{}
	}
	s.log.Info().Str("machine", string(variant)).Msg("machine chosen")
	reply := OK(Choose, Message{"machine": string(variant), "session": s.id})
	return reply, transition{set: true, state: Ready, variant: variant, backend: backend}
}

func (s *Session) parseCommand(m Message) (Command, error) {
	raw, present := m[CommandKey]
	if !present {
		return "", MissingField("", CommandKey)
	}
	name, ok := raw.(string)
	if !ok {
		return "", &ValidationError{Field: CommandKey, Reason: ReasonType, Expected: "string", Actual: describe(raw), Index: -1}
	}
	cmd, ok := ParseCommand(name)
	if !ok {
		return "", &ValidationError{Field: CommandKey, Reason: ReasonCommand, Expected: "one of choose, query, initialize, setup, present, close", Actual: name, Index: -1}
	}
	return cmd, nil
}

func (s *Session) reject(cmd Command, err error) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		metrics.RecordValidationError(string(cmd), ve.Reason)
	}
	s.log.Debug().Err(err).Str("command", string(cmd)).Msg("rejected")
}

// call runs one backend method, converting a panic into a BackendError.
func call(fn func() (Message, error)) (out Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, &BackendError{Code: "PANIC", Detail: fmt.Sprint(r)}
		}
	}()
	out, err = fn()
	if err == nil && out == nil {
		out = Message{}
	}
	return out, err
}

// takeOrphanLocked hands back a backend that must be released because Close
// ran while a command was in flight. s.mu must be held.
func (s *Session) takeOrphanLocked() Backend {
	if !s.closing || s.inFlight || s.backend == nil {
		return nil
	}
	b := s.backend
	s.backend = nil
	return b
}

// release closes a backend outside any session lock.
func (s *Session) release(b Backend) {
	if b == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ReleaseTimeout)
	defer cancel()
	if _, err := call(func() (Message, error) { return b.Close(ctx) }); err != nil {
		s.log.Warn().Err(err).Msg("release backend")
	}
}

// markBroken moves a live session to BROKEN after a transport failure and
// releases its backend.
func (s *Session) markBroken() {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = Broken
	var b Backend
	if !s.inFlight {
		b, s.backend = s.backend, nil
	}
	s.mu.Unlock()
	s.release(b)
}

// Close tears the session down: the backend is released and the socket
// closed, each exactly once. It is safe to call repeatedly and concurrently,
// including while a command is in flight, in which case the backend is
// released when that command returns.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		if !s.state.Terminal() {
			s.state = Closed
		}
		var b Backend
		if !s.inFlight {
			b, s.backend = s.backend, nil
		}
		state := s.state
		s.mu.Unlock()

		s.release(b)
		if s.conn != nil {
			s.closeErr = s.conn.Close()
		}
		metrics.SessionClosed()
		if s.cfg.Journal != nil {
			if err := s.cfg.Journal.SessionClosed(s.id, state, time.Now()); err != nil {
				s.log.Warn().Err(err).Msg("journal session close")
			}
		}
		s.log.Info().Str("state", state.String()).Msg("session closed")
	})
	return s.closeErr
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Serve reads frames from the connection until the peer disconnects, the
// transport fails or ctx is cancelled, answering each one before reading the
// next. The session is closed on return.
func (s *Session) Serve(ctx context.Context) error {
	if s.conn == nil {
		return errors.New("session has no connection")
	}
	defer s.Close()
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	frames := newFrameReader(s.conn, s.cfg.MaxFrameBytes)
	for {
		if dl, ok := s.conn.(readDeadliner); ok && s.cfg.IdleTimeout > 0 {
			_ = dl.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		frame, err := frames.ReadFrame()
		if err != nil {
			var fe *FrameError
			if errors.As(err, &fe) {
				if werr := s.write(ErrorReply("", fe)); werr != nil {
					return werr
				}
				continue
			}
			s.markBroken()
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || s.isClosing() {
				return nil
			}
			return &TransportError{Op: "read", Err: err}
		}

		var reply Message
		m, err := DecodeMessage(frame)
		if err != nil {
			reply = ErrorReply("", err)
		} else {
			reply = s.Handle(ctx, m)
		}
		if err := s.write(reply); err != nil {
			return err
		}
	}
}

func (s *Session) write(reply Message) error {
	b, err := reply.Encode()
	if err != nil {
		// a backend put something unencodable in its reply
		b, _ = ErrorReply("", &BackendError{Code: "ENCODE", Detail: err.Error()}).Encode()
	}
	if _, err := s.conn.Write(b); err != nil {
		s.markBroken()
		if s.isClosing() {
			return nil
		}
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (s *Session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}
