package opi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/opi.server/internal/httputil"
	"github.com/banshee-data/opi.server/internal/monitoring"
)

// DefaultShutdownTimeout bounds how long Close waits for session handlers
// blocked in device I/O.
const DefaultShutdownTimeout = 5 * time.Second

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	// Host is the bind address; empty binds every interface.
	Host            string
	Session         SessionConfig
	ShutdownTimeout time.Duration
}

// Listener accepts OPI clients on one TCP port. Every accepted connection is
// served by its own independent Session; sessions never share a backend.
type Listener struct {
	cfg ListenerConfig

	mu       sync.Mutex
	ln       net.Listener
	sessions map[string]*Session
	closed   bool

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewListener returns an unopened listener.
func NewListener(cfg ListenerConfig) *Listener {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	return &Listener{cfg: cfg, sessions: make(map[string]*Session)}
}

// Open binds the port (0 picks an ephemeral one) and returns the address an
// operator should hand to the client.
func (l *Listener) Open(port int) (string, int, error) {
	addr := net.JoinHostPort(l.cfg.Host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", 0, &BindError{Addr: addr, Err: err}
	}

	l.mu.Lock()
	if l.closed || l.ln != nil {
		l.mu.Unlock()
		ln.Close()
		return "", 0, &BindError{Addr: addr, Err: errors.New("listener already opened or closed")}
	}
	l.ln = ln
	l.mu.Unlock()

	tcp := ln.Addr().(*net.TCPAddr)
	host := l.cfg.Host
	if host == "" || tcp.IP.IsUnspecified() {
		host = LocalAddress()
	}
	monitoring.Log.Info().Str("host", host).Int("port", tcp.Port).Msg("OPI listener bound")
	return host, tcp.Port, nil
}

// Addr returns the bound address, or nil before Open.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// AcceptLoop accepts connections until Close is called or ctx is cancelled,
// starting one session handler per connection. It returns nil on shutdown.
func (l *Listener) AcceptLoop(ctx context.Context) error {
	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()
	if ln == nil {
		return errors.New("listener not opened")
	}
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	backoff := 5 * time.Millisecond
	for {
		conn, err := ln.Accept()
		if err != nil {
			if l.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			monitoring.Log.Warn().Err(err).Dur("backoff", backoff).Msg("accept failed")
			time.Sleep(backoff)
			if backoff < time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = 5 * time.Millisecond
		l.serve(ctx, conn)
	}
}

func (l *Listener) serve(ctx context.Context, conn net.Conn) {
	s := NewSession(l.cfg.Session, conn, conn.RemoteAddr().String())

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		s.Close()
		return
	}
	l.sessions[s.ID()] = s
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		defer func() {
			l.mu.Lock()
			delete(l.sessions, s.ID())
			l.mu.Unlock()
		}()
		if err := s.Serve(ctx); err != nil {
			monitoring.Log.Warn().Err(err).Str("session_id", s.ID()).Msg("session ended")
		}
	}()
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close stops accepting, closes every session and waits, up to the shutdown
// timeout, for their handlers to return. It is idempotent.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		ln := l.ln
		sessions := make([]*Session, 0, len(l.sessions))
		for _, s := range l.sessions {
			sessions = append(sessions, s)
		}
		l.mu.Unlock()

		if ln != nil {
			if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				l.closeErr = err
			}
		}
		for _, s := range sessions {
			s.Close()
		}

		done := make(chan struct{})
		go func() {
			l.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(l.cfg.ShutdownTimeout):
			monitoring.Log.Warn().Dur("timeout", l.cfg.ShutdownTimeout).Msg("session handlers still busy after shutdown timeout")
		}
	})
	return l.closeErr
}

// Session returns the live session with the given id.
func (l *Listener) Session(id string) (*Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[id]
	return s, ok
}

// Sessions lists the live sessions, oldest first.
func (l *Listener) Sessions() []SessionInfo {
	l.mu.Lock()
	list := make([]*Session, 0, len(l.sessions))
	for _, s := range l.sessions {
		list = append(list, s)
	}
	l.mu.Unlock()

	infos := make([]SessionInfo, len(list))
	for i, s := range list {
		infos[i] = s.Snapshot()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Opened.Before(infos[j].Opened) })
	return infos
}

// AttachAdminRoutes mounts the session listing on the /debug/ pages.
func (l *Listener) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("sessions", "Live OPI sessions", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, l.Sessions())
	})
}

// LocalAddress returns the first non-loopback IPv4 address of this machine,
// falling back to 127.0.0.1.
func LocalAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}
