package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/banshee-data/opi.server/internal/monitoring"
	"github.com/banshee-data/opi.server/internal/opi"
	"github.com/banshee-data/opi.server/internal/serialmux"
)

// Perimeter drives a bowl perimeter (O900) or fundus perimeter (Compass) over
// a serial link. Each command is sent as one JSON line carrying the validated
// arguments and answered by one JSON line from the device's control unit.
type Perimeter struct {
	variant opi.Variant
	path    string
	env     Env

	// linkMu guards mux against Link; the session goroutine is its only writer.
	linkMu  sync.Mutex
	mux     *serialmux.SerialMux[serialmux.SerialPorter]
	stop    context.CancelFunc
	stopped chan struct{}
}

// NewPerimeter returns a backend for the perimeter attached at path. The port
// is opened by Initialize.
func NewPerimeter(v opi.Variant, path string, env Env) *Perimeter {
	return &Perimeter{variant: v, path: path, env: env.withDefaults()}
}

func (p *Perimeter) Query(ctx context.Context) (opi.Message, error) {
	q := queryFields(p.variant, true)
	q["port"] = p.path
	q["connected"] = p.mux != nil
	if p.mux == nil {
		return q, nil
	}
	dev, err := p.exchange(ctx, opi.Query, nil)
	if err != nil {
		return nil, err
	}
	out := maps.Clone(dev)
	maps.Copy(out, q)
	return out, nil
}

func (p *Perimeter) Initialize(ctx context.Context, args opi.Args) (opi.Message, error) {
	if p.mux != nil {
		p.shutdown()
	}
	mux, err := serialmux.Open(p.env.Serial.Opener, p.path, p.env.Serial.Options)
	if err != nil {
		return nil, &opi.BackendError{Code: "OPEN", Detail: fmt.Sprintf("open %s: %v", p.path, err), Err: err}
	}
	monitorCtx, cancel := context.WithCancel(context.Background())
	p.linkMu.Lock()
	p.mux = mux
	p.linkMu.Unlock()
	p.stop, p.stopped = cancel, make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		if err := mux.Monitor(monitorCtx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Log.Warn().Err(err).Str("machine", string(p.variant)).Str("port", p.path).Msg("perimeter link monitor stopped")
		}
	}(p.stopped)

	reply, err := p.exchange(ctx, opi.Initialize, args)
	if err != nil {
		p.shutdown()
		return nil, err
	}
	return reply, nil
}

func (p *Perimeter) Setup(ctx context.Context, args opi.Args) (opi.Message, error) {
	return p.exchange(ctx, opi.Setup, args)
}

func (p *Perimeter) Present(ctx context.Context, args opi.Args) (opi.Message, error) {
	reply, err := p.exchange(ctx, opi.Present, args)
	if err != nil {
		return nil, err
	}
	for _, k := range []string{"eyex", "eyey", "eyed", "eyet"} {
		if _, ok := reply[k]; !ok {
			reply[k] = []float64{}
		}
	}
	return reply, nil
}

// Close tells the device the session is over and releases the port. A dead
// link is not an error here.
func (p *Perimeter) Close(ctx context.Context) (opi.Message, error) {
	reply := opi.Message{"samples": 0}
	if p.mux == nil {
		return reply, nil
	}
	if dev, err := p.exchange(ctx, opi.Close, nil); err == nil {
		maps.Copy(reply, dev)
	} else {
		monitoring.Log.Debug().Err(err).Str("machine", string(p.variant)).Msg("perimeter close")
	}
	p.shutdown()
	return reply, nil
}

func (p *Perimeter) shutdown() {
	if p.mux == nil {
		return
	}
	p.stop()
	if err := p.mux.Close(); err != nil {
		monitoring.Log.Debug().Err(err).Str("port", p.path).Msg("close serial port")
	}
	<-p.stopped
	p.linkMu.Lock()
	p.mux = nil
	p.linkMu.Unlock()
}

// Link returns the open serial link, or nil before INITIALIZE and after
// CLOSE. The admin pages use it to tail the device.
func (p *Perimeter) Link() serialmux.SerialMuxInterface {
	p.linkMu.Lock()
	defer p.linkMu.Unlock()
	if p.mux == nil {
		return nil
	}
	return p.mux
}

// exchange sends cmd with args and decodes the device's reply.
func (p *Perimeter) exchange(ctx context.Context, cmd opi.Command, args opi.Args) (opi.Message, error) {
	if p.mux == nil {
		return nil, &opi.BackendError{Code: "NOT_OPEN", Detail: "serial link not initialized"}
	}
	req := make(map[string]any, len(args)+1)
	maps.Copy(req, args)
	req[opi.CommandKey] = string(cmd)
	line, err := json.Marshal(req)
	if err != nil {
		return nil, opi.NewBackendError("ENCODE", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.env.Serial.Timeout)
	defer cancel()
	raw, err := p.mux.Request(ctx, string(line))
	switch {
	case errors.Is(err, serialmux.ErrLinkDown):
		return nil, opi.NewBackendError("LINK", fmt.Errorf("%w: %v", opi.ErrConnectionLost, err))
	case errors.Is(err, context.DeadlineExceeded):
		return nil, &opi.BackendError{Code: "TIMEOUT", Detail: fmt.Sprintf("%s: no reply within %s", cmd, p.env.Serial.Timeout), Err: err}
	case err != nil:
		return nil, opi.NewBackendError("LINK", err)
	}

	reply, err := opi.DecodeMessage([]byte(raw))
	if err != nil {
		return nil, &opi.BackendError{Code: "PROTOCOL", Detail: fmt.Sprintf("undecodable reply %q", raw), Err: err}
	}
	if failed, _ := reply["error"].(bool); failed {
		msg, _ := reply["msg"].(string)
		return nil, &opi.BackendError{Code: "DEVICE", Detail: msg}
	}
	delete(reply, "error")
	delete(reply, opi.CommandKey)
	return reply, nil
}
