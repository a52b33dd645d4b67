package opi

import (
	"context"
	"sync"
	"time"
)

// fakeBackend records calls and returns scripted results.
type fakeBackend struct {
	mu      sync.Mutex
	calls   []Command
	errs    map[Command]error
	panics  map[Command]string
	closed  int
	gate    chan struct{}
	entered chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{errs: map[Command]error{}, panics: map[Command]string{}}
}

func (f *fakeBackend) record(ctx context.Context, cmd Command) (Message, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	if cmd == Close {
		f.closed++
	}
	err := f.errs[cmd]
	p := f.panics[cmd]
	gate, entered := f.gate, f.entered
	f.mu.Unlock()

	if gate != nil && cmd == Present {
		if entered != nil {
			close(entered)
		}
		<-gate
	}
	if p != "" {
		panic(p)
	}
	if err != nil {
		return nil, err
	}
	return Message{"cmd": string(cmd)}, nil
}

func (f *fakeBackend) Query(ctx context.Context) (Message, error) { return f.record(ctx, Query) }
func (f *fakeBackend) Initialize(ctx context.Context, _ Args) (Message, error) {
	return f.record(ctx, Initialize)
}
func (f *fakeBackend) Setup(ctx context.Context, _ Args) (Message, error) { return f.record(ctx, Setup) }
func (f *fakeBackend) Present(ctx context.Context, _ Args) (Message, error) {
	return f.record(ctx, Present)
}
func (f *fakeBackend) Close(ctx context.Context) (Message, error) { return f.record(ctx, Close) }

func (f *fakeBackend) Calls() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.calls...)
}

func (f *fakeBackend) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

var fakeContracts = map[Command]Contract{
	Query:      {Returns: []ReturnSpec{Returns("cmd", KindString, "")}},
	Initialize: {Params: []ParameterSpec{Param("eye", KindEnum).OneOf("left", "right").Opt("left")}},
	Setup:      {Params: []ParameterSpec{Param("bgcol", KindDouble).Between(0, 1)}},
	Present:    {Params: []ParameterSpec{Param("x", KindDouble).Between(-30, 30), Param("y", KindDouble).Between(-30, 30)}},
	Close:      {},
}

// fakeRegistry registers Simulation backed by the backends produced by next.
func fakeRegistry(next func() *fakeBackend) *Registry {
	r := NewRegistry()
	r.Register(Simulation, Entry{
		New:       func() (Backend, error) { return next(), nil },
		Contracts: fakeContracts,
	})
	return r
}

// memJournal keeps journal events in memory.
type memJournal struct {
	mu       sync.Mutex
	opened   []string
	commands []CommandRecord
	closed   map[string]State
}

func newMemJournal() *memJournal { return &memJournal{closed: map[string]State{}} }

func (j *memJournal) SessionOpened(id, remote string, at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.opened = append(j.opened, id)
	return nil
}

func (j *memJournal) CommandHandled(rec CommandRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.commands = append(j.commands, rec)
	return nil
}

func (j *memJournal) SessionClosed(id string, state State, at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed[id] = state
	return nil
}
