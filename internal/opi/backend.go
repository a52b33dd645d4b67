package opi

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Backend is the capability set every device implements. Arguments are
// already validated against the machine's contract for the command; the
// returned Message should carry the fields of the command's ReturnSpec.
// Backend methods may block on device I/O and are never called with a session
// lock held.
type Backend interface {
	Query(ctx context.Context) (Message, error)
	Initialize(ctx context.Context, args Args) (Message, error)
	Setup(ctx context.Context, args Args) (Message, error)
	Present(ctx context.Context, args Args) (Message, error)
	Close(ctx context.Context) (Message, error)
}

// Variant identifies a concrete backend. The set is closed.
type Variant string

const (
	Simulation Variant = "Simulation"
	O900       Variant = "O900"
	Compass    Variant = "Compass"
	Display    Variant = "Display"
	ImoVifa    Variant = "ImoVifa"
)

var knownVariants = []Variant{Simulation, O900, Compass, Display, ImoVifa}

// ParseVariant resolves a machine name. Matching is case-sensitive.
func ParseVariant(name string) (Variant, bool) {
	for _, v := range knownVariants {
		if string(v) == name {
			return v, true
		}
	}
	return "", false
}

// Constructor builds a fresh, unopened backend for one session.
type Constructor func() (Backend, error)

// Entry binds a variant to its constructor and per-command contracts.
type Entry struct {
	New       Constructor
	Contracts map[Command]Contract
}

// Registry maps variants to backends. It is populated at startup and read-only
// afterwards, so it is safe to share between sessions.
type Registry struct {
	entries map[Variant]Entry
	order   []Variant
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Variant]Entry)}
}

// Register adds a variant. Registering an unknown or duplicate variant is a
// programming error and panics.
func (r *Registry) Register(v Variant, e Entry) {
	if _, ok := ParseVariant(string(v)); !ok {
		panic(fmt.Sprintf("opi: register unknown variant %q", v))
	}
	if _, dup := r.entries[v]; dup {
		panic(fmt.Sprintf("opi: variant %q registered twice", v))
	}
	r.entries[v] = e
	r.order = append(r.order, v)
}

// Check verifies that every registered variant has a constructor and a
// contract for each device command.
func (r *Registry) Check() error {
	if len(r.entries) == 0 {
		return errors.New("no machines registered")
	}
	var missing []string
	for _, v := range r.order {
		e := r.entries[v]
		if e.New == nil {
			missing = append(missing, fmt.Sprintf("%s: constructor", v))
		}
		for _, cmd := range allCommands {
			if cmd == Choose {
				continue
			}
			if _, ok := e.Contracts[cmd]; !ok {
				missing = append(missing, fmt.Sprintf("%s: %s contract", v, cmd))
			}
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("incomplete registry: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Machines returns the registered machine names in registration order.
func (r *Registry) Machines() []string {
	out := make([]string, len(r.order))
	for i, v := range r.order {
		out[i] = string(v)
	}
	return out
}

// Contract returns the contract of cmd for v.
func (r *Registry) Contract(v Variant, cmd Command) (Contract, bool) {
	if cmd == Choose {
		return ChooseContract(r.Machines()), true
	}
	e, ok := r.entries[v]
	if !ok {
		return Contract{}, false
	}
	c, ok := e.Contracts[cmd]
	return c, ok
}

// New instantiates the backend registered for name.
func (r *Registry) New(name string) (Variant, Backend, error) {
	v, ok := ParseVariant(name)
	if !ok {
		return "", nil, fmt.Errorf("%w %q", ErrUnknownVariant, name)
	}
	e, ok := r.entries[v]
	if !ok {
		return "", nil, fmt.Errorf("%w %q: not available on this server", ErrUnknownVariant, name)
	}
	b, err := e.New()
	if err != nil {
		return "", nil, err
	}
	return v, b, nil
}
