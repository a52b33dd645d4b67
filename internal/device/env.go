// Package device holds the machines an OPI session can drive: the contract
// table for every command of every machine, and backends that talk to the
// hardware and render drivers through narrow interfaces.
package device

import (
	"fmt"
	"time"

	"github.com/banshee-data/opi.server/internal/opi"
	"github.com/banshee-data/opi.server/internal/serialmux"
	"github.com/banshee-data/opi.server/internal/telemetry"
	"github.com/banshee-data/opi.server/internal/timeutil"
	"github.com/banshee-data/opi.server/internal/version"
)

// DefaultSerialTimeout bounds one request/reply exchange with a perimeter.
const DefaultSerialTimeout = 3 * time.Second

// SerialEnv configures the serial-line perimeters.
type SerialEnv struct {
	Opener  serialmux.Opener
	Paths   map[opi.Variant]string
	Options serialmux.PortOptions
	Timeout time.Duration
}

// Env is what backends need from the server.
type Env struct {
	Clock     timeutil.Clock
	Telemetry telemetry.Config
	// NewDetector returns the pupil detector for a new backend. Simulation
	// falls back to a SyntheticDetector; ImoVifa without one cannot track.
	NewDetector func(seed uint64) telemetry.Detector
	// NewRenderer returns the render driver for Display and ImoVifa.
	NewRenderer func(v opi.Variant) Renderer
	Serial      SerialEnv
}

func (e Env) withDefaults() Env {
	if e.Clock == nil {
		e.Clock = timeutil.RealClock{}
	}
	if e.Telemetry.Cadence == 0 && e.Telemetry.WindowSize == 0 {
		e.Telemetry = telemetry.DefaultConfig()
	}
	if e.NewRenderer == nil {
		e.NewRenderer = func(v opi.Variant) Renderer { return NewHeadlessRenderer(string(v)) }
	}
	if e.Serial.Opener == nil {
		e.Serial.Opener = serialmux.OpenReal
	}
	if e.Serial.Timeout <= 0 {
		e.Serial.Timeout = DefaultSerialTimeout
	}
	return e
}

// NewRegistry registers every machine this server can drive. Serial
// perimeters are only offered when a port path is configured for them.
func NewRegistry(env Env) *opi.Registry {
	env = env.withDefaults()
	r := opi.NewRegistry()
	r.Register(opi.Simulation, opi.Entry{
		New:       func() (opi.Backend, error) { return NewSimulation(env), nil },
		Contracts: simulationContracts(),
	})
	for _, v := range []opi.Variant{opi.O900, opi.Compass} {
		path := env.Serial.Paths[v]
		if path == "" {
			continue
		}
		contracts := o900Contracts()
		if v == opi.Compass {
			contracts = compassContracts()
		}
		r.Register(v, opi.Entry{
			New:       func() (opi.Backend, error) { return NewPerimeter(v, path, env), nil },
			Contracts: contracts,
		})
	}
	r.Register(opi.Display, opi.Entry{
		New:       func() (opi.Backend, error) { return NewDisplay(env), nil },
		Contracts: displayContracts(),
	})
	r.Register(opi.ImoVifa, opi.Entry{
		New:       func() (opi.Backend, error) { return NewImoVifa(env), nil },
		Contracts: imoVifaContracts(),
	})
	return r
}

// queryFields is the part of every QUERY reply shared by all machines.
func queryFields(v opi.Variant, tracking bool) opi.Message {
	return opi.Message{
		"machine":  string(v),
		"version":  version.String(),
		"minlum":   0.0,
		"maxlum":   MaxLum,
		"tracking": tracking,
	}
}

func badArgs(format string, args ...any) *opi.BackendError {
	return &opi.BackendError{Code: "BAD_ARGS", Detail: fmt.Sprintf(format, args...)}
}
