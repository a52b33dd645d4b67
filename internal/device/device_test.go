package device

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/opi.server/internal/opi"
	"github.com/banshee-data/opi.server/internal/serialmux"
	"github.com/banshee-data/opi.server/internal/telemetry"
	"github.com/banshee-data/opi.server/internal/timeutil"
)

func testTelemetry() telemetry.Config {
	return telemetry.Config{WindowSize: 3, PollAttempts: 100, PollInterval: 5 * time.Millisecond, Staleness: time.Minute}
}

// validArgs validates m against the machine's contract the way a session does.
func validArgs(t *testing.T, r *opi.Registry, v opi.Variant, cmd opi.Command, m opi.Message) opi.Args {
	t.Helper()
	c, ok := r.Contract(v, cmd)
	require.True(t, ok, "%s has no %s contract", v, cmd)
	args, err := opi.Validate(m, cmd, c.Params, opi.RejectUnexpected)
	require.NoError(t, err)
	return args
}

func backendErr(t *testing.T, err error) *opi.BackendError {
	t.Helper()
	var be *opi.BackendError
	require.True(t, errors.As(err, &be), "want BackendError, got %T: %v", err, err)
	return be
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry(Env{})
	require.NoError(t, r.Check())
	assert.Equal(t, []string{"Simulation", "Display", "ImoVifa"}, r.Machines())

	r = NewRegistry(Env{Serial: SerialEnv{Paths: map[opi.Variant]string{opi.O900: "/dev/ttyUSB0", opi.Compass: "/dev/ttyUSB1"}}})
	require.NoError(t, r.Check())
	assert.Equal(t, []string{"Simulation", "O900", "Compass", "Display", "ImoVifa"}, r.Machines())

	c, ok := r.Contract(opi.ImoVifa, opi.Present)
	require.True(t, ok)
	assert.True(t, c.Params[1].Type.List, "ImoVifa x is list-valued")
	c, _ = r.Contract(opi.Compass, opi.Present)
	assert.Equal(t, 30.0, c.Params[0].Max)
}

func TestLumToDB(t *testing.T) {
	assert.InDelta(t, 0, LumToDB(MaxLum), 1e-9)
	assert.InDelta(t, 10, LumToDB(MaxLum/10), 1e-9)
	assert.InDelta(t, 30, LumToDB(MaxLum/1000), 1e-9)
	assert.Equal(t, 50.0, LumToDB(0))
	assert.InDelta(t, 3183.1, MaxLum, 0.01)
}

func TestSeeingProbability(t *testing.T) {
	assert.InDelta(t, 0.97, SeeingProbability(0, 30, 1, 0.02, 0.03), 1e-6)
	assert.InDelta(t, 0.02, SeeingProbability(50, 30, 1, 0.02, 0.03), 1e-6)
	assert.InDelta(t, 0.5, SeeingProbability(30, 30, 2, 0, 0), 1e-9)
	assert.Greater(t, SeeingProbability(28, 30, 1, 0, 0), SeeingProbability(32, 30, 1, 0, 0))
}

func TestSimulation_Observer(t *testing.T) {
	r := NewRegistry(Env{})
	sim := NewSimulation(Env{})
	ctx := context.Background()

	_, err := sim.Initialize(ctx, validArgs(t, r, opi.Simulation, opi.Initialize, opi.Message{"fpr": 0.0, "fnr": 0.0, "sd": 0.1, "seed": 7.0}))
	require.NoError(t, err)

	bright, err := sim.Present(ctx, validArgs(t, r, opi.Simulation, opi.Present, opi.Message{"x": 3.0, "y": 3.0, "lum": MaxLum}))
	require.NoError(t, err)
	assert.Equal(t, true, bright["seen"])
	assert.LessOrEqual(t, bright["time"].(float64), 1500.0)
	assert.Empty(t, bright["eyex"])

	dim, err := sim.Present(ctx, validArgs(t, r, opi.Simulation, opi.Present, opi.Message{"x": 3.0, "y": 3.0, "lum": 0.0, "w": 900.0}))
	require.NoError(t, err)
	assert.Equal(t, false, dim["seen"])
	assert.Equal(t, 900.0, dim["time"])

	q, err := sim.Query(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, q["presented"])
	assert.Equal(t, "Simulation", q["machine"])
	assert.Empty(t, opi.CheckReply(q, queryReturns))
}

func TestSimulation_Deterministic(t *testing.T) {
	r := NewRegistry(Env{})
	run := func() []any {
		sim := NewSimulation(Env{})
		ctx := context.Background()
		_, err := sim.Initialize(ctx, validArgs(t, r, opi.Simulation, opi.Initialize, opi.Message{"seed": 99.0}))
		require.NoError(t, err)
		var out []any
		for i := 0; i < 20; i++ {
			m, err := sim.Present(ctx, validArgs(t, r, opi.Simulation, opi.Present, opi.Message{"x": 9.0, "y": -9.0, "lum": MaxLum / 1000}))
			require.NoError(t, err)
			out = append(out, m["seen"], m["time"])
		}
		return out
	}
	assert.Equal(t, run(), run())
}

func TestSimulation_RejectsImpossibleObserver(t *testing.T) {
	r := NewRegistry(Env{})
	sim := NewSimulation(Env{})
	_, err := sim.Initialize(context.Background(), validArgs(t, r, opi.Simulation, opi.Initialize, opi.Message{"fpr": 0.6, "fnr": 0.5}))
	assert.Equal(t, "BAD_ARGS", backendErr(t, err).Code)
}

func TestSimulation_Tracking(t *testing.T) {
	clk := timeutil.NewMockClock(time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC))
	env := Env{Clock: clk, Telemetry: testTelemetry()}
	r := NewRegistry(env)
	sim := NewSimulation(env)
	ctx := context.Background()

	reply, err := sim.Initialize(ctx, validArgs(t, r, opi.Simulation, opi.Initialize, opi.Message{"tracking": true, "seed": 3.0}))
	require.NoError(t, err)
	assert.Equal(t, true, reply["tracking"])

	m, err := sim.Present(ctx, validArgs(t, r, opi.Simulation, opi.Present, opi.Message{"x": 0.0, "y": 0.0, "lum": 100.0}))
	require.NoError(t, err)
	assert.NotEmpty(t, m["eyex"])
	assert.Len(t, m["eyed"], len(m["eyex"].([]float64)))
	assert.Empty(t, opi.CheckReply(m, presentReturns))
	assert.NotEmpty(t, sim.Recent())

	closed, err := sim.Close(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, closed["samples"], 1)
	assert.Nil(t, sim.Recent(), "pipeline stopped on close")
}

// fakeControlUnit answers perimeter commands like the device firmware.
func fakeControlUnit(line string) string {
	var req map[string]any
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return `{"error":true,"msg":"bad json"}`
	}
	switch req["command"] {
	case "query":
		return `{"error":false,"firmware":"4.2","machine":"spoofed"}`
	case "present":
		if req["size"] == "GV" {
			return `{"error":true,"msg":"size unavailable"}`
		}
		return `{"error":false,"seen":true,"time":321}`
	case "close":
		return `{"error":false}`
	}
	return `{"error":false,"command":"` + req["command"].(string) + `"}`
}

func perimeterEnv(port *serialmux.TestableSerialPort) (Env, *serialmux.MockOpener) {
	opener := &serialmux.MockOpener{Port: port}
	return Env{Serial: SerialEnv{
		Opener:  opener.Open,
		Paths:   map[opi.Variant]string{opi.O900: "/dev/ttyO900"},
		Timeout: time.Second,
	}}, opener
}

func TestPerimeter_Lifecycle(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	port.Responder = fakeControlUnit
	env, opener := perimeterEnv(port)
	r := NewRegistry(env)
	p := NewPerimeter(opi.O900, "/dev/ttyO900", env)
	ctx := context.Background()

	q, err := p.Query(ctx)
	require.NoError(t, err)
	assert.Equal(t, false, q["connected"])
	assert.Nil(t, p.Link())

	_, err = p.Setup(ctx, opi.Args{})
	assert.Equal(t, "NOT_OPEN", backendErr(t, err).Code)

	_, err = p.Initialize(ctx, validArgs(t, r, opi.O900, opi.Initialize, opi.Message{"eye": "left"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/ttyO900"}, opener.Calls)
	require.NotNil(t, p.Link())

	q, err = p.Query(ctx)
	require.NoError(t, err)
	assert.Equal(t, true, q["connected"])
	assert.Equal(t, "4.2", q["firmware"])
	assert.Equal(t, "O900", q["machine"], "server fields win over device fields")

	m, err := p.Present(ctx, validArgs(t, r, opi.O900, opi.Present, opi.Message{"x": 1.0, "y": 1.0, "lum": 50.0, "size": "GIII"}))
	require.NoError(t, err)
	assert.Equal(t, true, m["seen"])
	assert.Equal(t, 321.0, m["time"])
	assert.Equal(t, []float64{}, m["eyex"])
	assert.NotContains(t, m, "error")

	_, err = p.Present(ctx, validArgs(t, r, opi.O900, opi.Present, opi.Message{"x": 1.0, "y": 1.0, "lum": 50.0, "size": "GV"}))
	be := backendErr(t, err)
	assert.Equal(t, "DEVICE", be.Code)
	assert.Equal(t, "size unavailable", be.Detail)
	assert.False(t, be.Broken)

	_, err = p.Close(ctx)
	require.NoError(t, err)
	assert.True(t, port.Closed())
	assert.Nil(t, p.Link())

	var sent []string
	for _, line := range port.WrittenLines() {
		var req map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &req))
		sent = append(sent, req["command"].(string))
	}
	assert.Equal(t, []string{"initialize", "query", "present", "present", "close"}, sent)
}

func TestPerimeter_OpenFailureAndTimeout(t *testing.T) {
	env, opener := perimeterEnv(nil)
	opener.Err = errors.New("no such file or directory")
	p := NewPerimeter(opi.O900, "/dev/ttyO900", env)
	_, err := p.Initialize(context.Background(), opi.Args{"eye": "left"})
	be := backendErr(t, err)
	assert.Equal(t, "OPEN", be.Code)
	assert.False(t, be.Broken)

	port := serialmux.NewTestableSerialPort() // never answers
	env, _ = perimeterEnv(port)
	env.Serial.Timeout = 20 * time.Millisecond
	p = NewPerimeter(opi.O900, "/dev/ttyO900", env)
	_, err = p.Initialize(context.Background(), opi.Args{"eye": "left"})
	assert.Equal(t, "TIMEOUT", backendErr(t, err).Code)
	assert.True(t, port.Closed(), "port released after failed initialize")
}

func TestPerimeter_LinkLossBreaksSession(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	port.Responder = fakeControlUnit
	env, _ := perimeterEnv(port)
	s := opi.NewSession(opi.SessionConfig{Registry: NewRegistry(env), Policy: opi.RejectUnexpected}, nil, "test")
	defer s.Close()
	ctx := context.Background()

	reply := s.Handle(ctx, opi.Message{"command": "choose", "machine": "O900"})
	require.Equal(t, false, reply["error"], "%v", reply)
	reply = s.Handle(ctx, opi.Message{"command": "initialize", "eye": "right"})
	require.Equal(t, false, reply["error"], "%v", reply)
	reply = s.Handle(ctx, opi.Message{"command": "present", "x": 0.0, "y": 0.0, "lum": 10.0, "size": "GIII"})
	require.Equal(t, false, reply["error"], "%v", reply)

	port.Unplug()
	reply = s.Handle(ctx, opi.Message{"command": "present", "x": 0.0, "y": 0.0, "lum": 10.0, "size": "GIII"})
	assert.Equal(t, true, reply["error"])
	assert.Equal(t, opi.CodeBackend, reply["code"])
	assert.Equal(t, true, reply["broken"])
	assert.Equal(t, opi.Broken, s.State())
}

func TestScreen_ImoVifa(t *testing.T) {
	renderer := NewHeadlessRenderer("headset")
	renderer.Answer = func(st []Stimulus, w time.Duration) Response {
		return Response{Seen: true, Time: 250 * time.Millisecond}
	}
	env := Env{
		Telemetry:   testTelemetry(),
		NewRenderer: func(opi.Variant) Renderer { return renderer },
	}
	r := NewRegistry(env)
	hmd := NewImoVifa(env)
	ctx := context.Background()

	_, err := hmd.Initialize(ctx, validArgs(t, r, opi.ImoVifa, opi.Initialize, opi.Message{"tracking": true}))
	assert.Equal(t, "NO_CAMERA", backendErr(t, err).Code)
	assert.False(t, renderer.IsOpen())

	reply, err := hmd.Initialize(ctx, validArgs(t, r, opi.ImoVifa, opi.Initialize, opi.Message{}))
	require.NoError(t, err, "tracking is off unless asked for")
	assert.Equal(t, false, reply["tracking"])
	assert.True(t, renderer.IsOpen())

	_, err = hmd.Setup(ctx, validArgs(t, r, opi.ImoVifa, opi.Setup, opi.Message{"eye": "left", "bgLum": 12.0}))
	require.NoError(t, err)
	assert.Equal(t, Scene{Eye: "left", BgLum: 12, FixShape: "spot", FixLum: 20}, renderer.Scene())

	bad := opi.Message{"eye": "both", "x": []any{1.0, 2.0}, "y": []any{1.0}, "lum": []any{5.0, 5.0}, "size": []any{0.4, 0.4}, "t": []any{200.0, 200.0}}
	_, err = hmd.Present(ctx, validArgs(t, r, opi.ImoVifa, opi.Present, bad))
	be := backendErr(t, err)
	assert.Equal(t, "BAD_ARGS", be.Code)
	assert.Contains(t, be.Detail, "y has 1 elements")

	good := opi.Message{"eye": "right", "x": []any{1.0, 2.0}, "y": []any{1.0, -1.0}, "lum": []any{5.0, 6.0}, "size": []any{0.4, 0.8}, "t": []any{200.0, 100.0}}
	m, err := hmd.Present(ctx, validArgs(t, r, opi.ImoVifa, opi.Present, good))
	require.NoError(t, err)
	assert.Equal(t, true, m["seen"])
	assert.Equal(t, 250.0, m["time"])

	shown := renderer.Presented()
	require.Len(t, shown, 1)
	require.Len(t, shown[0], 2)
	assert.Equal(t, Stimulus{Eye: "right", X: 2, Y: -1, Lum: 6, Size: 0.8, Color: "white", Duration: 100 * time.Millisecond}, shown[0][1])

	_, err = hmd.Close(ctx)
	require.NoError(t, err)
	assert.False(t, renderer.IsOpen())
}

func TestScreen_ImoVifaTracking(t *testing.T) {
	env := Env{
		Telemetry:   testTelemetry(),
		NewDetector: func(seed uint64) telemetry.Detector { return telemetry.NewSyntheticDetector(seed, nil) },
	}
	r := NewRegistry(env)
	hmd := NewImoVifa(env)
	ctx := context.Background()

	q, _ := hmd.Query(ctx)
	assert.Equal(t, true, q["tracking"])
	_, err := hmd.Initialize(ctx, validArgs(t, r, opi.ImoVifa, opi.Initialize, opi.Message{"tracking": true}))
	require.NoError(t, err)

	m, err := hmd.Present(ctx, validArgs(t, r, opi.ImoVifa, opi.Present, opi.Message{
		"eye": "both", "x": []any{0.0}, "y": []any{0.0}, "lum": []any{10.0}, "size": []any{0.43}, "t": []any{200.0},
	}))
	require.NoError(t, err)
	assert.Equal(t, false, m["seen"])
	xs := m["eyex"].([]float64)
	require.NotEmpty(t, xs)
	for _, x := range xs {
		assert.False(t, math.IsNaN(x))
	}
	_, err = hmd.Close(ctx)
	require.NoError(t, err)
}

func TestScreen_TrackingFailureClosesRenderer(t *testing.T) {
	renderer := NewHeadlessRenderer("headset")
	env := Env{
		Telemetry:   testTelemetry(),
		NewRenderer: func(opi.Variant) Renderer { return renderer },
		NewDetector: func(uint64) telemetry.Detector { return nil },
	}
	r := NewRegistry(env)
	hmd := NewImoVifa(env)
	ctx := context.Background()

	_, err := hmd.Initialize(ctx, validArgs(t, r, opi.ImoVifa, opi.Initialize, opi.Message{"tracking": true}))
	assert.Equal(t, "TRACKING", backendErr(t, err).Code)
	assert.False(t, renderer.IsOpen(), "renderer left open after failed initialize")
	q, _ := hmd.Query(ctx)
	assert.Equal(t, false, q["initialized"])
	assert.Nil(t, hmd.Recent())

	_, err = hmd.Initialize(ctx, validArgs(t, r, opi.ImoVifa, opi.Initialize, opi.Message{}))
	require.NoError(t, err)
	assert.True(t, renderer.IsOpen())
}

func TestScreen_Display(t *testing.T) {
	renderer := NewHeadlessRenderer("monitor")
	env := Env{NewRenderer: func(opi.Variant) Renderer { return renderer }}
	r := NewRegistry(env)
	d := NewDisplay(env)
	ctx := context.Background()

	q, _ := d.Query(ctx)
	assert.Equal(t, false, q["stereo"])
	assert.Equal(t, false, q["tracking"])

	_, err := d.Initialize(ctx, validArgs(t, r, opi.Display, opi.Initialize, opi.Message{"distance": 40.0}))
	require.NoError(t, err)
	m, err := d.Present(ctx, validArgs(t, r, opi.Display, opi.Present, opi.Message{"x": -5.0, "y": 5.0, "lum": 30.0, "color": "green"}))
	require.NoError(t, err)
	assert.Equal(t, false, m["seen"])
	assert.Equal(t, 1500.0, m["time"])
	require.Len(t, renderer.Presented(), 1)
	assert.Equal(t, "green", renderer.Presented()[0][0].Color)
	assert.Equal(t, 200*time.Millisecond, renderer.Presented()[0][0].Duration)
}
