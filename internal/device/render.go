package device

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/opi.server/internal/monitoring"
)

// Stimulus is one spot drawn by a render driver.
type Stimulus struct {
	Eye      string
	X, Y     float64
	Lum      float64
	Size     float64
	Color    string
	Duration time.Duration
}

// Scene is the steady part of the display between presentations.
type Scene struct {
	Eye      string
	BgLum    float64
	BgCol    string
	FixShape string
	FixLum   float64
}

// Response is the observer's answer to a presentation.
type Response struct {
	Seen bool
	Time time.Duration
}

// Renderer drives a screen or headset. Implementations live outside this
// repository; HeadlessRenderer stands in when no display is attached.
type Renderer interface {
	Open(ctx context.Context, stereo bool, distanceCM, gamma float64) error
	Setup(ctx context.Context, scene Scene) error
	// Present shows the stimuli in order and waits up to window for the
	// response button.
	Present(ctx context.Context, stimuli []Stimulus, window time.Duration) (Response, error)
	Close() error
}

// HeadlessRenderer logs what it would draw. Answer decides the response; by
// default nothing is ever seen.
type HeadlessRenderer struct {
	Name   string
	Answer func(stimuli []Stimulus, window time.Duration) Response

	mu      sync.Mutex
	open    bool
	scene   Scene
	history [][]Stimulus
}

// NewHeadlessRenderer returns a renderer that draws nothing.
func NewHeadlessRenderer(name string) *HeadlessRenderer {
	return &HeadlessRenderer{Name: name}
}

func (h *HeadlessRenderer) Open(ctx context.Context, stereo bool, distanceCM, gamma float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.open = true
	monitoring.Log.Debug().Str("renderer", h.Name).Bool("stereo", stereo).Float64("distance_cm", distanceCM).Msg("headless renderer opened")
	return nil
}

func (h *HeadlessRenderer) Setup(ctx context.Context, scene Scene) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scene = scene
	return nil
}

func (h *HeadlessRenderer) Present(ctx context.Context, stimuli []Stimulus, window time.Duration) (Response, error) {
	h.mu.Lock()
	h.history = append(h.history, stimuli)
	answer := h.Answer
	h.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	if answer != nil {
		return answer(stimuli, window), nil
	}
	return Response{Seen: false, Time: window}, nil
}

func (h *HeadlessRenderer) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.open = false
	return nil
}

// Presented returns every presentation made so far.
func (h *HeadlessRenderer) Presented() [][]Stimulus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]Stimulus(nil), h.history...)
}

// Scene returns the last scene set up.
func (h *HeadlessRenderer) Scene() Scene {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.scene
}

// IsOpen reports whether Open was called without a matching Close.
func (h *HeadlessRenderer) IsOpen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.open
}
