// Package telemetry streams pupil position and diameter from an eye camera.
//
// A producer issues timestamped sampling requests into a bounded queue per
// eye. One processing stage per eye asks the Detector for a frame, smooths
// x, y and diameter through MedianFilters and pushes the result into a bounded
// response queue that device backends poll. The image algorithm itself sits
// behind the Detector interface.
package telemetry

import (
	"context"
	"errors"
	"time"
)

// Eye selects a camera.
type Eye string

const (
	Left  Eye = "left"
	Right Eye = "right"
)

// ErrCaptureLost is returned by a Detector whose camera is gone. The pipeline
// stops producing samples for that eye but keeps running.
var ErrCaptureLost = errors.New("capture device lost")

// Frame is the raw detector output for one video frame.
type Frame struct {
	Captured time.Time
	Eye      Eye
	X        float64
	Y        float64
	Diameter float64
}

// Detector grabs one frame for eye and locates the pupil in it.
type Detector interface {
	Detect(ctx context.Context, eye Eye) (Frame, error)
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(ctx context.Context, eye Eye) (Frame, error)

func (f DetectorFunc) Detect(ctx context.Context, eye Eye) (Frame, error) { return f(ctx, eye) }

// Sample is one smoothed measurement. RequestedAt is carried unchanged from
// the sampling request that produced it; AcquiredAt is never earlier.
type Sample struct {
	Seq         uint64    `json:"seq"`
	RequestedAt time.Time `json:"requested_at"`
	AcquiredAt  time.Time `json:"acquired_at"`
	Eye         Eye       `json:"eye"`
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	Diameter    float64   `json:"diameter"`
}

// Staleness is the delay between the request and the frame that answered it.
func (s Sample) Staleness() time.Duration {
	return s.AcquiredAt.Sub(s.RequestedAt)
}
