package telemetry

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/banshee-data/opi.server/internal/timeutil"
)

// SyntheticDetector stands in for a camera. It reports a steady fixation at
// (CenterX, CenterY) with Gaussian jitter, reproducible for a given seed.
type SyntheticDetector struct {
	CenterX  float64
	CenterY  float64
	Diameter float64
	// Jitter is the standard deviation of position and diameter noise.
	Jitter float64
	// Blink is the probability that a frame carries an outlier, as produced
	// by a detector losing the pupil during a blink.
	Blink float64

	clock timeutil.Clock

	mu   sync.Mutex
	rng  *rand.Rand
	lost bool
}

// NewSyntheticDetector returns a detector centred on the origin with a 4mm
// pupil.
func NewSyntheticDetector(seed uint64, clock timeutil.Clock) *SyntheticDetector {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SyntheticDetector{
		Diameter: 4,
		Jitter:   0.2,
		clock:    clock,
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Detect implements Detector.
func (d *SyntheticDetector) Detect(ctx context.Context, eye Eye) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return Frame{}, ErrCaptureLost
	}
	f := Frame{
		Captured: d.clock.Now(),
		Eye:      eye,
		X:        d.CenterX + d.rng.NormFloat64()*d.Jitter,
		Y:        d.CenterY + d.rng.NormFloat64()*d.Jitter,
		Diameter: d.Diameter + d.rng.NormFloat64()*d.Jitter/4,
	}
	if d.Blink > 0 && d.rng.Float64() < d.Blink {
		f.X += 20 * d.Jitter
		f.Diameter = 0
	}
	return f, nil
}

// Lose simulates the camera disappearing. Every later Detect fails with
// ErrCaptureLost.
func (d *SyntheticDetector) Lose() {
	d.mu.Lock()
	d.lost = true
	d.mu.Unlock()
}
