package device

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/opi.server/internal/telemetry"
	"github.com/banshee-data/opi.server/internal/timeutil"
)

var errNoDetector = errors.New("no pupil camera attached")

// tracker owns the telemetry pipeline of one backend. Its lifetime follows
// the backend's INITIALIZE and CLOSE, never the client connection.
type tracker struct {
	cfg   telemetry.Config
	clock timeutil.Clock

	mu      sync.Mutex
	pipe    *telemetry.Pipeline
	samples int
}

func newTracker(cfg telemetry.Config, clock timeutil.Clock) *tracker {
	return &tracker{cfg: cfg, clock: clock}
}

func (t *tracker) pipeline() *telemetry.Pipeline {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pipe
}

func (t *tracker) active() bool { return t.pipeline() != nil }

// start launches a pipeline reading from det. It replaces a running one.
func (t *tracker) start(det telemetry.Detector, eyes ...telemetry.Eye) error {
	t.stop()
	if det == nil {
		return errNoDetector
	}
	cfg := t.cfg
	cfg.Eyes = eyes
	p := telemetry.NewPipeline(cfg, det, t.clock)
	// the pipeline outlives the INITIALIZE request context
	if err := p.Start(context.Background()); err != nil {
		return err
	}
	t.mu.Lock()
	t.pipe = p
	t.mu.Unlock()
	return nil
}

func (t *tracker) stop() {
	t.mu.Lock()
	p := t.pipe
	t.pipe = nil
	t.mu.Unlock()
	if p != nil {
		p.Stop()
	}
}

// Recent exposes the samples for the fixation chart.
func (t *tracker) Recent() []telemetry.Sample {
	if p := t.pipeline(); p != nil {
		return p.Recent()
	}
	return nil
}

// observe requests a fresh sample and collects everything queued since the
// last call, waiting within the poll budget when nothing is queued yet. onset
// anchors eyet.
func (t *tracker) observe(ctx context.Context, onset time.Time) map[string]any {
	var samples []telemetry.Sample
	if p := t.pipeline(); p != nil {
		p.Request()
		samples = p.Drain()
		if len(samples) == 0 {
			if s, ok := p.Poll(ctx); ok {
				samples = append(samples, s)
			}
		}
	}

	xs := make([]float64, len(samples))
	ys := make([]float64, len(samples))
	ds := make([]float64, len(samples))
	ts := make([]float64, len(samples))
	for i, s := range samples {
		xs[i], ys[i], ds[i] = s.X, s.Y, s.Diameter
		ts[i] = float64(s.AcquiredAt.Sub(onset)) / float64(time.Millisecond)
	}
	out := map[string]any{"eyex": xs, "eyey": ys, "eyed": ds, "eyet": ts}
	if len(samples) > 0 {
		t.mu.Lock()
		t.samples += len(samples)
		t.mu.Unlock()
		out["fixation"] = telemetry.Summarize(samples)
	}
	return out
}

// summary describes the whole tracking run for the CLOSE reply.
func (t *tracker) summary() map[string]any {
	fields := telemetry.Summarize(t.Recent()).Fields()
	t.mu.Lock()
	fields["samples"] = t.samples
	t.mu.Unlock()
	return fields
}
