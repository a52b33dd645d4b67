package device

import (
	"context"
	"time"

	"github.com/banshee-data/opi.server/internal/monitoring"
	"github.com/banshee-data/opi.server/internal/opi"
	"github.com/banshee-data/opi.server/internal/telemetry"
)

// Screen drives a monitor (Display) or a stereo headset (ImoVifa) through a
// Renderer. The headset takes list-valued presentations, one entry per
// stimulus in the sequence, and can stream binocular pupil telemetry.
type Screen struct {
	variant opi.Variant
	stereo  bool
	env     Env
	r       Renderer
	track   *tracker
	opened  bool
}

// NewDisplay returns a monocular screen backend.
func NewDisplay(env Env) *Screen {
	return newScreen(opi.Display, false, env)
}

// NewImoVifa returns a stereo headset backend.
func NewImoVifa(env Env) *Screen {
	return newScreen(opi.ImoVifa, true, env)
}

func newScreen(v opi.Variant, stereo bool, env Env) *Screen {
	env = env.withDefaults()
	return &Screen{
		variant: v,
		stereo:  stereo,
		env:     env,
		r:       env.NewRenderer(v),
		track:   newTracker(env.Telemetry, env.Clock),
	}
}

func (s *Screen) canTrack() bool { return s.stereo && s.env.NewDetector != nil }

func (s *Screen) Query(ctx context.Context) (opi.Message, error) {
	q := queryFields(s.variant, s.canTrack())
	q["stereo"] = s.stereo
	q["initialized"] = s.opened
	return q, nil
}

func (s *Screen) Initialize(ctx context.Context, args opi.Args) (opi.Message, error) {
	distance, gamma := 57.0, 2.2
	if args.Has("distance") {
		distance = args.Float("distance")
	}
	if args.Has("gamma") {
		gamma = args.Float("gamma")
	}
	tracking := args.Bool("tracking")
	if tracking && !s.canTrack() {
		return nil, &opi.BackendError{Code: "NO_CAMERA", Detail: "eye tracking requested but no camera is attached"}
	}
	if err := s.r.Open(ctx, s.stereo, distance, gamma); err != nil {
		return nil, opi.NewBackendError("RENDER", err)
	}
	if tracking {
		if err := s.track.start(s.env.NewDetector(0), telemetry.Left, telemetry.Right); err != nil {
			if cerr := s.r.Close(); cerr != nil {
				monitoring.Log.Warn().Err(cerr).Str("machine", string(s.variant)).Msg("close renderer after tracking failure")
			}
			return nil, opi.NewBackendError("TRACKING", err)
		}
	}
	s.opened = true
	return opi.Message{"stereo": s.stereo, "tracking": s.track.active()}, nil
}

func (s *Screen) Setup(ctx context.Context, args opi.Args) (opi.Message, error) {
	scene := Scene{
		Eye:      args.String("eye"),
		BgLum:    args.Float("bgLum"),
		BgCol:    args.String("bgCol"),
		FixShape: args.String("fixShape"),
		FixLum:   args.Float("fixLum"),
	}
	if scene.Eye == "" {
		scene.Eye = "both"
	}
	if err := s.r.Setup(ctx, scene); err != nil {
		return nil, opi.NewBackendError("RENDER", err)
	}
	return opi.Message{}, nil
}

func (s *Screen) Present(ctx context.Context, args opi.Args) (opi.Message, error) {
	stimuli, err := s.stimuli(args)
	if err != nil {
		return nil, err
	}
	window := time.Duration(args.Int("w")) * time.Millisecond

	onset := s.env.Clock.Now()
	resp, err := s.r.Present(ctx, stimuli, window)
	if err != nil {
		return nil, opi.NewBackendError("RENDER", err)
	}
	reply := opi.Message{
		"seen": resp.Seen,
		"time": float64(resp.Time) / float64(time.Millisecond),
	}
	for k, v := range s.track.observe(ctx, onset) {
		reply[k] = v
	}
	return reply, nil
}

// stimuli turns validated arguments into a presentation sequence. Headset
// lists must all have the same length.
func (s *Screen) stimuli(args opi.Args) ([]Stimulus, error) {
	if !s.stereo {
		return []Stimulus{{
			Eye:      "both",
			X:        args.Float("x"),
			Y:        args.Float("y"),
			Lum:      args.Float("lum"),
			Size:     args.Float("size"),
			Color:    args.String("color"),
			Duration: time.Duration(args.Int("t")) * time.Millisecond,
		}}, nil
	}

	xs, ys := args.Floats("x"), args.Floats("y")
	lums, sizes, ts := args.Floats("lum"), args.Floats("size"), args.Floats("t")
	n := len(xs)
	if n == 0 {
		return nil, badArgs("at least one stimulus is required")
	}
	for _, list := range []struct {
		name string
		n    int
	}{{"y", len(ys)}, {"lum", len(lums)}, {"size", len(sizes)}, {"t", len(ts)}} {
		if list.n != n {
			return nil, badArgs("%s has %d elements, x has %d", list.name, list.n, n)
		}
	}
	eye := args.String("eye")
	out := make([]Stimulus, n)
	for i := range out {
		out[i] = Stimulus{
			Eye:      eye,
			X:        xs[i],
			Y:        ys[i],
			Lum:      lums[i],
			Size:     sizes[i],
			Color:    "white",
			Duration: time.Duration(ts[i]) * time.Millisecond,
		}
	}
	return out, nil
}

func (s *Screen) Close(ctx context.Context) (opi.Message, error) {
	reply := opi.Message(s.track.summary())
	s.track.stop()
	if !s.opened {
		return reply, nil
	}
	s.opened = false
	if err := s.r.Close(); err != nil {
		return nil, opi.NewBackendError("RENDER", err)
	}
	return reply, nil
}

// Recent returns the latest telemetry, for the fixation chart.
func (s *Screen) Recent() []telemetry.Sample { return s.track.Recent() }
