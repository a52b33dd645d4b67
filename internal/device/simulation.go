package device

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/opi.server/internal/opi"
	"github.com/banshee-data/opi.server/internal/telemetry"
)

// unitNormal is the frequency-of-seeing curve shape.
var unitNormal = distuv.Normal{Mu: 0, Sigma: 1}

// LumToDB converts a luminance in cd/m² to perimetric decibels of attenuation
// from MaxLum. Zero luminance maps to the floor of the scale.
func LumToDB(lum float64) float64 {
	const floor = 50
	if lum <= 0 {
		return floor
	}
	return math.Min(floor, 10*math.Log10(MaxLum/lum))
}

// SeeingProbability is the chance of a "seen" response to a stimulus of db
// decibels at a location whose threshold is thresholdDB, for an observer with
// the given false positive and false negative rates. sd is the slope of the
// psychometric function.
func SeeingProbability(db, thresholdDB, sd, fpr, fnr float64) float64 {
	return fpr + (1-fpr-fnr)*(1-unitNormal.CDF((db-thresholdDB)/sd))
}

// Simulation answers presentations with a simulated observer. It needs no
// hardware and, when tracking, reads pupil telemetry from a synthetic camera.
type Simulation struct {
	env   Env
	rng   *rand.Rand
	track *tracker

	eye       string
	fpr, fnr  float64
	sd        float64
	threshold float64
	scene     Scene
	presented int
}

// NewSimulation returns an uninitialised simulated observer.
func NewSimulation(env Env) *Simulation {
	env = env.withDefaults()
	return &Simulation{env: env, track: newTracker(env.Telemetry, env.Clock)}
}

func (s *Simulation) Query(ctx context.Context) (opi.Message, error) {
	q := queryFields(opi.Simulation, true)
	q["initialized"] = s.rng != nil
	q["presented"] = s.presented
	return q, nil
}

func (s *Simulation) Initialize(ctx context.Context, args opi.Args) (opi.Message, error) {
	s.eye = args.String("eye")
	s.fpr, s.fnr = args.Float("fpr"), args.Float("fnr")
	if s.fpr+s.fnr >= 1 {
		return nil, badArgs("fpr + fnr must be below 1, got %g", s.fpr+s.fnr)
	}
	s.sd = args.Float("sd")
	s.threshold = args.Float("threshold")
	seed := uint64(args.Int("seed"))
	s.rng = rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d))

	if args.Bool("tracking") {
		var det telemetry.Detector
		if s.env.NewDetector != nil {
			det = s.env.NewDetector(seed)
		}
		if det == nil {
			det = telemetry.NewSyntheticDetector(seed, s.env.Clock)
		}
		if err := s.track.start(det, telemetry.Eye(s.eye)); err != nil {
			return nil, opi.NewBackendError("TRACKING", err)
		}
	}
	return opi.Message{"eye": s.eye, "tracking": s.track.active()}, nil
}

func (s *Simulation) Setup(ctx context.Context, args opi.Args) (opi.Message, error) {
	s.scene = Scene{Eye: s.eye, BgLum: args.Float("bgLum"), FixShape: args.String("fixShape")}
	return opi.Message{}, nil
}

func (s *Simulation) Present(ctx context.Context, args opi.Args) (opi.Message, error) {
	onset := s.env.Clock.Now()
	x, y := args.Float("x"), args.Float("y")
	window := time.Duration(args.Int("w")) * time.Millisecond

	// the hill of vision drops about 0.1 dB per degree of eccentricity
	local := s.threshold - 0.1*math.Hypot(x, y)
	db := LumToDB(args.Float("lum"))
	p := SeeingProbability(db, local, s.sd, s.fpr, s.fnr)
	seen := s.rng.Float64() < p

	rt := window
	if seen {
		rt = time.Duration(400+60*s.rng.NormFloat64()) * time.Millisecond
		rt = max(100*time.Millisecond, min(rt, window))
	}
	s.presented++

	reply := opi.Message{
		"seen": seen,
		"time": float64(rt) / float64(time.Millisecond),
		"db":   db,
		"pr":   p,
	}
	for k, v := range s.track.observe(ctx, onset) {
		reply[k] = v
	}
	return reply, nil
}

func (s *Simulation) Close(ctx context.Context) (opi.Message, error) {
	reply := opi.Message(s.track.summary())
	s.track.stop()
	reply["presented"] = s.presented
	return reply, nil
}

// Recent returns the latest telemetry, for the fixation chart.
func (s *Simulation) Recent() []telemetry.Sample { return s.track.Recent() }
