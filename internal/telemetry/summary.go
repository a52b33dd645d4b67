package telemetry

import (
	"time"

	"gonum.org/v1/gonum/stat"
)

// Fixation summarises the samples taken while a stimulus was shown.
type Fixation struct {
	N          int           `json:"n"`
	MeanX      float64       `json:"mean_x"`
	MeanY      float64       `json:"mean_y"`
	SDX        float64       `json:"sd_x"`
	SDY        float64       `json:"sd_y"`
	MeanD      float64       `json:"mean_d"`
	SDD        float64       `json:"sd_d"`
	MaxLatency time.Duration `json:"max_latency"`
}

// Summarize computes the mean and sample standard deviation of position and
// diameter. Standard deviations are zero for fewer than two samples.
func Summarize(samples []Sample) Fixation {
	f := Fixation{N: len(samples)}
	if f.N == 0 {
		return f
	}
	xs := make([]float64, f.N)
	ys := make([]float64, f.N)
	ds := make([]float64, f.N)
	for i, s := range samples {
		xs[i], ys[i], ds[i] = s.X, s.Y, s.Diameter
		if lat := s.Staleness(); lat > f.MaxLatency {
			f.MaxLatency = lat
		}
	}
	if f.N == 1 {
		f.MeanX, f.MeanY, f.MeanD = xs[0], ys[0], ds[0]
		return f
	}
	f.MeanX, f.SDX = stat.MeanStdDev(xs, nil)
	f.MeanY, f.SDY = stat.MeanStdDev(ys, nil)
	f.MeanD, f.SDD = stat.MeanStdDev(ds, nil)
	return f
}

// Fields flattens f for a reply message.
func (f Fixation) Fields() map[string]any {
	return map[string]any{
		"samples": f.N,
		"eyex":    f.MeanX,
		"eyey":    f.MeanY,
		"eyed":    f.MeanD,
		"eyesdx":  f.SDX,
		"eyesdy":  f.SDY,
		"eyesdd":  f.SDD,
		"latency": f.MaxLatency.Seconds() * 1000,
	}
}
