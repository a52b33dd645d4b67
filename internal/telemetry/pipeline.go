package telemetry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/opi.server/internal/metrics"
	"github.com/banshee-data/opi.server/internal/monitoring"
	"github.com/banshee-data/opi.server/internal/timeutil"
)

// Config tunes a Pipeline. Zero fields other than Cadence take the defaults
// below.
type Config struct {
	// WindowSize is the MedianFilter capacity for x, y and diameter.
	WindowSize int
	// Cadence is the producer period. Zero disables the producer so samples
	// are only taken through Request.
	Cadence time.Duration
	// QueueCapacity bounds each request queue and the response queue.
	QueueCapacity int
	// PollAttempts and PollInterval form the retry budget used when a queue
	// is full (producer side) or empty (Poll).
	PollAttempts int
	PollInterval time.Duration
	// Staleness is the largest accepted AcquiredAt - RequestedAt.
	Staleness time.Duration
	// Eyes lists the cameras to sample.
	Eyes []Eye
	// History is the number of recent samples kept for debug charts.
	History int
}

const (
	DefaultCadence       = time.Second
	DefaultQueueCapacity = 64
	DefaultPollAttempts  = 10
	DefaultPollInterval  = 10 * time.Millisecond
	DefaultStaleness     = 2 * time.Second
	DefaultHistory       = 256
)

// DefaultConfig returns the documented defaults for a single-camera rig.
func DefaultConfig() Config {
	return Config{Cadence: DefaultCadence}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = DefaultPollAttempts
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Staleness <= 0 {
		c.Staleness = DefaultStaleness
	}
	if len(c.Eyes) == 0 {
		c.Eyes = []Eye{Left}
	}
	if c.History <= 0 {
		c.History = DefaultHistory
	}
	return c
}

type request struct {
	seq uint64
	eye Eye
	at  time.Time
}

// filterSet smooths one eye. It is owned by that eye's processing stage.
type filterSet struct {
	x, y, d *MedianFilter
}

func newFilterSet(k int) *filterSet {
	return &filterSet{x: NewMedianFilter(k), y: NewMedianFilter(k), d: NewMedianFilter(k)}
}

func (f *filterSet) apply(fr Frame) (x, y, d float64) {
	f.x.Add(fr.X)
	f.y.Add(fr.Y)
	f.d.Add(fr.Diameter)
	x, _ = f.x.Median()
	y, _ = f.y.Median()
	d, _ = f.d.Median()
	return x, y, d
}

// Stats counts pipeline activity since Start.
type Stats struct {
	Requested uint64 `json:"requested"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Stale     uint64 `json:"stale"`
	Failed    uint64 `json:"failed"`
}

// Pipeline is the eye telemetry producer/consumer chain. The request and
// response queues are the only state shared between goroutines.
type Pipeline struct {
	cfg   Config
	det   Detector
	clock timeutil.Clock

	requests  map[Eye]chan request
	responses chan Sample

	seq       atomic.Uint64
	requested atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	stale     atomic.Uint64
	failed    atomic.Uint64

	mu      sync.Mutex
	lost    map[Eye]bool
	recent  []Sample
	next    int
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewPipeline builds a stopped pipeline. A nil clock uses the wall clock.
func NewPipeline(cfg Config, det Detector, clock timeutil.Clock) *Pipeline {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	p := &Pipeline{
		cfg:       cfg,
		det:       det,
		clock:     clock,
		requests:  make(map[Eye]chan request, len(cfg.Eyes)),
		responses: make(chan Sample, cfg.QueueCapacity),
		lost:      make(map[Eye]bool),
		recent:    make([]Sample, 0, cfg.History),
		done:      make(chan struct{}),
	}
	for _, eye := range cfg.Eyes {
		p.requests[eye] = make(chan request, cfg.QueueCapacity)
	}
	return p
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Start launches one processing stage per eye and, unless disabled, the
// periodic producer. The pipeline stops when ctx is cancelled or Stop is
// called. Starting twice is an error.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("telemetry pipeline already started")
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)

	for _, eye := range p.cfg.Eyes {
		p.wg.Add(1)
		go p.process(ctx, eye, p.requests[eye])
	}
	if p.cfg.Cadence > 0 {
		p.wg.Add(1)
		go p.produce(ctx)
	}
	monitoring.Log.Debug().Int("eyes", len(p.cfg.Eyes)).Dur("cadence", p.cfg.Cadence).Msg("telemetry pipeline started")
	return nil
}

// Stop cancels every stage and waits for them. It is idempotent.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.done)
	if !p.started {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
}

func (p *Pipeline) running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.stopped
}

func (p *Pipeline) produce(ctx context.Context) {
	defer p.wg.Done()
	ticker := p.clock.NewTicker(p.cfg.Cadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			p.Request()
		}
	}
}

// Request issues one sampling request per eye, stamped with the current time.
// When a request queue stays full for the whole retry budget the request is
// dropped; the caller is never blocked longer than that.
func (p *Pipeline) Request() {
	if !p.running() {
		return
	}
	now := p.clock.Now()
	for _, eye := range p.cfg.Eyes {
		req := request{seq: p.seq.Add(1), eye: eye, at: now}
		p.requested.Add(1)
		if !p.offer(p.requests[eye], req) {
			p.dropped.Add(1)
			metrics.RecordTelemetry("dropped", 1)
		}
	}
}

func (p *Pipeline) offer(ch chan request, req request) bool {
	for attempt := 0; attempt < p.cfg.PollAttempts; attempt++ {
		wait := p.clock.After(p.cfg.PollInterval)
		select {
		case ch <- req:
			return true
		case <-p.done:
			return false
		case <-wait:
		}
	}
	return false
}

func (p *Pipeline) process(ctx context.Context, eye Eye, reqs <-chan request) {
	defer p.wg.Done()
	filters := newFilterSet(p.cfg.WindowSize)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-reqs:
			if p.isLost(eye) {
				p.failed.Add(1)
				continue
			}
			frame, err := p.det.Detect(ctx, eye)
			if err != nil {
				p.failed.Add(1)
				metrics.RecordTelemetry("failed", 1)
				if errors.Is(err, ErrCaptureLost) {
					p.markLost(eye)
					monitoring.Log.Warn().Str("eye", string(eye)).Msg("eye camera lost, no further samples")
				} else if ctx.Err() == nil {
					monitoring.Log.Debug().Err(err).Str("eye", string(eye)).Msg("pupil detection failed")
				}
				continue
			}
			acquired := frame.Captured
			if acquired.IsZero() {
				acquired = p.clock.Now()
			}
			if acquired.Before(req.at) {
				acquired = req.at
			}
			x, y, d := filters.apply(frame)
			p.publish(Sample{
				Seq:         req.seq,
				RequestedAt: req.at,
				AcquiredAt:  acquired,
				Eye:         eye,
				X:           x,
				Y:           y,
				Diameter:    d,
			})
		}
	}
}

// publish pushes s into the response queue. A full queue loses its oldest
// sample so consumers always see the most recent measurements.
func (p *Pipeline) publish(s Sample) {
	p.remember(s)
	for {
		select {
		case p.responses <- s:
			p.delivered.Add(1)
			metrics.RecordTelemetry("delivered", 1)
			return
		default:
		}
		select {
		case <-p.responses:
			p.dropped.Add(1)
			metrics.RecordTelemetry("dropped", 1)
		default:
		}
	}
}

func (p *Pipeline) remember(s Sample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.recent) < p.cfg.History {
		p.recent = append(p.recent, s)
		return
	}
	p.recent[p.next] = s
	p.next = (p.next + 1) % p.cfg.History
}

func (p *Pipeline) isLost(eye Eye) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lost[eye]
}

func (p *Pipeline) markLost(eye Eye) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lost[eye] = true
}

// Lost reports whether every camera has been lost.
func (p *Pipeline) Lost() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, eye := range p.cfg.Eyes {
		if !p.lost[eye] {
			return false
		}
	}
	return true
}

// Fresh reports whether s is within the staleness threshold.
func (p *Pipeline) Fresh(s Sample) bool {
	return s.Staleness() <= p.cfg.Staleness
}

// Poll returns the next fresh sample, waiting at most PollAttempts short
// intervals. Stale samples met along the way are discarded. ok is false when
// the budget runs out or ctx ends: no sample is available, which is not an
// error.
func (p *Pipeline) Poll(ctx context.Context) (Sample, bool) {
	for attempt := 0; attempt < p.cfg.PollAttempts; attempt++ {
		wait := p.clock.After(p.cfg.PollInterval)
		for waiting := true; waiting; {
			select {
			case s := <-p.responses:
				if p.Fresh(s) {
					return s, true
				}
				p.discardStale(1)
			case <-ctx.Done():
				return Sample{}, false
			case <-wait:
				waiting = false
			}
		}
	}
	return Sample{}, false
}

// Drain empties the response queue without waiting and returns the fresh
// samples in arrival order. Stale samples are dropped without disturbing the
// order of the rest.
func (p *Pipeline) Drain() []Sample {
	var out []Sample
	stale := 0
	for {
		select {
		case s := <-p.responses:
			if p.Fresh(s) {
				out = append(out, s)
			} else {
				stale++
			}
		default:
			p.discardStale(stale)
			return out
		}
	}
}

// Latest drains the queue and returns the most recent fresh sample.
func (p *Pipeline) Latest() (Sample, bool) {
	samples := p.Drain()
	if len(samples) == 0 {
		return Sample{}, false
	}
	return samples[len(samples)-1], true
}

func (p *Pipeline) discardStale(n int) {
	if n <= 0 {
		return
	}
	p.stale.Add(uint64(n))
	metrics.RecordTelemetry("stale", n)
}

// Recent returns up to History of the latest samples, oldest first.
func (p *Pipeline) Recent() []Sample {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Sample, 0, len(p.recent))
	if len(p.recent) < p.cfg.History {
		return append(out, p.recent...)
	}
	out = append(out, p.recent[p.next:]...)
	return append(out, p.recent[:p.next]...)
}

// Stats returns activity counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Requested: p.requested.Load(),
		Delivered: p.delivered.Load(),
		Dropped:   p.dropped.Load(),
		Stale:     p.stale.Load(),
		Failed:    p.failed.Load(),
	}
}
