package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/opi.server/internal/timeutil"
)

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		WindowSize:    1,
		QueueCapacity: 8,
		PollAttempts:  100,
		PollInterval:  5 * time.Millisecond,
		Staleness:     2 * time.Second,
	}
}

func startPipeline(t *testing.T, cfg Config, det Detector, clk timeutil.Clock) *Pipeline {
	t.Helper()
	p := NewPipeline(cfg, det, clk)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Stop)
	return p
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, DefaultWindowSize, cfg.WindowSize)
	assert.Equal(t, time.Second, cfg.Cadence)
	assert.Equal(t, 64, cfg.QueueCapacity)
	assert.Equal(t, 10, cfg.PollAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 2*time.Second, cfg.Staleness)
	assert.Equal(t, []Eye{Left}, cfg.Eyes)
}

func TestPipeline_RequestThenPoll(t *testing.T) {
	clk := timeutil.NewMockClock(epoch)
	det := DetectorFunc(func(ctx context.Context, eye Eye) (Frame, error) {
		return Frame{Captured: clk.Now().Add(40 * time.Millisecond), Eye: eye, X: 1.5, Y: -2, Diameter: 4}, nil
	})
	p := startPipeline(t, testConfig(), det, clk)

	p.Request()
	s, ok := p.Poll(context.Background())
	require.True(t, ok, "expected a sample")
	assert.Equal(t, epoch, s.RequestedAt)
	assert.Equal(t, 40*time.Millisecond, s.Staleness())
	assert.Equal(t, Left, s.Eye)
	assert.Equal(t, 1.5, s.X)
	assert.Equal(t, -2.0, s.Y)
	assert.Equal(t, 4.0, s.Diameter)
}

// pollAdvancing runs Poll while stepping the mock clock until it returns.
func pollAdvancing(t *testing.T, p *Pipeline, clk *timeutil.MockClock) (Sample, bool) {
	t.Helper()
	type result struct {
		s  Sample
		ok bool
	}
	done := make(chan result, 1)
	go func() {
		s, ok := p.Poll(context.Background())
		done <- result{s, ok}
	}()
	var r result
	require.Eventually(t, func() bool {
		clk.Advance(p.Config().PollInterval)
		select {
		case r = <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond, "Poll did not give up")
	return r.s, r.ok
}

func TestPipeline_PollBudgetRunsOnClock(t *testing.T) {
	clk := timeutil.NewMockClock(epoch)
	cfg := testConfig()
	cfg.PollAttempts = 5
	cfg.PollInterval = time.Hour
	p := startPipeline(t, cfg, DetectorFunc(func(context.Context, Eye) (Frame, error) {
		return Frame{}, nil
	}), clk)

	_, ok := pollAdvancing(t, p, clk)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, clk.Since(epoch), 5*time.Hour, "budget is measured on the pipeline clock")
}

func TestPipeline_PollHonoursContext(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = time.Hour
	p := startPipeline(t, cfg, NewSyntheticDetector(1, nil), timeutil.NewMockClock(epoch))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok := p.Poll(ctx)
	assert.False(t, ok)
}

func TestPipeline_StopReleasesBlockedRequest(t *testing.T) {
	clk := timeutil.NewMockClock(epoch)
	busy := make(chan struct{})
	var once sync.Once
	det := DetectorFunc(func(ctx context.Context, eye Eye) (Frame, error) {
		once.Do(func() { close(busy) })
		<-ctx.Done()
		return Frame{}, ctx.Err()
	})
	cfg := testConfig()
	cfg.QueueCapacity = 1
	cfg.PollInterval = time.Hour
	p := NewPipeline(cfg, det, clk)
	require.NoError(t, p.Start(context.Background()))

	p.Request()
	<-busy
	p.Request()

	returned := make(chan struct{})
	go func() {
		p.Request()
		close(returned)
	}()
	select {
	case <-returned:
		t.Fatal("request returned while the queue was full")
	case <-time.After(20 * time.Millisecond):
	}

	p.Stop()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Stop did not release the blocked request")
	}
	assert.Equal(t, uint64(1), p.Stats().Dropped)
}

func TestPipeline_AcquiredNeverBeforeRequested(t *testing.T) {
	clk := timeutil.NewMockClock(epoch)
	det := DetectorFunc(func(ctx context.Context, eye Eye) (Frame, error) {
		return Frame{Captured: clk.Now().Add(-time.Second)}, nil
	})
	p := startPipeline(t, testConfig(), det, clk)

	p.Request()
	s, ok := p.Poll(context.Background())
	require.True(t, ok)
	assert.False(t, s.AcquiredAt.Before(s.RequestedAt))
	assert.Equal(t, time.Duration(0), s.Staleness())
}

func TestPipeline_DrainDropsStaleKeepsOrder(t *testing.T) {
	clk := timeutil.NewMockClock(epoch)
	delays := []time.Duration{0, 3 * time.Second, time.Second, 5 * time.Second, 100 * time.Millisecond}
	var calls atomic.Int32
	det := DetectorFunc(func(ctx context.Context, eye Eye) (Frame, error) {
		i := calls.Add(1) - 1
		return Frame{Captured: epoch.Add(delays[i]), X: float64(i)}, nil
	})
	p := startPipeline(t, testConfig(), det, clk)

	for range delays {
		p.Request()
	}
	require.Eventually(t, func() bool { return p.Stats().Delivered == uint64(len(delays)) }, time.Second, time.Millisecond)

	got := p.Drain()
	require.Len(t, got, 3)
	assert.Equal(t, []float64{0, 2, 4}, []float64{got[0].X, got[1].X, got[2].X})
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1].Seq, got[i].Seq)
	}
	assert.Equal(t, uint64(2), p.Stats().Stale)
	assert.Empty(t, p.Drain())
}

func TestPipeline_MedianSmoothing(t *testing.T) {
	clk := timeutil.NewMockClock(epoch)
	xs := []float64{1, 50, 2}
	var calls atomic.Int32
	det := DetectorFunc(func(ctx context.Context, eye Eye) (Frame, error) {
		i := calls.Add(1) - 1
		return Frame{X: xs[i], Diameter: 3}, nil
	})
	cfg := testConfig()
	cfg.WindowSize = 3
	p := startPipeline(t, cfg, det, clk)

	for range xs {
		p.Request()
	}
	require.Eventually(t, func() bool { return p.Stats().Delivered == 3 }, time.Second, time.Millisecond)
	last, ok := p.Latest()
	require.True(t, ok)
	assert.Equal(t, 2.0, last.X, "spike should be suppressed")
}

func TestPipeline_CaptureLossYieldsNoSamples(t *testing.T) {
	clk := timeutil.NewMockClock(epoch)
	det := NewSyntheticDetector(1, clk)
	det.Lose()
	cfg := testConfig()
	cfg.PollAttempts = 5
	p := startPipeline(t, cfg, det, clk)

	p.Request()
	require.Eventually(t, p.Lost, time.Second, time.Millisecond)
	p.Request()
	_, ok := pollAdvancing(t, p, clk)
	assert.False(t, ok)
	require.Eventually(t, func() bool { return p.Stats().Failed == 2 }, time.Second, time.Millisecond)
	assert.Zero(t, p.Stats().Delivered)
}

func TestPipeline_ProducerFollowsCadence(t *testing.T) {
	clk := timeutil.NewMockClock(epoch)
	cfg := testConfig()
	cfg.Cadence = time.Second
	cfg.Eyes = []Eye{Left, Right}
	p := startPipeline(t, cfg, NewSyntheticDetector(7, clk), clk)

	require.Eventually(t, func() bool {
		clk.Advance(time.Second)
		eyes := map[Eye]bool{}
		for _, s := range p.Recent() {
			eyes[s.Eye] = true
		}
		return eyes[Left] && eyes[Right]
	}, time.Second, 5*time.Millisecond, "both eyes sampled")
}

func TestPipeline_ResponseQueueEvictsOldest(t *testing.T) {
	clk := timeutil.NewMockClock(epoch)
	var calls atomic.Int32
	det := DetectorFunc(func(ctx context.Context, eye Eye) (Frame, error) {
		return Frame{X: float64(calls.Add(1))}, nil
	})
	cfg := testConfig()
	cfg.QueueCapacity = 2
	p := startPipeline(t, cfg, det, clk)

	for i := 0; i < 5; i++ {
		p.Request()
		n := uint64(i + 1)
		require.Eventually(t, func() bool { return uint64(calls.Load()) == n && p.Stats().Delivered == n }, time.Second, time.Millisecond)
	}
	got := p.Drain()
	require.Len(t, got, 2)
	assert.Equal(t, 4.0, got[0].X)
	assert.Equal(t, 5.0, got[1].X)
	assert.Equal(t, uint64(3), p.Stats().Dropped)
}

func TestPipeline_StartStop(t *testing.T) {
	p := NewPipeline(testConfig(), NewSyntheticDetector(1, nil), nil)
	p.Stop()
	p.Request()
	assert.Equal(t, uint64(0), p.Stats().Requested, "requests before Start are ignored")

	p = NewPipeline(testConfig(), NewSyntheticDetector(1, nil), nil)
	require.NoError(t, p.Start(context.Background()))
	assert.Error(t, p.Start(context.Background()))
	p.Stop()
	p.Stop()
}

func TestPipeline_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	blocked := make(chan struct{})
	det := DetectorFunc(func(ctx context.Context, eye Eye) (Frame, error) {
		close(blocked)
		<-ctx.Done()
		return Frame{}, ctx.Err()
	})
	p := NewPipeline(testConfig(), det, nil)
	require.NoError(t, p.Start(ctx))
	p.Request()
	<-blocked
	cancel()

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after context cancellation")
	}
	assert.False(t, p.Lost(), "cancellation is not capture loss")
}
