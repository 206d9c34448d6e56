// Package source generates synthetic decoded streams for the encode
// coordinator: paced audio and video frames drawn from a media.Pool, with
// scripted gaps, producer stalls and an optional end-of-stream marker.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/lockstep/internal/media"
	"github.com/zsiec/lockstep/internal/pts"
)

// acquireRetry is how long a generator waits for its pool to free a buffer.
const acquireRetry = 2 * time.Millisecond

// Gap skips Frames frames of timestamps before frame At is produced.
type Gap struct {
	At     int
	Frames int
}

// Stall pauses the producer for Wait before frame At is produced.
type Stall struct {
	At   int
	Wait time.Duration
}

// Profile scripts one synthetic stream.
type Profile struct {
	Name      string
	Kind      media.Kind
	StartPTS  uint64
	Duration  uint64 // clock ticks per frame
	Frames    int
	EOS       bool
	Gaps      []Gap
	Stalls    []Stall
	ClockRate uint64
	// Speed scales pacing: 1 is real time, 2 twice as fast. Zero produces
	// frames as fast as the pool allows.
	Speed float64
}

// Frame is one produced buffer tagged with the stream it belongs to.
type Frame struct {
	Stream string
	Buf    *media.Buffer
}

// Stats is a snapshot of a generator's counters.
type Stats struct {
	Produced  int64  `json:"produced"`
	Skipped   int64  `json:"skipped"`
	Stalls    int64  `json:"stalls"`
	PoolWaits int64  `json:"poolWaits"`
	LastPTS   uint64 `json:"lastPTS"`
}

// Generator produces the frames described by a Profile.
type Generator struct {
	log     *slog.Logger
	profile Profile
	pool    *media.Pool

	produced  atomic.Int64
	skipped   atomic.Int64
	stalls    atomic.Int64
	poolWaits atomic.Int64
	lastPTS   atomic.Uint64
}

// New creates a Generator that draws buffers from pool. If log is nil,
// slog.Default() is used.
func New(p Profile, pool *media.Pool, log *slog.Logger) (*Generator, error) {
	if p.Duration == 0 {
		return nil, fmt.Errorf("source %s: frame duration must be positive", p.Name)
	}
	if p.ClockRate == 0 {
		p.ClockRate = pts.DefaultClockRate
	}
	if log == nil {
		log = slog.Default()
	}
	return &Generator{
		log:     log.With("component", "source", "stream", p.Name),
		profile: p,
		pool:    pool,
	}, nil
}

// Name returns the stream name.
func (g *Generator) Name() string { return g.profile.Name }

// Kind returns the stream's media kind.
func (g *Generator) Kind() media.Kind { return g.profile.Kind }

// Profile returns the script the generator follows.
func (g *Generator) Profile() Profile { return g.profile }

// Stats returns the generator's counters.
func (g *Generator) Stats() Stats {
	return Stats{
		Produced:  g.produced.Load(),
		Skipped:   g.skipped.Load(),
		Stalls:    g.stalls.Load(),
		PoolWaits: g.poolWaits.Load(),
		LastPTS:   g.lastPTS.Load(),
	}
}

// Run produces every frame of the profile into out, then the EOS marker
// if one is scripted. It returns nil when the script completes and the
// context error if cancelled first. It never closes out.
func (g *Generator) Run(ctx context.Context, out chan<- Frame) error {
	p := g.profile
	frameWall := time.Duration(0)
	if p.Speed > 0 {
		frameWall = time.Duration(float64(pts.Duration(p.Duration, p.ClockRate)) / p.Speed)
	}

	start := time.Now()
	ts := p.StartPTS & pts.Mask
	// slot counts frame periods since start, including skipped ones, so
	// gaps also show up as silence in wall time.
	slot := 0
	for i := 0; i < p.Frames; i++ {
		if n := g.gapAt(i); n > 0 {
			ts = pts.Add(ts, int64(uint64(n)*p.Duration))
			slot += n
			g.skipped.Add(int64(n))
			g.log.Debug("skipping frames", "at", i, "frames", n)
		}
		if w := g.stallAt(i); w > 0 {
			g.stalls.Add(1)
			g.log.Debug("stalling", "at", i, "wait", w)
			if err := sleep(ctx, w); err != nil {
				return err
			}
			start = start.Add(w)
		}
		if frameWall > 0 {
			if err := sleep(ctx, time.Until(start.Add(time.Duration(slot)*frameWall))); err != nil {
				return err
			}
		}

		b, err := g.acquire(ctx)
		if err != nil {
			return err
		}
		b.PTS = ts
		b.Duration = p.Duration
		b.Kind = p.Kind
		if err := g.send(ctx, out, b); err != nil {
			return err
		}
		g.produced.Add(1)
		g.lastPTS.Store(ts)

		ts = pts.Add(ts, int64(p.Duration))
		slot++
	}

	if p.EOS {
		b, err := g.acquire(ctx)
		if err != nil {
			return err
		}
		b.PTS = ts
		b.Kind = p.Kind
		b.EOS = true
		if err := g.send(ctx, out, b); err != nil {
			return err
		}
	}
	g.log.Info("source finished", "frames", g.produced.Load(), "eos", p.EOS)
	return nil
}

func (g *Generator) gapAt(i int) int {
	n := 0
	for _, gap := range g.profile.Gaps {
		if gap.At == i && gap.Frames > 0 {
			n += gap.Frames
		}
	}
	return n
}

func (g *Generator) stallAt(i int) time.Duration {
	var w time.Duration
	for _, s := range g.profile.Stalls {
		if s.At == i && s.Wait > 0 {
			w += s.Wait
		}
	}
	return w
}

// acquire waits for the pool to free a buffer. The coordinator returns
// buffers as the encoder releases them, so exhaustion is backpressure.
func (g *Generator) acquire(ctx context.Context) (*media.Buffer, error) {
	for {
		b, err := g.pool.Acquire()
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, media.ErrPoolExhausted) {
			return nil, err
		}
		g.poolWaits.Add(1)
		if err := sleep(ctx, acquireRetry); err != nil {
			return nil, err
		}
	}
}

func (g *Generator) send(ctx context.Context, out chan<- Frame, b *media.Buffer) error {
	select {
	case out <- Frame{Stream: g.profile.Name, Buf: b}:
		return nil
	case <-ctx.Done():
		g.pool.Release(b)
		return ctx.Err()
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
