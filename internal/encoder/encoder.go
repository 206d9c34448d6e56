// Package encoder is the downstream side of the encode coordinator: a
// simulated encoder that holds each scheduled buffer for a fixed latency,
// checks per-stream output continuity, and hands the buffer back.
package encoder

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/lockstep/internal/encsync"
	"github.com/zsiec/lockstep/internal/media"
	"github.com/zsiec/lockstep/internal/pts"
)

// Defaults for Config fields left at zero.
const (
	DefaultQueueDepth = 256
	DefaultLatency    = 5 * time.Millisecond
)

var (
	// ErrBusy is returned by Push when the input queue is full.
	ErrBusy = errors.New("encoder: input queue full")
	// ErrClosed is returned by Push once Run has exited.
	ErrClosed = errors.New("encoder: closed")
)

// Returner takes back buffers the encoder is done with. The coordinator
// implements it.
type Returner interface {
	Release(sb *encsync.StreamBuffer)
	PTSOffset() int64
}

// Config tunes a Simulated encoder.
type Config struct {
	Latency    time.Duration
	QueueDepth int
}

// TrackStats summarizes what the encoder saw on one stream.
type TrackStats struct {
	Stream           string `json:"stream"`
	Kind             string `json:"kind"`
	Frames           int64  `json:"frames"`
	Clones           int64  `json:"clones"`
	Muted            int64  `json:"muted"`
	NewGroups        int64  `json:"newGroups"`
	EOS              bool   `json:"eos"`
	ContinuityErrors int64  `json:"continuityErrors"`
	FirstPTS         uint64 `json:"firstPTS"`
	LastPTS          uint64 `json:"lastPTS"`
	Rebases          int64  `json:"rebases"`
}

type track struct {
	stats   TrackStats
	started bool
	next    uint64
	offset  int64
}

type held struct {
	sb  *encsync.StreamBuffer
	due time.Time
}

// Simulated is a stand-in encoder. Push is called on the coordinator
// goroutine and never blocks; Run drains the input on its own goroutine.
type Simulated struct {
	log      *slog.Logger
	cfg      Config
	returner Returner
	in       chan *encsync.StreamBuffer
	closed   atomic.Bool

	received atomic.Int64
	returned atomic.Int64
	rejected atomic.Int64

	mu     sync.Mutex
	tracks map[string]*track
}

// NewSimulated creates an encoder. Attach must be called before Run.
func NewSimulated(cfg Config, log *slog.Logger) *Simulated {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.Latency < 0 {
		cfg.Latency = DefaultLatency
	}
	if log == nil {
		log = slog.Default()
	}
	return &Simulated{
		log:    log.With("component", "encoder"),
		cfg:    cfg,
		in:     make(chan *encsync.StreamBuffer, cfg.QueueDepth),
		tracks: make(map[string]*track),
	}
}

// Attach sets where finished buffers are returned.
func (e *Simulated) Attach(r Returner) {
	e.returner = r
}

// Push implements encsync.Sink.
func (e *Simulated) Push(sb *encsync.StreamBuffer) error {
	if e.closed.Load() {
		e.rejected.Add(1)
		return ErrClosed
	}
	select {
	case e.in <- sb:
		e.received.Add(1)
		return nil
	default:
		e.rejected.Add(1)
		return ErrBusy
	}
}

// Run encodes until ctx is cancelled, then returns everything it still
// holds.
func (e *Simulated) Run(ctx context.Context) error {
	if e.returner == nil {
		return errors.New("encoder: no returner attached")
	}
	var pending []held
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	defer func() {
		e.closed.Store(true)
		for _, h := range pending {
			e.finish(h.sb)
		}
		for {
			select {
			case sb := <-e.in:
				e.finish(sb)
			default:
				e.log.Info("encoder stopped", "received", e.received.Load(), "returned", e.returned.Load())
				return
			}
		}
	}()

	for {
		var due <-chan time.Time
		if len(pending) > 0 {
			wait := time.Until(pending[0].due)
			if wait <= 0 {
				e.finish(pending[0].sb)
				pending[0] = held{}
				pending = pending[1:]
				continue
			}
			timer.Reset(wait)
			due = timer.C
		}

		select {
		case <-ctx.Done():
			return nil
		case sb := <-e.in:
			pending = append(pending, held{sb: sb, due: time.Now().Add(e.cfg.Latency)})
		case <-due:
		}
	}
}

// finish inspects a buffer and returns it. The wrapper may be reused as
// soon as it is returned, so everything is read first.
func (e *Simulated) finish(sb *encsync.StreamBuffer) {
	e.inspect(sb)
	e.returned.Add(1)
	e.returner.Release(sb)
}

func (e *Simulated) inspect(sb *encsync.StreamBuffer) {
	offset := e.returner.PTSOffset()

	e.mu.Lock()
	defer e.mu.Unlock()

	tr, ok := e.tracks[sb.Stream()]
	if !ok {
		tr = &track{stats: TrackStats{Stream: sb.Stream(), Kind: sb.Kind().String()}, offset: offset}
		e.tracks[sb.Stream()] = tr
	}
	st := &tr.stats
	if offset != tr.offset {
		st.Rebases++
		tr.offset = offset
	}

	disc := sb.Discontinuity()
	if sb.EOS() {
		st.EOS = true
		return
	}

	p := sb.PTS()
	if !tr.started {
		tr.started = true
		st.FirstPTS = p
	} else if p != tr.next && !disc.Has(media.NewGroup) {
		st.ContinuityErrors++
		e.log.Warn("output discontinuity without marker", "stream", sb.Stream(),
			"pts", p, "expected", tr.next)
	}
	st.Frames++
	if sb.IsClone() {
		st.Clones++
	}
	if disc.Has(media.Mute) {
		st.Muted++
	}
	if disc.Has(media.NewGroup) {
		st.NewGroups++
	}
	st.LastPTS = p
	tr.next = pts.Add(p, int64(sb.Duration()))
}

// Stats returns per-stream statistics sorted by stream name.
func (e *Simulated) Stats() []TrackStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]TrackStats, 0, len(e.tracks))
	for _, tr := range e.tracks {
		out = append(out, tr.stats)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stream < out[j].Stream })
	return out
}

// Track returns the statistics for one stream.
func (e *Simulated) Track(name string) (TrackStats, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tr, ok := e.tracks[name]
	if !ok {
		return TrackStats{}, false
	}
	return tr.stats, true
}

// Counters returns how many buffers were accepted, returned and rejected.
func (e *Simulated) Counters() (received, returned, rejected int64) {
	return e.received.Load(), e.returned.Load(), e.rejected.Load()
}
