package encsync

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zsiec/lockstep/internal/media"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// emitted is a copy of what the sink saw at push time; wrappers are reused
// once returned, so tests must not read them later.
type emitted struct {
	stream string
	pts    uint64
	source uint64
	disc   media.Discontinuity
	clone  bool
	eos    bool
	media  *media.Buffer
	sb     *StreamBuffer
}

type recordSink struct {
	mu       sync.Mutex
	got      []emitted
	returned int
	reject   error
	onPush   func(*StreamBuffer)
}

func (s *recordSink) Push(sb *StreamBuffer) error {
	s.mu.Lock()
	if s.reject != nil {
		err := s.reject
		s.mu.Unlock()
		return err
	}
	s.got = append(s.got, emitted{
		stream: sb.Stream(),
		pts:    sb.PTS(),
		source: sb.SourcePTS(),
		disc:   sb.Discontinuity(),
		clone:  sb.IsClone(),
		eos:    sb.EOS(),
		media:  sb.Media(),
		sb:     sb,
	})
	hook := s.onPush
	s.mu.Unlock()
	if hook != nil {
		hook(sb)
	}
	return nil
}

func (s *recordSink) all() []emitted {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]emitted(nil), s.got...)
}

func (s *recordSink) stream(name string) []emitted {
	var out []emitted
	for _, e := range s.all() {
		if e.stream == name {
			out = append(out, e)
		}
	}
	return out
}

// returnAll hands every buffer not yet returned back to the coordinator.
func (s *recordSink) returnAll(c *Coordinator) {
	s.mu.Lock()
	pending := s.got[s.returned:]
	s.returned = len(s.got)
	s.mu.Unlock()
	for _, e := range pending {
		c.Release(e.sb)
	}
}

// recordingPool is a producer pool that remembers the PTS of every
// buffer reference handed back to it.
type recordingPool struct {
	*media.Pool

	mu       sync.Mutex
	released []uint64
}

func newRecordingPool(name string, capacity int) *recordingPool {
	return &recordingPool{Pool: media.NewPool(name, capacity, discardLogger())}
}

func (r *recordingPool) Release(b *media.Buffer) {
	r.mu.Lock()
	r.released = append(r.released, b.PTS)
	r.mu.Unlock()
	r.Pool.Release(b)
}

func (r *recordingPool) releasedPTS() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.released...)
}

func (r *recordingPool) frame(t *testing.T, p, dur uint64) *media.Buffer {
	t.Helper()
	b, err := r.Acquire()
	require.NoError(t, err)
	b.PTS = p
	b.Duration = dur
	return b
}

type harness struct {
	t     *testing.T
	c     *Coordinator
	sink  *recordSink
	clock *fakeClock
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	clock := newFakeClock()
	sink := &recordSink{}
	opts.Logger = discardLogger()
	opts.Now = clock.Now
	return &harness{t: t, c: New(sink, opts), sink: sink, clock: clock}
}

// step runs one scheduler wake synchronously.
func (h *harness) step() {
	h.c.step()
}

type producer struct {
	t    *testing.T
	port *Port
	pool *recordingPool
	kind media.Kind
	dur  uint64
}

func (h *harness) connect(name string, kind media.Kind, dur uint64) *producer {
	h.t.Helper()
	pool := newRecordingPool(name, 32)
	port, err := h.c.Connect(name, kind, pool)
	require.NoError(h.t, err)
	return &producer{t: h.t, port: port, pool: pool, kind: kind, dur: dur}
}

func (p *producer) push(timestamps ...uint64) {
	p.t.Helper()
	for _, ts := range timestamps {
		b := p.pool.frame(p.t, ts, p.dur)
		b.Kind = p.kind
		require.NoError(p.t, p.port.Insert(b))
	}
}

func (p *producer) pushEOS(ts uint64) {
	p.t.Helper()
	b := p.pool.frame(p.t, ts, 0)
	b.Kind = p.kind
	b.EOS = true
	require.NoError(p.t, p.port.Insert(b))
}

func (p *producer) sync() *Synchronizer { return p.port.s }
