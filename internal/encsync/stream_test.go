package encsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/lockstep/internal/media"
)

func TestComputeStateIsIdempotent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		state      State
		streamTime uint64
		after      uint64
		hasAfter   bool
	}{
		{name: "running", state: StateRunning, streamTime: 0, after: 1500, hasAfter: true},
		{name: "running gap opens", state: StateRunning, streamTime: 0, after: 9000, hasAfter: true},
		{name: "running stalled", state: StateRunning, streamTime: 0},
		{name: "gap", state: StateGap, streamTime: 3000, after: 9000, hasAfter: true},
		{name: "timed out", state: StateTimedOut, streamTime: 1500},
		{name: "timed out with data", state: StateTimedOut, streamTime: 1500, after: 6000, hasAfter: true},
		{name: "leaving gap", state: StateLeavingGap, streamTime: 9000, after: 10500, hasAfter: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, Options{})
			p := h.connect("a", media.KindAudio, 1500)
			s := p.sync()

			s.joined = true
			s.state = tt.state
			s.streamTime = tt.streamTime
			s.nominal = 1500
			s.current = s.slots.wrap(p.pool.frame(t, 0, 1500), media.KindAudio)
			if tt.hasAfter {
				s.after = s.slots.wrap(p.pool.frame(t, tt.after, 1500), media.KindAudio)
			}
			now := h.clock.Now()
			s.waitingSince = now.Add(-time.Second)
			s.timedOutAt = now.Add(-time.Second)

			s.computeState(tt.streamTime, now)
			first := s.pending
			free := s.slots.free()

			s.computeState(tt.streamTime, now)
			assert.Equal(t, first, s.pending)
			assert.Equal(t, tt.state, s.state)
			assert.Equal(t, tt.streamTime, s.streamTime)
			assert.Equal(t, free, s.slots.free())
			assert.Empty(t, h.sink.all(), "computeState never dispatches")
		})
	}
}

func TestDiscardUntil(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	p := h.connect("v", media.KindVideo, 3000)
	s := p.sync()

	assert.False(t, s.discardUntil(4000), "nothing queued yet")

	p.push(0, 3000, 6000)
	require.True(t, s.discardUntil(4000))
	require.NotNil(t, s.current)
	assert.Equal(t, uint64(3000), s.current.SourcePTS(), "frame straddling the target is kept")
	assert.Equal(t, []uint64{0}, p.pool.releasedPTS())
	assert.Equal(t, int64(1), s.stats.discarded.Load())
}

func TestDiscardUntilForwardsEOS(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	p := h.connect("v", media.KindVideo, 3000)
	s := p.sync()

	p.push(0)
	p.pushEOS(3000)
	require.True(t, s.discardUntil(90000))

	got := h.sink.all()
	require.Len(t, got, 1)
	assert.True(t, got[0].eos)
	assert.True(t, got[0].disc.Has(media.EOS))
	assert.Equal(t, uint64(90000), got[0].pts)
	assert.Equal(t, StateEndOfStream, s.state)
	assert.False(t, s.active())
}

func TestAdjustJumpRoundsDownToFrameBoundary(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	p := h.connect("v", media.KindVideo, 3000)
	s := p.sync()
	s.joined = true
	s.state = StateGap
	s.nominal = 3000
	s.streamTime = 6000

	s.adjustJump(31000)
	assert.Equal(t, uint64(30000), s.streamTime)

	s.adjustJump(12000)
	assert.Equal(t, uint64(30000), s.streamTime, "cursor never moves backwards")
}

func TestAudioGapIsBridgedWithMutedClones(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	p := h.connect("a", media.KindAudio, 1500)

	p.push(0, 3000, 4500)
	h.step()

	got := h.sink.all()
	require.Len(t, got, 3)

	assert.Equal(t, uint64(0), got[0].pts)
	assert.True(t, got[0].disc.Has(media.NewGroup|media.FadeOut))
	assert.False(t, got[0].clone)

	assert.Equal(t, uint64(1500), got[1].pts)
	assert.True(t, got[1].clone)
	assert.Equal(t, uint64(0), got[1].source)
	assert.Equal(t, media.Mute, got[1].disc)
	assert.Same(t, got[0].media, got[1].media)

	assert.Equal(t, uint64(3000), got[2].pts)
	assert.Equal(t, media.FadeIn|media.NewGroup, got[2].disc)

	s := p.sync()
	assert.Equal(t, StateRunning, s.state)
	assert.Equal(t, int64(1), s.stats.gaps.Load())
	assert.Equal(t, int64(1), s.stats.clones.Load())
}

func TestLeavingGapReentersGapWhenNextFrameIsLate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	p := h.connect("a", media.KindAudio, 1500)

	p.push(0, 3000, 6000, 7500)
	h.step()

	got := h.sink.all()
	require.Len(t, got, 5)
	assert.Equal(t, []uint64{0, 0, 3000, 3000, 6000}, sources(got))

	assert.True(t, got[1].clone)
	assert.Equal(t, uint64(1500), got[1].pts)

	// The frame that closes the first gap also opens the second.
	assert.False(t, got[2].clone)
	assert.Equal(t, uint64(3000), got[2].pts)
	assert.Equal(t, media.FadeIn|media.NewGroup|media.FadeOut, got[2].disc)

	assert.True(t, got[3].clone)
	assert.Equal(t, uint64(4500), got[3].pts)
	assert.Equal(t, media.Mute, got[3].disc)

	assert.Equal(t, uint64(6000), got[4].pts)
	assert.Equal(t, media.FadeIn|media.NewGroup, got[4].disc)

	s := p.sync()
	assert.Equal(t, StateRunning, s.state)
	assert.Equal(t, int64(2), s.stats.gaps.Load())
	assert.Equal(t, int64(2), s.stats.clones.Load())
}

func TestDiscardUntilKeepsFrameAheadOfTarget(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	p := h.connect("a", media.KindAudio, 1500)
	s := p.sync()

	p.push(30000, 31500)
	require.True(t, s.discardUntil(9000))
	assert.Equal(t, uint64(30000), s.current.SourcePTS())
	assert.Empty(t, p.pool.releasedPTS())

	s.join(9000, h.clock.Now())
	assert.Equal(t, uint64(30000), s.streamTime)

	s.computeState(9000, h.clock.Now())
	assert.True(t, s.isReady())
	assert.True(t, s.hasGap(), "a stream waiting for its first frame counts as gapped")
	assert.Equal(t, uint64(30000), s.gapEnd())
	assert.Empty(t, h.sink.all())
}

func TestTimedOutStreamClonesUntilDataResumes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{MaxInFlight: 4})
	p := h.connect("v", media.KindVideo, 3000)
	s := p.sync()

	p.push(0)
	h.step()
	assert.Empty(t, h.sink.all(), "waits for a second frame")

	h.clock.Advance(600 * time.Millisecond)
	h.step()
	require.Len(t, h.sink.all(), 1)
	assert.Equal(t, StateTimedOut, s.state)
	assert.Equal(t, int64(1), s.stats.timeouts.Load())

	// Clones are paced by the wall clock from the moment of the timeout.
	h.clock.Advance(100 * time.Millisecond)
	h.step()
	got := h.sink.all()
	require.Len(t, got, 4)
	for i, e := range got[1:] {
		assert.True(t, e.clone)
		assert.Equal(t, uint64(i+1)*3000, e.pts)
		assert.Equal(t, uint64(0), e.source)
	}
	assert.Equal(t, p.pool.Capacity()-1, p.pool.Available())
	assert.Empty(t, p.pool.releasedPTS())

	// Every slot is out: the stream backs off instead of blocking.
	h.clock.Advance(time.Second)
	h.step()
	assert.Len(t, h.sink.all(), 4)
	assert.Equal(t, StateTimedOut, s.state)

	// Returned clones free slots but never the source, which the
	// lookahead still references.
	h.sink.returnAll(h.c)
	h.step()
	assert.Len(t, h.sink.all(), 7)
	assert.Equal(t, p.pool.Capacity()-1, p.pool.Available())
	assert.Len(t, p.pool.releasedPTS(), 3)
	assert.Equal(t, StateTimedOut, s.state)

	h.sink.returnAll(h.c)
	p.push(21000, 24000)
	h.step()

	got = h.sink.all()
	last := got[len(got)-1]
	assert.False(t, last.clone)
	assert.Equal(t, uint64(21000), last.source)
	assert.Equal(t, uint64(21000), last.pts)
	assert.True(t, last.disc.Has(media.NewGroup))
	assert.Equal(t, StateRunning, s.state)
	assert.Equal(t, p.pool.Capacity()-2, p.pool.Available(), "stalled frame released once data resumed")
}

func TestTimedOutDropsLateFrames(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	p := h.connect("v", media.KindVideo, 3000)
	s := p.sync()

	p.push(0)
	h.step()
	h.clock.Advance(600 * time.Millisecond)
	h.step()
	h.clock.Advance(100 * time.Millisecond)
	h.step()
	require.Equal(t, uint64(12000), s.streamTime)

	p.push(3000)
	h.step()
	assert.Contains(t, p.pool.releasedPTS(), uint64(3000))
	assert.Equal(t, int64(1), s.stats.discarded.Load())
	assert.Equal(t, StateTimedOut, s.state)

	// A frame far ahead turns the stall into a gap; alone in the group,
	// the stream's dead time is compressed away.
	p.push(30000)
	h.step()
	assert.Equal(t, StateLeavingGap, s.state)
	assert.Equal(t, int64(-18000), h.c.PTSOffset())
	assert.Equal(t, uint64(30000), s.streamTime)
}

func TestInsertQueueFull(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{QueueDepth: 2})
	p := h.connect("v", media.KindVideo, 3000)

	p.push(0, 3000)
	b := p.pool.frame(t, 6000, 3000)
	err := p.port.Insert(b)
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, p.pool.Capacity()-2, p.pool.Available(), "rejected frame returned to its pool")
	assert.Equal(t, int64(1), p.sync().stats.droppedFull.Load())
}
