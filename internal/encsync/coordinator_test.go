package encsync

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/lockstep/internal/media"
	"github.com/zsiec/lockstep/internal/pts"
)

func sources(es []emitted) []uint64 {
	out := make([]uint64, 0, len(es))
	for _, e := range es {
		out = append(out, e.source)
	}
	return out
}

func TestStartupSelectsLatestFirstFrame(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	a := h.connect("audio", media.KindAudio, 20)
	v := h.connect("video", media.KindVideo, 40)

	a.push(100, 120, 140, 160, 180, 200)
	v.push(140, 180, 220)
	h.step()

	assert.Equal(t, []uint64{100, 120}, a.pool.releasedPTS(), "audio before the sync point is discarded")
	assert.Empty(t, v.pool.releasedPTS())

	audio := h.sink.stream("audio")
	video := h.sink.stream("video")
	assert.Equal(t, []uint64{140, 160, 180}, sources(audio))
	assert.Equal(t, []uint64{140, 180}, sources(video))
	assert.True(t, audio[0].disc.Has(media.NewGroup))
	assert.True(t, video[0].disc.Has(media.NewGroup))
	assert.False(t, audio[1].disc.Has(media.NewGroup))

	st := h.c.Stats()
	assert.Equal(t, "running", st.Phase)
	assert.Equal(t, uint64(20), st.Tick)
	assert.Equal(t, uint64(200), st.CurrentTime)
	assert.False(t, st.Degraded)
	require.Len(t, st.Streams, 2)
	assert.Equal(t, int64(2), st.Streams[0].Discarded)
}

func TestStartupDegradesWhenAStreamIsSilent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	v := h.connect("video", media.KindVideo, 3000)
	a := h.connect("audio", media.KindAudio, 1500)

	v.push(0, 3000, 6000)
	h.step()
	assert.Equal(t, "step0", h.c.Stats().Phase)
	assert.Empty(t, h.sink.all())

	h.clock.Advance(1100 * time.Millisecond)
	h.step()
	degraded, reason := h.c.Degraded()
	assert.True(t, degraded)
	assert.Contains(t, reason, "1 stream(s)")
	assert.Equal(t, []uint64{0, 3000}, sources(h.sink.stream("video")))

	// The silent stream joins late at the shared cursor.
	v.push(9000)
	a.push(4500, 6000, 7500)
	h.step()
	audio := h.sink.stream("audio")
	require.Len(t, audio, 1)
	assert.Equal(t, uint64(6000), audio[0].pts)
	assert.True(t, audio[0].disc.Has(media.NewGroup))
	assert.Equal(t, []uint64{4500}, a.pool.releasedPTS())
}

func TestStartupDegradesWhenAlignmentExpires(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	v := h.connect("video", media.KindVideo, 3000)
	a := h.connect("audio", media.KindAudio, 1500)

	v.push(9000, 12000, 15000)
	a.push(0)
	h.step()
	assert.Equal(t, "step1", h.c.Stats().Phase)
	assert.Equal(t, []uint64{0}, a.pool.releasedPTS(), "audio ran dry before the sync point")
	assert.Empty(t, h.sink.all())

	h.clock.Advance(1100 * time.Millisecond)
	h.step()
	degraded, reason := h.c.Degraded()
	assert.True(t, degraded)
	assert.Contains(t, reason, "did not reach the sync point")
	assert.Equal(t, "running", h.c.Stats().Phase)
	assert.Equal(t, []uint64{9000, 12000}, sources(h.sink.stream("video")))

	v.push(18000)
	a.push(13500, 15000, 16500)
	h.step()
	audio := h.sink.stream("audio")
	require.Len(t, audio, 1)
	assert.Equal(t, uint64(15000), audio[0].pts)
	assert.True(t, audio[0].disc.Has(media.NewGroup))
	assert.Equal(t, []uint64{0, 13500}, a.pool.releasedPTS())
}

func TestLateJoinAheadOfClockHoldsUntilReached(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	v := h.connect("video", media.KindVideo, 3000)
	v.push(0, 3000, 6000, 9000)
	h.step()
	require.Equal(t, uint64(9000), h.c.Stats().CurrentTime)

	a := h.connect("audio", media.KindAudio, 1500)
	a.push(30000, 31500, 33000, 36000, 37500)
	h.step()
	s := a.sync()
	require.True(t, s.joined)
	assert.Equal(t, uint64(30000), s.streamTime, "stream time follows the first frame")
	assert.Empty(t, h.sink.stream("audio"))
	assert.Empty(t, a.pool.releasedPTS())

	h.sink.returnAll(h.c)
	for ts := uint64(12000); ts <= 39000; ts += 3000 {
		v.push(ts)
	}
	h.step()

	assert.Zero(t, h.c.PTSOffset(), "a running stream keeps the clock from jumping")
	video := h.sink.stream("video")
	require.NotEmpty(t, video)
	assert.Equal(t, uint64(36000), video[len(video)-1].pts)

	audio := h.sink.stream("audio")
	require.Len(t, audio, 5)
	for _, e := range audio {
		if !e.clone {
			assert.Equal(t, e.source, e.pts, "audio stays in lock-step with its source")
		}
	}
	assert.Equal(t, []uint64{30000, 31500, 33000, 34500, 36000}, []uint64{
		audio[0].pts, audio[1].pts, audio[2].pts, audio[3].pts, audio[4].pts,
	})
	assert.True(t, audio[0].disc.Has(media.NewGroup))
	assert.True(t, audio[2].disc.Has(media.FadeOut))
	assert.True(t, audio[3].clone)
	assert.Equal(t, uint64(33000), audio[3].source)
	assert.Equal(t, media.FadeIn|media.NewGroup, audio[4].disc)
	assert.Equal(t, int64(1), s.stats.clones.Load(), "one clone bridges the hole")
	assert.Zero(t, s.stats.discarded.Load())
}

func TestCompressedClockLandsOnGapEnd(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	v := h.connect("video", media.KindVideo, 3000)
	a := h.connect("audio", media.KindAudio, 1500)
	for _, p := range []*producer{v, a} {
		s := p.sync()
		s.joined = true
		s.state = StateGap
		s.nominal = p.dur
		s.streamTime = 6000
		s.pending = decision{valid: true, ready: true, act: actEmitClone, next: StateGap, gapEnd: 30500}
	}
	h.c.currentTime = 6000
	h.c.tick = 1500
	h.c.maxNominal = 3000

	require.True(t, h.c.compressGap())
	assert.Equal(t, uint64(30500), h.c.currentTime)
	assert.Equal(t, int64(-24000), h.c.PTSOffset(), "offset moves in whole ticks")
	assert.Equal(t, uint64(30000), v.sync().streamTime)
	assert.Equal(t, uint64(30000), a.sync().streamTime)
}

func TestWholeGroupGapIsCompressedOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	v := h.connect("video", media.KindVideo, 3000)
	a := h.connect("audio", media.KindAudio, 1500)

	v.push(0, 3000, 30000)
	a.push(0, 1500, 3000, 4500, 30000)
	h.step()

	st := h.c.Stats()
	assert.Equal(t, int64(1), st.Compressions)
	assert.Equal(t, int64(-24000), h.c.PTSOffset())
	assert.Equal(t, uint64(30000), st.CurrentTime)
	assert.Equal(t, uint64(30000), v.sync().streamTime)
	assert.Equal(t, uint64(30000), a.sync().streamTime)

	for _, e := range h.sink.all() {
		assert.False(t, e.clone, "dead time is skipped, not filled")
	}

	v.push(33000)
	a.push(31500, 33000)
	h.step()
	assert.Equal(t, int64(1), h.c.Stats().Compressions)

	video := h.sink.stream("video")
	require.Len(t, video, 3)
	assert.Equal(t, uint64(3000), video[1].pts)
	assert.Equal(t, uint64(30000), video[2].source)
	assert.Equal(t, uint64(6000), video[2].pts, "output stays contiguous across the jump")
	assert.True(t, video[2].disc.Has(media.NewGroup))

	audio := h.sink.stream("audio")
	require.Len(t, audio, 6)
	assert.Equal(t, uint64(6000), audio[4].pts)
	assert.Equal(t, media.FadeIn|media.NewGroup, audio[4].disc)
	assert.Equal(t, uint64(7500), audio[5].pts)
}

func TestTimestampWraparound(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	v := h.connect("video", media.KindVideo, 3000)

	v.push(pts.Modulo-3000, 0, 3000)
	h.step()

	got := h.sink.all()
	require.Len(t, got, 2)
	assert.Equal(t, pts.Modulo-3000, got[0].pts)
	assert.Equal(t, uint64(0), got[1].pts)
	assert.Empty(t, v.pool.releasedPTS())
}

func TestEndOfStreamLeavesOthersRunning(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	v := h.connect("video", media.KindVideo, 3000)
	a := h.connect("audio", media.KindAudio, 1500)

	v.push(0, 3000)
	v.pushEOS(6000)
	a.push(0, 1500, 3000, 4500, 6000, 7500, 9000)
	h.step()

	video := h.sink.stream("video")
	require.Len(t, video, 3)
	last := video[2]
	assert.True(t, last.eos)
	assert.True(t, last.disc.Has(media.EOS))
	assert.Equal(t, uint64(6000), last.pts)

	assert.Equal(t, []uint64{0, 1500, 3000, 4500, 6000, 7500}, sources(h.sink.stream("audio")))

	st := h.c.Stats()
	require.Len(t, st.Streams, 2)
	assert.Equal(t, "end-of-stream", st.Streams[0].State)
	assert.Equal(t, int64(1), st.Streams[0].EOS)
	assert.Equal(t, "running", st.Streams[1].State)
}

func TestSinkRejectionReturnsBuffer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	h.sink.reject = errors.New("encoder busy")
	v := h.connect("video", media.KindVideo, 3000)

	v.push(0, 3000, 6000)
	h.step()

	assert.Equal(t, []uint64{0, 3000}, v.pool.releasedPTS())
	assert.Equal(t, int64(2), h.c.Stats().Streams[0].SinkRejected)
}

func TestFlushTimesOutWithOutstandingBuffers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{FlushWait: 30 * time.Millisecond})
	v := h.connect("video", media.KindVideo, 3000)

	v.push(0, 3000, 6000)
	h.step()
	require.Len(t, h.sink.all(), 2)

	rep, err := h.c.Flush("video")
	require.NoError(t, err)
	assert.True(t, rep.TimedOut)
	assert.Equal(t, 2, rep.Outstanding)
	assert.Equal(t, []uint64{6000}, v.pool.releasedPTS(), "lookahead is released")

	// Late returns release only their own reference.
	h.sink.returnAll(h.c)
	h.step()
	assert.Equal(t, v.pool.Capacity(), v.pool.Available())

	// New data rejoins at the shared cursor.
	v.push(90000, 93000)
	h.step()
	got := h.sink.all()
	last := got[len(got)-1]
	assert.Equal(t, uint64(90000), last.source)
	assert.Equal(t, uint64(6000), last.pts)
	assert.True(t, last.disc.Has(media.NewGroup))
}

func TestFlushWaitsForReturns(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{FlushWait: 2 * time.Second})
	v := h.connect("video", media.KindVideo, 3000)

	v.push(0, 3000, 6000)
	h.step()
	require.Len(t, h.sink.all(), 2)
	v.push(9000)

	go func() {
		time.Sleep(20 * time.Millisecond)
		h.sink.returnAll(h.c)
	}()

	rep, err := h.c.Flush("video")
	require.NoError(t, err)
	assert.False(t, rep.TimedOut)
	assert.Zero(t, rep.Outstanding)
	assert.Equal(t, 1, rep.DroppedInput)

	s := v.sync()
	for i := range s.slots.slots {
		assert.Equal(t, BufferUnused, s.slots.slots[i].State(), "slot %d", i)
	}
	assert.Equal(t, v.pool.Capacity(), v.pool.Available())
}

func TestConnectCapacity(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{MaxStreams: 2})
	h.connect("a", media.KindAudio, 1500)

	_, err := h.c.Connect("a", media.KindAudio, newRecordingPool("a", 1))
	require.ErrorIs(t, err, ErrDuplicateStream)

	_, err = h.c.Connect("x", media.KindVideo, nil)
	require.ErrorIs(t, err, ErrNilReleaser)

	h.connect("b", media.KindVideo, 3000)
	_, err = h.c.Connect("c", media.KindVideo, newRecordingPool("c", 1))
	require.ErrorIs(t, err, ErrNoStreamSlot)

	_, err = h.c.Flush("nope")
	require.ErrorIs(t, err, ErrUnknownStream)
	_, err = h.c.Disconnect("nope")
	require.ErrorIs(t, err, ErrUnknownStream)

	_, err = h.c.Disconnect("a")
	require.NoError(t, err)
	h.connect("c", media.KindVideo, 3000)
}

func TestDisconnectReleasesEverything(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{FlushWait: 20 * time.Millisecond})
	v := h.connect("video", media.KindVideo, 3000)

	v.push(0, 3000, 6000)
	h.step()

	rep, err := h.c.Disconnect("video")
	require.NoError(t, err)
	assert.True(t, rep.TimedOut)
	assert.Equal(t, 2, rep.Outstanding)
	assert.Equal(t, "step0", h.c.Stats().Phase, "empty coordinator restarts synchronization")

	h.sink.returnAll(h.c)
	assert.Equal(t, v.pool.Capacity(), v.pool.Available())

	b := v.pool.frame(t, 9000, 3000)
	require.ErrorIs(t, v.port.Insert(b), ErrUnknownStream)
	assert.Equal(t, v.pool.Capacity(), v.pool.Available())
}

func TestDisconnectAnswersPendingFlush(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{FlushWait: 20 * time.Millisecond})
	v := h.connect("video", media.KindVideo, 3000)
	v.push(0, 3000, 6000)
	h.step()

	// Pretend the scheduler goroutine is running so Flush queues a request.
	h.c.mu.Lock()
	h.c.started = true
	h.c.mu.Unlock()

	done := make(chan FlushReport, 1)
	go func() {
		rep, err := h.c.Flush("video")
		assert.NoError(t, err)
		done <- rep
	}()
	require.Eventually(t, func() bool {
		h.c.mu.Lock()
		defer h.c.mu.Unlock()
		return len(v.sync().flushWaiters) == 1
	}, time.Second, time.Millisecond)

	rep, err := h.c.Disconnect("video")
	require.NoError(t, err)
	h.step()

	select {
	case got := <-done:
		assert.Equal(t, rep, got)
		assert.Equal(t, "video", got.Stream)
	case <-time.After(time.Second):
		t.Fatal("Flush still blocked after Disconnect")
	}
	assert.False(t, v.sync().flushReq)
}

func TestCoordinatorLifecycle(t *testing.T) {
	t.Parallel()

	sink := &recordSink{}
	c := New(sink, Options{Logger: discardLogger()})
	sink.onPush = func(sb *StreamBuffer) { c.Release(sb) }

	vpool := newRecordingPool("video", 64)
	apool := newRecordingPool("audio", 64)
	vport, err := c.Connect("video", media.KindVideo, vpool)
	require.NoError(t, err)
	aport, err := c.Connect("audio", media.KindAudio, apool)
	require.NoError(t, err)

	c.Start()
	c.Start()

	for i := uint64(0); i < 30; i++ {
		require.NoError(t, vport.Insert(vpool.frame(t, i*3000, 3000)))
		require.NoError(t, aport.Insert(apool.frame(t, i*3000, 1500)))
		require.NoError(t, aport.Insert(apool.frame(t, i*3000+1500, 1500)))
	}

	require.Eventually(t, func() bool {
		return len(sink.stream("video")) >= 29
	}, 2*time.Second, 5*time.Millisecond)

	rep, err := c.Flush("video")
	require.NoError(t, err)
	assert.False(t, rep.TimedOut)

	c.Halt()
	select {
	case <-c.Done():
	default:
		t.Fatal("coordinator still running after Halt")
	}
	c.Halt()

	_, err = c.Connect("late", media.KindVideo, newRecordingPool("late", 1))
	require.ErrorIs(t, err, ErrHalted)

	rep, err = c.Flush("audio")
	require.NoError(t, err, "flush after halt runs inline")
	assert.Equal(t, "audio", rep.Stream)
}

func TestHaltWithoutStart(t *testing.T) {
	t.Parallel()

	c := New(&recordSink{}, Options{Logger: discardLogger()})
	c.Halt()
	<-c.Done()
	c.Start()
	assert.Equal(t, "step0", c.Stats().Phase)
}
