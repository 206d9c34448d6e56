package encsync

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/lockstep/internal/media"
	"github.com/zsiec/lockstep/internal/pts"
	"github.com/zsiec/lockstep/internal/queue"
)

const flushPoll = 20 * time.Millisecond

// FlushReport describes the outcome of flushing one stream.
type FlushReport struct {
	Stream       string `json:"stream"`
	DroppedInput int    `json:"droppedInput"`
	// Outstanding is the number of buffers the encoder still held when
	// the bounded wait expired. It is zero unless TimedOut is set.
	Outstanding int  `json:"outstanding"`
	TimedOut    bool `json:"timedOut"`
}

// Synchronizer schedules one elementary stream. Producers touch it only
// through insert; the encoder's return path only pushes onto returns.
// Everything else runs on the coordinator goroutine under its lock.
type Synchronizer struct {
	c        *Coordinator
	log      *slog.Logger
	name     string
	kind     media.Kind
	releaser media.Releaser

	input   *queue.Queue[*media.Buffer]
	returns *queue.Queue[*StreamBuffer]
	slots   slotPool

	stats    streamCounters
	detached atomic.Bool

	// Guarded by the coordinator lock.
	joined       bool
	candidate    bool
	state        State
	streamTime   uint64
	nominal      uint64
	current      *StreamBuffer
	after        *StreamBuffer
	waitingSince time.Time
	timedOutAt   time.Time
	timedOutBase uint64
	fresh        bool
	flushReq     bool
	flushWaiters []chan FlushReport
	pending      decision
}

func newSynchronizer(c *Coordinator, name string, kind media.Kind, releaser media.Releaser) *Synchronizer {
	s := &Synchronizer{
		c:        c,
		log:      c.log.With("stream", name),
		name:     name,
		kind:     kind,
		releaser: releaser,
		input:    queue.New[*media.Buffer](c.opts.QueueDepth),
		returns:  queue.New[*StreamBuffer](c.opts.MaxInFlight),
	}
	s.slots = newSlotPool(s, c.opts.MaxInFlight)
	return s
}

// Name returns the stream name given at connect time.
func (s *Synchronizer) Name() string { return s.name }

// insert queues a frame from a producer goroutine. A full queue drops the
// frame back to its owner.
func (s *Synchronizer) insert(b *media.Buffer) error {
	if s.detached.Load() {
		s.releaser.Release(b)
		return fmt.Errorf("%w: %s", ErrUnknownStream, s.name)
	}
	b.SetOwner(media.OwnerCoordinator)
	if err := s.input.Push(b); err != nil {
		s.stats.droppedFull.Add(1)
		s.log.Error("input queue full, dropping frame", "pts", b.PTS, "depth", s.input.Cap())
		b.SetOwner(media.OwnerProducer)
		s.releaser.Release(b)
		return fmt.Errorf("%w: %s", ErrQueueFull, s.name)
	}
	s.stats.inserted.Add(1)
	if s.detached.Load() {
		// Lost a race with Disconnect.
		s.discardInput()
	}
	return nil
}

// discardInput returns every queued frame to its producer.
func (s *Synchronizer) discardInput() int {
	n := 0
	for _, b := range s.input.Flush() {
		b.SetOwner(media.OwnerProducer)
		s.releaser.Release(b)
		n++
	}
	return n
}

func (s *Synchronizer) nominalOrDefault() uint64 {
	if s.nominal > 0 {
		return s.nominal
	}
	return s.c.opts.DefaultDuration
}

func (s *Synchronizer) active() bool {
	return s.joined && s.state != StateEndOfStream
}

func (s *Synchronizer) hasData() bool {
	return s.current != nil || s.input.NonEmpty()
}

// extract moves the oldest queued frame into a wrapper slot. It leaves the
// frame queued when no slot is free.
func (s *Synchronizer) extract() *StreamBuffer {
	if !s.input.NonEmpty() || s.slots.free() == 0 {
		return nil
	}
	b, ok := s.input.Pop()
	if !ok {
		return nil
	}
	if s.kind == media.KindUnspecified && b.Kind != media.KindUnspecified {
		s.kind = b.Kind
		s.log.Debug("resolved media kind", "kind", s.kind)
	}
	return s.slots.wrap(b, s.kind)
}

// refill tops up the two-slot lookahead and tracks how long the stream
// has been waiting for its next frame.
func (s *Synchronizer) refill(now time.Time) {
	if !s.active() {
		return
	}
	if s.current == nil {
		s.current = s.extract()
	}
	if s.current != nil && s.after == nil && !s.current.eos {
		s.after = s.extract()
	}
	// Frames held back by a full slot pool do not count as inactivity.
	if s.after != nil || s.current == nil || s.current.eos || s.input.NonEmpty() {
		s.waitingSince = time.Time{}
	} else if s.waitingSince.IsZero() {
		s.waitingSince = now
	}
}

func (s *Synchronizer) inactive(now time.Time) bool {
	return !s.waitingSince.IsZero() && now.Sub(s.waitingSince) > s.c.opts.InactivityTimeout
}

// gapOpens reports whether a starts more than half a frame after c ends.
func (s *Synchronizer) gapOpens(c, a *StreamBuffer, dur uint64) bool {
	return pts.GT(a.pts, pts.Add(c.pts, int64(dur+dur/2)))
}

// discardUntil drops frames whose presentation ends at or before target.
// It reports success once the current frame covers target or starts after
// it, or once an EOS frame has been forwarded. False means the queue ran
// dry first.
func (s *Synchronizer) discardUntil(target uint64) bool {
	for {
		if s.current == nil {
			s.current = s.extract()
			if s.current == nil {
				return false
			}
		}
		c := s.current
		if c.eos {
			s.forwardEOS(target)
			return true
		}
		if pts.InInterval(target, c.pts, c.end(s.nominalOrDefault())) || pts.GT(c.pts, target) {
			return true
		}
		s.current = nil
		c.inLookahead = false
		s.stats.discarded.Add(1)
		s.log.Debug("discarding frame before sync point", "pts", c.pts, "target", target)
		c.release(s.releaser)
	}
}

// join starts scheduling the stream at target. A first frame that starts
// after target pins the stream time to its own timestamp, and the stream
// holds until the shared clock catches up.
func (s *Synchronizer) join(target uint64, now time.Time) {
	if s.current != nil && pts.GT(s.current.pts, target) {
		target = s.current.pts
	}
	s.joined = true
	s.candidate = false
	s.state = StateRunning
	s.streamTime = target
	s.fresh = true
	s.pending = decision{}
	s.waitingSince = time.Time{}
	if s.current != nil {
		s.nominal = s.current.getDuration(s.nominalOrDefault())
	}
	s.refill(now)
	s.log.Info("stream joined", "stream_time", target, "duration", s.nominal)
}

func (s *Synchronizer) forwardEOS(at uint64) {
	c := s.current
	s.current = nil
	c.inLookahead = false
	s.dispatch(c, media.EOS, at)
	s.state = StateEndOfStream
	s.joined = true
	s.candidate = false
	s.dropLookahead()
	s.log.Info("end of stream forwarded", "stream_time", at)
}

// computeState decides this tick's emission and the state and stream
// time to commit afterwards. It only writes s.pending.
func (s *Synchronizer) computeState(currentTime uint64, now time.Time) {
	d := decision{
		valid:    true,
		ready:    true,
		next:     s.state,
		nextTime: s.streamTime,
		nominal:  s.nominal,
	}
	if !s.active() {
		s.pending = d
		return
	}
	if s.state == StateGap && s.after != nil {
		d.gapEnd = s.after.pts
	}

	c := s.current
	if c == nil {
		s.pending = s.skip(d, "no current frame")
		return
	}
	dur := c.getDuration(s.nominalOrDefault())
	d.nominal = dur

	// The frame already dispatched still covers currentTime, or a fresh
	// stream is waiting for the clock to reach its first frame.
	if !pts.GE(currentTime, s.streamTime) {
		if s.fresh {
			d.holding = true
			d.gapEnd = s.streamTime
		}
		s.pending = d
		return
	}

	end := pts.Add(s.streamTime, int64(dur))
	if c.eos {
		d.act = actForwardEOS
		d.disc = media.EOS
		d.next = StateEndOfStream
		s.pending = d
		return
	}

	switch s.state {
	case StateRunning:
		s.decideRunning(&d, c, dur, end, now)
	case StateGap:
		s.decideGap(&d, end)
	case StateTimedOut:
		s.decideTimedOut(&d, dur, end, now)
	case StateLeavingGap:
		s.decideLeavingGap(&d, c, dur, end, now)
	default:
		d = s.skip(d, "unexpected state")
	}
	s.pending = d
}

func (s *Synchronizer) decideRunning(d *decision, c *StreamBuffer, dur, end uint64, now time.Time) {
	a := s.after
	if a == nil {
		if !s.inactive(now) {
			d.ready = false
			return
		}
		d.act = actEmitCurrent
		d.disc = s.kind.GapMarker()
		d.next = StateTimedOut
		d.enterTimeout = true
		d.nextTime = end
		return
	}

	d.act = actEmitCurrent
	d.nextTime = end
	if !a.eos && s.gapOpens(c, a, dur) {
		d.disc = s.kind.GapMarker()
		d.next = StateGap
		d.gapEnd = a.pts
		return
	}
	d.next = StateRunning
	d.shift = true
}

func (s *Synchronizer) decideGap(d *decision, end uint64) {
	a := s.after
	if a == nil {
		*d = s.skip(*d, "gap without a next frame")
		return
	}
	d.gapEnd = a.pts

	// The cursor was rebased onto the end of the gap: nothing left to hold.
	if pts.GE(s.streamTime, a.pts) {
		d.next = StateLeavingGap
		d.shift = true
		return
	}
	if s.slots.free() == 0 {
		d.ready = false
		return
	}
	d.act = actEmitClone
	d.disc = s.kind.RepeatMarker()
	d.nextTime = end
	if pts.GE(end, a.pts) {
		d.lastClone = true
		d.next = StateLeavingGap
		d.shift = true
		return
	}
	d.next = StateGap
}

func (s *Synchronizer) decideTimedOut(d *decision, dur, end uint64, now time.Time) {
	if a := s.after; a != nil {
		switch {
		case a.eos:
			d.next = StateLeavingGap
			d.shift = true
		case pts.GE(s.streamTime, a.end(dur)):
			d.dropAfter = true
		case pts.GT(end, a.pts):
			d.next = StateLeavingGap
			d.shift = true
		default:
			if s.slots.free() == 0 {
				d.ready = false
				return
			}
			d.act = actEmitClone
			d.disc = s.kind.RepeatMarker()
			d.next = StateGap
			d.nextTime = end
			d.gapEnd = a.pts
		}
		return
	}

	// No data: repeat at the wall-clock rate the stream would have played.
	elapsed := pts.Ticks(now.Sub(s.timedOutAt), s.c.opts.ClockRate)
	if elapsed < pts.Sub(s.streamTime, s.timedOutBase) || s.slots.free() == 0 {
		d.ready = false
		return
	}
	d.act = actEmitClone
	d.disc = s.kind.RepeatMarker()
	d.nextTime = end
}

func (s *Synchronizer) decideLeavingGap(d *decision, c *StreamBuffer, dur, end uint64, now time.Time) {
	a := s.after
	if a == nil {
		if !s.inactive(now) {
			d.ready = false
			return
		}
		d.act = actEmitCurrent
		d.disc = s.kind.ResumeMarker() | s.kind.GapMarker()
		d.next = StateTimedOut
		d.enterTimeout = true
		d.nextTime = end
		return
	}

	d.act = actEmitCurrent
	d.disc = s.kind.ResumeMarker()
	d.nextTime = end
	if !a.eos && s.gapOpens(c, a, dur) {
		d.disc |= s.kind.GapMarker()
		d.next = StateGap
		d.gapEnd = a.pts
		return
	}
	d.next = StateRunning
	d.shift = true
}

// skip logs an unreachable configuration and lets the stream sit out one
// frame so the rest of the group keeps moving.
func (s *Synchronizer) skip(d decision, detail string) decision {
	err := &StateError{Stream: s.name, State: s.state, Detail: detail}
	s.log.Error("skipping tick", "error", err)
	d.ready = true
	d.act = actNone
	d.nextTime = pts.Add(s.streamTime, int64(s.nominalOrDefault()))
	return d
}

func (s *Synchronizer) isReady() bool {
	return s.pending.valid && s.pending.ready
}

// hasGap reports whether the stream has nothing to present until
// gapEnd: it is bridging a gap or holding for its first frame.
func (s *Synchronizer) hasGap() bool {
	d := s.pending
	if !d.valid || !d.ready {
		return false
	}
	return d.holding || (d.next == StateGap && d.act != actEmitCurrent)
}

func (s *Synchronizer) gapEnd() uint64 {
	return s.pending.gapEnd
}

func (s *Synchronizer) isTimedOut() bool {
	return s.pending.valid && s.pending.next == StateTimedOut
}

// adjustJump moves the stream cursor forward by whole frames, to the last
// frame boundary at or before newTime.
func (s *Synchronizer) adjustJump(newTime uint64) {
	if !s.active() || pts.Diff(newTime, s.streamTime) <= 0 {
		return
	}
	dur := s.nominalOrDefault()
	k := pts.Sub(newTime, s.streamTime) / dur
	s.streamTime = pts.Add(s.streamTime, int64(k*dur))
	s.pending = decision{}
	s.log.Debug("stream time rebased", "stream_time", s.streamTime, "target", newTime)
}

// encode performs the emission decided by computeState.
func (s *Synchronizer) encode() {
	d := s.pending
	if !d.valid || !d.ready {
		return
	}
	switch d.act {
	case actEmitCurrent, actForwardEOS:
		s.dispatch(s.current, d.disc, s.streamTime)
	case actEmitClone:
		cl := s.current.clone(&s.slots, s.streamTime, d.lastClone)
		if cl == nil {
			s.log.Warn("no free buffer slot for clone", "error", ErrNoBufferSlot, "stream_time", s.streamTime)
			return
		}
		s.stats.clones.Add(1)
		s.dispatch(cl, d.disc, s.streamTime)
	}
}

func (s *Synchronizer) dispatch(sb *StreamBuffer, disc media.Discontinuity, at uint64) {
	if s.fresh && !sb.eos {
		disc |= media.NewGroup
		s.fresh = false
	}
	sb.encodePTS = pts.Add(at, s.c.ptsOffset.Load())
	sb.disc = disc
	sb.downstream.Store(true)
	sb.buf.SetOwner(media.OwnerDownstream)
	s.stats.emitted.Add(1)
	if sb.eos {
		s.stats.eos.Add(1)
	}
	s.stats.lastPTS.Store(int64(sb.encodePTS))
	if err := s.c.sink.Push(sb); err != nil {
		s.stats.sinkRejected.Add(1)
		s.log.Warn("encoder rejected buffer", "error", err, "pts", sb.encodePTS)
		s.handleReturn(sb)
	}
}

// updateState commits the pending decision and shifts the lookahead. It
// reports whether anything changed.
func (s *Synchronizer) updateState(now time.Time) bool {
	d := s.pending
	s.pending = decision{}
	if !d.valid || !d.ready || !s.active() {
		return false
	}
	progressed := d.act != actNone || d.shift || d.dropAfter || d.next != s.state

	if d.enterTimeout {
		s.timedOutAt = now
		s.timedOutBase = s.streamTime
		s.stats.timeouts.Add(1)
		s.log.Warn("producer stalled, repeating last frame", "stream_time", s.streamTime,
			"timeout", s.c.opts.InactivityTimeout)
	}
	if d.next == StateGap && s.state != StateGap {
		s.stats.gaps.Add(1)
		s.log.Debug("gap opened", "stream_time", s.streamTime, "gap_end", d.gapEnd)
	}
	if d.next != s.state {
		s.log.Debug("state change", "from", s.state, "to", d.next, "action", d.act)
	}

	s.state = d.next
	s.streamTime = d.nextTime
	if d.nominal > 0 {
		s.nominal = d.nominal
	}

	if d.dropAfter && s.after != nil {
		a := s.after
		s.after = nil
		a.inLookahead = false
		s.stats.discarded.Add(1)
		s.log.Debug("discarding late frame", "pts", a.pts, "stream_time", s.streamTime)
		a.release(s.releaser)
	}
	if d.shift {
		old := s.current
		s.current = s.after
		s.after = nil
		if old != nil {
			old.inLookahead = false
			old.release(s.releaser)
		}
	}
	if s.state == StateEndOfStream {
		s.dropLookahead()
		s.log.Info("end of stream forwarded", "stream_time", d.nextTime)
	}
	s.refill(now)
	return progressed
}

func (s *Synchronizer) dropLookahead() {
	for _, sb := range []*StreamBuffer{s.current, s.after} {
		if sb == nil {
			continue
		}
		sb.inLookahead = false
		sb.release(s.releaser)
	}
	s.current, s.after = nil, nil
}

// handleReturn processes a buffer the encoder is done with.
func (s *Synchronizer) handleReturn(sb *StreamBuffer) {
	if !sb.downstream.CompareAndSwap(true, false) {
		return
	}
	s.stats.returned.Add(1)
	if sb.buf != nil {
		sb.buf.SetOwner(media.OwnerCoordinator)
	}
	sb.release(s.releaser)
}

func (s *Synchronizer) drainReturns() {
	for {
		sb, ok := s.returns.Pop()
		if !ok {
			return
		}
		s.handleReturn(sb)
	}
}

// flush drops queued input, waits up to wait for the encoder to return
// what it holds, force-releases the lookahead and parks the stream in
// EndOfStream until new data lets it rejoin.
func (s *Synchronizer) flush(wait time.Duration) FlushReport {
	rep := FlushReport{Stream: s.name, DroppedInput: s.discardInput()}
	s.drainReturns()

	deadline := time.Now().Add(wait)
	for len(s.slots.outstanding()) > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if sb, ok := s.returns.PopWait(min(remaining, flushPoll)); ok {
			s.handleReturn(sb)
		}
	}

	if out := s.slots.outstanding(); len(out) > 0 {
		rep.Outstanding = len(out)
		rep.TimedOut = true
		s.log.Warn("flush timed out waiting for encoder", "outstanding", len(out), "slots", out, "wait", wait)
	}

	for _, sb := range []*StreamBuffer{s.current, s.after} {
		if sb != nil {
			sb.inLookahead = false
		}
	}
	s.current, s.after = nil, nil
	for i := range s.slots.slots {
		sb := &s.slots.slots[i]
		sb.forceRelease(s.releaser)
		// Late returns release only their own reference.
		sb.source = nil
		sb.clones = 0
	}

	s.state = StateEndOfStream
	s.joined = false
	s.candidate = false
	s.fresh = false
	s.pending = decision{}
	s.waitingSince = time.Time{}
	s.stats.flushes.Add(1)
	s.log.Info("stream flushed", "dropped_input", rep.DroppedInput, "outstanding", rep.Outstanding)
	return rep
}
