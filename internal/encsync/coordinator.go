package encsync

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/lockstep/internal/media"
	"github.com/zsiec/lockstep/internal/pts"
)

// Sink is the downstream encoder's input. Push must not block; a returned
// error makes the coordinator treat the buffer as immediately returned.
type Sink interface {
	Push(sb *StreamBuffer) error
}

// Port is a producer's handle on a connected stream.
type Port struct {
	c *Coordinator
	s *Synchronizer
}

// Name returns the stream name.
func (p *Port) Name() string { return p.s.name }

// Insert hands a decoded frame to the coordinator. It is safe to call from
// any goroutine. When the stream's input queue is full the frame is
// released back to its owner and ErrQueueFull is returned.
func (p *Port) Insert(b *media.Buffer) error {
	if err := p.s.insert(b); err != nil {
		return err
	}
	p.c.signal()
	return nil
}

// Coordinator re-synchronizes connected streams onto one cadence. All
// scheduling happens on a single goroutine started by Start; every
// exported method is safe for concurrent use.
type Coordinator struct {
	log  *slog.Logger
	opts Options
	sink Sink

	mu          sync.Mutex
	streams     []*Synchronizer
	phase       Phase
	currentTime uint64
	syncTarget  uint64
	deadline    time.Time
	tick        uint64
	maxNominal  uint64
	degraded    string
	started     bool
	halted      bool

	ptsOffset atomic.Int64
	stats     coordCounters

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

// New creates a Coordinator that pushes scheduled buffers to sink.
func New(sink Sink, opts Options) *Coordinator {
	opts = opts.withDefaults()
	return &Coordinator{
		log:     opts.Logger.With("component", "encsync"),
		opts:    opts,
		sink:    sink,
		streams: make([]*Synchronizer, opts.MaxStreams),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the scheduling goroutine. Calling it more than once, or
// after Halt, has no effect.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.halted {
		return
	}
	c.started = true
	go c.run()
	c.log.Info("coordinator started", "max_streams", c.opts.MaxStreams, "max_in_flight", c.opts.MaxInFlight)
}

// Halt stops the scheduling goroutine and waits for it to exit, warning
// periodically while it does. It is idempotent.
func (c *Coordinator) Halt() {
	c.mu.Lock()
	if c.halted {
		c.mu.Unlock()
		<-c.done
		return
	}
	c.halted = true
	started := c.started
	close(c.quit)
	c.mu.Unlock()

	if !started {
		close(c.done)
		return
	}

	ticker := time.NewTicker(c.opts.HaltWarnInterval)
	defer ticker.Stop()
	waited := time.Duration(0)
	for {
		select {
		case <-c.done:
			c.log.Info("coordinator halted")
			return
		case <-ticker.C:
			waited += c.opts.HaltWarnInterval
			c.log.Warn("waiting for coordinator to exit", "waited", waited)
		}
	}
}

// Done is closed once the coordinator has halted.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// PTSOffset returns the signed offset added to stream time when stamping
// output buffers. Encoder-side components consult it before interpreting
// timestamps; it changes only when dead time is compressed.
func (c *Coordinator) PTSOffset() int64 {
	return c.ptsOffset.Load()
}

// Degraded reports whether the session started without every stream
// aligned, and why.
func (c *Coordinator) Degraded() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded != "", c.degraded
}

// Connect attaches a stream. Frames pushed through the returned Port are
// released to owner once the coordinator and encoder are done with them.
func (c *Coordinator) Connect(name string, kind media.Kind, owner media.Releaser) (*Port, error) {
	if owner == nil {
		return nil, ErrNilReleaser
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.halted {
		return nil, ErrHalted
	}
	free := -1
	for i, s := range c.streams {
		if s == nil {
			if free < 0 {
				free = i
			}
			continue
		}
		if s.name == name {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateStream, name)
		}
	}
	if free < 0 {
		c.log.Warn("rejecting stream, no free slot", "stream", name, "max_streams", c.opts.MaxStreams)
		return nil, fmt.Errorf("%w: max %d", ErrNoStreamSlot, c.opts.MaxStreams)
	}

	s := newSynchronizer(c, name, kind, owner)
	c.streams[free] = s
	c.log.Info("stream connected", "stream", name, "kind", kind, "slot", free)
	return &Port{c: c, s: s}, nil
}

// Disconnect flushes a stream and frees its slot. Frames inserted through
// its Port afterwards are released straight back to the producer.
func (c *Coordinator) Disconnect(name string) (FlushReport, error) {
	c.mu.Lock()
	idx := c.indexOf(name)
	if idx < 0 {
		c.mu.Unlock()
		return FlushReport{Stream: name}, fmt.Errorf("%w: %s", ErrUnknownStream, name)
	}
	s := c.streams[idx]
	c.streams[idx] = nil
	rep := s.flush(c.opts.FlushWait)
	s.detached.Store(true)
	rep.DroppedInput += s.discardInput()
	// A Flush that raced with us is answered with the same report.
	for _, ch := range s.flushWaiters {
		ch <- rep
	}
	s.flushWaiters = nil
	s.flushReq = false
	if c.empty() {
		c.resetStartup()
	}
	c.mu.Unlock()

	c.drainDetached(s)
	c.log.Info("stream disconnected", "stream", name, "outstanding", rep.Outstanding)
	return rep, nil
}

// Flush drops a stream's queued input, waits (bounded) for the encoder to
// return outstanding buffers and parks the stream until new data arrives.
// It blocks until the scheduling goroutine has done the work.
func (c *Coordinator) Flush(name string) (FlushReport, error) {
	c.mu.Lock()
	idx := c.indexOf(name)
	if idx < 0 {
		c.mu.Unlock()
		return FlushReport{Stream: name}, fmt.Errorf("%w: %s", ErrUnknownStream, name)
	}
	s := c.streams[idx]
	if !c.started || c.halted {
		rep := s.flush(c.opts.FlushWait)
		c.mu.Unlock()
		return rep, nil
	}
	ch := make(chan FlushReport, 1)
	s.flushReq = true
	s.flushWaiters = append(s.flushWaiters, ch)
	c.mu.Unlock()
	c.signal()

	select {
	case rep := <-ch:
		return rep, nil
	case <-c.done:
		return FlushReport{Stream: name}, ErrHalted
	}
}

// Release returns a buffer the encoder is done with. It is safe to call
// from any goroutine.
func (c *Coordinator) Release(sb *StreamBuffer) {
	s := sb.owner
	if err := s.returns.Push(sb); err != nil {
		// More returns than wrappers means a buffer was returned twice.
		c.log.Error("return queue full", "stream", s.name, "slot", sb.slot, "error", err)
		return
	}
	if s.detached.Load() {
		c.drainDetached(s)
		return
	}
	c.signal()
}

// drainDetached settles returns for a stream that is no longer scheduled:
// each buffer gives back only its own media reference.
func (c *Coordinator) drainDetached(s *Synchronizer) {
	for {
		sb, ok := s.returns.Pop()
		if !ok {
			return
		}
		if sb.downstream.CompareAndSwap(true, false) && sb.buf != nil {
			sb.buf.SetOwner(media.OwnerProducer)
			s.releaser.Release(sb.buf)
		}
	}
}

// Stats returns a snapshot of coordinator and stream telemetry.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Stats{
		Phase:          c.phase.String(),
		CurrentTime:    c.currentTime,
		PTSOffset:      c.ptsOffset.Load(),
		Tick:           c.tick,
		Degraded:       c.degraded != "",
		DegradedReason: c.degraded,
		Ticks:          c.stats.ticks.Load(),
		Wakes:          c.stats.wakes.Load(),
		Compressions:   c.stats.compressions.Load(),
	}
	for _, s := range c.streams {
		if s != nil {
			st.Streams = append(st.Streams, s.snapshot())
		}
	}
	return st
}

func (c *Coordinator) indexOf(name string) int {
	for i, s := range c.streams {
		if s != nil && s.name == name {
			return i
		}
	}
	return -1
}

func (c *Coordinator) empty() bool {
	for _, s := range c.streams {
		if s != nil {
			return false
		}
	}
	return true
}

func (c *Coordinator) resetStartup() {
	c.phase = PhaseStep0
	c.deadline = time.Time{}
	c.tick = 0
	c.maxNominal = 0
}

func (c *Coordinator) degrade(reason string) {
	if c.degraded == "" {
		c.degraded = reason
	}
}

func (c *Coordinator) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) run() {
	defer close(c.done)

	timer := time.NewTimer(c.opts.IdleWait)
	defer timer.Stop()
	for {
		wait := c.step()
		timer.Reset(wait)
		select {
		case <-c.quit:
			return
		case <-c.wake:
		case <-timer.C:
		}
	}
}

// step is one wake of the scheduler: settle returns and flushes, advance
// the startup protocol, then run ticks until no stream can make progress.
// It returns how long to sleep before the next unprompted wake.
func (c *Coordinator) step() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.wakes.Add(1)
	now := c.opts.Now()

	for _, s := range c.streams {
		if s == nil {
			continue
		}
		s.drainReturns()
		if s.flushReq {
			rep := s.flush(c.opts.FlushWait)
			s.flushReq = false
			for _, ch := range s.flushWaiters {
				ch <- rep
			}
			s.flushWaiters = nil
		}
	}

	switch c.phase {
	case PhaseStep0:
		c.startupSurvey(now)
	case PhaseStep1:
		c.startupAlign(now)
	}

	if c.phase == PhaseRunning {
		c.lateJoin(now)
		busy := true
		for i := 0; i < c.opts.MaxTicksPerWake && busy; i++ {
			busy = c.runTick(now)
		}
		if busy {
			c.signal()
		}
	}
	return c.waitTimeout(now)
}

// startupSurvey is Step0: find each stream's first frame, pick the latest
// first timestamp as the sync point and the shortest frame as the tick.
func (c *Coordinator) startupSurvey(now time.Time) {
	var ready, waiting int
	var target, minDur, maxDur uint64
	for _, s := range c.streams {
		if s == nil || (s.joined && s.state == StateEndOfStream) {
			continue
		}
		if s.current == nil {
			s.current = s.extract()
		}
		if s.current == nil {
			waiting++
			continue
		}
		if s.current.eos {
			s.forwardEOS(s.current.pts)
			continue
		}
		f := s.current
		dur := f.getDuration(s.nominalOrDefault())
		s.nominal = dur
		s.candidate = true
		if ready == 0 {
			target, minDur, maxDur = f.pts, dur, dur
		} else {
			target = pts.Max(target, f.pts)
			minDur = min(minDur, dur)
			maxDur = max(maxDur, dur)
		}
		ready++
	}
	if ready == 0 {
		return
	}
	if c.deadline.IsZero() {
		c.deadline = now.Add(c.opts.StartupWait)
	}
	if waiting > 0 {
		if now.Before(c.deadline) {
			return
		}
		c.log.Warn("startup wait expired, proceeding without all streams",
			"ready", ready, "waiting", waiting, "wait", c.opts.StartupWait)
		c.degrade(fmt.Sprintf("%d stream(s) produced no data within %s", waiting, c.opts.StartupWait))
	}

	c.syncTarget = target
	c.tick = minDur
	c.maxNominal = maxDur
	c.phase = PhaseStep1
	c.deadline = now.Add(c.opts.StartupWait)
	c.log.Info("startup sync point selected", "target", target, "tick", minDur, "streams", ready)
	c.startupAlign(now)
}

// startupAlign is Step1: discard frames until every candidate stream
// reaches the sync point.
func (c *Coordinator) startupAlign(now time.Time) {
	pending := 0
	for _, s := range c.streams {
		if s == nil || !s.candidate {
			continue
		}
		if !s.discardUntil(c.syncTarget) {
			pending++
			continue
		}
		s.candidate = false
		if !s.joined {
			s.join(c.syncTarget, now)
		}
	}
	if pending > 0 {
		if now.Before(c.deadline) {
			return
		}
		c.log.Warn("alignment wait expired, proceeding without all streams",
			"pending", pending, "wait", c.opts.StartupWait)
		c.degrade(fmt.Sprintf("%d stream(s) did not reach the sync point within %s", pending, c.opts.StartupWait))
		for _, s := range c.streams {
			if s != nil {
				s.candidate = false
			}
		}
	}
	c.currentTime = c.syncTarget
	c.phase = PhaseRunning
	c.deadline = time.Time{}
	c.log.Info("streams synchronized", "current_time", c.currentTime)
}

// lateJoin aligns streams that were connected, or flushed, after startup.
func (c *Coordinator) lateJoin(now time.Time) {
	for _, s := range c.streams {
		if s == nil || s.joined || !s.hasData() {
			continue
		}
		if s.discardUntil(c.currentTime) {
			s.join(c.currentTime, now)
		}
	}
}

// cadence recomputes the tick (shortest nominal duration) and the longest
// nominal duration across active streams.
func (c *Coordinator) cadence() {
	var lo, hi uint64
	for _, s := range c.streams {
		if s == nil || !s.active() {
			continue
		}
		d := s.nominalOrDefault()
		if lo == 0 || d < lo {
			lo = d
		}
		hi = max(hi, d)
	}
	if lo > 0 {
		c.tick = lo
		c.maxNominal = hi
	}
}

// runTick runs one scheduling tick and reports whether it made progress.
func (c *Coordinator) runTick(now time.Time) bool {
	var joined []*Synchronizer
	for _, s := range c.streams {
		if s != nil && s.joined {
			joined = append(joined, s)
		}
	}
	if len(joined) == 0 {
		return false
	}

	c.cadence()
	for _, s := range joined {
		s.refill(now)
		s.computeState(c.currentTime, now)
	}
	for _, s := range joined {
		if !s.isReady() {
			return false
		}
	}
	if c.compressGap() {
		return true
	}

	for _, s := range joined {
		s.encode()
	}
	progressed := false
	var next uint64
	haveNext := false
	for _, s := range joined {
		if s.updateState(now) {
			progressed = true
		}
		if !s.active() {
			continue
		}
		if !haveNext {
			next, haveNext = s.streamTime, true
		} else {
			next = pts.Min(next, s.streamTime)
		}
	}
	if haveNext && next != c.currentTime {
		c.currentTime = next
		progressed = true
	}
	c.stats.ticks.Add(1)
	return progressed
}

// compressGap detects a whole-group gap and, when it is longer than the
// longest frame, jumps the shared clock to its end. The PTS offset absorbs
// the jump so output timestamps stay contiguous.
func (c *Coordinator) compressGap() bool {
	var ends []uint64
	for _, s := range c.streams {
		if s == nil || !s.active() {
			continue
		}
		if !s.hasGap() {
			return false
		}
		ends = append(ends, s.gapEnd())
	}
	if len(ends) == 0 {
		return false
	}

	nearest := ends[0]
	for _, e := range ends[1:] {
		nearest = pts.Min(nearest, e)
	}
	for _, e := range ends {
		if pts.Sub(e, nearest) > c.maxNominal {
			return false
		}
	}
	if pts.Diff(nearest, c.currentTime) <= int64(c.maxNominal) {
		return false
	}

	delta := pts.Sub(nearest, c.currentTime)
	if c.tick > 0 {
		delta -= delta % c.tick
	}
	if delta == 0 {
		return false
	}

	// The clock lands on the gap end; only the offset is kept to whole
	// ticks, and each stream rounds down to its own frame boundary.
	from := c.currentTime
	c.currentTime = nearest
	c.ptsOffset.Add(-int64(delta))
	for _, s := range c.streams {
		if s != nil {
			s.adjustJump(nearest)
		}
	}
	c.stats.compressions.Add(1)
	c.log.Info("compressed whole-group gap", "from", from, "to", c.currentTime,
		"delta", delta, "pts_offset", c.ptsOffset.Load())
	return true
}

// waitTimeout picks the next unprompted wake: the idle wait while nothing
// is happening, one tick while streams are synchronizing or running.
func (c *Coordinator) waitTimeout(now time.Time) time.Duration {
	wait := c.opts.IdleWait
	if c.tick > 0 && c.phase != PhaseStep0 {
		wait = min(wait, max(pts.Duration(c.tick, c.opts.ClockRate), time.Millisecond))
	}
	if !c.deadline.IsZero() {
		wait = min(wait, max(c.deadline.Sub(now), time.Millisecond))
	}
	return wait
}
