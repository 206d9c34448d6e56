package encsync

import (
	"sync/atomic"

	"github.com/zsiec/lockstep/internal/media"
	"github.com/zsiec/lockstep/internal/pts"
)

// BufferState is the coordinator-owned tag on a StreamBuffer.
type BufferState int

const (
	BufferUnused BufferState = iota
	BufferDecode
	BufferOwnedByDownstream
	BufferClone
	BufferReference
	BufferLastClone
)

func (s BufferState) String() string {
	switch s {
	case BufferDecode:
		return "decode"
	case BufferOwnedByDownstream:
		return "owned-by-downstream"
	case BufferClone:
		return "clone"
	case BufferReference:
		return "reference"
	case BufferLastClone:
		return "last-clone"
	default:
		return "unused"
	}
}

// StreamBuffer wraps one media.Buffer with the state the coordinator needs
// to schedule it: the source timing, the stamped output PTS, the
// discontinuity markers and the clone linkage. It is what the encoder
// receives through Sink.Push and hands back through Coordinator.Release.
//
// A clone shares its source's media.Buffer (holding its own reference to
// it) and keeps a back-pointer to the source wrapper. The source is tagged
// Reference while clones are outstanding and is released only once the
// encoder has returned it and every clone of it.
type StreamBuffer struct {
	owner *Synchronizer
	slot  int

	buf      *media.Buffer
	pts      uint64
	duration uint64
	eos      bool
	kind     media.Kind

	// role is one of Unused, Decode, Clone, Reference or LastClone.
	role       BufferState
	downstream atomic.Bool

	source      *StreamBuffer
	clones      int
	inLookahead bool

	encodePTS uint64
	disc      media.Discontinuity
}

// Stream returns the name of the stream the buffer belongs to.
func (b *StreamBuffer) Stream() string { return b.owner.name }

// Slot returns the wrapper's index in its stream's slot pool.
func (b *StreamBuffer) Slot() int { return b.slot }

// PTS returns the output timestamp: stream time plus the coordinator's PTS
// offset at the moment of dispatch.
func (b *StreamBuffer) PTS() uint64 { return b.encodePTS }

// SourcePTS returns the timestamp the producer stamped on the frame.
func (b *StreamBuffer) SourcePTS() uint64 { return b.pts }

// Duration returns the frame duration in clock ticks.
func (b *StreamBuffer) Duration() uint64 { return b.duration }

// EOS reports whether the buffer marks the end of its stream.
func (b *StreamBuffer) EOS() bool { return b.eos }

// Kind returns the media kind.
func (b *StreamBuffer) Kind() media.Kind { return b.kind }

// Discontinuity returns the markers attached at dispatch.
func (b *StreamBuffer) Discontinuity() media.Discontinuity { return b.disc }

// Media returns the wrapped buffer. Clones return their source's buffer.
func (b *StreamBuffer) Media() *media.Buffer { return b.buf }

// IsClone reports whether the buffer was synthesized from another frame.
func (b *StreamBuffer) IsClone() bool {
	return b.source != nil || b.role == BufferClone || b.role == BufferLastClone
}

// State returns the buffer's tag. Downstream ownership takes precedence
// over the role tag.
func (b *StreamBuffer) State() BufferState {
	if b.role == BufferUnused {
		return BufferUnused
	}
	if b.downstream.Load() {
		return BufferOwnedByDownstream
	}
	return b.role
}

// setEOS marks the buffer as the end of its stream.
func (b *StreamBuffer) setEOS() {
	b.eos = true
}

// getDuration returns the frame duration, falling back to nominal.
func (b *StreamBuffer) getDuration(nominal uint64) uint64 {
	if b.duration > 0 {
		return b.duration
	}
	return nominal
}

func (b *StreamBuffer) end(nominal uint64) uint64 {
	return pts.Add(b.pts, int64(b.getDuration(nominal)))
}

// clone takes a free wrapper from pool and makes it a copy of b for
// presentation at encodeTime. It returns nil when no slot is free; the
// caller retries on a later tick rather than blocking.
func (b *StreamBuffer) clone(pool *slotPool, encodeTime uint64, last bool) *StreamBuffer {
	c := pool.take()
	if c == nil {
		return nil
	}
	b.buf.Retain()
	c.buf = b.buf
	c.pts = b.pts
	c.duration = b.duration
	c.kind = b.kind
	c.encodePTS = encodeTime
	c.source = b
	c.role = BufferClone
	if last {
		c.role = BufferLastClone
	}
	b.clones++
	b.role = BufferReference
	return c
}

func (b *StreamBuffer) releasable() bool {
	return b.role != BufferUnused && !b.downstream.Load() && b.clones == 0 && !b.inLookahead
}

// release hands the media buffer back to sink when the wrapper is neither
// owned downstream, referenced by an outstanding clone, nor held in the
// lookahead. Returning the last clone of a source may release the source.
func (b *StreamBuffer) release(sink media.Releaser) bool {
	if !b.releasable() {
		return false
	}
	src := b.source
	if b.buf != nil {
		b.buf.SetOwner(media.OwnerProducer)
		sink.Release(b.buf)
	}
	b.reset()
	if src != nil {
		src.clones--
		if src.clones <= 0 {
			src.clones = 0
			if src.role == BufferReference {
				src.role = BufferDecode
			}
		}
		src.release(sink)
	}
	return true
}

// forceRelease drops the wrapper's media reference regardless of clone
// bookkeeping. Clones still out keep their own reference to the media.
func (b *StreamBuffer) forceRelease(sink media.Releaser) {
	if b.role == BufferUnused || b.downstream.Load() {
		return
	}
	if b.buf != nil {
		b.buf.SetOwner(media.OwnerProducer)
		sink.Release(b.buf)
	}
	b.reset()
}

func (b *StreamBuffer) reset() {
	b.buf = nil
	b.pts = 0
	b.duration = 0
	b.eos = false
	b.kind = media.KindUnspecified
	b.role = BufferUnused
	b.downstream.Store(false)
	b.source = nil
	b.clones = 0
	b.inLookahead = false
	b.encodePTS = 0
	b.disc = 0
}

// slotPool is a stream's fixed array of buffer wrappers.
type slotPool struct {
	slots []StreamBuffer
}

func newSlotPool(owner *Synchronizer, capacity int) slotPool {
	p := slotPool{slots: make([]StreamBuffer, capacity)}
	for i := range p.slots {
		p.slots[i].owner = owner
		p.slots[i].slot = i
	}
	return p
}

func (p *slotPool) take() *StreamBuffer {
	for i := range p.slots {
		sb := &p.slots[i]
		if sb.role == BufferUnused && !sb.downstream.Load() {
			return sb
		}
	}
	return nil
}

func (p *slotPool) free() int {
	n := 0
	for i := range p.slots {
		if p.slots[i].role == BufferUnused && !p.slots[i].downstream.Load() {
			n++
		}
	}
	return n
}

// wrap places a producer buffer in a free slot.
func (p *slotPool) wrap(buf *media.Buffer, kind media.Kind) *StreamBuffer {
	sb := p.take()
	if sb == nil {
		return nil
	}
	sb.buf = buf
	sb.pts = buf.PTS & pts.Mask
	sb.duration = buf.Duration
	sb.kind = kind
	if buf.EOS {
		sb.setEOS()
	}
	sb.role = BufferDecode
	sb.inLookahead = true
	buf.SetOwner(media.OwnerCoordinator)
	return sb
}

// outstanding returns the slots still owned by the encoder.
func (p *slotPool) outstanding() []int {
	var out []int
	for i := range p.slots {
		if p.slots[i].downstream.Load() {
			out = append(out, i)
		}
	}
	return out
}
