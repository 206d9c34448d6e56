// Package media defines the opaque, reference-counted frame buffers that
// decoders hand to the encode coordinator, along with the fixed-capacity
// pools they are drawn from and the per-kind discontinuity policy.
package media

import (
	"strings"
	"sync/atomic"
)

// Pool sizes used by decoders (producers) when nothing else is configured.
// Sized to absorb jitter without excessive memory: ~2 seconds of video,
// ~2.5s of audio.
const (
	VideoPoolSize = 60
	AudioPoolSize = 120
)

// Kind identifies the elementary stream type a buffer belongs to. Each
// kind carries its own discontinuity policy: audio is faded and muted
// around gaps, video is only regrouped.
type Kind int

const (
	KindUnspecified Kind = iota
	KindAudio
	KindVideo
)

// ParseKind maps a configuration string to a Kind.
func ParseKind(s string) Kind {
	switch strings.ToLower(s) {
	case "audio":
		return KindAudio
	case "video":
		return KindVideo
	default:
		return KindUnspecified
	}
}

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	default:
		return "unspecified"
	}
}

// PoolSize returns the default pool capacity for the kind.
func (k Kind) PoolSize() int {
	if k == KindAudio {
		return AudioPoolSize
	}
	return VideoPoolSize
}

// GapMarker is attached to the last real frame before a gap opens.
func (k Kind) GapMarker() Discontinuity {
	if k == KindAudio {
		return FadeOut
	}
	return 0
}

// RepeatMarker is attached to clones that hold presentation through a gap or stall.
func (k Kind) RepeatMarker() Discontinuity {
	if k == KindAudio {
		return Mute
	}
	return 0
}

// ResumeMarker is attached to the first real frame after a gap or stall.
func (k Kind) ResumeMarker() Discontinuity {
	if k == KindAudio {
		return FadeIn | NewGroup
	}
	return NewGroup
}

// Discontinuity is a set of markers telling the downstream encoder that an
// emitted buffer does not continue the previous one seamlessly.
type Discontinuity uint8

const (
	FadeIn Discontinuity = 1 << iota
	FadeOut
	Mute
	EOS
	NewGroup
)

var discontinuityNames = []struct {
	flag Discontinuity
	name string
}{
	{FadeIn, "fade-in"},
	{FadeOut, "fade-out"},
	{Mute, "mute"},
	{EOS, "eos"},
	{NewGroup, "new-group"},
}

// Has reports whether all flags in f are set.
func (d Discontinuity) Has(f Discontinuity) bool {
	return d&f == f
}

func (d Discontinuity) String() string {
	if d == 0 {
		return "none"
	}
	var parts []string
	for _, n := range discontinuityNames {
		if d.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Ownership records which side of the pipeline currently holds a buffer.
type Ownership int32

const (
	OwnerFree Ownership = iota
	OwnerProducer
	OwnerCoordinator
	OwnerDownstream
)

func (o Ownership) String() string {
	switch o {
	case OwnerProducer:
		return "producer"
	case OwnerCoordinator:
		return "coordinator"
	case OwnerDownstream:
		return "downstream"
	default:
		return "free"
	}
}

// Buffer is one decoded frame. Producers fill the exported fields before
// handing the buffer over; after that the fields are read-only. The
// buffer is returned to its pool once every reference has been released.
type Buffer struct {
	PTS      uint64
	Duration uint64
	EOS      bool
	Kind     Kind
	Payload  []byte

	index int
	pool  *Pool
	refs  atomic.Int32
	owner atomic.Int32
}

// Index returns the buffer's slot in its pool.
func (b *Buffer) Index() int { return b.index }

// Refs returns the current reference count.
func (b *Buffer) Refs() int32 { return b.refs.Load() }

// Retain adds a reference.
func (b *Buffer) Retain() { b.refs.Add(1) }

// Owner returns the current ownership state.
func (b *Buffer) Owner() Ownership { return Ownership(b.owner.Load()) }

// SetOwner records a change of ownership.
func (b *Buffer) SetOwner(o Ownership) { b.owner.Store(int32(o)) }

// Release drops one reference, returning the buffer to its pool when it
// was the last.
func (b *Buffer) Release() {
	if b.pool != nil {
		b.pool.Release(b)
		return
	}
	b.refs.Add(-1)
}

func (b *Buffer) reset() {
	b.PTS = 0
	b.Duration = 0
	b.EOS = false
	b.Kind = KindUnspecified
	b.Payload = b.Payload[:0]
	b.owner.Store(int32(OwnerFree))
}

// Releaser takes back buffers once their holder is done with them. The
// coordinator is handed one per stream at connect time and calls it with
// every buffer it no longer needs.
type Releaser interface {
	Release(b *Buffer)
}
