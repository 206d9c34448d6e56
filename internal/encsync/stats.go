package encsync

import "sync/atomic"

// StreamStats holds point-in-time counters for one stream.
type StreamStats struct {
	Name         string `json:"name"`
	Kind         string `json:"kind"`
	State        string `json:"state"`
	Joined       bool   `json:"joined"`
	StreamTime   uint64 `json:"streamTime"`
	Nominal      uint64 `json:"nominal"`
	QueueDepth   int    `json:"queueDepth"`
	FreeSlots    int    `json:"freeSlots"`
	Inserted     int64  `json:"inserted"`
	DroppedFull  int64  `json:"droppedFull"`
	Discarded    int64  `json:"discarded"`
	Emitted      int64  `json:"emitted"`
	Clones       int64  `json:"clones"`
	Gaps         int64  `json:"gaps"`
	Timeouts     int64  `json:"timeouts"`
	EOS          int64  `json:"eos"`
	Returned     int64  `json:"returned"`
	SinkRejected int64  `json:"sinkRejected"`
	Flushes      int64  `json:"flushes"`
	LastPTS      int64  `json:"lastPTS"`
}

// Stats is a snapshot of the coordinator and every connected stream.
type Stats struct {
	Phase          string        `json:"phase"`
	CurrentTime    uint64        `json:"currentTime"`
	PTSOffset      int64         `json:"ptsOffset"`
	Tick           uint64        `json:"tick"`
	Degraded       bool          `json:"degraded"`
	DegradedReason string        `json:"degradedReason,omitempty"`
	Ticks          int64         `json:"ticks"`
	Wakes          int64         `json:"wakes"`
	Compressions   int64         `json:"compressions"`
	Streams        []StreamStats `json:"streams"`
}

// streamCounters accumulates per-stream telemetry. Producers and the
// encoder update some of these from their own goroutines, so every field
// is atomic.
type streamCounters struct {
	inserted     atomic.Int64
	droppedFull  atomic.Int64
	discarded    atomic.Int64
	emitted      atomic.Int64
	clones       atomic.Int64
	gaps         atomic.Int64
	timeouts     atomic.Int64
	eos          atomic.Int64
	returned     atomic.Int64
	sinkRejected atomic.Int64
	flushes      atomic.Int64
	lastPTS      atomic.Int64
}

type coordCounters struct {
	ticks        atomic.Int64
	wakes        atomic.Int64
	compressions atomic.Int64
}

// snapshot must be called with the coordinator lock held.
func (s *Synchronizer) snapshot() StreamStats {
	state := s.state.String()
	if !s.joined {
		state = "waiting"
	}
	return StreamStats{
		Name:         s.name,
		Kind:         s.kind.String(),
		State:        state,
		Joined:       s.joined,
		StreamTime:   s.streamTime,
		Nominal:      s.nominal,
		QueueDepth:   s.input.Len(),
		FreeSlots:    s.slots.free(),
		Inserted:     s.stats.inserted.Load(),
		DroppedFull:  s.stats.droppedFull.Load(),
		Discarded:    s.stats.discarded.Load(),
		Emitted:      s.stats.emitted.Load(),
		Clones:       s.stats.clones.Load(),
		Gaps:         s.stats.gaps.Load(),
		Timeouts:     s.stats.timeouts.Load(),
		EOS:          s.stats.eos.Load(),
		Returned:     s.stats.returned.Load(),
		SinkRejected: s.stats.sinkRejected.Load(),
		Flushes:      s.stats.flushes.Load(),
		LastPTS:      s.stats.lastPTS.Load(),
	}
}
