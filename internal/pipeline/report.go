package pipeline

import (
	"time"

	"github.com/zsiec/lockstep/internal/encsync"
)

// StreamReport summarizes one stream of a finished session.
type StreamReport struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	State    string `json:"state"`
	Produced int64  `json:"produced"`
	Skipped  int64  `json:"skipped"`
	Stalls   int64  `json:"stalls"`

	Inserted    int64 `json:"inserted"`
	DroppedFull int64 `json:"droppedFull"`
	Discarded   int64 `json:"discarded"`
	Emitted     int64 `json:"emitted"`
	Clones      int64 `json:"clones"`
	Gaps        int64 `json:"gaps"`
	Timeouts    int64 `json:"timeouts"`

	Encoded          int64  `json:"encoded"`
	Muted            int64  `json:"muted"`
	NewGroups        int64  `json:"newGroups"`
	EOS              bool   `json:"eos"`
	ContinuityErrors int64  `json:"continuityErrors"`
	FirstPTS         uint64 `json:"firstPTS"`
	LastPTS          uint64 `json:"lastPTS"`

	Flush encsync.FlushReport `json:"flush"`
}

// Report summarizes a finished session.
type Report struct {
	ID             string         `json:"id"`
	Scenario       string         `json:"scenario"`
	StartedAt      time.Time      `json:"startedAt"`
	Elapsed        time.Duration  `json:"elapsed"`
	Degraded       bool           `json:"degraded"`
	DegradedReason string         `json:"degradedReason,omitempty"`
	PTSOffset      int64          `json:"ptsOffset"`
	Compressions   int64          `json:"compressions"`
	Ticks          int64          `json:"ticks"`
	Debug          DebugStats     `json:"debug"`
	Streams        []StreamReport `json:"streams"`
}

// Frames returns the number of buffers the encoder received across streams.
func (r Report) Frames() int64 {
	var n int64
	for _, s := range r.Streams {
		n += s.Encoded
	}
	return n
}

// Clones returns the number of synthesized buffers across streams.
func (r Report) Clones() int64 {
	var n int64
	for _, s := range r.Streams {
		n += s.Clones
	}
	return n
}

// ContinuityErrors returns the number of unmarked output discontinuities.
func (r Report) ContinuityErrors() int64 {
	var n int64
	for _, s := range r.Streams {
		n += s.ContinuityErrors
	}
	return n
}

func (p *Pipeline) report(st encsync.Stats, flushes map[string]encsync.FlushReport) Report {
	byName := make(map[string]encsync.StreamStats, len(st.Streams))
	for _, s := range st.Streams {
		byName[s.Name] = s
	}

	rep := Report{
		ID:             p.id,
		Scenario:       p.key,
		StartedAt:      p.startTime,
		Elapsed:        time.Since(p.startTime),
		Degraded:       st.Degraded,
		DegradedReason: st.DegradedReason,
		PTSOffset:      st.PTSOffset,
		Compressions:   st.Compressions,
		Ticks:          st.Ticks,
		Debug:          p.PipelineDebug(),
	}
	for _, gen := range p.sources {
		cs := byName[gen.Name()]
		gs := gen.Stats()
		sr := StreamReport{
			Name:        gen.Name(),
			Kind:        gen.Kind().String(),
			State:       cs.State,
			Produced:    gs.Produced,
			Skipped:     gs.Skipped,
			Stalls:      gs.Stalls,
			Inserted:    cs.Inserted,
			DroppedFull: cs.DroppedFull,
			Discarded:   cs.Discarded,
			Emitted:     cs.Emitted,
			Clones:      cs.Clones,
			Gaps:        cs.Gaps,
			Timeouts:    cs.Timeouts,
			Flush:       flushes[gen.Name()],
		}
		if ts, ok := p.enc.Track(gen.Name()); ok {
			sr.Encoded = ts.Frames
			sr.Muted = ts.Muted
			sr.NewGroups = ts.NewGroups
			sr.EOS = ts.EOS
			sr.ContinuityErrors = ts.ContinuityErrors
			sr.FirstPTS = ts.FirstPTS
			sr.LastPTS = ts.LastPTS
		}
		rep.Streams = append(rep.Streams, sr)
	}
	return rep
}
