package encsync

import (
	"log/slog"
	"time"

	"github.com/zsiec/lockstep/internal/pts"
)

// Defaults applied by Options for zero-valued fields.
const (
	DefaultMaxStreams        = 8
	DefaultMaxInFlight       = 16
	DefaultQueueDepth        = 64
	DefaultFrameDuration     = 3000 // one 30 fps frame at 90 kHz
	DefaultInactivityTimeout = 500 * time.Millisecond
	DefaultStartupWait       = time.Second
	DefaultFlushWait         = time.Second
	DefaultIdleWait          = 500 * time.Millisecond
	DefaultMaxTicksPerWake   = 256
	DefaultHaltWarnInterval  = time.Second
)

// Options tunes a Coordinator. The zero value is usable.
type Options struct {
	// MaxStreams bounds the number of simultaneously connected streams.
	MaxStreams int
	// MaxInFlight is the number of buffer wrappers each stream owns. It
	// bounds frames held in lookahead plus frames and clones owned by the
	// encoder.
	MaxInFlight int
	// QueueDepth is the capacity of each stream's input queue.
	QueueDepth int
	// ClockRate is the number of timestamp ticks per second.
	ClockRate uint64
	// DefaultDuration is used for frames that carry no duration.
	DefaultDuration uint64

	InactivityTimeout time.Duration
	StartupWait       time.Duration
	FlushWait         time.Duration
	IdleWait          time.Duration
	HaltWarnInterval  time.Duration

	// MaxTicksPerWake bounds the work done under the lock in one wake.
	MaxTicksPerWake int

	Logger *slog.Logger
	// Now is the scheduler's clock. Tests replace it.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxStreams <= 0 {
		o.MaxStreams = DefaultMaxStreams
	}
	if o.MaxInFlight < 4 {
		o.MaxInFlight = DefaultMaxInFlight
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = DefaultQueueDepth
	}
	if o.ClockRate == 0 {
		o.ClockRate = pts.DefaultClockRate
	}
	if o.DefaultDuration == 0 {
		o.DefaultDuration = DefaultFrameDuration
	}
	if o.InactivityTimeout <= 0 {
		o.InactivityTimeout = DefaultInactivityTimeout
	}
	if o.StartupWait <= 0 {
		o.StartupWait = DefaultStartupWait
	}
	if o.FlushWait <= 0 {
		o.FlushWait = DefaultFlushWait
	}
	if o.IdleWait <= 0 {
		o.IdleWait = DefaultIdleWait
	}
	if o.HaltWarnInterval <= 0 {
		o.HaltWarnInterval = DefaultHaltWarnInterval
	}
	if o.MaxTicksPerWake <= 0 {
		o.MaxTicksPerWake = DefaultMaxTicksPerWake
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
