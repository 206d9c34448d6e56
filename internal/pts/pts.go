// Package pts implements wraparound-safe arithmetic over the 34-bit
// presentation timestamp space shared by every stream the coordinator
// schedules. All comparisons treat the space as a circle: a timestamp is
// "ahead" of another when the forward distance between them is less than
// half the modulo range.
package pts

import "time"

// Timestamp space constants.
const (
	Bits   = 34
	Modulo = uint64(1) << Bits
	Mask   = Modulo - 1

	half = Modulo >> 1
)

// DefaultClockRate is the MPEG-TS 90 kHz system clock.
const DefaultClockRate = 90000

func msb(t uint64) uint64 {
	return (t >> (Bits - 1)) & 1
}

// GE reports whether current is at or after low.
func GE(current, low uint64) bool {
	current &= Mask
	low &= Mask
	if msb(current) == msb(low) {
		return current >= low
	}
	// One side crossed the top half of the range; the forward distance
	// tells which one is really ahead.
	return (current-low)&Mask < half
}

// GT reports whether a is strictly after b.
func GT(a, b uint64) bool {
	return a&Mask != b&Mask && GE(a, b)
}

// InInterval reports whether t lies in the half-open interval [low, high).
// Bounds that straddle the epoch are unwrapped into a 35-bit space before
// comparing.
func InInterval(t, low, high uint64) bool {
	t &= Mask
	low &= Mask
	high &= Mask
	if high < low {
		high += Modulo
		if t < low {
			t += Modulo
		}
	}
	return t >= low && t < high
}

// Add offsets t by a signed number of ticks, wrapping into the timestamp space.
func Add(t uint64, delta int64) uint64 {
	return (t + uint64(delta)) & Mask
}

// Sub returns the forward distance from b to a.
func Sub(a, b uint64) uint64 {
	return (a - b) & Mask
}

// Diff returns the shortest signed distance from b to a.
func Diff(a, b uint64) int64 {
	d := Sub(a, b)
	if d < half {
		return int64(d)
	}
	return int64(d) - int64(Modulo)
}

// Min returns whichever of a and b comes first.
func Min(a, b uint64) uint64 {
	if GE(a, b) {
		return b & Mask
	}
	return a & Mask
}

// Max returns whichever of a and b comes last.
func Max(a, b uint64) uint64 {
	if GE(a, b) {
		return a & Mask
	}
	return b & Mask
}

// Ticks converts a wall-clock duration to clock ticks.
func Ticks(d time.Duration, clockRate uint64) uint64 {
	if d <= 0 || clockRate == 0 {
		return 0
	}
	return uint64(d) * clockRate / uint64(time.Second)
}

// Duration converts clock ticks to a wall-clock duration.
func Duration(ticks, clockRate uint64) time.Duration {
	if clockRate == 0 {
		return 0
	}
	return time.Duration(ticks * uint64(time.Second) / clockRate)
}
