// Package encsync re-synchronizes independently produced, independently
// timed decoded media streams into a single time-locked cadence for a
// downstream encoder.
//
// A Coordinator owns a fixed number of stream slots and one scheduling
// goroutine. Producers push frames through a Port; the scheduler aligns
// every stream on a common start time, then advances a shared time cursor
// tick by tick, asking each stream's Synchronizer what to emit: the next
// real frame, a clone of the last one (to bridge a gap or a stalled
// producer), or nothing. When every stream is in a gap at once, the
// shared clock jumps over the dead time and the PTS offset absorbs the
// jump so the output stays contiguous.
//
// Buffers go to the encoder through a Sink and come back through
// Coordinator.Release, which may be called from any goroutine.
package encsync
