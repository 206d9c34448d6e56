// Command lockstep plays scripted multi-stream sessions through the encode
// coordinator and reports how each stream was aligned, bridged and
// compressed.
//
//	lockstep run blackout stall
//	lockstep scenarios
//	lockstep history
//	lockstep config init
package main
