// Package config loads lockstep's TOML configuration: coordinator and
// encoder tuning, session behaviour, where history is kept, and the
// scenarios the run command can play.
//
// Load starts from Default, overlays the file if one exists, then
// normalizes and validates the result. Durations are integer
// milliseconds; stream timing is in clock ticks.
package config
