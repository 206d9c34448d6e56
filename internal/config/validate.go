package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateCoordinator(); err != nil {
		return err
	}
	if err := c.validateSession(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return c.validateScenarios()
}

func (c *Config) validateCoordinator() error {
	co := c.Coordinator
	if co.MaxStreams < 0 {
		return errors.New("coordinator.max_streams must be non-negative")
	}
	if co.MaxInFlight != 0 && co.MaxInFlight < 4 {
		return errors.New("coordinator.max_in_flight must be at least 4")
	}
	if co.QueueDepth < 0 {
		return errors.New("coordinator.queue_depth must be non-negative")
	}
	for key, v := range map[string]int{
		"coordinator.inactivity_timeout_ms": co.InactivityTimeoutMs,
		"coordinator.startup_wait_ms":       co.StartupWaitMs,
		"coordinator.flush_wait_ms":         co.FlushWaitMs,
		"coordinator.idle_wait_ms":          co.IdleWaitMs,
		"encoder.latency_ms":                c.Encoder.LatencyMs,
		"encoder.queue_depth":               c.Encoder.QueueDepth,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be non-negative", key)
		}
	}
	return nil
}

func (c *Config) validateSession() error {
	if c.Session.Speed < 0 {
		return errors.New("session.speed must be non-negative")
	}
	if c.Session.DrainTimeoutMs < 0 {
		return errors.New("session.drain_timeout_ms must be non-negative")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "auto", "text", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateScenarios() error {
	maxStreams := c.Coordinator.MaxStreams
	if maxStreams == 0 {
		maxStreams = defaultMaxStreams
	}
	seen := make(map[string]struct{}, len(c.Scenarios))
	for i, sc := range c.Scenarios {
		if sc.Name == "" {
			return fmt.Errorf("scenarios[%d]: name is required", i)
		}
		if _, dup := seen[sc.Name]; dup {
			return fmt.Errorf("scenario %q: defined more than once", sc.Name)
		}
		seen[sc.Name] = struct{}{}
		if len(sc.Streams) == 0 {
			return fmt.Errorf("scenario %q: at least one stream is required", sc.Name)
		}
		if len(sc.Streams) > maxStreams {
			return fmt.Errorf("scenario %q: %d streams exceeds coordinator.max_streams (%d)", sc.Name, len(sc.Streams), maxStreams)
		}
		names := make(map[string]struct{}, len(sc.Streams))
		for _, st := range sc.Streams {
			if err := st.validate(); err != nil {
				return fmt.Errorf("scenario %q: %w", sc.Name, err)
			}
			if _, dup := names[st.Name]; dup {
				return fmt.Errorf("scenario %q: stream %q defined more than once", sc.Name, st.Name)
			}
			names[st.Name] = struct{}{}
		}
	}
	return nil
}

func (st Stream) validate() error {
	if st.Name == "" {
		return errors.New("stream name is required")
	}
	switch st.Kind {
	case "audio", "video":
	default:
		return fmt.Errorf("stream %q: kind must be audio or video, got %q", st.Name, st.Kind)
	}
	if st.Duration == 0 {
		return fmt.Errorf("stream %q: duration must be positive", st.Name)
	}
	if st.Frames < 0 {
		return fmt.Errorf("stream %q: frames must be non-negative", st.Name)
	}
	for _, g := range st.Gaps {
		if g.At < 0 || g.Frames <= 0 {
			return fmt.Errorf("stream %q: gap at %d must skip a positive number of frames", st.Name, g.At)
		}
	}
	for _, s := range st.Stalls {
		if s.At < 0 || s.Ms <= 0 {
			return fmt.Errorf("stream %q: stall at %d must wait a positive number of milliseconds", st.Name, s.At)
		}
	}
	return nil
}
