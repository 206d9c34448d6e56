package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/zsiec/lockstep/internal/encoder"
	"github.com/zsiec/lockstep/internal/encsync"
	"github.com/zsiec/lockstep/internal/media"
	"github.com/zsiec/lockstep/internal/pipeline"
	"github.com/zsiec/lockstep/internal/source"
)

//go:embed sample_config.toml
var sampleConfig string

// Coordinator tunes the encode coordinator.
type Coordinator struct {
	MaxStreams          int    `toml:"max_streams"`
	MaxInFlight         int    `toml:"max_in_flight"`
	QueueDepth          int    `toml:"queue_depth"`
	ClockRate           uint64 `toml:"clock_rate"`
	InactivityTimeoutMs int    `toml:"inactivity_timeout_ms"`
	StartupWaitMs       int    `toml:"startup_wait_ms"`
	FlushWaitMs         int    `toml:"flush_wait_ms"`
	IdleWaitMs          int    `toml:"idle_wait_ms"`
}

// Encoder tunes the simulated downstream encoder.
type Encoder struct {
	LatencyMs  int `toml:"latency_ms"`
	QueueDepth int `toml:"queue_depth"`
}

// Session controls how scenarios are played.
type Session struct {
	// Speed scales source pacing; 1 is real time, 0 unpaced.
	Speed          float64 `toml:"speed"`
	DrainTimeoutMs int     `toml:"drain_timeout_ms"`
}

// Paths contains file locations.
type Paths struct {
	HistoryDB string `toml:"history_db"`
}

// Logging contains configuration for log output.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // auto, text or json
}

// Gap skips frames in a scripted stream.
type Gap struct {
	At     int `toml:"at"`
	Frames int `toml:"frames"`
}

// Stall pauses a scripted stream's producer.
type Stall struct {
	At int `toml:"at"`
	Ms int `toml:"ms"`
}

// Stream scripts one synthetic stream of a scenario.
type Stream struct {
	Name     string  `toml:"name"`
	Kind     string  `toml:"kind"`
	StartPTS uint64  `toml:"start_pts"`
	Duration uint64  `toml:"duration"`
	Frames   int     `toml:"frames"`
	EOS      bool    `toml:"eos"`
	Gaps     []Gap   `toml:"gaps"`
	Stalls   []Stall `toml:"stalls"`
}

// Scenario is a named set of streams played as one session.
type Scenario struct {
	Name        string   `toml:"name"`
	Description string   `toml:"description"`
	Streams     []Stream `toml:"streams"`
}

// Config encapsulates all configuration values for lockstep.
type Config struct {
	Coordinator Coordinator `toml:"coordinator"`
	Encoder     Encoder     `toml:"encoder"`
	Session     Session     `toml:"session"`
	Paths       Paths       `toml:"paths"`
	Logging     Logging     `toml:"logging"`
	Scenarios   []Scenario  `toml:"scenarios"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/lockstep/config.toml")
}

// Load locates, parses, normalizes and validates a configuration file. A
// missing file yields the defaults. It also reports the resolved path and
// whether a file was found there.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		// Array tables decode into existing elements, so start the
		// scenario list empty.
		cfg.Scenarios = nil
		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
		if len(cfg.Scenarios) == 0 {
			cfg.Scenarios = defaultScenarios()
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path == "" {
		projectPath, err := filepath.Abs("lockstep.toml")
		if err != nil {
			return "", false, err
		}
		if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
			return projectPath, true, nil
		}
		if path, err = DefaultConfigPath(); err != nil {
			return "", false, err
		}
	}

	expanded, err := expandPath(path)
	if err != nil {
		return "", false, err
	}
	if _, err := os.Stat(expanded); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return expanded, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	return expanded, true, nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}

// ExpandPath applies the configuration's path rules: a leading ~ is the
// home directory and the result is absolute.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes the sample configuration to path.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders the configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	out, err := toml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return out, nil
}

// Scenario returns the scenario with the given name.
func (c *Config) Scenario(name string) (Scenario, bool) {
	for _, s := range c.Scenarios {
		if s.Name == name {
			return s, true
		}
	}
	return Scenario{}, false
}

// CoordinatorOptions converts the coordinator section. Zero values fall
// back to the coordinator's own defaults.
func (c *Config) CoordinatorOptions() encsync.Options {
	co := c.Coordinator
	return encsync.Options{
		MaxStreams:        co.MaxStreams,
		MaxInFlight:       co.MaxInFlight,
		QueueDepth:        co.QueueDepth,
		ClockRate:         co.ClockRate,
		InactivityTimeout: ms(co.InactivityTimeoutMs),
		StartupWait:       ms(co.StartupWaitMs),
		FlushWait:         ms(co.FlushWaitMs),
		IdleWait:          ms(co.IdleWaitMs),
	}
}

// Pipeline assembles the configuration for one session.
func (c *Config) Pipeline(sessionID string) pipeline.Config {
	return pipeline.Config{
		SessionID:   sessionID,
		Coordinator: c.CoordinatorOptions(),
		Encoder: encoder.Config{
			Latency:    ms(c.Encoder.LatencyMs),
			QueueDepth: c.Encoder.QueueDepth,
		},
		DrainTimeout: ms(c.Session.DrainTimeoutMs),
	}
}

// Profiles converts the scenario's streams into source profiles.
func (c *Config) Profiles(s Scenario) []source.Profile {
	profiles := make([]source.Profile, 0, len(s.Streams))
	for _, st := range s.Streams {
		p := source.Profile{
			Name:      st.Name,
			Kind:      media.ParseKind(st.Kind),
			StartPTS:  st.StartPTS,
			Duration:  st.Duration,
			Frames:    st.Frames,
			EOS:       st.EOS,
			ClockRate: c.Coordinator.ClockRate,
			Speed:     c.Session.Speed,
		}
		for _, g := range st.Gaps {
			p.Gaps = append(p.Gaps, source.Gap{At: g.At, Frames: g.Frames})
		}
		for _, stall := range st.Stalls {
			p.Stalls = append(p.Stalls, source.Stall{At: stall.At, Wait: ms(stall.Ms)})
		}
		profiles = append(profiles, p)
	}
	return profiles
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
