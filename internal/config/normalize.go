package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}

	if strings.TrimSpace(c.Paths.HistoryDB) == "" {
		c.Paths.HistoryDB = defaultHistoryDB
	}
	expanded, err := expandPath(c.Paths.HistoryDB)
	if err != nil {
		return fmt.Errorf("paths.history_db: %w", err)
	}
	c.Paths.HistoryDB = expanded

	if c.Coordinator.ClockRate == 0 {
		c.Coordinator.ClockRate = defaultClockRate
	}

	for i := range c.Scenarios {
		sc := &c.Scenarios[i]
		sc.Name = strings.TrimSpace(sc.Name)
		for j := range sc.Streams {
			st := &sc.Streams[j]
			st.Name = strings.TrimSpace(st.Name)
			st.Kind = strings.ToLower(strings.TrimSpace(st.Kind))
		}
	}
	return nil
}
