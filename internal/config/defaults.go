package config

// Default values applied when the config file omits a key.
const (
	defaultMaxStreams          = 8
	defaultMaxInFlight         = 16
	defaultQueueDepth          = 128
	defaultClockRate           = 90000
	defaultInactivityTimeoutMs = 500
	defaultStartupWaitMs       = 1000
	defaultFlushWaitMs         = 1000
	defaultIdleWaitMs          = 500
	defaultEncoderLatencyMs    = 5
	defaultEncoderQueueDepth   = 256
	defaultSpeed               = 1.0
	defaultDrainTimeoutMs      = 3000
	defaultHistoryDB           = "~/.local/share/lockstep/history.db"
	defaultLogLevel            = "info"
	defaultLogFormat           = "auto"
)

// Default returns a Config populated with the built-in defaults and the
// stock scenarios.
func Default() Config {
	return Config{
		Coordinator: Coordinator{
			MaxStreams:          defaultMaxStreams,
			MaxInFlight:         defaultMaxInFlight,
			QueueDepth:          defaultQueueDepth,
			ClockRate:           defaultClockRate,
			InactivityTimeoutMs: defaultInactivityTimeoutMs,
			StartupWaitMs:       defaultStartupWaitMs,
			FlushWaitMs:         defaultFlushWaitMs,
			IdleWaitMs:          defaultIdleWaitMs,
		},
		Encoder: Encoder{
			LatencyMs:  defaultEncoderLatencyMs,
			QueueDepth: defaultEncoderQueueDepth,
		},
		Session: Session{
			Speed:          defaultSpeed,
			DrainTimeoutMs: defaultDrainTimeoutMs,
		},
		Paths:     Paths{HistoryDB: defaultHistoryDB},
		Logging:   Logging{Level: defaultLogLevel, Format: defaultLogFormat},
		Scenarios: defaultScenarios(),
	}
}

// Stock scenarios: 30 fps video at 3000 ticks per frame, 48 kHz AAC
// audio at 1920 ticks per frame.
func defaultScenarios() []Scenario {
	video := func(gaps []Gap, stalls []Stall) Stream {
		return Stream{Name: "video", Kind: "video", Duration: 3000, Frames: 90, EOS: true, Gaps: gaps, Stalls: stalls}
	}
	audio := func(start uint64, gaps []Gap) Stream {
		return Stream{Name: "audio", Kind: "audio", StartPTS: start, Duration: 1920, Frames: 141, EOS: true, Gaps: gaps}
	}
	return []Scenario{
		{
			Name:        "steady",
			Description: "one video and one audio stream, no faults",
			Streams:     []Stream{video(nil, nil), audio(0, nil)},
		},
		{
			Name:        "video-gap",
			Description: "video drops half a second; audio keeps flowing",
			Streams:     []Stream{video([]Gap{{At: 30, Frames: 15}}, nil), audio(0, nil)},
		},
		{
			Name:        "blackout",
			Description: "every stream jumps a second ahead at once",
			Streams: []Stream{
				video([]Gap{{At: 30, Frames: 30}}, nil),
				audio(0, []Gap{{At: 47, Frames: 47}}),
			},
		},
		{
			Name:        "stall",
			Description: "the video producer stops for longer than the inactivity timeout",
			Streams:     []Stream{video(nil, []Stall{{At: 45, Ms: 1500}}), audio(0, nil)},
		},
		{
			Name:        "late-audio",
			Description: "audio starts half a second after video",
			Streams:     []Stream{video(nil, nil), audio(45000, nil)},
		},
	}
}
