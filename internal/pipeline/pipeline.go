// Package pipeline runs one encode session: synthetic sources feed the
// coordinator through its ports, the coordinator schedules onto a
// simulated encoder, and the pipeline collects telemetry into a Report.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/lockstep/internal/encoder"
	"github.com/zsiec/lockstep/internal/encsync"
	"github.com/zsiec/lockstep/internal/media"
	"github.com/zsiec/lockstep/internal/source"
)

const (
	// DefaultDrainTimeout bounds how long a session waits, once every
	// source has finished, for the streams to reach end of stream.
	DefaultDrainTimeout = 2 * time.Second

	drainPoll = 10 * time.Millisecond
	chanDepth = 64
)

// Config assembles the parts of a session.
type Config struct {
	SessionID    string
	Coordinator  encsync.Options
	Encoder      encoder.Config
	DrainTimeout time.Duration
}

// DebugStats holds low-level forwarding counters and channel depths.
type DebugStats struct {
	VideoForwarded  int64 `json:"videoForwarded"`
	AudioForwarded  int64 `json:"audioForwarded"`
	Rejected        int64 `json:"rejected"`
	LastVideoFwdPTS int64 `json:"lastVideoFwdPTS"`
	LastAudioFwdPTS int64 `json:"lastAudioFwdPTS"`
	VideoChanDepth  int   `json:"videoChanDepth"`
	AudioChanDepth  int   `json:"audioChanDepth"`
}

// Pipeline bridges a session's sources and the encode coordinator. It
// reads produced frames from per-kind channels and inserts them into the
// coordinator while accumulating statistics for the session report.
type Pipeline struct {
	log       *slog.Logger
	id        string
	key       string
	cfg       Config
	startTime time.Time

	coord   *encsync.Coordinator
	enc     *encoder.Simulated
	sources []*source.Generator
	pools   map[string]*media.Pool
	ports   map[string]*encsync.Port

	videoForwarded  atomic.Int64
	audioForwarded  atomic.Int64
	rejected        atomic.Int64
	lastVideoFwdPTS atomic.Int64
	lastAudioFwdPTS atomic.Int64
	videoChanDepth  atomic.Int32
	audioChanDepth  atomic.Int32
}

// New creates a Pipeline for the scenario key with one source per profile.
// If log is nil, slog.Default() is used.
func New(key string, profiles []source.Profile, cfg Config, log *slog.Logger) (*Pipeline, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("pipeline %s: no streams", key)
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	log = log.With("scenario", key, "session", cfg.SessionID)
	cfg.Coordinator.Logger = log

	p := &Pipeline{
		log:   log,
		id:    cfg.SessionID,
		key:   key,
		cfg:   cfg,
		enc:   encoder.NewSimulated(cfg.Encoder, log),
		pools: make(map[string]*media.Pool),
		ports: make(map[string]*encsync.Port),
	}
	p.coord = encsync.New(p.enc, cfg.Coordinator)
	p.enc.Attach(p.coord)

	for _, prof := range profiles {
		if _, dup := p.pools[prof.Name]; dup {
			return nil, fmt.Errorf("pipeline %s: duplicate stream %q", key, prof.Name)
		}
		pool := media.NewPool(prof.Name, prof.Kind.PoolSize(), log)
		gen, err := source.New(prof, pool, log)
		if err != nil {
			return nil, err
		}
		port, err := p.coord.Connect(prof.Name, prof.Kind, pool)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: connect %s: %w", key, prof.Name, err)
		}
		p.pools[prof.Name] = pool
		p.ports[prof.Name] = port
		p.sources = append(p.sources, gen)
	}
	return p, nil
}

// ID returns the session ID.
func (p *Pipeline) ID() string { return p.id }

// Coordinator exposes the session's coordinator.
func (p *Pipeline) Coordinator() *encsync.Coordinator { return p.coord }

// PipelineDebug returns low-level forwarding counters and channel depths.
func (p *Pipeline) PipelineDebug() DebugStats {
	return DebugStats{
		VideoForwarded:  p.videoForwarded.Load(),
		AudioForwarded:  p.audioForwarded.Load(),
		Rejected:        p.rejected.Load(),
		LastVideoFwdPTS: p.lastVideoFwdPTS.Load(),
		LastAudioFwdPTS: p.lastAudioFwdPTS.Load(),
		VideoChanDepth:  int(p.videoChanDepth.Load()),
		AudioChanDepth:  int(p.audioChanDepth.Load()),
	}
}

// Run plays the scenario to completion and returns its report. It blocks
// until every source has finished and the streams have drained, or the
// context is cancelled.
func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	p.startTime = time.Now()

	encCtx, stopEncoder := context.WithCancel(context.Background())
	encDone := make(chan error, 1)
	go func() {
		encDone <- p.enc.Run(encCtx)
	}()
	p.coord.Start()

	videoCh := make(chan source.Frame, chanDepth)
	audioCh := make(chan source.Frame, chanDepth)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		srcs, sctx := errgroup.WithContext(gctx)
		for _, gen := range p.sources {
			out := audioCh
			if gen.Kind() == media.KindVideo {
				out = videoCh
			}
			srcs.Go(func() error {
				err := gen.Run(sctx, out)
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return nil
				}
				return err
			})
		}
		err := srcs.Wait()
		close(videoCh)
		close(audioCh)
		return err
	})
	g.Go(func() error {
		return p.forward(gctx, videoCh, audioCh)
	})
	runErr := g.Wait()
	p.releaseUnforwarded(videoCh, audioCh)

	if runErr == nil && ctx.Err() == nil {
		p.drain(ctx)
	}
	stats := p.coord.Stats()

	flushes := make(map[string]encsync.FlushReport, len(p.sources))
	for _, gen := range p.sources {
		rep, err := p.coord.Disconnect(gen.Name())
		if err != nil {
			p.log.Warn("disconnect failed", "stream", gen.Name(), "error", err)
			continue
		}
		flushes[gen.Name()] = rep
	}
	p.coord.Halt()
	stopEncoder()
	if err := <-encDone; err != nil && runErr == nil {
		runErr = err
	}

	rep := p.report(stats, flushes)
	p.log.Info("session finished", "elapsed", rep.Elapsed, "degraded", rep.Degraded,
		"compressions", rep.Compressions, "continuity_errors", rep.ContinuityErrors())
	return rep, runErr
}

// forward inserts produced frames into the coordinator until both
// channels close or ctx is cancelled.
func (p *Pipeline) forward(ctx context.Context, videoCh, audioCh <-chan source.Frame) error {
	for videoCh != nil || audioCh != nil {
		p.videoChanDepth.Store(int32(len(videoCh)))
		p.audioChanDepth.Store(int32(len(audioCh)))

		// Priority drain: forward video first so audio, which produces
		// more frames, cannot starve it under random select scheduling.
		select {
		case f, ok := <-videoCh:
			if !ok {
				p.log.Debug("video channel closed")
				videoCh = nil
				continue
			}
			p.insert(f)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-videoCh:
			if !ok {
				p.log.Debug("video channel closed")
				videoCh = nil
				continue
			}
			p.insert(f)
		case f, ok := <-audioCh:
			if !ok {
				p.log.Debug("audio channel closed")
				audioCh = nil
				continue
			}
			p.insert(f)
		}
	}
	return nil
}

func (p *Pipeline) insert(f source.Frame) {
	port, ok := p.ports[f.Stream]
	if !ok {
		p.log.Error("frame for unknown stream", "stream", f.Stream)
		return
	}
	kind, ts, eos := f.Buf.Kind, int64(f.Buf.PTS), f.Buf.EOS
	if err := port.Insert(f.Buf); err != nil {
		p.rejected.Add(1)
		return
	}
	// Forwarded counts media frames only; the EOS marker is not one.
	if eos {
		return
	}
	if kind == media.KindVideo {
		p.videoForwarded.Add(1)
		p.lastVideoFwdPTS.Store(ts)
	} else {
		p.audioForwarded.Add(1)
		p.lastAudioFwdPTS.Store(ts)
	}
}

// releaseUnforwarded hands frames left in the channels after a cancelled
// run back to their pools.
func (p *Pipeline) releaseUnforwarded(chs ...chan source.Frame) {
	for _, ch := range chs {
		for f := range ch {
			if pool, ok := p.pools[f.Stream]; ok {
				pool.Release(f.Buf)
			}
		}
	}
}

// drain waits for every stream to reach end of stream, bounded by the
// drain timeout. Streams without a scripted EOS simply time out here.
func (p *Pipeline) drain(ctx context.Context) {
	deadline := time.NewTimer(p.cfg.DrainTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(drainPoll)
	defer tick.Stop()

	for {
		if p.allEnded() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			p.log.Debug("drain timeout, closing streams", "timeout", p.cfg.DrainTimeout)
			return
		case <-tick.C:
		}
	}
}

func (p *Pipeline) allEnded() bool {
	for _, s := range p.coord.Stats().Streams {
		if s.State != encsync.StateEndOfStream.String() {
			return false
		}
	}
	return true
}
