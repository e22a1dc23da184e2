// Package camera owns the capture session of one camera: it probes the
// target, decodes frames into a frame buffer and reconnects after failures.
package camera

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/netcam/internal/logger"
	"github.com/dj-oyu/netcam/pkg/types"
)

const (
	DefaultEmptyReadCeiling = 30
	DefaultCooldown         = 30 * time.Second
	DefaultProbeBackoff     = time.Second
)

// Session is an open decode session.
// Read returns (nil, nil) for an empty read; any error ends the session.
type Session interface {
	Read() (*types.Frame, error)
	Close() error
}

// Opener opens decode sessions for a target.
type Opener interface {
	Open(ctx context.Context, target Target) (Session, error)
}

// Prober reports whether a target currently accepts connections.
type Prober interface {
	Probe(ctx context.Context, target Target) bool
}

// Publisher receives decoded frames. framebuffer.Buffer implements it.
type Publisher interface {
	Publish(frame *types.Frame)
}

// Config configures a Source. Zero durations and counts take the defaults.
type Config struct {
	Index            int
	Target           Target
	EmptyReadCeiling int
	Cooldown         time.Duration
	ProbeBackoff     time.Duration
}

// Health is the connection health of a source.
type Health struct {
	ConsecutiveEmptyReads int  `json:"consecutive_empty_reads"`
	Reachable             bool `json:"reachable"`
}

// Stats are the source counters.
type Stats struct {
	FramesDecoded     uint64 `json:"frames_decoded"`
	FramesSkipped     uint64 `json:"frames_skipped"`
	Reconnects        uint64 `json:"reconnects"`
	ProbeFailures     uint64 `json:"probe_failures"`
	Reachable         bool   `json:"reachable"`
	ConnectionProblem bool   `json:"connection_problem"`
}

// Source reads one camera into a Publisher until its context is cancelled.
type Source struct {
	cfg    Config
	pub    Publisher
	opener Opener
	prober Prober

	seq        atomic.Uint64
	emptyReads atomic.Int64
	reachable  atomic.Bool

	decoded       atomic.Uint64
	skipped       atomic.Uint64
	reconnects    atomic.Uint64
	probeFailures atomic.Uint64

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New creates a source. A nil prober falls back to TCPProber.
func New(cfg Config, pub Publisher, opener Opener, prober Prober) *Source {
	if cfg.EmptyReadCeiling <= 0 {
		cfg.EmptyReadCeiling = DefaultEmptyReadCeiling
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.ProbeBackoff <= 0 {
		cfg.ProbeBackoff = DefaultProbeBackoff
	}
	if prober == nil {
		prober = TCPProber{}
	}
	return &Source{
		cfg:    cfg,
		pub:    pub,
		opener: opener,
		prober: prober,
		sleep:  sleepContext,
		now:    time.Now,
	}
}

// Run probes, opens and reads the camera, reconnecting after every failure.
// It returns nil once ctx is cancelled.
func (s *Source) Run(ctx context.Context) error {
	logger.Info("Camera", "[cam %d] Source starting: %s", s.cfg.Index, s.cfg.Target)

	for {
		if err := s.waitReachable(ctx); err != nil {
			return nil
		}

		sess, err := s.opener.Open(ctx, s.cfg.Target)
		if err != nil {
			logger.Error("Camera", "[cam %d] Failed to open session: %v", s.cfg.Index, err)
		} else {
			s.emptyReads.Store(0)
			logger.Info("Camera", "[cam %d] Session opened", s.cfg.Index)
			s.readLoop(ctx, sess)
			if err := sess.Close(); err != nil {
				logger.Warn("Camera", "[cam %d] Session close: %v", s.cfg.Index, err)
			}
		}

		if ctx.Err() != nil {
			logger.Info("Camera", "[cam %d] Source stopped", s.cfg.Index)
			return nil
		}

		s.reconnects.Add(1)
		logger.Info("Camera", "[cam %d] Reconnecting in %s", s.cfg.Index, s.cfg.Cooldown)
		if err := s.sleep(ctx, s.cfg.Cooldown); err != nil {
			return nil
		}
	}
}

// waitReachable blocks until the target answers a probe.
func (s *Source) waitReachable(ctx context.Context) error {
	if s.cfg.Target.Local() {
		s.reachable.Store(true)
		return ctx.Err()
	}

	backoff := s.cfg.ProbeBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.prober.Probe(ctx, s.cfg.Target) {
			s.reachable.Store(true)
			return nil
		}

		s.reachable.Store(false)
		n := s.probeFailures.Add(1)
		if n == 1 || n%10 == 0 {
			logger.Warn("Camera", "[cam %d] %s unreachable (failures=%d), retry in %s",
				s.cfg.Index, s.cfg.Target, n, backoff)
		}
		if err := s.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if backoff > s.cfg.Cooldown {
			backoff = s.cfg.Cooldown
		}
	}
}

func (s *Source) readLoop(ctx context.Context, sess Session) {
	for ctx.Err() == nil {
		frame, err := sess.Read()
		if err != nil {
			logger.Warn("Camera", "[cam %d] Read error: %v", s.cfg.Index, err)
			return
		}

		if frame.Empty() {
			s.skipped.Add(1)
			if n := s.emptyReads.Add(1); n > int64(s.cfg.EmptyReadCeiling) {
				logger.Warn("Camera", "[cam %d] Connection problem: %d consecutive empty reads",
					s.cfg.Index, n)
				s.reachable.Store(false)
				return
			}
			continue
		}

		s.emptyReads.Store(0)
		frame.Sequence = s.seq.Add(1)
		if frame.CapturedAt.IsZero() {
			frame.CapturedAt = s.now()
		}
		s.pub.Publish(frame)
		s.decoded.Add(1)
	}
}

// Health returns the current connection health. Reachable drops when the
// empty-read ceiling aborts a session and comes back with the next probe.
func (s *Source) Health() Health {
	return Health{
		ConsecutiveEmptyReads: int(s.emptyReads.Load()),
		Reachable:             s.reachable.Load(),
	}
}

// ConnectionProblem reports whether the empty-read ceiling has been reached.
func (s *Source) ConnectionProblem() bool {
	return s.emptyReads.Load() >= int64(s.cfg.EmptyReadCeiling)
}

// Stats returns the source counters.
func (s *Source) Stats() Stats {
	return Stats{
		FramesDecoded:     s.decoded.Load(),
		FramesSkipped:     s.skipped.Load(),
		Reconnects:        s.reconnects.Load(),
		ProbeFailures:     s.probeFailures.Load(),
		Reachable:         s.reachable.Load(),
		ConnectionProblem: s.ConnectionProblem(),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
