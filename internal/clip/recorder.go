// Package clip turns a stream of motion results into video clips.
//
// A Recorder keeps a short look-back queue of frames. Once motion has lasted
// long enough it opens a clip file starting with the oldest queued frame, so
// every clip carries a few frames from before the motion began. It keeps
// writing while motion continues and closes the file a few frames after the
// motion stops. Each closed clip is scored for missing frames, indexed, and
// gets one snapshot: the frame with the largest motion area.
package clip

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/netcam/internal/clipindex"
	"github.com/dj-oyu/netcam/internal/framebuffer"
	"github.com/dj-oyu/netcam/internal/logger"
	"github.com/dj-oyu/netcam/internal/motion"
	"github.com/dj-oyu/netcam/pkg/types"
)

const (
	DefaultDepth    = 10
	DefaultPreRoll  = 4
	DefaultPostRoll = 4
	DefaultPrefix   = "cam"
	DefaultExt      = "avi"
	DefaultFPS      = 4.0

	snapshotExt = ".jpg"
)

// Index persists finished clips. clipindex.Index implements it.
type Index interface {
	Insert(rec types.ClipRecord) error
}

// FrameSource yields frames in increasing sequence order.
// framebuffer.Reader implements it.
type FrameSource interface {
	Next(ctx context.Context) (framebuffer.Snapshot, error)
}

// Parser classifies one frame. motion.Detector implements it.
type Parser interface {
	Parse(frame *types.Frame) (motion.Result, error)
}

// Config configures a Recorder. Zero values take the defaults.
type Config struct {
	CameraIndex int
	Dir         string
	Prefix      string
	Ext         string
	FPS         float64 // nominal rate written into the clip container
	Depth       int     // look-back queue length
	PreRoll     int     // frames kept before the first motion frame
	PostRoll    int     // no-motion frames before the clip closes
}

func (c *Config) applyDefaults() {
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.Ext == "" {
		c.Ext = DefaultExt
	}
	c.Ext = strings.TrimPrefix(c.Ext, ".")
	if c.FPS <= 0 {
		c.FPS = DefaultFPS
	}
	if c.Depth == 0 {
		c.Depth = DefaultDepth
	}
	if c.PreRoll == 0 {
		c.PreRoll = DefaultPreRoll
	}
	if c.PostRoll == 0 {
		c.PostRoll = DefaultPostRoll
	}
}

// Validate checks the queue geometry.
func (c Config) Validate() error {
	if c.PreRoll < 0 || c.PostRoll < 1 {
		return fmt.Errorf("pre-roll %d and post-roll %d must be positive", c.PreRoll, c.PostRoll)
	}
	if c.Depth <= c.PreRoll || c.Depth <= c.PostRoll {
		return fmt.Errorf("queue depth %d must exceed pre-roll %d and post-roll %d", c.Depth, c.PreRoll, c.PostRoll)
	}
	return nil
}

// Stats are the recorder counters.
type Stats struct {
	State          string  `json:"state"`
	ClipsRecorded  uint64  `json:"clips_recorded"`
	ClipsDiscarded uint64  `json:"clips_discarded"`
	FramesWritten  uint64  `json:"frames_written"`
	WriteErrors    uint64  `json:"write_errors"`
	SnapshotErrors uint64  `json:"snapshot_errors"`
	LastQuality    float64 `json:"last_quality"`
}

// Recorder is the per-camera clip state machine. Step, Terminate and Run
// must be driven from a single goroutine; State and Stats may be read from
// any goroutine.
type Recorder struct {
	cfg   Config
	sinks SinkFactory
	snaps SnapshotWriter
	index Index

	state atomic.Int32

	queue []*types.Frame // most recent first
	run   int            // consecutive motion frames while Starting
	post  int            // consecutive no-motion frames while Stopping

	sink        Sink
	path        string
	openedAt    time.Time
	written     []uint64 // sequences written to the open file
	lastWritten uint64

	bestArea  int
	bestFrame *types.Frame

	listenersMu sync.Mutex
	listeners   []func(types.ClipRecord)
	snapshotWG  sync.WaitGroup

	clipsRecorded  atomic.Uint64
	clipsDiscarded atomic.Uint64
	framesWritten  atomic.Uint64
	writeErrors    atomic.Uint64
	snapshotErrors atomic.Uint64
	lastQuality    atomic.Uint64 // math.Float64bits

	now func() time.Time
}

// New creates an idle recorder.
func New(cfg Config, sinks SinkFactory, snaps SnapshotWriter, index Index) (*Recorder, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if snaps == nil {
		snaps = JPEGWriter{}
	}
	return &Recorder{
		cfg:   cfg,
		sinks: sinks,
		snaps: snaps,
		index: index,
		queue: make([]*types.Frame, 0, cfg.Depth),
		now:   time.Now,
	}, nil
}

// OnCommit registers fn to be called with every indexed clip.
func (r *Recorder) OnCommit(fn func(types.ClipRecord)) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, fn)
	r.listenersMu.Unlock()
}

// State returns the current recording state.
func (r *Recorder) State() State {
	return State(r.state.Load())
}

func (r *Recorder) setState(s State) {
	r.state.Store(int32(s))
}

// Stats returns the recorder counters.
func (r *Recorder) Stats() Stats {
	return Stats{
		State:          r.State().String(),
		ClipsRecorded:  r.clipsRecorded.Load(),
		ClipsDiscarded: r.clipsDiscarded.Load(),
		FramesWritten:  r.framesWritten.Load(),
		WriteErrors:    r.writeErrors.Load(),
		SnapshotErrors: r.snapshotErrors.Load(),
		LastQuality:    math.Float64frombits(r.lastQuality.Load()),
	}
}

// Run pulls frames, classifies them and steps the state machine until ctx is
// cancelled or the source is closed. On return any open clip has been closed
// without being indexed and pending snapshots have been written.
func (r *Recorder) Run(ctx context.Context, frames FrameSource, parser Parser) error {
	defer r.snapshotWG.Wait()
	defer r.Terminate()

	logger.Info("Recorder", "[cam %d] Recorder started (depth=%d pre=%d post=%d)",
		r.cfg.CameraIndex, r.cfg.Depth, r.cfg.PreRoll, r.cfg.PostRoll)

	for {
		snap, err := frames.Next(ctx)
		if err != nil {
			if errors.Is(err, framebuffer.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("next frame: %w", err)
		}

		res, err := parser.Parse(snap.Frame)
		if err != nil {
			logger.Warn("Recorder", "[cam %d] Motion detection failed: %v", r.cfg.CameraIndex, err)
			res = motion.Result{Frame: snap.Frame}
		}
		r.Step(res)
	}
}

// Step advances the state machine by one frame.
func (r *Recorder) Step(res motion.Result) {
	if res.Frame.Empty() {
		return
	}
	r.push(res.Frame)

	switch s := r.State(); s {
	case Idle:
		r.idle(res)
	case Starting:
		r.starting(res)
	case Recording:
		r.recording(res)
	case Stopping:
		r.stopping(res)
	case Terminated:
	default:
		logger.Critical("Recorder", "[cam %d] Illegal recording state %d, resetting", r.cfg.CameraIndex, int32(s))
		r.reset()
	}
}

// Terminate closes any open clip without indexing it. The recorder ignores
// frames afterwards.
func (r *Recorder) Terminate() {
	if r.State() == Terminated {
		return
	}
	if r.sink != nil {
		logger.Info("Recorder", "[cam %d] Terminating, closing %s without indexing", r.cfg.CameraIndex, r.path)
		r.closeSink()
		r.clipsDiscarded.Add(1)
	}
	r.setState(Terminated)
}

func (r *Recorder) idle(res motion.Result) {
	if !res.Motion {
		return
	}
	r.run = 1
	r.track(res)
	r.setState(Starting)
}

func (r *Recorder) starting(res motion.Result) {
	if !res.Motion {
		r.reset()
		return
	}
	r.run++
	r.track(res)
	if r.run < r.cfg.Depth-r.cfg.PreRoll {
		return
	}

	if err := r.open(); err != nil {
		logger.Error("Recorder", "[cam %d] Failed to open clip: %v", r.cfg.CameraIndex, err)
		r.reset()
		return
	}
	r.bestArea, r.bestFrame = res.Area, res.Frame
	r.setState(Recording)
}

func (r *Recorder) recording(res motion.Result) {
	r.writeTrailing()
	r.track(res)
	if !res.Motion {
		r.post = 1
		r.setState(Stopping)
	}
}

func (r *Recorder) stopping(res motion.Result) {
	r.writeTrailing()
	if res.Motion {
		r.track(res)
		r.setState(Recording)
		return
	}
	r.post++
	if r.post >= r.cfg.PostRoll {
		r.finish()
	}
}

// push adds frame to the front of the look-back queue.
func (r *Recorder) push(frame *types.Frame) {
	if len(r.queue) < r.cfg.Depth {
		r.queue = append(r.queue, nil)
	}
	copy(r.queue[1:], r.queue[:len(r.queue)-1])
	r.queue[0] = frame
}

func (r *Recorder) track(res motion.Result) {
	if res.Motion && res.Area > r.bestArea {
		r.bestArea, r.bestFrame = res.Area, res.Frame
	}
}

func (r *Recorder) reset() {
	if r.sink != nil {
		r.closeSink()
	}
	r.run, r.post = 0, 0
	r.bestArea, r.bestFrame = 0, nil
	r.setState(Idle)
}

// Filename returns the clip file name for a clip opened at t.
func (r *Recorder) Filename(t time.Time) string {
	return fmt.Sprintf("%s%d.%s_%03d.%s", r.cfg.Prefix, r.cfg.CameraIndex,
		t.Format("20060102_150405"), t.Nanosecond()/int(time.Millisecond), r.cfg.Ext)
}

// open starts a clip with the oldest queued frame not yet written.
func (r *Recorder) open() error {
	first := r.oldestUnwritten()
	if first == nil {
		return fmt.Errorf("no unwritten frame in look-back queue")
	}

	r.openedAt = r.now()
	path := filepath.Join(r.cfg.Dir, r.Filename(r.openedAt))
	sink, err := r.sinks.Create(path, first.Width, first.Height, r.cfg.FPS)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	r.sink, r.path = sink, path
	r.written = r.written[:0]
	logger.Info("Recorder", "[cam %d] Clip opened: %s", r.cfg.CameraIndex, filepath.Base(path))
	r.write(first)
	return nil
}

func (r *Recorder) oldestUnwritten() *types.Frame {
	for i := len(r.queue) - 1; i >= 0; i-- {
		if r.queue[i].Sequence > r.lastWritten {
			return r.queue[i]
		}
	}
	return nil
}

// writeTrailing writes the oldest queued frame unless it is already in a clip.
func (r *Recorder) writeTrailing() {
	if len(r.queue) == 0 {
		return
	}
	if f := r.queue[len(r.queue)-1]; f.Sequence > r.lastWritten {
		r.write(f)
	}
}

func (r *Recorder) write(f *types.Frame) {
	r.lastWritten = f.Sequence
	if err := r.sink.Write(f); err != nil {
		r.writeErrors.Add(1)
		logger.Warn("Recorder", "[cam %d] Write frame %d: %v", r.cfg.CameraIndex, f.Sequence, err)
		return
	}
	r.written = append(r.written, f.Sequence)
	r.framesWritten.Add(1)
}

func (r *Recorder) closeSink() {
	if err := r.sink.Close(); err != nil {
		r.writeErrors.Add(1)
		logger.Warn("Recorder", "[cam %d] Close %s: %v", r.cfg.CameraIndex, r.path, err)
	}
	r.sink = nil
}

// finish flushes the queue into the open clip, closes it and indexes it.
func (r *Recorder) finish() {
	for i := len(r.queue) - 1; i >= 0; i-- {
		if r.queue[i].Sequence > r.lastWritten {
			r.write(r.queue[i])
		}
	}
	r.closeSink()

	rec, snapshot := r.record()
	best := r.bestFrame
	r.reset()

	if rec.FrameCount == 0 {
		r.clipsDiscarded.Add(1)
		logger.Warn("Recorder", "[cam %d] Clip %s has no frames, not indexed", r.cfg.CameraIndex, rec.Filename)
		return
	}

	if err := r.index.Insert(rec); err != nil {
		r.clipsDiscarded.Add(1)
		if errors.Is(err, clipindex.ErrDuplicateKey) {
			logger.Critical("Recorder", "[cam %d] Clip %s already indexed: %v", r.cfg.CameraIndex, rec.Filename, err)
		} else {
			logger.Error("Recorder", "[cam %d] Index clip %s: %v", r.cfg.CameraIndex, rec.Filename, err)
		}
		return
	}

	r.clipsRecorded.Add(1)
	r.lastQuality.Store(math.Float64bits(rec.Quality))
	logger.Info("Recorder", "[cam %d] Clip closed: %s, %d frames, quality %.1f%%",
		r.cfg.CameraIndex, rec.Filename, rec.FrameCount, rec.Quality)

	if best != nil {
		r.snapshotWG.Add(1)
		go func() {
			defer r.snapshotWG.Done()
			if err := r.snaps.WriteSnapshot(snapshot, best); err != nil {
				r.snapshotErrors.Add(1)
				logger.Warn("Recorder", "[cam %d] Snapshot %s: %v", r.cfg.CameraIndex, snapshot, err)
			}
		}()
	}

	r.listenersMu.Lock()
	listeners := append([]func(types.ClipRecord){}, r.listeners...)
	r.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(rec)
	}
}

func (r *Recorder) record() (types.ClipRecord, string) {
	snapshot := strings.TrimSuffix(r.path, filepath.Ext(r.path)) + snapshotExt
	rec := types.ClipRecord{
		Filename:    filepath.Base(r.path),
		CameraIndex: r.cfg.CameraIndex,
		Timestamp:   r.openedAt.Truncate(time.Second),
		Quality:     Quality(r.written),
		FrameCount:  len(r.written),
	}
	if r.bestFrame != nil {
		rec.Snapshot = filepath.Base(snapshot)
	}
	return rec, snapshot
}

// Quality scores a clip from the sequences written to it: the share of the
// span between the first and last sequence that is present, in percent.
func Quality(seqs []uint64) float64 {
	if len(seqs) < 2 {
		return 100
	}
	first, last := seqs[0], seqs[len(seqs)-1]
	if last <= first {
		return 100
	}
	span := float64(last - first)
	missing := span + 1 - float64(len(seqs))
	if missing < 0 {
		missing = 0
	}
	return (span - missing) / span * 100
}
