// Package supervisor builds one worker per configured camera, starts them,
// and tears them down on terminate requests or shutdown.
package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/dj-oyu/netcam/internal/camera"
	"github.com/dj-oyu/netcam/internal/clip"
	"github.com/dj-oyu/netcam/internal/config"
	"github.com/dj-oyu/netcam/internal/control"
	"github.com/dj-oyu/netcam/internal/framebuffer"
	"github.com/dj-oyu/netcam/internal/logger"
	"github.com/dj-oyu/netcam/internal/motion"
	"github.com/dj-oyu/netcam/pkg/types"
)

// Capabilities are the decode, segmentation and encoding backends.
type Capabilities struct {
	Opener       camera.Opener
	Prober       camera.Prober // nil for camera.TCPProber
	NewSegmenter func() motion.Segmenter
	Sinks        clip.SinkFactory
	Snapshots    clip.SnapshotWriter // nil for clip.JPEGWriter
}

// Options adjust how workers are built.
type Options struct {
	// Cameras selects camera indexes to run; empty runs all of them.
	Cameras []int
	// ControlAddr overrides the control channel address of camera idx.
	ControlAddr func(idx int) string
}

// Supervisor owns the workers of this process.
type Supervisor struct {
	workers []*Worker
	byIndex map[int]*Worker

	mu         sync.Mutex
	remaining  int
	onStopped  []func(*Worker)
	done       chan struct{}
	doneClosed bool
}

// New builds a worker for each selected camera. Nothing runs until Start.
func New(cfg *config.Config, index clip.Index, caps Capabilities, opts Options) (*Supervisor, error) {
	selected := opts.Cameras
	if len(selected) == 0 {
		for i := range cfg.Cameras {
			selected = append(selected, i)
		}
	}
	controlAddr := opts.ControlAddr
	if controlAddr == nil {
		controlAddr = cfg.ControlAddr
	}

	s := &Supervisor{
		byIndex: make(map[int]*Worker),
		done:    make(chan struct{}),
	}
	for _, idx := range selected {
		if idx < 0 || idx >= len(cfg.Cameras) {
			return nil, fmt.Errorf("camera %d not configured (have %d)", idx, len(cfg.Cameras))
		}
		if _, dup := s.byIndex[idx]; dup {
			continue
		}
		w, err := buildWorker(cfg, idx, index, caps, controlAddr(idx))
		if err != nil {
			return nil, fmt.Errorf("camera %d: %w", idx, err)
		}
		w.onStop = s.workerStopped
		s.workers = append(s.workers, w)
		s.byIndex[idx] = w
	}
	sort.Slice(s.workers, func(i, j int) bool { return s.workers[i].Index < s.workers[j].Index })
	s.remaining = len(s.workers)
	return s, nil
}

func buildWorker(cfg *config.Config, idx int, index clip.Index, caps Capabilities, controlAddr string) (*Worker, error) {
	cam := cfg.Cameras[idx]
	roi, err := cam.Region()
	if err != nil {
		return nil, err
	}

	rec, err := clip.New(clip.Config{
		CameraIndex: idx,
		Dir:         cfg.ClipDir(),
		Prefix:      cfg.Recorder.Prefix,
		Ext:         cfg.Recorder.Ext,
		FPS:         cam.NominalFPS(),
		Depth:       cfg.Recorder.Depth,
		PreRoll:     cfg.Recorder.PreRoll,
		PostRoll:    cfg.Recorder.PostRoll,
	}, caps.Sinks, caps.Snapshots, index)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		ID:       uuid.New(),
		Index:    idx,
		Title:    cam.Title,
		Buffer:   framebuffer.New(),
		Detector: motion.New(motion.Config{ROI: roi, WarmUp: cfg.Motion.WarmUp, MinArea: cfg.Motion.MinArea}, caps.NewSegmenter()),
		Recorder: rec,
		done:     make(chan struct{}),
	}

	sourceCfg := func(t camera.Target) camera.Config {
		return camera.Config{
			Index:            idx,
			Target:           t,
			EmptyReadCeiling: cfg.Source.EmptyReadCeiling,
			Cooldown:         cfg.Source.Cooldown,
			ProbeBackoff:     cfg.Source.ProbeBackoff,
		}
	}
	w.Source = camera.New(sourceCfg(cam.Target()), w.Buffer, caps.Opener, caps.Prober)

	w.Preview = w.Buffer
	if t, ok := cam.PreviewTarget(); ok {
		w.Preview = framebuffer.New()
		w.previewSource = camera.New(sourceCfg(t), w.Preview, caps.Opener, caps.Prober)
	}

	w.Control = control.NewServer(idx, controlAddr, cfg.Control.Secret, control.Callbacks{
		OnStatus:    w.Status,
		OnTerminate: w.Stop,
	})
	return w, nil
}

// Start binds every control channel, then starts the workers. If a channel
// cannot be bound nothing is started.
func (s *Supervisor) Start(ctx context.Context) error {
	for _, w := range s.workers {
		if err := w.Control.Listen(); err != nil {
			for _, started := range s.workers {
				started.Control.Close()
			}
			return err
		}
	}
	for _, w := range s.workers {
		w.start(ctx)
	}
	logger.Info("Supervisor", "%d worker(s) running", len(s.workers))
	return nil
}

// Workers returns the workers ordered by camera index.
func (s *Supervisor) Workers() []*Worker {
	return s.workers
}

// Worker returns the worker of camera idx.
func (s *Supervisor) Worker(idx int) (*Worker, bool) {
	w, ok := s.byIndex[idx]
	return w, ok
}

// Statuses returns the status of every running worker.
func (s *Supervisor) Statuses() []control.Status {
	out := make([]control.Status, 0, len(s.workers))
	for _, w := range s.workers {
		if w.running() {
			out = append(out, w.Status())
		}
	}
	return out
}

// CameraStatus returns the status of the worker of camera idx.
func (s *Supervisor) CameraStatus(idx int) (control.Status, bool) {
	w, ok := s.byIndex[idx]
	if !ok || !w.running() {
		return control.Status{}, false
	}
	return w.Status(), true
}

// PreviewBuffer returns the live preview buffer of camera idx.
func (s *Supervisor) PreviewBuffer(idx int) (*framebuffer.Buffer, bool) {
	w, ok := s.byIndex[idx]
	if !ok || !w.running() {
		return nil, false
	}
	return w.Preview, true
}

// OnCommit registers fn with every worker's recorder.
func (s *Supervisor) OnCommit(fn func(types.ClipRecord)) {
	for _, w := range s.workers {
		w.Recorder.OnCommit(fn)
	}
}

// OnWorkerStopped registers fn to run after each worker has stopped.
func (s *Supervisor) OnWorkerStopped(fn func(*Worker)) {
	s.mu.Lock()
	s.onStopped = append(s.onStopped, fn)
	s.mu.Unlock()
}

// Done is closed when no worker is left running.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Shutdown stops all workers concurrently and waits for them.
func (s *Supervisor) Shutdown() {
	var wg sync.WaitGroup
	for _, w := range s.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Stop()
		}(w)
	}
	wg.Wait()
}

func (s *Supervisor) workerStopped(w *Worker) {
	s.mu.Lock()
	s.remaining--
	remaining := s.remaining
	hooks := append([]func(*Worker){}, s.onStopped...)
	if remaining <= 0 && !s.doneClosed {
		s.doneClosed = true
		close(s.done)
	}
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(w)
	}
	logger.Info("Supervisor", "[cam %d] Worker gone, %d remaining", w.Index, remaining)
}
