package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/netcam/internal/camera"
	"github.com/dj-oyu/netcam/internal/clip"
	"github.com/dj-oyu/netcam/internal/control"
	"github.com/dj-oyu/netcam/internal/framebuffer"
	"github.com/dj-oyu/netcam/internal/logger"
	"github.com/dj-oyu/netcam/internal/metrics"
	"github.com/dj-oyu/netcam/internal/motion"
)

// Worker owns everything that runs for one camera.
type Worker struct {
	ID    uuid.UUID
	Index int
	Title string

	Buffer   *framebuffer.Buffer // decoded recording stream
	Preview  *framebuffer.Buffer // live preview; Buffer unless a preview stream is configured
	Source   *camera.Source
	Detector *motion.Detector
	Recorder *clip.Recorder
	Control  *control.Server

	previewSource *camera.Source
	started       time.Time

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
	onStop   func(*Worker)
}

// Done is closed once the worker has fully stopped.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) running() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

func (w *Worker) start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.started = time.Now()

	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		w.Source.Run(ctx)
	}()
	go func() {
		defer w.wg.Done()
		if err := w.Recorder.Run(ctx, w.Buffer.Subscribe(), w.Detector); err != nil {
			logger.Error("Supervisor", "[cam %d] Recorder stopped: %v", w.Index, err)
		}
	}()

	if w.previewSource != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.previewSource.Run(ctx)
		}()
	}

	go func() {
		if err := w.Control.Serve(); err != nil {
			logger.Error("Supervisor", "[cam %d] Control channel: %v", w.Index, err)
		}
	}()

	logger.Info("Supervisor", "[cam %d] Worker %s started (%s)", w.Index, w.ID, w.Title)
}

// Stop shuts the worker down: cancel, wake the pipeline, let the recorder
// close its clip, join, then close the control channel. Safe to call more
// than once and from any goroutine.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		logger.Info("Supervisor", "[cam %d] Stopping worker %s", w.Index, w.ID)
		if w.cancel != nil {
			w.cancel()
		}
		w.Buffer.Close()
		if w.Preview != w.Buffer {
			w.Preview.Close()
		}
		w.wg.Wait()

		if err := w.Control.Close(); err != nil {
			logger.Warn("Supervisor", "[cam %d] Control close: %v", w.Index, err)
		}
		if err := w.Detector.Close(); err != nil {
			logger.Warn("Supervisor", "[cam %d] Detector close: %v", w.Index, err)
		}
		logger.Info("Supervisor", "[cam %d] Worker stopped", w.Index)
		close(w.done)

		if w.onStop != nil {
			w.onStop(w)
		}
	})
}

// Status is the control channel status record.
func (w *Worker) Status() control.Status {
	src := w.Source.Stats()
	rec := w.Recorder.Stats()
	st := control.Status{
		CameraIndex:       w.Index,
		EstimatedFPS:      w.Buffer.FPS(),
		FramesDecoded:     src.FramesDecoded,
		FramesSkipped:     src.FramesSkipped,
		ConnectionProblem: src.ConnectionProblem,
		WorkerID:          w.ID.String(),
		Title:             w.Title,
		Reachable:         src.Reachable,
		RecordingState:    rec.State,
		ClipsRecorded:     rec.ClipsRecorded,
		LastQuality:       rec.LastQuality,
	}
	if !w.started.IsZero() {
		st.UptimeSeconds = time.Since(w.started).Seconds()
	}
	return st
}

// MetricsSnapshot implements metrics.StatsSource.
func (w *Worker) MetricsSnapshot() metrics.CameraStats {
	src := w.Source.Stats()
	rec := w.Recorder.Stats()
	return metrics.CameraStats{
		FramesDecoded:     src.FramesDecoded,
		FramesSkipped:     src.FramesSkipped,
		Reconnects:        src.Reconnects,
		ProbeFailures:     src.ProbeFailures,
		EstimatedFPS:      w.Buffer.FPS(),
		ConnectionProblem: src.ConnectionProblem,
		Recording:         w.Recorder.State().Active(),
		ClipsRecorded:     rec.ClipsRecorded,
		ClipsDiscarded:    rec.ClipsDiscarded,
		FramesWritten:     rec.FramesWritten,
		WriteErrors:       rec.WriteErrors,
		SnapshotErrors:    rec.SnapshotErrors,
		LastQuality:       rec.LastQuality,
	}
}
