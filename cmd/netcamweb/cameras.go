package main

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dj-oyu/netcam/internal/config"
	"github.com/dj-oyu/netcam/internal/control"
	"github.com/dj-oyu/netcam/internal/framebuffer"
	"github.com/dj-oyu/netcam/internal/logger"
)

// remoteCameras caches worker status fetched over the control channels.
// Workers that stop answering drop out of the view.
type remoteCameras struct {
	cfg      *config.Config
	interval time.Duration
	timeout  time.Duration
	dial     func(ctx context.Context, idx int) (statusClient, error)

	mu       sync.RWMutex
	statuses map[int]control.Status
}

type statusClient interface {
	Status(ctx context.Context) (control.Status, error)
	Close() error
}

func newRemoteCameras(cfg *config.Config, interval time.Duration) *remoteCameras {
	r := &remoteCameras{
		cfg:      cfg,
		interval: interval,
		timeout:  time.Second,
		statuses: make(map[int]control.Status),
	}
	r.dial = func(ctx context.Context, idx int) (statusClient, error) {
		return control.Dial(ctx, cfg.ControlAddr(idx), cfg.Control.Secret, idx)
	}
	return r
}

func (r *remoteCameras) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.refresh(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *remoteCameras) refresh(ctx context.Context) {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		next = make(map[int]control.Status)
	)
	for idx := range r.cfg.Cameras {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			st, err := r.fetch(ctx, idx)
			if err != nil {
				logger.Debug("Cameras", "[cam %d] status: %v", idx, err)
				return
			}
			mu.Lock()
			next[idx] = st
			mu.Unlock()
		}(idx)
	}
	wg.Wait()

	r.mu.Lock()
	r.statuses = next
	r.mu.Unlock()
}

func (r *remoteCameras) fetch(ctx context.Context, idx int) (control.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	c, err := r.dial(ctx, idx)
	if err != nil {
		return control.Status{}, err
	}
	defer c.Close()
	return c.Status(ctx)
}

func (r *remoteCameras) Statuses() []control.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]control.Status, 0, len(r.statuses))
	for _, st := range r.statuses {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CameraIndex < out[j].CameraIndex })
	return out
}

func (r *remoteCameras) CameraStatus(idx int) (control.Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.statuses[idx]
	return st, ok
}

// PreviewBuffer always reports no preview: frames live in the daemon.
func (r *remoteCameras) PreviewBuffer(int) (*framebuffer.Buffer, bool) {
	return nil, false
}
