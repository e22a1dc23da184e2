// Package framebuffer hands the latest decoded frame from one camera source
// to any number of consumers.
//
// The buffer holds a single slot. Publish overwrites whatever is there, so a
// slow consumer skips frames instead of queueing them. Consume and Reader.Next
// return deep copies: once a frame leaves the buffer the caller owns it.
package framebuffer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/netcam/pkg/types"
)

// ErrClosed is returned to consumers once the buffer has been closed.
var ErrClosed = errors.New("framebuffer: closed")

const (
	// FPSWindow is the number of publishes between two FPS estimates.
	FPSWindow = 100
	// fpsSmoothing is the weight of the newest window in the blended estimate.
	fpsSmoothing = 0.3
)

// Snapshot is one frame handed out to a consumer.
type Snapshot struct {
	Frame    *types.Frame
	Sequence uint64
	FPS      float64
}

// Stats is a point-in-time view of the buffer counters.
type Stats struct {
	Published    uint64  `json:"published"`
	LastSequence uint64  `json:"last_sequence"`
	FPS          float64 `json:"fps"`
}

// Buffer is a single-slot, broadcast frame hand-off.
type Buffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	frame     *types.Frame
	published uint64 // publish generation, starts at 1 for the first frame
	closed    bool

	fps         float64
	windowStart time.Time
	now         func() time.Time
}

// New creates an empty buffer.
func New() *Buffer {
	return newWithClock(time.Now)
}

func newWithClock(now func() time.Time) *Buffer {
	b := &Buffer{now: now}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Publish stores frame as the current frame and wakes every waiting consumer.
// The caller must not modify frame afterwards.
func (b *Buffer) Publish(frame *types.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.published == 0 {
		b.windowStart = now
	}

	b.frame = frame
	b.published++

	if b.published%FPSWindow == 0 {
		if elapsed := now.Sub(b.windowStart).Seconds(); elapsed > 0 {
			rate := FPSWindow / elapsed
			if b.fps == 0 {
				b.fps = rate
			} else {
				b.fps = fpsSmoothing*rate + (1-fpsSmoothing)*b.fps
			}
		}
		b.windowStart = now
	}

	b.cond.Broadcast()
}

// Consume blocks until at least one frame has been published, then returns a
// copy of the current frame. Every call returns the latest frame, so two
// calls in a row may return the same one.
func (b *Buffer) Consume(ctx context.Context) (Snapshot, error) {
	snap, _, err := b.next(ctx, 0)
	return snap, err
}

// Close wakes all consumers; subsequent calls return ErrClosed.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// FPS returns the smoothed frames-per-second estimate.
func (b *Buffer) FPS() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fps
}

// Stats returns the buffer counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{Published: b.published, FPS: b.fps}
	if b.frame != nil {
		s.LastSequence = b.frame.Sequence
	}
	return s
}

// next waits for a publish generation greater than after.
func (b *Buffer) next(ctx context.Context, after uint64) (Snapshot, uint64, error) {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	for b.published <= after && !b.closed && ctx.Err() == nil {
		b.cond.Wait()
	}
	if b.closed {
		return Snapshot{}, 0, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, 0, err
	}

	return Snapshot{
		Frame:    b.frame.Clone(),
		Sequence: b.frame.Sequence,
		FPS:      b.fps,
	}, b.published, nil
}

// Reader is a consumer cursor. Next never returns the same frame twice.
type Reader struct {
	buf     *Buffer
	last    uint64
	skipped atomic.Uint64
}

// Subscribe returns a new cursor positioned before the current frame, so the
// first Next returns immediately if a frame is already available.
func (b *Buffer) Subscribe() *Reader {
	return &Reader{buf: b}
}

// Next blocks until a frame newer than the last one returned by this reader
// is available and returns the latest one.
func (r *Reader) Next(ctx context.Context) (Snapshot, error) {
	snap, gen, err := r.buf.next(ctx, r.last)
	if err != nil {
		return Snapshot{}, err
	}
	if r.last > 0 && gen > r.last+1 {
		r.skipped.Add(gen - r.last - 1)
	}
	r.last = gen
	return snap, nil
}

// Skipped returns how many publishes this reader missed because it was slower
// than the producer.
func (r *Reader) Skipped() uint64 {
	return r.skipped.Load()
}
