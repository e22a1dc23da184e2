package framebuffer

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/dj-oyu/netcam/pkg/types"
)

func testFrame(seq uint64) *types.Frame {
	f := types.NewFrame(2, 2)
	f.Sequence = seq
	f.Pix[0] = byte(seq)
	return f
}

func TestConsumeBlocksUntilFirstPublish(t *testing.T) {
	b := New()
	got := make(chan Snapshot, 1)

	go func() {
		snap, err := b.Consume(context.Background())
		if err != nil {
			t.Errorf("Consume: %v", err)
			return
		}
		got <- snap
	}()

	select {
	case <-got:
		t.Fatal("Consume returned before any publish")
	case <-time.After(50 * time.Millisecond):
	}

	b.Publish(testFrame(1))

	select {
	case snap := <-got:
		if snap.Sequence != 1 {
			t.Fatalf("sequence = %d, want 1", snap.Sequence)
		}
	case <-time.After(time.Second):
		t.Fatal("Consume did not wake after publish")
	}
}

func TestConsumeReturnsLatestDeepCopy(t *testing.T) {
	b := New()
	for i := uint64(1); i <= 3; i++ {
		b.Publish(testFrame(i))
	}

	snap, err := b.Consume(context.Background())
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if snap.Sequence != 3 {
		t.Fatalf("sequence = %d, want latest 3", snap.Sequence)
	}

	snap.Frame.Pix[0] = 99
	again, _ := b.Consume(context.Background())
	if again.Frame.Pix[0] != 3 {
		t.Fatalf("buffer frame mutated through consumer copy: %d", again.Frame.Pix[0])
	}
}

func TestConsumeIsBroadcast(t *testing.T) {
	b := New()
	b.Publish(testFrame(5))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := b.Consume(context.Background())
			if err != nil || snap.Sequence != 5 {
				t.Errorf("consumer got seq=%d err=%v, want 5", snap.Sequence, err)
			}
		}()
	}
	wg.Wait()
}

func TestReaderIsMonotonic(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const total = 2000
	go func() {
		for i := uint64(1); i <= total; i++ {
			b.Publish(testFrame(i))
		}
	}()

	r := b.Subscribe()
	var last uint64
	for last < total {
		snap, err := r.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if snap.Sequence <= last {
			t.Fatalf("sequence went from %d to %d", last, snap.Sequence)
		}
		last = snap.Sequence
	}
}

func TestReaderCountsSkippedFrames(t *testing.T) {
	b := New()
	r := b.Subscribe()

	b.Publish(testFrame(1))
	if _, err := r.Next(context.Background()); err != nil {
		t.Fatalf("Next: %v", err)
	}
	b.Publish(testFrame(2))
	b.Publish(testFrame(3))
	b.Publish(testFrame(4))

	snap, err := r.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if snap.Sequence != 4 {
		t.Fatalf("sequence = %d, want 4", snap.Sequence)
	}
	if r.Skipped() != 2 {
		t.Fatalf("skipped = %d, want 2", r.Skipped())
	}
}

func TestConsumeHonoursContext(t *testing.T) {
	b := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Consume(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestCloseWakesConsumers(t *testing.T) {
	b := New()
	errCh := make(chan error, 1)
	go func() {
		_, err := b.Subscribe().Next(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	b.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("err = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not wake the reader")
	}
}

func TestFPSEstimateIsSmoothed(t *testing.T) {
	now := time.Unix(0, 0)
	b := newWithClock(func() time.Time { return now })

	publish := func(n int, interval time.Duration) {
		for i := 0; i < n; i++ {
			b.Publish(testFrame(uint64(i + 1)))
			now = now.Add(interval)
		}
	}

	// first window: 100 publishes, 99 intervals of 40ms between first and last
	publish(FPSWindow, 40*time.Millisecond)
	first := FPSWindow / (99 * 0.040)
	if got := b.FPS(); math.Abs(got-first) > 1e-6 {
		t.Fatalf("first window fps = %f, want %f", got, first)
	}

	// second window at 20 fps moves the estimate only part of the way
	// align so the window spans exactly 100 intervals of 50ms
	now = now.Add(10 * time.Millisecond)
	publish(FPSWindow, 50*time.Millisecond)
	second := 100 / (100 * 0.050)
	want := fpsSmoothing*second + (1-fpsSmoothing)*first
	if got := b.FPS(); math.Abs(got-want) > 1e-6 {
		t.Fatalf("second window fps = %f, want %f", got, want)
	}
	if b.FPS() <= second {
		t.Fatalf("smoothed fps %f should stay above the new window rate %f", b.FPS(), second)
	}
}
