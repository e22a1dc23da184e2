package clip

import (
	"fmt"
	"image/jpeg"
	"os"

	"github.com/dj-oyu/netcam/pkg/types"
)

// Sink is an open clip file.
type Sink interface {
	Write(frame *types.Frame) error
	Close() error
}

// SinkFactory opens clip files.
type SinkFactory interface {
	Create(path string, width, height int, fps float64) (Sink, error)
}

// SnapshotWriter stores one still image.
type SnapshotWriter interface {
	WriteSnapshot(path string, frame *types.Frame) error
}

// JPEGWriter writes snapshots as JPEG files.
type JPEGWriter struct {
	Quality int
}

// WriteSnapshot implements SnapshotWriter.
func (w JPEGWriter) WriteSnapshot(path string, frame *types.Frame) error {
	if frame.Empty() {
		return fmt.Errorf("empty snapshot frame")
	}
	q := w.Quality
	if q <= 0 {
		q = jpeg.DefaultQuality
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	if err := jpeg.Encode(f, frame, &jpeg.Options{Quality: q}); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}
