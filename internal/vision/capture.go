// Package vision binds the camera, motion and clip packages to OpenCV:
// stream decoding, MOG2 background subtraction and MJPG clip writing.
package vision

import (
	"context"
	"fmt"
	"time"

	"gocv.io/x/gocv"

	"github.com/dj-oyu/netcam/internal/camera"
	"github.com/dj-oyu/netcam/pkg/types"
)

// CaptureOpener opens OpenCV video captures.
type CaptureOpener struct{}

// Open implements camera.Opener.
func (CaptureOpener) Open(ctx context.Context, target camera.Target) (camera.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		vc  *gocv.VideoCapture
		err error
	)
	if target.Local() {
		vc, err = gocv.VideoCaptureDevice(target.Device)
	} else {
		vc, err = gocv.OpenVideoCapture(target.URL)
	}
	if err != nil {
		return nil, fmt.Errorf("open capture %s: %w", target, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("capture %s did not open", target)
	}
	// keep only the newest decoded frame inside OpenCV
	vc.Set(gocv.VideoCaptureBufferSize, 1)

	return &captureSession{vc: vc, mat: gocv.NewMat()}, nil
}

type captureSession struct {
	vc  *gocv.VideoCapture
	mat gocv.Mat
}

// Read returns (nil, nil) when the capture produced no frame.
func (s *captureSession) Read() (*types.Frame, error) {
	if ok := s.vc.Read(&s.mat); !ok || s.mat.Empty() {
		return nil, nil
	}
	captured := time.Now()

	src := s.mat
	if src.Channels() == 1 {
		bgr := gocv.NewMat()
		defer bgr.Close()
		gocv.CvtColor(src, &bgr, gocv.ColorGrayToBGR)
		src = bgr
	}
	if src.Type() != gocv.MatTypeCV8UC3 {
		return nil, fmt.Errorf("unsupported frame type %v", src.Type())
	}

	return &types.Frame{
		Pix:        src.ToBytes(),
		Width:      src.Cols(),
		Height:     src.Rows(),
		CapturedAt: captured,
	}, nil
}

func (s *captureSession) Close() error {
	s.mat.Close()
	return s.vc.Close()
}

// matFromFrame wraps a frame as a BGR Mat. On success the caller closes it
// and keeps f alive until then.
func matFromFrame(f *types.Frame) (gocv.Mat, error) {
	if f.Empty() {
		return gocv.Mat{}, fmt.Errorf("empty frame")
	}
	return gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.Pix)
}
