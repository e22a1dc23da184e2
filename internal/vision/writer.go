package vision

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/dj-oyu/netcam/internal/clip"
	"github.com/dj-oyu/netcam/pkg/types"
)

// DefaultCodec is the FourCC used for clip files.
const DefaultCodec = "MJPG"

// VideoSinkFactory creates OpenCV video writers.
type VideoSinkFactory struct {
	Codec string
}

// Create implements clip.SinkFactory.
func (f VideoSinkFactory) Create(path string, width, height int, fps float64) (clip.Sink, error) {
	codec := f.Codec
	if codec == "" {
		codec = DefaultCodec
	}
	vw, err := gocv.VideoWriterFile(path, codec, fps, width, height, true)
	if err != nil {
		return nil, fmt.Errorf("video writer %s: %w", path, err)
	}
	if !vw.IsOpened() {
		vw.Close()
		return nil, fmt.Errorf("video writer %s did not open", path)
	}
	return &videoSink{vw: vw, width: width, height: height}, nil
}

type videoSink struct {
	vw            *gocv.VideoWriter
	width, height int
}

func (s *videoSink) Write(frame *types.Frame) error {
	if frame.Width != s.width || frame.Height != s.height {
		return fmt.Errorf("frame %d is %dx%d, clip is %dx%d",
			frame.Sequence, frame.Width, frame.Height, s.width, s.height)
	}
	mat, err := matFromFrame(frame)
	if err != nil {
		return err
	}
	defer mat.Close()
	return s.vw.Write(mat)
}

func (s *videoSink) Close() error {
	return s.vw.Close()
}
