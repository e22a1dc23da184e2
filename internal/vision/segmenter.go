package vision

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/dj-oyu/netcam/pkg/types"
)

const (
	mog2History      = 100
	mog2VarThreshold = 400
)

// MOG2Segmenter is a motion.Segmenter backed by OpenCV's MOG2 model.
// It is not safe for concurrent use.
type MOG2Segmenter struct {
	mog2 gocv.BackgroundSubtractorMOG2
	mask gocv.Mat
}

func NewMOG2Segmenter() *MOG2Segmenter {
	return &MOG2Segmenter{
		mog2: gocv.NewBackgroundSubtractorMOG2WithParams(mog2History, mog2VarThreshold, false),
		mask: gocv.NewMat(),
	}
}

// Foreground implements motion.Segmenter.
func (s *MOG2Segmenter) Foreground(frame *types.Frame, roi image.Rectangle) ([]image.Rectangle, error) {
	mat, err := matFromFrame(frame)
	if err != nil {
		return nil, fmt.Errorf("frame to mat: %w", err)
	}
	defer mat.Close()

	region := mat.Region(roi)
	defer region.Close()

	s.mog2.Apply(region, &s.mask)

	contours := gocv.FindContours(s.mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	rects := make([]image.Rectangle, 0, contours.Size())
	for i := 0; i < contours.Size(); i++ {
		rects = append(rects, gocv.BoundingRect(contours.At(i)))
	}
	return rects, nil
}

func (s *MOG2Segmenter) Close() error {
	s.mask.Close()
	return s.mog2.Close()
}
