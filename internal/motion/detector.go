// Package motion decides per frame whether something moved inside the
// region of interest and annotates the frames where it did.
package motion

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"io"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dj-oyu/netcam/internal/logger"
	"github.com/dj-oyu/netcam/pkg/types"
)

const (
	DefaultWarmUp  = 100
	DefaultMinArea = 500

	boxThickness = 4
)

var boxColor = color.RGBA{G: 255, A: 255}

// Segmenter is a background-subtraction model. Foreground feeds frame into
// the model and returns the bounding rectangles of the external contours of
// the foreground mask inside roi, in roi-local coordinates.
type Segmenter interface {
	Foreground(frame *types.Frame, roi image.Rectangle) ([]image.Rectangle, error)
}

// Config configures a Detector. Zero values take the defaults.
type Config struct {
	ROI     image.Rectangle // empty means the whole frame
	WarmUp  int
	MinArea int
}

// Result is the outcome of one Parse call.
type Result struct {
	Motion bool
	Area   int             // summed area of the qualifying rectangles, px²
	Box    image.Rectangle // union box in frame coordinates
	Frame  *types.Frame    // annotated copy on motion, the input frame otherwise
}

// Detector is not safe for concurrent use; one pipeline owns it.
type Detector struct {
	cfg  Config
	seg  Segmenter
	seen int
}

func New(cfg Config, seg Segmenter) *Detector {
	if cfg.WarmUp <= 0 {
		cfg.WarmUp = DefaultWarmUp
	}
	if cfg.MinArea <= 0 {
		cfg.MinArea = DefaultMinArea
	}
	return &Detector{cfg: cfg, seg: seg}
}

// WarmingUp reports whether the model has not yet seen enough frames.
func (d *Detector) WarmingUp() bool {
	return d.seen < d.cfg.WarmUp
}

// Parse runs one frame through the model.
func (d *Detector) Parse(frame *types.Frame) (Result, error) {
	none := Result{Frame: frame}
	if frame.Empty() {
		return none, fmt.Errorf("empty frame")
	}

	roi := d.region(frame.Bounds())
	rects, err := d.seg.Foreground(frame, roi)
	if err != nil {
		return none, fmt.Errorf("segment frame %d: %w", frame.Sequence, err)
	}

	if d.WarmingUp() {
		d.seen++
		if !d.WarmingUp() {
			logger.Debug("Motion", "Background model warmed up after %d frames", d.seen)
		}
		return none, nil
	}

	var box image.Rectangle
	area := 0
	for _, r := range rects {
		a := r.Dx() * r.Dy()
		if a < d.cfg.MinArea {
			continue
		}
		area += a
		box = box.Union(r)
	}
	if area == 0 {
		return none, nil
	}

	box = box.Add(roi.Min).Intersect(frame.Bounds())
	annotated := frame.Clone()
	annotate(annotated, box, area)

	return Result{Motion: true, Area: area, Box: box, Frame: annotated}, nil
}

// region clips the configured ROI to the frame.
func (d *Detector) region(bounds image.Rectangle) image.Rectangle {
	if d.cfg.ROI.Empty() {
		return bounds
	}
	roi := d.cfg.ROI.Intersect(bounds)
	if roi.Empty() {
		return bounds
	}
	return roi
}

// Close releases the segmenter if it holds native resources.
func (d *Detector) Close() error {
	if c, ok := d.seg.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func annotate(dst draw.Image, box image.Rectangle, area int) {
	src := image.NewUniform(boxColor)
	b := dst.Bounds()
	edges := []image.Rectangle{
		image.Rect(box.Min.X, box.Min.Y, box.Max.X, box.Min.Y+boxThickness),
		image.Rect(box.Min.X, box.Max.Y-boxThickness, box.Max.X, box.Max.Y),
		image.Rect(box.Min.X, box.Min.Y, box.Min.X+boxThickness, box.Max.Y),
		image.Rect(box.Max.X-boxThickness, box.Min.Y, box.Max.X, box.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(b), src, image.Point{}, draw.Src)
	}

	face := basicfont.Face7x13
	y := box.Min.Y - 3
	if y-face.Ascent < b.Min.Y {
		y = box.Max.Y + face.Ascent + 2
	}
	d := font.Drawer{
		Dst:  dst,
		Src:  src,
		Face: face,
		Dot:  fixed.P(box.Min.X, y),
	}
	d.DrawString(fmt.Sprintf("%d px2", area))
}
