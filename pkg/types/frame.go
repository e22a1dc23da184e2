package types

import (
	"image"
	"image/color"
	"time"
)

// BytesPerPixel is fixed: frames are packed 8-bit BGR, the layout OpenCV decodes to.
const BytesPerPixel = 3

// Frame represents one decoded camera frame with metadata
type Frame struct {
	Pix        []byte    // Packed BGR pixels, row-major, no padding
	Width      int       // Frame width
	Height     int       // Frame height
	Sequence   uint64    // Sequential frame number assigned by the camera source
	CapturedAt time.Time // Frame capture timestamp
}

// NewFrame allocates a black frame of the given size.
func NewFrame(width, height int) *Frame {
	return &Frame{
		Pix:    make([]byte, width*height*BytesPerPixel),
		Width:  width,
		Height: height,
	}
}

// Empty reports whether the frame carries no pixels.
func (f *Frame) Empty() bool {
	return f == nil || f.Width <= 0 || f.Height <= 0 || len(f.Pix) < f.Width*f.Height*BytesPerPixel
}

// Stride returns the number of bytes per row.
func (f *Frame) Stride() int {
	return f.Width * BytesPerPixel
}

// Clone returns a deep copy of the frame.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	pix := make([]byte, len(f.Pix))
	copy(pix, f.Pix)
	return &Frame{
		Pix:        pix,
		Width:      f.Width,
		Height:     f.Height,
		Sequence:   f.Sequence,
		CapturedAt: f.CapturedAt,
	}
}

// ColorModel implements image.Image.
func (f *Frame) ColorModel() color.Model {
	return color.RGBAModel
}

// Bounds implements image.Image.
func (f *Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Width, f.Height)
}

// At implements image.Image.
func (f *Frame) At(x, y int) color.Color {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return color.RGBA{}
	}
	i := y*f.Stride() + x*BytesPerPixel
	return color.RGBA{R: f.Pix[i+2], G: f.Pix[i+1], B: f.Pix[i], A: 255}
}

// Set implements draw.Image.
func (f *Frame) Set(x, y int, c color.Color) {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return
	}
	r, g, b, _ := c.RGBA()
	i := y*f.Stride() + x*BytesPerPixel
	f.Pix[i] = uint8(b >> 8)
	f.Pix[i+1] = uint8(g >> 8)
	f.Pix[i+2] = uint8(r >> 8)
}

// SetBGR writes one pixel without going through color.Color.
func (f *Frame) SetBGR(x, y int, b, g, r uint8) {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return
	}
	i := y*f.Stride() + x*BytesPerPixel
	f.Pix[i] = b
	f.Pix[i+1] = g
	f.Pix[i+2] = r
}
