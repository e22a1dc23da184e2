package types

import (
	"image/color"
	"testing"
)

func TestFrameCloneIsDeep(t *testing.T) {
	f := NewFrame(4, 2)
	f.Sequence = 7
	f.SetBGR(1, 1, 10, 20, 30)

	c := f.Clone()
	c.SetBGR(1, 1, 0, 0, 0)

	got := f.At(1, 1).(color.RGBA)
	if got.B != 10 || got.G != 20 || got.R != 30 {
		t.Fatalf("original pixel changed after clone write: %+v", got)
	}
	if c.Sequence != 7 {
		t.Fatalf("clone sequence = %d, want 7", c.Sequence)
	}
}

func TestFrameSetAtRoundTrip(t *testing.T) {
	f := NewFrame(3, 3)
	f.Set(2, 0, color.RGBA{R: 200, G: 100, B: 50, A: 255})

	got := f.At(2, 0).(color.RGBA)
	want := color.RGBA{R: 200, G: 100, B: 50, A: 255}
	if got != want {
		t.Fatalf("At = %+v, want %+v", got, want)
	}

	// out of bounds writes are ignored
	f.Set(5, 5, color.White)
	if f.At(5, 5) != (color.RGBA{}) {
		t.Fatalf("out of bounds At should be zero")
	}
}

func TestFrameEmpty(t *testing.T) {
	var nilFrame *Frame
	if !nilFrame.Empty() {
		t.Errorf("nil frame should be empty")
	}
	if !(&Frame{Width: 2, Height: 2}).Empty() {
		t.Errorf("frame without pixels should be empty")
	}
	if NewFrame(2, 2).Empty() {
		t.Errorf("allocated frame should not be empty")
	}
}
