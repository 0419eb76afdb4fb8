// Package frames streams raster frames out of and into media containers.
package frames

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
)

// Channels is the number of bytes per pixel (packed RGB24).
const Channels = 3

// Frame is a single RGB24 raster tagged with its position in the stream. Pix is owned by whoever
// holds the frame; producers never modify it after handing it on.
type Frame struct {
	Index  int
	Width  int
	Height int
	Pix    []byte
}

// NewFrame allocates a zeroed frame.
func NewFrame(index, width, height int) Frame {
	return Frame{
		Index:  index,
		Width:  width,
		Height: height,
		Pix:    make([]byte, width*height*Channels),
	}
}

// Size is the number of bytes a width×height RGB24 frame occupies.
func Size(width, height int) int {
	return width * height * Channels
}

// Validate checks that the pixel buffer matches the declared geometry.
func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("frame %d: invalid dimensions %dx%d", f.Index, f.Width, f.Height)
	}
	if want := Size(f.Width, f.Height); len(f.Pix) != want {
		return fmt.Errorf("frame %d: pixel buffer is %d bytes, want %d (%d channels)", f.Index, len(f.Pix), want, Channels)
	}
	return nil
}

// ToImage converts the frame to an *image.RGBA.
func (f Frame) ToImage() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for i, j := 0, 0; i+2 < len(f.Pix) && j+3 < len(img.Pix); i, j = i+Channels, j+4 {
		img.Pix[j] = f.Pix[i]
		img.Pix[j+1] = f.Pix[i+1]
		img.Pix[j+2] = f.Pix[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}

// FromImage converts any image into an RGB24 frame with the given index. Alpha is dropped.
func FromImage(index int, src image.Image) Frame {
	b := src.Bounds()
	rgba, ok := src.(*image.RGBA)
	if !ok || b.Min != (image.Point{}) {
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), src, b.Min, draw.Src)
	}
	f := NewFrame(index, b.Dx(), b.Dy())
	for i, j := 0, 0; i+2 < len(f.Pix); i, j = i+Channels, j+4 {
		f.Pix[i] = rgba.Pix[j]
		f.Pix[i+1] = rgba.Pix[j+1]
		f.Pix[i+2] = rgba.Pix[j+2]
	}
	return f
}

// At returns the colour of pixel (x, y).
func (f Frame) At(x, y int) color.RGBA {
	o := (y*f.Width + x) * Channels
	return color.RGBA{R: f.Pix[o], G: f.Pix[o+1], B: f.Pix[o+2], A: 0xff}
}

// Metadata describes the video track a Source reads.
type Metadata struct {
	Width       int
	Height      int
	FrameRate   float64
	TotalFrames int // best effort; 0 when the container does not say
}

// Source is a lazy, finite, forward-only frame stream. It cannot be rewound; open a new one to
// re-read the file.
type Source interface {
	// Next returns the next frame, or io.EOF once the stream is exhausted.
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// Writer appends frames to an output container. Close must be called exactly once; after Discard
// it removes the partial output instead of publishing it.
type Writer interface {
	Write(ctx context.Context, frame Frame) error
	Discard()
	Close() error
}

// Opener opens frame sources and sinks.
type Opener interface {
	OpenSource(ctx context.Context, path string) (Source, Metadata, error)
	OpenSink(ctx context.Context, path string, width, height int, frameRate float64) (Writer, error)
}
