// Package media defines the frame and annotation value types that flow
// through the pipeline.
//
// A Frame is a plain value: packed pixel bytes plus identity (sequence,
// trace ID) and geometry. Frames are produced once by a source, annotated
// by the inference stage, and published by the engine. Nothing downstream
// mutates a frame it received; stages that change pixels (overlay burn-in,
// rotation) return a new frame. This keeps the latest-frame-wins display
// path safe without per-subscriber copies.
package media

import (
	"fmt"
	"image"
	"time"
)

// PixelFormat identifies the byte layout of Frame.Data.
type PixelFormat uint8

const (
	// BGR24 is packed 8-bit blue, green, red per pixel. This is the
	// native order of the capture backends, so frames travel the whole
	// pipeline in BGR24 and only convert at the edges.
	BGR24 PixelFormat = iota

	// RGB24 is packed 8-bit red, green, blue per pixel.
	RGB24
)

func (p PixelFormat) String() string {
	switch p {
	case BGR24:
		return "BGR24"
	case RGB24:
		return "RGB24"
	default:
		return fmt.Sprintf("PixelFormat(%d)", uint8(p))
	}
}

// BytesPerPixel returns the per-pixel byte width of the format.
func (p PixelFormat) BytesPerPixel() int { return 3 }

// channelOffsets returns the byte offsets of the red, green and blue
// channels within one packed pixel.
func (p PixelFormat) channelOffsets() (r, g, b int) {
	if p == RGB24 {
		return 0, 1, 2
	}
	return 2, 1, 0
}

// Frame is one video frame plus its pipeline identity.
//
// Seq increases monotonically per session and survives rotation and
// overlay burn-in, so downstream consumers can detect drops and ordering.
// Index is the position within a file source (-1 for live sources, which
// have no addressable positions).
type Frame struct {
	Seq     uint64
	Index   int64
	TraceID string

	Width  int
	Height int
	Stride int
	Format PixelFormat
	Data   []byte

	Capture time.Time
}

// NewFrame allocates a zeroed frame with a tight stride.
func NewFrame(width, height int, format PixelFormat) Frame {
	stride := width * format.BytesPerPixel()
	return Frame{
		Width:  width,
		Height: height,
		Stride: stride,
		Format: format,
		Data:   make([]byte, stride*height),
	}
}

// Empty reports whether the frame carries no pixels.
func (f Frame) Empty() bool { return f.Width <= 0 || f.Height <= 0 || len(f.Data) == 0 }

// Bounds returns the pixel rectangle of the frame.
func (f Frame) Bounds() image.Rectangle { return image.Rect(0, 0, f.Width, f.Height) }

// Clone returns a frame with its own copy of the pixel data.
func (f Frame) Clone() Frame {
	out := f
	out.Data = make([]byte, len(f.Data))
	copy(out.Data, f.Data)
	return out
}

// ToImage converts the frame to an NRGBA image (alpha opaque). Used at
// the edges of the pipeline where image.Image consumers live (rotation,
// PNG snapshots).
func (f Frame) ToImage() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, f.Width, f.Height))
	rOff, gOff, bOff := f.Format.channelOffsets()
	bpp := f.Format.BytesPerPixel()
	for y := 0; y < f.Height; y++ {
		src := f.Data[y*f.Stride : y*f.Stride+f.Width*bpp]
		dst := img.Pix[y*img.Stride : y*img.Stride+f.Width*4]
		for x := 0; x < f.Width; x++ {
			si, di := x*bpp, x*4
			dst[di+0] = src[si+rOff]
			dst[di+1] = src[si+gOff]
			dst[di+2] = src[si+bOff]
			dst[di+3] = 0xff
		}
	}
	return img
}

// FromImage converts an NRGBA image back into frame pixels with the given
// format. Identity fields (Seq, Index, TraceID, Capture) are zero; callers
// that replace a frame's pixels carry those over themselves.
func FromImage(img *image.NRGBA, format PixelFormat) Frame {
	b := img.Bounds()
	out := NewFrame(b.Dx(), b.Dy(), format)
	rOff, gOff, bOff := format.channelOffsets()
	bpp := format.BytesPerPixel()
	for y := 0; y < out.Height; y++ {
		src := img.Pix[(y+b.Min.Y-img.Rect.Min.Y)*img.Stride:]
		dst := out.Data[y*out.Stride:]
		for x := 0; x < out.Width; x++ {
			si := (x + b.Min.X - img.Rect.Min.X) * 4
			di := x * bpp
			dst[di+rOff] = src[si+0]
			dst[di+gOff] = src[si+1]
			dst[di+bOff] = src[si+2]
		}
	}
	return out
}

// AnnotatedFrame is the engine's published unit: the displayable pixels
// (overlay burned in, rotation applied) plus the structured results.
//
// Annotation coordinates stay in the pre-rotation source space; Rotation
// records what was applied to the pixels so consumers that need display
// coordinates can map.
type AnnotatedFrame struct {
	Frame       Frame
	Annotations Annotations
	Rotation    Rotation
	Model       string
	Latency     time.Duration
}
