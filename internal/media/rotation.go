package media

import (
	"fmt"

	"github.com/disintegration/imaging"
)

// Rotation is a clockwise display rotation in degrees.
type Rotation int

const (
	Rotate0   Rotation = 0
	Rotate90  Rotation = 90
	Rotate180 Rotation = 180
	Rotate270 Rotation = 270
)

// Valid reports whether r is one of the four supported rotations.
func (r Rotation) Valid() bool {
	switch r {
	case Rotate0, Rotate90, Rotate180, Rotate270:
		return true
	}
	return false
}

// Next returns the next rotation in the 0 → 90 → 180 → 270 → 0 cycle.
func (r Rotation) Next() Rotation { return Rotation((int(r) + 90) % 360) }

// Swaps reports whether the rotation swaps frame width and height.
func (r Rotation) Swaps() bool { return r == Rotate90 || r == Rotate270 }

func (r Rotation) String() string { return fmt.Sprintf("%d°", int(r)) }

// RotationFromDegrees validates a degree value from config or a command.
func RotationFromDegrees(deg int) (Rotation, error) {
	r := Rotation(deg)
	if !r.Valid() {
		return Rotate0, fmt.Errorf("media: unsupported rotation %d (want 0, 90, 180 or 270)", deg)
	}
	return r, nil
}

// Rotate returns a frame with the rotation applied clockwise to the
// pixels. Identity fields are preserved; width and height swap for 90
// and 270. Rotate0 returns the frame unchanged.
//
// imaging rotates counter-clockwise, so the mapping inverts: a 90°
// clockwise turn is imaging.Rotate270.
func Rotate(f Frame, r Rotation) Frame {
	if r == Rotate0 || f.Empty() {
		return f
	}

	img := f.ToImage()
	switch r {
	case Rotate90:
		img = imaging.Rotate270(img)
	case Rotate180:
		img = imaging.Rotate180(img)
	case Rotate270:
		img = imaging.Rotate90(img)
	}

	out := FromImage(img, f.Format)
	out.Seq = f.Seq
	out.Index = f.Index
	out.TraceID = f.TraceID
	out.Capture = f.Capture
	return out
}
