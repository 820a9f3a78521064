package media

import (
	"fmt"
	"math"
	"strings"
)

// Task selects which annotation family a model produces.
type Task uint8

const (
	TaskDetection Task = iota
	TaskPose
	TaskSegmentation
	TaskClassification
	TaskOrientedBox
)

func (t Task) String() string {
	switch t {
	case TaskDetection:
		return "detection"
	case TaskPose:
		return "pose"
	case TaskSegmentation:
		return "segmentation"
	case TaskClassification:
		return "classification"
	case TaskOrientedBox:
		return "oriented_box"
	default:
		return fmt.Sprintf("Task(%d)", uint8(t))
	}
}

// ParseTask maps a config/command string to a Task.
func ParseTask(s string) (Task, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "detection", "detect":
		return TaskDetection, nil
	case "pose":
		return TaskPose, nil
	case "segmentation", "segment", "seg":
		return TaskSegmentation, nil
	case "classification", "classify", "cls":
		return TaskClassification, nil
	case "oriented_box", "obb":
		return TaskOrientedBox, nil
	default:
		return TaskDetection, fmt.Errorf("media: unknown task %q", s)
	}
}

// Tasks lists every supported task, in display order.
func Tasks() []Task {
	return []Task{TaskDetection, TaskPose, TaskSegmentation, TaskClassification, TaskOrientedBox}
}

// Box is an axis-aligned box in source pixel coordinates.
type Box struct {
	X1, Y1, X2, Y2 float32
}

func (b Box) W() float32 { return b.X2 - b.X1 }
func (b Box) H() float32 { return b.Y2 - b.Y1 }

// Area returns the box area, zero for degenerate boxes.
func (b Box) Area() float32 {
	w, h := b.W(), b.H()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// IoU returns intersection-over-union with o.
func (b Box) IoU(o Box) float32 {
	ix1 := maxf(b.X1, o.X1)
	iy1 := maxf(b.Y1, o.Y1)
	ix2 := minf(b.X2, o.X2)
	iy2 := minf(b.Y2, o.Y2)
	iw, ih := ix2-ix1, iy2-iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func maxf(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

// Detection is one object instance.
type Detection struct {
	Box   Box
	Score float32
	Class int
	Label string
}

// Keypoint is one skeleton joint in source pixel coordinates.
type Keypoint struct {
	X, Y  float32
	Score float32
}

// Pose is a person detection with its keypoints.
type Pose struct {
	Detection
	Keypoints []Keypoint
}

// Mask is a low-resolution instance mask crop aligned to its detection
// box. Values are sigmoid activations in [0,1].
type Mask struct {
	Width, Height int
	Data          []float32
}

// At returns the activation at (x, y), zero outside the mask.
func (m Mask) At(x, y int) float32 {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return 0
	}
	return m.Data[y*m.Width+x]
}

// Segment is a detection with its instance mask.
type Segment struct {
	Detection
	Mask Mask
}

// ClassScore is one whole-frame classification result.
type ClassScore struct {
	Class int
	Label string
	Score float32
}

// OrientedBox is a rotated box: center, extent and clockwise angle in
// radians, in source pixel coordinates.
type OrientedBox struct {
	CX, CY float32
	W, H   float32
	Angle  float32
	Score  float32
	Class  int
	Label  string
}

// Corners returns the four rotated corners in drawing order.
func (o OrientedBox) Corners() [4][2]float32 {
	cos := float32(math.Cos(float64(o.Angle)))
	sin := float32(math.Sin(float64(o.Angle)))
	hw, hh := o.W/2, o.H/2
	rel := [4][2]float32{{-hw, -hh}, {hw, -hh}, {hw, hh}, {-hw, hh}}
	var out [4][2]float32
	for i, p := range rel {
		out[i] = [2]float32{
			o.CX + p[0]*cos - p[1]*sin,
			o.CY + p[0]*sin + p[1]*cos,
		}
	}
	return out
}

// Bounding returns the axis-aligned box enclosing the oriented box.
func (o OrientedBox) Bounding() Box {
	c := o.Corners()
	b := Box{X1: c[0][0], Y1: c[0][1], X2: c[0][0], Y2: c[0][1]}
	for _, p := range c[1:] {
		b.X1 = minf(b.X1, p[0])
		b.Y1 = minf(b.Y1, p[1])
		b.X2 = maxf(b.X2, p[0])
		b.Y2 = maxf(b.Y2, p[1])
	}
	return b
}

// Annotations carries one frame's inference results. Only the slice
// matching Task is populated; an all-empty value is the substitution for
// a failed inference and is valid everywhere annotations flow.
type Annotations struct {
	Task Task

	Detections    []Detection
	Poses         []Pose
	Segments      []Segment
	Classes       []ClassScore
	OrientedBoxes []OrientedBox
}

// Empty reports whether inference produced no results.
func (a Annotations) Empty() bool { return a.Count() == 0 }

// Count returns the number of result instances for the active task.
func (a Annotations) Count() int {
	switch a.Task {
	case TaskPose:
		return len(a.Poses)
	case TaskSegmentation:
		return len(a.Segments)
	case TaskClassification:
		return len(a.Classes)
	case TaskOrientedBox:
		return len(a.OrientedBoxes)
	default:
		return len(a.Detections)
	}
}
