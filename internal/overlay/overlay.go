// Package overlay burns annotations into frame pixels. Rendering
// happens before rotation so annotation coordinates and frames agree in
// source space.
package overlay

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/media"
)

const (
	boxThickness = 2
	labelScale   = 0.5

	jointRadius  = 4
	boneWidth    = 3
	kptThreshold = 0.05

	maskAlpha     = 0.4
	maskThreshold = 0.5

	classLines = 5
)

var (
	jointColor = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	boneColor  = color.RGBA{R: 255, G: 255, B: 0, A: 255}
	textColor  = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	panelColor = color.RGBA{R: 0, G: 0, B: 0, A: 255}
)

// palette cycles per class id so the same class keeps its color across
// frames.
var palette = [...]color.RGBA{
	{R: 0xFF, G: 0x38, B: 0x38, A: 255},
	{R: 0xFF, G: 0x9D, B: 0x97, A: 255},
	{R: 0xFF, G: 0x70, B: 0x1F, A: 255},
	{R: 0xFF, G: 0xB2, B: 0x1D, A: 255},
	{R: 0xCF, G: 0xD2, B: 0x31, A: 255},
	{R: 0x48, G: 0xF9, B: 0x0A, A: 255},
	{R: 0x92, G: 0xCC, B: 0x17, A: 255},
	{R: 0x3D, G: 0xDB, B: 0x86, A: 255},
	{R: 0x1A, G: 0x93, B: 0x34, A: 255},
	{R: 0x00, G: 0xD4, B: 0xBB, A: 255},
	{R: 0x2C, G: 0x99, B: 0xA8, A: 255},
	{R: 0x00, G: 0xC2, B: 0xFF, A: 255},
	{R: 0x34, G: 0x45, B: 0x93, A: 255},
	{R: 0x64, G: 0x73, B: 0xFF, A: 255},
	{R: 0x00, G: 0x18, B: 0xEC, A: 255},
	{R: 0x84, G: 0x38, B: 0xFF, A: 255},
	{R: 0x52, G: 0x00, B: 0x85, A: 255},
	{R: 0xCB, G: 0x38, B: 0xFF, A: 255},
	{R: 0xFF, G: 0x95, B: 0xC8, A: 255},
	{R: 0xFF, G: 0x37, B: 0xC7, A: 255},
}

func classColor(class int) color.RGBA {
	if class < 0 {
		class = -class
	}
	return palette[class%len(palette)]
}

// skeleton pairs COCO keypoint indices into the drawn bones.
var skeleton = [...][2]int{
	{15, 13}, {13, 11}, {16, 14}, {14, 12}, {11, 12},
	{5, 11}, {6, 12}, {5, 6}, {5, 7}, {6, 8}, {7, 9},
	{8, 10}, {1, 2}, {0, 1}, {0, 2}, {1, 3}, {2, 4},
	{3, 5}, {4, 6},
}

// Renderer draws one annotation family onto a copy of the frame. The
// zero value is ready to use.
type Renderer struct{}

func NewRenderer() *Renderer { return &Renderer{} }

// Render returns a new frame with the annotations burned in. Empty
// annotations return the input frame untouched, no copy.
func (r *Renderer) Render(f media.Frame, ann media.Annotations) (media.Frame, error) {
	if f.Empty() || ann.Empty() {
		return f, nil
	}

	out := f.Clone()
	if ann.Task == media.TaskSegmentation {
		blendMasks(out, ann.Segments)
	}

	mat, err := gocv.NewMatFromBytes(out.Height, out.Width, gocv.MatTypeCV8UC3, out.Data)
	if err != nil {
		return f, fmt.Errorf("overlay: mat from %dx%d frame: %w", out.Width, out.Height, err)
	}
	defer mat.Close()

	switch ann.Task {
	case media.TaskPose:
		drawPoses(&mat, ann.Poses)
	case media.TaskSegmentation:
		for _, s := range ann.Segments {
			drawBox(&mat, s.Detection)
		}
	case media.TaskClassification:
		drawClasses(&mat, ann.Classes)
	case media.TaskOrientedBox:
		drawOriented(&mat, ann.OrientedBoxes)
	default:
		for _, d := range ann.Detections {
			drawBox(&mat, d)
		}
	}

	out.Data = mat.ToBytes()
	return out, nil
}

func boxRect(b media.Box) image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2))
}

func drawBox(mat *gocv.Mat, d media.Detection) {
	c := classColor(d.Class)
	rect := boxRect(d.Box)
	gocv.Rectangle(mat, rect, c, boxThickness)
	putLabel(mat, fmt.Sprintf("%s %.2f", d.Label, d.Score), rect.Min, c)
}

// putLabel places text above the anchor, flipping below when the box
// touches the top edge.
func putLabel(mat *gocv.Mat, text string, anchor image.Point, c color.RGBA) {
	pos := image.Point{X: anchor.X, Y: anchor.Y - 8}
	if pos.Y < 15 {
		pos.Y = anchor.Y + 20
	}
	gocv.PutText(mat, text, pos, gocv.FontHersheySimplex, labelScale, c, 2)
}

func drawPoses(mat *gocv.Mat, poses []media.Pose) {
	for _, p := range poses {
		drawBox(mat, p.Detection)
		for _, pair := range skeleton {
			a, b := p.Keypoints[pair[0]], p.Keypoints[pair[1]]
			if a.Score < kptThreshold || b.Score < kptThreshold {
				continue
			}
			gocv.Line(mat,
				image.Point{X: int(a.X), Y: int(a.Y)},
				image.Point{X: int(b.X), Y: int(b.Y)},
				boneColor, boneWidth)
		}
		for _, k := range p.Keypoints {
			if k.Score < kptThreshold {
				continue
			}
			gocv.Circle(mat, image.Point{X: int(k.X), Y: int(k.Y)}, jointRadius, jointColor, -1)
		}
	}
}

// drawClasses writes the top scores as a text block over a filled panel
// in the top-left corner.
func drawClasses(mat *gocv.Mat, classes []media.ClassScore) {
	n := len(classes)
	if n > classLines {
		n = classLines
	}
	if n == 0 {
		return
	}

	const lineHeight = 28
	width := 0
	for _, cs := range classes[:n] {
		if w := 12 + 11*len(classLabel(cs)); w > width {
			width = w
		}
	}
	gocv.Rectangle(mat, image.Rect(4, 6, 4+width, 6+n*lineHeight+8), panelColor, -1)

	for i, cs := range classes[:n] {
		pos := image.Point{X: 10, Y: 30 + i*lineHeight}
		gocv.PutText(mat, classLabel(cs), pos, gocv.FontHersheySimplex, 0.6, textColor, 2)
	}
}

func classLabel(cs media.ClassScore) string {
	return fmt.Sprintf("%s %.2f", cs.Label, cs.Score)
}

func drawOriented(mat *gocv.Mat, boxes []media.OrientedBox) {
	for _, ob := range boxes {
		c := classColor(ob.Class)
		corners := ob.Corners()
		for i := range corners {
			a, b := corners[i], corners[(i+1)%len(corners)]
			gocv.Line(mat,
				image.Point{X: int(a[0]), Y: int(a[1])},
				image.Point{X: int(b[0]), Y: int(b[1])},
				c, boxThickness)
		}
		putLabel(mat, fmt.Sprintf("%s %.2f", ob.Label, ob.Score),
			image.Point{X: int(corners[0][0]), Y: int(corners[0][1])}, c)
	}
}

// blendMasks alpha-blends each instance mask over its detection box,
// directly on the frame bytes. Mask crops are box-aligned, so a crop
// pixel maps to the box by plain proportion.
func blendMasks(f media.Frame, segs []media.Segment) {
	rOff, gOff, bOff := rgbOffsets(f.Format)
	for _, s := range segs {
		if s.Mask.Width == 0 || s.Mask.Height == 0 {
			continue
		}
		c := classColor(s.Class)
		x1, y1 := clampInt(int(s.Box.X1), 0, f.Width), clampInt(int(s.Box.Y1), 0, f.Height)
		x2, y2 := clampInt(int(s.Box.X2), 0, f.Width), clampInt(int(s.Box.Y2), 0, f.Height)
		if x2 <= x1 || y2 <= y1 {
			continue
		}
		for y := y1; y < y2; y++ {
			my := (y - y1) * s.Mask.Height / (y2 - y1)
			row := f.Data[y*f.Stride:]
			for x := x1; x < x2; x++ {
				mx := (x - x1) * s.Mask.Width / (x2 - x1)
				if s.Mask.At(mx, my) < maskThreshold {
					continue
				}
				i := x * 3
				row[i+rOff] = blend(row[i+rOff], c.R)
				row[i+gOff] = blend(row[i+gOff], c.G)
				row[i+bOff] = blend(row[i+bOff], c.B)
			}
		}
	}
}

func blend(under, over byte) byte {
	return byte(float32(under)*(1-maskAlpha) + float32(over)*maskAlpha)
}

func rgbOffsets(p media.PixelFormat) (r, g, b int) {
	if p == media.RGB24 {
		return 0, 1, 2
	}
	return 2, 1, 0
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
