package onnx

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"

	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/media"
)

// letterbox records the resize-and-pad transform applied to a frame so
// decoded coordinates can be mapped back to source pixels.
type letterbox struct {
	scale      float32
	padX, padY float32
	srcW, srcH int
	dstW, dstH int
}

// fit computes the letterbox for a source into a square input edge.
func fit(srcW, srcH, edge int) letterbox {
	scale := float32(edge) / float32(srcW)
	if s := float32(edge) / float32(srcH); s < scale {
		scale = s
	}
	newW := float32(srcW) * scale
	newH := float32(srcH) * scale
	return letterbox{
		scale: scale,
		padX:  (float32(edge) - newW) / 2,
		padY:  (float32(edge) - newH) / 2,
		srcW:  srcW,
		srcH:  srcH,
		dstW:  edge,
		dstH:  edge,
	}
}

// unmapX maps a model-input x coordinate back to source pixels, clamped
// to the frame.
func (l letterbox) unmapX(x float32) float32 {
	v := (x - l.padX) / l.scale
	return clamp(v, 0, float32(l.srcW))
}

// unmapY maps a model-input y coordinate back to source pixels.
func (l letterbox) unmapY(y float32) float32 {
	v := (y - l.padY) / l.scale
	return clamp(v, 0, float32(l.srcH))
}

// unmapBox converts a model-space center-size box to a source-space
// corner box.
func (l letterbox) unmapBox(cx, cy, w, h float32) media.Box {
	return media.Box{
		X1: l.unmapX(cx - w/2),
		Y1: l.unmapY(cy - h/2),
		X2: l.unmapX(cx + w/2),
		Y2: l.unmapY(cy + h/2),
	}
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// letterboxInput resizes the frame into a gray-padded square canvas and
// packs it as NCHW RGB float32 in [0,1], the YOLO input convention.
func letterboxInput(f media.Frame, edge int) ([]float32, letterbox) {
	lb := fit(f.Width, f.Height, edge)

	scaledW := int(float32(f.Width)*lb.scale + 0.5)
	scaledH := int(float32(f.Height)*lb.scale + 0.5)
	if scaledW < 1 {
		scaledW = 1
	}
	if scaledH < 1 {
		scaledH = 1
	}

	resized := imaging.Resize(f.ToImage(), scaledW, scaledH, imaging.Linear)
	canvas := imaging.New(edge, edge, color.NRGBA{R: 114, G: 114, B: 114, A: 255})
	canvas = imaging.Paste(canvas, resized, image.Pt(int(lb.padX), int(lb.padY)))

	return packNCHW(canvas), lb
}

// squareInput resizes the frame to edge×edge with no padding, the
// classification input convention.
func squareInput(f media.Frame, edge int) ([]float32, letterbox) {
	resized := imaging.Resize(f.ToImage(), edge, edge, imaging.Linear)
	lb := letterbox{
		scale: float32(edge) / float32(f.Width),
		srcW:  f.Width,
		srcH:  f.Height,
		dstW:  edge,
		dstH:  edge,
	}
	return packNCHW(resized), lb
}

// packNCHW flattens an NRGBA image to [1,3,H,W] RGB float32 / 255.
func packNCHW(img *image.NRGBA) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	out := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			i := x * 4
			p := y*w + x
			out[p] = float32(row[i]) / 255
			out[plane+p] = float32(row[i+1]) / 255
			out[2*plane+p] = float32(row[i+2]) / 255
		}
	}
	return out
}
