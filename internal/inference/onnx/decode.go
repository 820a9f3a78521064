package onnx

import (
	"math"
	"sort"

	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/inference"
	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/media"
)

// Output tensors are [1, C, A] row-major: value(c, a) = out[c*A+a].
// The decode functions below walk anchors once, collect candidates over
// the confidence threshold, run class-aware NMS, and map coordinates
// back through the letterbox.

const (
	defaultConf = 0.25
	defaultIoU  = 0.45

	numKeypoints = 17
	maskEdge     = 160
)

type candidate struct {
	box    media.Box // source space
	score  float32
	class  int
	anchor int
	angle  float32 // oriented boxes only
}

// nms is greedy class-aware suppression: candidates only suppress lower
// scored candidates of the same class.
func nms(cands []candidate, iou float32) []candidate {
	sort.Slice(cands, func(i, j int) bool { return cands[i].score > cands[j].score })

	keep := make([]candidate, 0, len(cands))
	removed := make([]bool, len(cands))
	for i := range cands {
		if removed[i] {
			continue
		}
		keep = append(keep, cands[i])
		for j := i + 1; j < len(cands); j++ {
			if removed[j] || cands[j].class != cands[i].class {
				continue
			}
			if cands[i].box.IoU(cands[j].box) > iou {
				removed[j] = true
			}
		}
	}
	return keep
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

// decodeDetections parses a [1, 4+nc, A] detect head.
func decodeDetections(out []float32, nc, anchors int, lb letterbox, conf, iou float32, labels []string) []media.Detection {
	var cands []candidate
	for a := 0; a < anchors; a++ {
		best, bestClass := float32(0), -1
		for k := 0; k < nc; k++ {
			if s := out[(4+k)*anchors+a]; s > best {
				best, bestClass = s, k
			}
		}
		if best < conf {
			continue
		}
		cx, cy := out[a], out[anchors+a]
		w, h := out[2*anchors+a], out[3*anchors+a]
		cands = append(cands, candidate{
			box:    lb.unmapBox(cx, cy, w, h),
			score:  best,
			class:  bestClass,
			anchor: a,
		})
	}

	kept := nms(cands, iou)
	dets := make([]media.Detection, 0, len(kept))
	for _, c := range kept {
		dets = append(dets, media.Detection{
			Box:   c.box,
			Score: c.score,
			Class: c.class,
			Label: inference.Label(c.class, labels),
		})
	}
	return dets
}

// decodePoses parses a [1, 56, A] pose head: box, person score, then 17
// (x, y, visibility) triples in model input space.
func decodePoses(out []float32, anchors int, lb letterbox, conf, iou float32, labels []string) []media.Pose {
	var cands []candidate
	for a := 0; a < anchors; a++ {
		score := out[4*anchors+a]
		if score < conf {
			continue
		}
		cx, cy := out[a], out[anchors+a]
		w, h := out[2*anchors+a], out[3*anchors+a]
		cands = append(cands, candidate{
			box:    lb.unmapBox(cx, cy, w, h),
			score:  score,
			class:  0,
			anchor: a,
		})
	}

	kept := nms(cands, iou)
	poses := make([]media.Pose, 0, len(kept))
	for _, c := range kept {
		kpts := make([]media.Keypoint, numKeypoints)
		for k := 0; k < numKeypoints; k++ {
			base := (5 + 3*k) * anchors
			kpts[k] = media.Keypoint{
				X:     lb.unmapX(out[base+c.anchor]),
				Y:     lb.unmapY(out[base+anchors+c.anchor]),
				Score: out[base+2*anchors+c.anchor],
			}
		}
		poses = append(poses, media.Pose{
			Detection: media.Detection{
				Box:   c.box,
				Score: c.score,
				Class: 0,
				Label: inference.Label(0, labels),
			},
			Keypoints: kpts,
		})
	}
	return poses
}

// decodeSegments parses a [1, 4+nc+32, A] head plus its [1, 32, ph, pw]
// prototype tensor. Each kept instance gets a box-aligned mask crop
// projected from the prototypes through its 32 coefficients.
func decodeSegments(out []float32, nc, anchors int, proto []float32, ph, pw int, lb letterbox, conf, iou float32, labels []string) []media.Segment {
	var cands []candidate
	for a := 0; a < anchors; a++ {
		best, bestClass := float32(0), -1
		for k := 0; k < nc; k++ {
			if s := out[(4+k)*anchors+a]; s > best {
				best, bestClass = s, k
			}
		}
		if best < conf {
			continue
		}
		cx, cy := out[a], out[anchors+a]
		w, h := out[2*anchors+a], out[3*anchors+a]
		cands = append(cands, candidate{
			box:    lb.unmapBox(cx, cy, w, h),
			score:  best,
			class:  bestClass,
			anchor: a,
		})
	}

	kept := nms(cands, iou)
	segs := make([]media.Segment, 0, len(kept))
	coeffs := make([]float32, 32)
	for _, c := range kept {
		for i := range coeffs {
			coeffs[i] = out[(4+nc+i)*anchors+c.anchor]
		}
		segs = append(segs, media.Segment{
			Detection: media.Detection{
				Box:   c.box,
				Score: c.score,
				Class: c.class,
				Label: inference.Label(c.class, labels),
			},
			Mask: projectMask(proto, coeffs, ph, pw, lb, c.box),
		})
	}
	return segs
}

// projectMask samples the coefficient-weighted prototype sum over the
// detection box, producing a box-aligned maskEdge² crop of sigmoid
// activations. The prototype grid covers the letterboxed model input.
func projectMask(proto, coeffs []float32, ph, pw int, lb letterbox, box media.Box) media.Mask {
	m := media.Mask{Width: maskEdge, Height: maskEdge, Data: make([]float32, maskEdge*maskEdge)}
	if box.W() <= 0 || box.H() <= 0 {
		return m
	}
	plane := ph * pw
	sx := float32(pw) / float32(lb.dstW)
	sy := float32(ph) / float32(lb.dstH)

	for my := 0; my < maskEdge; my++ {
		srcY := box.Y1 + (float32(my)+0.5)/maskEdge*box.H()
		py := int((srcY*lb.scale + lb.padY) * sy)
		if py < 0 {
			py = 0
		} else if py >= ph {
			py = ph - 1
		}
		for mx := 0; mx < maskEdge; mx++ {
			srcX := box.X1 + (float32(mx)+0.5)/maskEdge*box.W()
			px := int((srcX*lb.scale + lb.padX) * sx)
			if px < 0 {
				px = 0
			} else if px >= pw {
				px = pw - 1
			}
			var sum float32
			for c := 0; c < len(coeffs); c++ {
				sum += coeffs[c] * proto[c*plane+py*pw+px]
			}
			m.Data[my*maskEdge+mx] = sigmoid(sum)
		}
	}
	return m
}

// decodeClasses parses a [1, nc] classification head into the top-k
// scores. Raw logit outputs are softmaxed first; already-normalized
// outputs pass through.
func decodeClasses(out []float32, k int, labels []string) []media.ClassScore {
	scores := make([]float32, len(out))
	copy(scores, out)
	if !normalized(scores) {
		softmax(scores)
	}

	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return scores[idx[i]] > scores[idx[j]] })

	if k > len(idx) {
		k = len(idx)
	}
	top := make([]media.ClassScore, 0, k)
	for _, i := range idx[:k] {
		top = append(top, media.ClassScore{
			Class: i,
			Label: inference.Label(i, labels),
			Score: scores[i],
		})
	}
	return top
}

func normalized(v []float32) bool {
	var sum float32
	for _, x := range v {
		if x < 0 || x > 1 {
			return false
		}
		sum += x
	}
	return sum > 0.99 && sum < 1.01
}

func softmax(v []float32) {
	if len(v) == 0 {
		return
	}
	max := v[0]
	for _, x := range v[1:] {
		if x > max {
			max = x
		}
	}
	var sum float64
	for i, x := range v {
		e := math.Exp(float64(x - max))
		v[i] = float32(e)
		sum += e
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / sum)
	}
}

// decodeOriented parses a [1, 4+nc+1, A] oriented-box head: box, class
// scores, then the rotation angle in radians. Suppression runs on the
// enclosing axis-aligned boxes.
func decodeOriented(out []float32, nc, anchors int, lb letterbox, conf, iou float32, labels []string) []media.OrientedBox {
	var cands []candidate
	for a := 0; a < anchors; a++ {
		best, bestClass := float32(0), -1
		for k := 0; k < nc; k++ {
			if s := out[(4+k)*anchors+a]; s > best {
				best, bestClass = s, k
			}
		}
		if best < conf {
			continue
		}
		ob := media.OrientedBox{
			CX:    lb.unmapX(out[a]),
			CY:    lb.unmapY(out[anchors+a]),
			W:     out[2*anchors+a] / lb.scale,
			H:     out[3*anchors+a] / lb.scale,
			Angle: out[(4+nc)*anchors+a],
		}
		cands = append(cands, candidate{
			box:    ob.Bounding(),
			score:  best,
			class:  bestClass,
			anchor: a,
			angle:  ob.Angle,
		})
	}

	kept := nms(cands, iou)
	boxes := make([]media.OrientedBox, 0, len(kept))
	for _, c := range kept {
		boxes = append(boxes, media.OrientedBox{
			CX:    lb.unmapX(out[c.anchor]),
			CY:    lb.unmapY(out[anchors+c.anchor]),
			W:     out[2*anchors+c.anchor] / lb.scale,
			H:     out[3*anchors+c.anchor] / lb.scale,
			Angle: c.angle,
			Score: c.score,
			Class: c.class,
			Label: inference.Label(c.class, labels),
		})
	}
	return boxes
}
