package inference

import "fmt"

// cocoLabels is the 80-class table the YOLO11 detection family ships
// with, indexed by class id.
var cocoLabels = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train",
	"truck", "boat", "traffic light", "fire hydrant", "stop sign",
	"parking meter", "bench", "bird", "cat", "dog", "horse", "sheep",
	"cow", "elephant", "bear", "zebra", "giraffe", "backpack", "umbrella",
	"handbag", "tie", "suitcase", "frisbee", "skis", "snowboard",
	"sports ball", "kite", "baseball bat", "baseball glove", "skateboard",
	"surfboard", "tennis racket", "bottle", "wine glass", "cup", "fork",
	"knife", "spoon", "bowl", "banana", "apple", "sandwich", "orange",
	"broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair",
	"couch", "potted plant", "bed", "dining table", "toilet", "tv",
	"laptop", "mouse", "remote", "keyboard", "cell phone", "microwave",
	"oven", "toaster", "sink", "refrigerator", "book", "clock", "vase",
	"scissors", "teddy bear", "hair drier", "toothbrush",
}

// Label resolves a class id against the override table when present,
// the COCO table otherwise, and a generated name past both.
func Label(class int, overrides []string) string {
	if class >= 0 && class < len(overrides) {
		return overrides[class]
	}
	if len(overrides) == 0 && class >= 0 && class < len(cocoLabels) {
		return cocoLabels[class]
	}
	return fmt.Sprintf("class_%d", class)
}
