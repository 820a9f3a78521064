package inference

import (
	"path/filepath"

	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/media"
)

// defaultCheckpoints maps each task to its bundled ONNX export.
var defaultCheckpoints = map[media.Task]string{
	media.TaskDetection:      "yolo11x.onnx",
	media.TaskPose:           "yolo11x-pose.onnx",
	media.TaskSegmentation:   "yolo11x-seg.onnx",
	media.TaskClassification: "yolo11x-cls.onnx",
	media.TaskOrientedBox:    "yolo11x-obb.onnx",
}

// DefaultCheckpoint returns the file name of the task's stock model.
func DefaultCheckpoint(task media.Task) string {
	return defaultCheckpoints[task]
}

// ResolveModelPath picks the checkpoint file for a load: an explicit
// Options.Path wins, otherwise the task default inside Options.ModelDir.
func ResolveModelPath(task media.Task, opts Options) string {
	if opts.Path != "" {
		return opts.Path
	}
	return filepath.Join(opts.ModelDir, DefaultCheckpoint(task))
}

// InputSize returns the square model input edge for the task.
// Classification checkpoints run at 224, everything else at 640.
func InputSize(task media.Task) int {
	if task == media.TaskClassification {
		return 224
	}
	return 640
}
