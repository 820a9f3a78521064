package onnx

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/inference"
	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/media"
)

const topK = 5

// YOLO runs one YOLO11 family export through onnxruntime. The session
// is owned by the model and destroyed on Close. Infer is called from a
// single engine goroutine; it is not safe for concurrent callers.
type YOLO struct {
	task    media.Task
	name    string
	edge    int
	anchors int
	nc      int
	labels  []string
	session *ort.DynamicAdvancedSession
}

// Load builds the production ONNX model for a task. It satisfies
// inference.Loader and is what the facade registers for every task.
func Load(task media.Task, opts inference.Options) (inference.Model, error) {
	if err := EnsureRuntime(opts.RuntimeLib); err != nil {
		return nil, err
	}
	path := inference.ResolveModelPath(task, opts)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("onnx: checkpoint %s: %w", path, err)
	}

	var sessOpts *ort.SessionOptions
	if opts.IntraThreads > 0 {
		var err error
		sessOpts, err = ort.NewSessionOptions()
		if err != nil {
			return nil, fmt.Errorf("onnx: session options: %w", err)
		}
		defer sessOpts.Destroy()
		if err := sessOpts.SetIntraOpNumThreads(opts.IntraThreads); err != nil {
			return nil, fmt.Errorf("onnx: set intra threads: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(path, []string{"images"}, outputNames(task), sessOpts)
	if err != nil {
		return nil, fmt.Errorf("onnx: open session %s: %w", path, err)
	}

	edge := inference.InputSize(task)
	return &YOLO{
		task:    task,
		name:    strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		edge:    edge,
		anchors: anchorCount(edge),
		nc:      classCount(task, opts.Labels),
		labels:  opts.Labels,
		session: session,
	}, nil
}

func (m *YOLO) Task() media.Task { return m.task }
func (m *YOLO) Name() string     { return m.name }

// Infer preprocesses the frame, runs the session into preallocated
// output tensors and decodes the task's annotation family. Result
// coordinates are source pixels of f.
func (m *YOLO) Infer(ctx context.Context, f media.Frame) (media.Annotations, error) {
	if err := ctx.Err(); err != nil {
		return media.Annotations{}, err
	}
	if f.Empty() {
		return media.Annotations{}, fmt.Errorf("onnx: empty frame")
	}

	var data []float32
	var lb letterbox
	if m.task == media.TaskClassification {
		data, lb = squareInput(f, m.edge)
	} else {
		data, lb = letterboxInput(f, m.edge)
	}

	inT, err := ort.NewTensor(ort.NewShape(1, 3, int64(m.edge), int64(m.edge)), data)
	if err != nil {
		return media.Annotations{}, fmt.Errorf("onnx: input tensor: %w", err)
	}
	defer inT.Destroy()

	ann := media.Annotations{Task: m.task}
	switch m.task {
	case media.TaskClassification:
		outT, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(m.nc)))
		if err != nil {
			return media.Annotations{}, fmt.Errorf("onnx: output tensor: %w", err)
		}
		defer outT.Destroy()
		if err := m.session.Run([]ort.Value{inT}, []ort.Value{outT}); err != nil {
			return media.Annotations{}, fmt.Errorf("onnx: run %s: %w", m.name, err)
		}
		ann.Classes = decodeClasses(outT.GetData(), topK, m.labels)

	case media.TaskSegmentation:
		protoEdge := m.edge / 4
		outT, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(4+m.nc+32), int64(m.anchors)))
		if err != nil {
			return media.Annotations{}, fmt.Errorf("onnx: output tensor: %w", err)
		}
		defer outT.Destroy()
		protoT, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 32, int64(protoEdge), int64(protoEdge)))
		if err != nil {
			return media.Annotations{}, fmt.Errorf("onnx: prototype tensor: %w", err)
		}
		defer protoT.Destroy()
		if err := m.session.Run([]ort.Value{inT}, []ort.Value{outT, protoT}); err != nil {
			return media.Annotations{}, fmt.Errorf("onnx: run %s: %w", m.name, err)
		}
		ann.Segments = decodeSegments(outT.GetData(), m.nc, m.anchors, protoT.GetData(),
			protoEdge, protoEdge, lb, defaultConf, defaultIoU, m.labels)

	case media.TaskPose:
		outT, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(5+3*numKeypoints), int64(m.anchors)))
		if err != nil {
			return media.Annotations{}, fmt.Errorf("onnx: output tensor: %w", err)
		}
		defer outT.Destroy()
		if err := m.session.Run([]ort.Value{inT}, []ort.Value{outT}); err != nil {
			return media.Annotations{}, fmt.Errorf("onnx: run %s: %w", m.name, err)
		}
		ann.Poses = decodePoses(outT.GetData(), m.anchors, lb, defaultConf, defaultIoU, m.labels)

	case media.TaskOrientedBox:
		outT, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(4+m.nc+1), int64(m.anchors)))
		if err != nil {
			return media.Annotations{}, fmt.Errorf("onnx: output tensor: %w", err)
		}
		defer outT.Destroy()
		if err := m.session.Run([]ort.Value{inT}, []ort.Value{outT}); err != nil {
			return media.Annotations{}, fmt.Errorf("onnx: run %s: %w", m.name, err)
		}
		ann.OrientedBoxes = decodeOriented(outT.GetData(), m.nc, m.anchors, lb, defaultConf, defaultIoU, m.labels)

	default:
		outT, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(4+m.nc), int64(m.anchors)))
		if err != nil {
			return media.Annotations{}, fmt.Errorf("onnx: output tensor: %w", err)
		}
		defer outT.Destroy()
		if err := m.session.Run([]ort.Value{inT}, []ort.Value{outT}); err != nil {
			return media.Annotations{}, fmt.Errorf("onnx: run %s: %w", m.name, err)
		}
		ann.Detections = decodeDetections(outT.GetData(), m.nc, m.anchors, lb, defaultConf, defaultIoU, m.labels)
	}
	return ann, nil
}

// Close destroys the session. The first error wins; later calls no-op.
func (m *YOLO) Close() error {
	if m.session == nil {
		return nil
	}
	err := m.session.Destroy()
	m.session = nil
	if err != nil {
		return fmt.Errorf("onnx: destroy session %s: %w", m.name, err)
	}
	return nil
}

func outputNames(task media.Task) []string {
	if task == media.TaskSegmentation {
		return []string{"output0", "output1"}
	}
	return []string{"output0"}
}

// anchorCount is the concatenated grid size of the three detection
// strides (8, 16, 32) for a square input edge.
func anchorCount(edge int) int {
	s8, s16, s32 := edge/8, edge/16, edge/32
	return s8*s8 + s16*s16 + s32*s32
}

// classCount picks the class dimension of the task's stock checkpoint.
// A caller-supplied label table overrides it.
func classCount(task media.Task, labels []string) int {
	if len(labels) > 0 {
		return len(labels)
	}
	switch task {
	case media.TaskPose:
		return 1
	case media.TaskClassification:
		return 1000
	case media.TaskOrientedBox:
		return 15
	default:
		return 80
	}
}
