// Package inference owns the model lifecycle: loading per task, the
// handle abstraction the facade hands around, and the stage that runs a
// model inside the engine loop with hot-swap and failure substitution.
package inference

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/media"
)

// Model produces annotations for frames of one task.
type Model interface {
	// Task reports which annotation family Infer produces.
	Task() media.Task

	// Name identifies the model in logs and on annotated frames.
	Name() string

	// Infer runs the model on one frame. Coordinates in the result are
	// source pixels of f. Errors are per-frame: the stage substitutes
	// and the model must remain usable for the next frame.
	Infer(ctx context.Context, f media.Frame) (media.Annotations, error)

	// Close releases model resources. No Infer may follow.
	Close() error
}

// Options configures model loading.
type Options struct {
	// ModelDir is searched for the task's default checkpoint file.
	ModelDir string

	// Path overrides the default checkpoint resolution entirely.
	Path string

	// IntraThreads bounds intra-op parallelism. Zero lets the runtime
	// decide.
	IntraThreads int

	// RuntimeLib points the backend at a specific runtime shared
	// library. Empty keeps the backend's default resolution.
	RuntimeLib string

	// Labels overrides the built-in class label table, indexed by class
	// id. Mainly for classification checkpoints with custom classes.
	Labels []string
}

// Loader constructs a model for a task. The ONNX backend provides the
// production loader; tests inject fakes.
type Loader func(task media.Task, opts Options) (Model, error)

// Handle wraps a loaded model with identity and a closed latch. Handles
// are what travels between the facade, the stage and the engine; the
// latch makes double-close and use-after-close explicit instead of
// crashing in native code.
type Handle struct {
	id     string
	model  Model
	closed atomic.Bool
}

// NewHandle wraps a model. The handle owns the model's lifetime from
// here on.
func NewHandle(m Model) *Handle {
	return &Handle{id: uuid.New().String(), model: m}
}

func (h *Handle) ID() string       { return h.id }
func (h *Handle) Task() media.Task { return h.model.Task() }
func (h *Handle) Name() string     { return h.model.Name() }

// Closed reports whether Close has run.
func (h *Handle) Closed() bool { return h.closed.Load() }

// Infer forwards to the model unless the handle is closed.
func (h *Handle) Infer(ctx context.Context, f media.Frame) (media.Annotations, error) {
	if h.closed.Load() {
		return media.Annotations{}, fmt.Errorf("inference: model handle %s is closed", h.id)
	}
	return h.model.Infer(ctx, f)
}

// Close releases the model. Idempotent; only the first call reaches the
// model.
func (h *Handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := h.model.Close(); err != nil {
		return fmt.Errorf("inference: close model %s: %w", h.model.Name(), err)
	}
	return nil
}

// Registry maps tasks to loaders. The default registry serves ONNX
// models; embedders and tests register alternatives per task.
type Registry struct {
	mu       sync.RWMutex
	loaders  map[media.Task]Loader
	fallback Loader
}

// NewRegistry creates a registry with an optional fallback loader used
// for tasks without a specific registration.
func NewRegistry(fallback Loader) *Registry {
	return &Registry{
		loaders:  make(map[media.Task]Loader),
		fallback: fallback,
	}
}

// Register installs a loader for one task, replacing any previous one.
func (r *Registry) Register(task media.Task, l Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[task] = l
}

// Load builds a model for the task and wraps it in a fresh handle.
func (r *Registry) Load(task media.Task, opts Options) (*Handle, error) {
	r.mu.RLock()
	l, ok := r.loaders[task]
	if !ok {
		l = r.fallback
	}
	r.mu.RUnlock()

	if l == nil {
		return nil, fmt.Errorf("inference: no loader registered for task %s", task)
	}
	m, err := l(task, opts)
	if err != nil {
		return nil, fmt.Errorf("inference: load %s model: %w", task, err)
	}
	return NewHandle(m), nil
}
