// Package recorder persists the annotated stream to a video file,
// losslessly and in order.
//
// The engine enqueues every published frame; a bounded queue gives
// backpressure instead of drops. One worker goroutine owns the writer:
// it opens lazily on the first frame (recording dimensions are only
// known post-rotation), retries a failed write once, and latches failed
// on the second error so the preview keeps running while the recording
// dies alone.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"

	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/media"
)

const defaultQueue = 64

var (
	// ErrRecordingFailed reports a latched recording: the writer hit a
	// second consecutive error and stopped persisting.
	ErrRecordingFailed = errors.New("recorder: recording failed")

	// ErrClosed reports enqueue after Close.
	ErrClosed = errors.New("recorder: closed")
)

// Config describes one recording.
type Config struct {
	// Path of the output file. The extension picks the codec.
	Path string

	// FPS written into the container. For live sessions pass the
	// measured source rate.
	FPS float64

	// Queue bounds the in-flight frame count. Zero means 64.
	Queue int

	// OnFail is called once when the recording latches failed.
	OnFail func(error)
}

// DefaultName builds the stock output path: annotated_<HHMMSS> with the
// container's extension, inside dir.
func DefaultName(dir, container string) string {
	return filepath.Join(dir, fmt.Sprintf("annotated_%s.%s", time.Now().Format("150405"), container))
}

// fourCC picks the codec for a container extension. FFV1 is lossless
// for mkv; the others are the portable defaults of their containers.
func fourCC(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mkv":
		return "FFV1"
	case ".avi":
		return "XVID"
	case ".mp4":
		return "mp4v"
	default:
		return "XVID"
	}
}

// Stats is a point-in-time snapshot of one recording.
type Stats struct {
	Written   uint64
	Discarded uint64
	Failed    bool
}

// Recorder is one recording session. Create with New, feed with
// Enqueue, finish with Close.
type Recorder struct {
	cfg   Config
	queue chan media.AnnotatedFrame
	done  chan struct{}

	mu     sync.Mutex
	closed bool

	failed    atomic.Bool
	written   atomic.Uint64
	discarded atomic.Uint64

	// Worker-owned state.
	width, height int
	lastSeq       uint64
	failErr       error
	closeErr      error

	// Writer seams; tests replace these to run without a video stack.
	openFn  func(path string, width, height int) error
	writeFn func(f media.Frame) error
	closeFn func() error

	vw *gocv.VideoWriter
}

// New validates the config and starts the drain worker. The output file
// is not created until the first frame arrives.
func New(cfg Config) (*Recorder, error) {
	if cfg.Path == "" {
		return nil, errors.New("recorder: output path required")
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("recorder: fps %v must be positive", cfg.FPS)
	}
	if cfg.Queue <= 0 {
		cfg.Queue = defaultQueue
	}

	r := &Recorder{
		cfg:   cfg,
		queue: make(chan media.AnnotatedFrame, cfg.Queue),
		done:  make(chan struct{}),
	}
	r.openFn = r.openWriter
	r.writeFn = r.writeFrame
	r.closeFn = r.closeWriter

	go r.run()
	return r, nil
}

// Path returns the output file path.
func (r *Recorder) Path() string { return r.cfg.Path }

// Enqueue hands one frame to the recording. It blocks while the queue
// is full, preserving losslessness, and fails fast once the recording
// latched or closed.
func (r *Recorder) Enqueue(af media.AnnotatedFrame) error {
	if r.failed.Load() {
		return ErrRecordingFailed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.queue <- af
	return nil
}

// Close stops intake, flushes the queued frames and closes the writer.
// The context bounds the flush. Idempotent; a latched recording reports
// ErrRecordingFailed.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return fmt.Errorf("recorder: flush %s: %w", r.cfg.Path, ctx.Err())
	}

	if r.failed.Load() {
		return fmt.Errorf("%w: %v", ErrRecordingFailed, r.failErr)
	}
	if r.closeErr != nil {
		return fmt.Errorf("recorder: close %s: %w", r.cfg.Path, r.closeErr)
	}
	return nil
}

// Stats snapshots the recording counters.
func (r *Recorder) Stats() Stats {
	return Stats{
		Written:   r.written.Load(),
		Discarded: r.discarded.Load(),
		Failed:    r.failed.Load(),
	}
}

// Failed reports whether the recording latched.
func (r *Recorder) Failed() bool { return r.failed.Load() }

// run drains the queue in order until Close. After a latch it keeps
// draining so blocked producers unblock, discarding everything.
func (r *Recorder) run() {
	defer close(r.done)

	for af := range r.queue {
		if r.failed.Load() {
			r.discarded.Add(1)
			continue
		}
		if r.lastSeq != 0 && af.Frame.Seq <= r.lastSeq {
			r.fail(fmt.Errorf("recorder: sequence went backwards: %d after %d", af.Frame.Seq, r.lastSeq))
			r.discarded.Add(1)
			continue
		}

		err := r.writeOnce(af.Frame)
		if err != nil {
			slog.Warn("recorder: write failed, retrying once",
				"path", r.cfg.Path, "seq", af.Frame.Seq, "error", err)
			err = r.writeOnce(af.Frame)
		}
		if err != nil {
			r.fail(err)
			r.discarded.Add(1)
			continue
		}

		r.lastSeq = af.Frame.Seq
		r.written.Add(1)
	}

	if !r.failed.Load() {
		r.closeErr = r.closeFn()
		slog.Info("recorder: finalized recording",
			"path", r.cfg.Path, "frames", r.written.Load())
	}
}

// writeOnce opens the writer on the first frame and appends one frame.
// A dimension change mid-recording is a write error: the container was
// sized by the first frame.
func (r *Recorder) writeOnce(f media.Frame) error {
	if f.Empty() {
		return errors.New("recorder: empty frame")
	}
	if r.width == 0 {
		if err := r.openFn(r.cfg.Path, f.Width, f.Height); err != nil {
			return err
		}
		r.width, r.height = f.Width, f.Height
		slog.Info("recorder: opened writer",
			"path", r.cfg.Path, "codec", fourCC(r.cfg.Path),
			"width", f.Width, "height", f.Height, "fps", r.cfg.FPS)
	}
	if f.Width != r.width || f.Height != r.height {
		return fmt.Errorf("recorder: frame is %dx%d, recording is %dx%d",
			f.Width, f.Height, r.width, r.height)
	}
	return r.writeFn(f)
}

// fail latches the recording once and fires the callback. The writer is
// closed immediately so a partial file stays playable.
func (r *Recorder) fail(err error) {
	if !r.failed.CompareAndSwap(false, true) {
		return
	}
	r.failErr = err
	slog.Error("recorder: recording latched failed",
		"path", r.cfg.Path, "written", r.written.Load(), "error", err)
	if r.width != 0 {
		if cerr := r.closeFn(); cerr != nil {
			slog.Warn("recorder: closing failed writer", "path", r.cfg.Path, "error", cerr)
		}
	}
	if r.cfg.OnFail != nil {
		r.cfg.OnFail(err)
	}
}

func (r *Recorder) openWriter(path string, width, height int) error {
	vw, err := gocv.VideoWriterFile(path, fourCC(path), r.cfg.FPS, width, height, true)
	if err != nil {
		return fmt.Errorf("recorder: open %s: %w", path, err)
	}
	if !vw.IsOpened() {
		vw.Close()
		return fmt.Errorf("recorder: writer for %s did not open", path)
	}
	r.vw = vw
	return nil
}

func (r *Recorder) writeFrame(f media.Frame) error {
	mat, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.Data)
	if err != nil {
		return fmt.Errorf("recorder: mat from frame %d: %w", f.Seq, err)
	}
	defer mat.Close()
	if err := r.vw.Write(mat); err != nil {
		return fmt.Errorf("recorder: write frame %d: %w", f.Seq, err)
	}
	return nil
}

func (r *Recorder) closeWriter() error {
	if r.vw == nil {
		return nil
	}
	err := r.vw.Close()
	r.vw = nil
	return err
}
