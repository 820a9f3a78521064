// Package engine runs one session's worker loop: the single goroutine
// that owns the source and the inference stage and turns transport
// state into a stream of annotated frames.
//
// Loop shape, one iteration: gate on the controller, apply a pending
// seek, read a frame, infer, burn the overlay, rotate, publish to the
// display dispatcher and the recording sink, then pace. Commands never
// touch the source or the stage directly; they flip controller state
// and the worker picks it up between frames.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/dispatch"
	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/inference"
	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/media"
	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/playback"
	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/recorder"
	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/source"
)

const (
	defaultEventsBuffer = 16
	finalizeTimeout     = 3 * time.Second
)

// ErrShutdownTimeout reports a worker that did not stop within the
// Close deadline. Resources are force-released by process exit; the
// caller is told instead of hanging.
var ErrShutdownTimeout = errors.New("engine: shutdown timeout")

// EventKind classifies session events.
type EventKind uint8

const (
	// EventEndOfStream: the file source is exhausted; transport stopped.
	EventEndOfStream EventKind = iota

	// EventSourceLost: a live source disconnected past recovery.
	EventSourceLost

	// EventStageDegraded: inference failed on enough consecutive frames
	// to latch; emitted on the rising edge only.
	EventStageDegraded

	// EventRecordingFailed: the recording sink latched; preview
	// continues.
	EventRecordingFailed
)

func (k EventKind) String() string {
	switch k {
	case EventEndOfStream:
		return "end_of_stream"
	case EventSourceLost:
		return "source_lost"
	case EventStageDegraded:
		return "stage_degraded"
	case EventRecordingFailed:
		return "recording_failed"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Event is one session occurrence, delivered best-effort: the events
// channel never blocks the worker, overflow is dropped with a log line.
type Event struct {
	Kind    EventKind
	Session string
	Seq     uint64
	Err     error
	Time    time.Time
}

// Renderer burns annotations into a frame's pixels. The overlay package
// provides the production implementation; tests inject pass-throughs.
type Renderer interface {
	Render(f media.Frame, ann media.Annotations) (media.Frame, error)
}

// Sink consumes published frames losslessly. The recorder implements
// it; Enqueue may block for backpressure and reports latched failures
// with recorder.ErrRecordingFailed.
type Sink interface {
	Enqueue(af media.AnnotatedFrame) error
	Close(ctx context.Context) error
}

// Config assembles one session's collaborators.
type Config struct {
	SessionID  string
	Source     source.Source
	Stage      *inference.Stage
	Controller *playback.Controller
	Renderer   Renderer
	Dispatcher *dispatch.Dispatcher

	// EventsBuffer sizes the event channel. Zero means 16.
	EventsBuffer int
}

// Stats is a point-in-time snapshot of the worker counters.
type Stats struct {
	Processed   uint64
	Published   uint64
	Recorded    uint64
	Timeouts    uint64
	LoopLatency time.Duration
}

// Engine is one session worker. Start it once; command methods are safe
// from any goroutine.
type Engine struct {
	id     string
	src    source.Source
	stage  *inference.Stage
	ctrl   *playback.Controller
	render Renderer
	disp   *dispatch.Dispatcher
	info   source.Info

	events       chan Event
	eventsClosed atomic.Bool

	sinkMu sync.Mutex
	sink   Sink

	// runCtx and cancel exist from New, so a Close racing Start always
	// has a context to cancel.
	runCtx  context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool
	closed  atomic.Bool

	processed atomic.Uint64
	published atomic.Uint64
	recorded  atomic.Uint64
	timeouts  atomic.Uint64
	loopNanos atomic.Int64

	// Worker-owned rising edge latch for the degraded event.
	wasDegraded bool
}

// New wires an engine. The worker does not run until Start.
func New(cfg Config) (*Engine, error) {
	if cfg.Source == nil || cfg.Stage == nil || cfg.Controller == nil || cfg.Dispatcher == nil {
		return nil, errors.New("engine: source, stage, controller and dispatcher are required")
	}
	if cfg.Renderer == nil {
		return nil, errors.New("engine: renderer is required")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.New().String()
	}
	if cfg.EventsBuffer <= 0 {
		cfg.EventsBuffer = defaultEventsBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		id:     cfg.SessionID,
		src:    cfg.Source,
		stage:  cfg.Stage,
		ctrl:   cfg.Controller,
		render: cfg.Renderer,
		disp:   cfg.Dispatcher,
		info:   cfg.Source.Info(),
		events: make(chan Event, cfg.EventsBuffer),
		done:   make(chan struct{}),
		runCtx: ctx,
		cancel: cancel,
	}, nil
}

func (e *Engine) ID() string { return e.id }

// Events returns the session event stream. Closed by Close after the
// worker exits.
func (e *Engine) Events() <-chan Event { return e.events }

// Start launches the worker goroutine. Idempotent. Starting after Close
// launches a worker whose context is already canceled; it exits on its
// first gate.
func (e *Engine) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	go e.run(e.runCtx)
}

// SetSink installs the recording sink picked up on the next iteration
// and returns the previous one, if any, for the caller to finalize.
func (e *Engine) SetSink(s Sink) Sink {
	e.sinkMu.Lock()
	defer e.sinkMu.Unlock()
	old := e.sink
	e.sink = s
	return old
}

func (e *Engine) currentSink() Sink {
	e.sinkMu.Lock()
	defer e.sinkMu.Unlock()
	return e.sink
}

// HasSink reports whether a recording sink is attached. False after the
// engine detached a failed or finalized sink.
func (e *Engine) HasSink() bool { return e.currentSink() != nil }

// takeSink detaches the sink if it is still the given one. A nil want
// takes whatever is installed.
func (e *Engine) takeSink(want Sink) Sink {
	e.sinkMu.Lock()
	defer e.sinkMu.Unlock()
	if want != nil && e.sink != want {
		return nil
	}
	s := e.sink
	e.sink = nil
	return s
}

// Stats snapshots the worker counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Processed:   e.processed.Load(),
		Published:   e.published.Load(),
		Recorded:    e.recorded.Load(),
		Timeouts:    e.timeouts.Load(),
		LoopLatency: time.Duration(e.loopNanos.Load()),
	}
}

// Close stops the worker and waits for it within the context deadline.
// Idempotent; the events channel closes once the worker has exited.
func (e *Engine) Close(ctx context.Context) error {
	if e.closed.CompareAndSwap(false, true) {
		e.cancel()
	}
	if !e.started.Load() {
		e.closeEvents()
		return nil
	}

	select {
	case <-e.done:
		e.closeEvents()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close session %s: %w", e.id, ErrShutdownTimeout)
	}
}

func (e *Engine) closeEvents() {
	if e.eventsClosed.CompareAndSwap(false, true) {
		close(e.events)
	}
}

func (e *Engine) emit(ev Event) {
	if e.eventsClosed.Load() {
		return
	}
	ev.Session = e.id
	ev.Time = time.Now()
	select {
	case e.events <- ev:
	default:
		slog.Warn("engine: event dropped, channel full",
			"session", e.id, "kind", ev.Kind.String())
	}
}

// run is the session worker. It is the only goroutine that touches the
// source and the stage. It owns the events channel: the channel closes
// when the worker exits, even when Close gave up waiting.
func (e *Engine) run(ctx context.Context) {
	defer e.closeEvents()
	defer close(e.done)
	slog.Info("engine: worker started",
		"session", e.id, "mode", e.info.Mode.String(), "uri", e.info.URI,
		"fps", e.info.FPS, "frames", e.info.TotalFrames)

	for {
		wake, _ := e.ctrl.Await(ctx)
		if wake == playback.WakeShutdown {
			e.finalizeRecording()
			slog.Info("engine: worker stopped",
				"session", e.id, "processed", e.processed.Load())
			return
		}

		if target, ok := e.ctrl.TakeSeek(); ok {
			if err := e.applySeek(target); err != nil {
				slog.Warn("engine: seek failed",
					"session", e.id, "target", target, "error", err)
				continue
			}
			// A paused (or stopped) seek still shows its one frame.
			if !e.ctrl.Snapshot().Playing() {
				e.iterate(ctx, false)
			}
			continue
		}

		if !e.ctrl.Snapshot().Playing() {
			continue
		}
		e.iterate(ctx, true)
	}
}

func (e *Engine) applySeek(target int64) error {
	if err := e.src.Seek(target); err != nil {
		return err
	}
	e.ctrl.SetPosition(target)
	slog.Debug("engine: seek applied", "session", e.id, "target", target)
	return nil
}

// iterate processes exactly one frame end to end.
func (e *Engine) iterate(ctx context.Context, pace bool) {
	start := time.Now()

	f, err := e.src.Next(ctx)
	if err != nil {
		e.handleReadError(ctx, err)
		return
	}

	res := e.stage.Process(ctx, f)
	e.observeDegraded(f.Seq)

	rendered, rerr := e.render.Render(f, res.Annotations)
	if rerr != nil {
		slog.Warn("engine: overlay render failed, publishing bare frame",
			"session", e.id, "seq", f.Seq, "error", rerr)
		rendered = f
	}

	snap := e.ctrl.Snapshot()
	af := media.AnnotatedFrame{
		Frame:       media.Rotate(rendered, snap.Rotation),
		Annotations: res.Annotations,
		Rotation:    snap.Rotation,
		Model:       res.Model,
		Latency:     res.Latency,
	}

	e.disp.Publish(af)
	e.published.Add(1)
	e.recordFrame(af)

	e.processed.Add(1)
	if f.Index >= 0 {
		e.ctrl.SetPosition(f.Index)
	}
	e.observeLatency(time.Since(start))

	if pace {
		e.pace(ctx, start, snap.Speed)
	}
}

// recordFrame feeds the sink, detaching it when the recording dies so
// the preview keeps running.
func (e *Engine) recordFrame(af media.AnnotatedFrame) {
	s := e.currentSink()
	if s == nil {
		return
	}
	err := s.Enqueue(af)
	if err == nil {
		e.recorded.Add(1)
		return
	}

	if e.takeSink(s) == nil {
		// Already detached by StopRecording; nothing to report.
		return
	}
	if errors.Is(err, recorder.ErrClosed) {
		return
	}
	slog.Error("engine: recording sink failed, preview continues",
		"session", e.id, "seq", af.Frame.Seq, "error", err)
	e.emit(Event{Kind: EventRecordingFailed, Seq: af.Frame.Seq, Err: err})

	closeCtx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	if cerr := s.Close(closeCtx); cerr != nil && !errors.Is(cerr, recorder.ErrRecordingFailed) {
		slog.Warn("engine: closing failed sink", "session", e.id, "error", cerr)
	}
}

func (e *Engine) handleReadError(ctx context.Context, err error) {
	switch {
	case errors.Is(err, source.ErrEndOfStream):
		slog.Info("engine: end of stream",
			"session", e.id, "processed", e.processed.Load())
		e.finalizeRecording()
		e.ctrl.Finish()
		e.emit(Event{Kind: EventEndOfStream})

	case source.IsTimeout(err):
		e.timeouts.Add(1)
		slog.Warn("engine: source read timed out, retrying",
			"session", e.id, "error", err)

	case source.IsDisconnected(err):
		slog.Error("engine: source disconnected",
			"session", e.id, "error", err)
		e.finalizeRecording()
		e.ctrl.Finish()
		e.emit(Event{Kind: EventSourceLost, Err: err})

	case errors.Is(err, source.ErrClosed), ctx.Err() != nil:
		// Session teardown in progress; the gate handles the exit.
		e.ctrl.Finish()

	default:
		slog.Error("engine: source read failed",
			"session", e.id, "error", err)
		e.finalizeRecording()
		e.ctrl.Finish()
		e.emit(Event{Kind: EventSourceLost, Err: err})
	}
}

// observeDegraded emits the degraded event on the rising edge only.
func (e *Engine) observeDegraded(seq uint64) {
	degraded := e.stage.Degraded()
	if degraded && !e.wasDegraded {
		slog.Warn("engine: inference stage degraded", "session", e.id, "seq", seq)
		e.emit(Event{Kind: EventStageDegraded, Seq: seq})
	}
	e.wasDegraded = degraded
}

// finalizeRecording detaches and closes the active sink, bounded so a
// stuck writer cannot wedge shutdown.
func (e *Engine) finalizeRecording() {
	s := e.takeSink(nil)
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		if errors.Is(err, recorder.ErrRecordingFailed) {
			e.emit(Event{Kind: EventRecordingFailed, Err: err})
		}
		slog.Warn("engine: finalize recording", "session", e.id, "error", err)
		return
	}
	slog.Info("engine: recording finalized", "session", e.id)
}

// pace sleeps out the remainder of the frame interval, context-aware.
func (e *Engine) pace(ctx context.Context, start time.Time, speed float64) {
	interval := playback.PaceInterval(e.info, speed)
	wait := interval - time.Since(start)
	if wait <= 0 {
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// observeLatency folds one loop duration into the EWMA (α = 0.1).
func (e *Engine) observeLatency(d time.Duration) {
	old := e.loopNanos.Load()
	if old == 0 {
		e.loopNanos.Store(int64(d))
		return
	}
	e.loopNanos.Store(old - old/10 + int64(d)/10)
}
