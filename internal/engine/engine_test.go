package engine

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/dispatch"
	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/inference"
	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/media"
	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/playback"
	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/recorder"
	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/source"
)

const waitTimeout = 3 * time.Second

// fakeSource scripts reads through an injected next func, mirroring how
// the file and live sources behave without touching a container.
type fakeSource struct {
	info   source.Info
	next   func(ctx context.Context) (media.Frame, error)
	onSeek func(frame int64)

	mu    sync.Mutex
	seeks []int64
}

func (s *fakeSource) Info() source.Info { return s.info }

func (s *fakeSource) Next(ctx context.Context) (media.Frame, error) { return s.next(ctx) }

func (s *fakeSource) Seek(frame int64) error {
	if !s.info.Seekable {
		return source.ErrUnsupported
	}
	s.mu.Lock()
	s.seeks = append(s.seeks, frame)
	s.mu.Unlock()
	if s.onSeek != nil {
		s.onSeek(frame)
	}
	return nil
}

func (s *fakeSource) Close() error { return nil }

func (s *fakeSource) seekTargets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.seeks))
	copy(out, s.seeks)
	return out
}

// fileSource serves n frames of w x h then ErrEndOfStream. Seek moves
// the read cursor; failAt maps a read ordinal (1-based) to an error
// consumed once without advancing the cursor.
func fileSource(n int64, fps float64, failAt map[int]error) *fakeSource {
	var mu sync.Mutex
	var pos int64
	var seq uint64
	reads := 0

	s := &fakeSource{info: source.Info{
		Mode:        source.ModeFile,
		URI:         "clip.mp4",
		Width:       8,
		Height:      6,
		FPS:         fps,
		TotalFrames: n,
		Seekable:    true,
	}}
	s.onSeek = func(frame int64) {
		mu.Lock()
		defer mu.Unlock()
		pos = frame
	}
	s.next = func(ctx context.Context) (media.Frame, error) {
		mu.Lock()
		defer mu.Unlock()
		reads++
		if err, ok := failAt[reads]; ok {
			return media.Frame{}, err
		}
		if pos >= n {
			return media.Frame{}, source.ErrEndOfStream
		}
		f := media.NewFrame(8, 6, media.BGR24)
		f.Seq = seq
		f.Index = pos
		f.Capture = time.Now()
		seq++
		pos++
		return f, nil
	}
	return s
}

// liveSource serves frames until the injected error ordinal, then keeps
// returning that error. Frames carry Index -1.
func liveSource(failAfter int, failErr error) *fakeSource {
	var mu sync.Mutex
	var seq uint64
	served := 0

	s := &fakeSource{info: source.Info{
		Mode:        source.ModeLive,
		URI:         "rtsp://cam/stream",
		Width:       8,
		Height:      6,
		FPS:         30,
		TotalFrames: -1,
	}}
	s.next = func(ctx context.Context) (media.Frame, error) {
		mu.Lock()
		defer mu.Unlock()
		if served >= failAfter {
			return media.Frame{}, failErr
		}
		f := media.NewFrame(8, 6, media.BGR24)
		f.Seq = seq
		f.Index = -1
		f.Capture = time.Now()
		seq++
		served++
		return f, nil
	}
	return s
}

type fakeModel struct {
	task  media.Task
	infer func(ctx context.Context, f media.Frame) (media.Annotations, error)
}

func (m *fakeModel) Task() media.Task { return m.task }
func (m *fakeModel) Name() string     { return "fake-" + m.task.String() }
func (m *fakeModel) Close() error     { return nil }

func (m *fakeModel) Infer(ctx context.Context, f media.Frame) (media.Annotations, error) {
	if m.infer != nil {
		return m.infer(ctx, f)
	}
	return media.Annotations{
		Task: m.task,
		Detections: []media.Detection{
			{Box: media.Box{X1: 1, Y1: 1, X2: 5, Y2: 5}, Score: 0.9, Class: 0, Label: "person"},
		},
	}, nil
}

// markRenderer clones the frame and stamps its first byte so tests can
// tell rendered output from the bare source frame.
type markRenderer struct {
	calls   atomic.Uint64
	failOne bool
}

const renderMark = 0xAB

func (r *markRenderer) Render(f media.Frame, ann media.Annotations) (media.Frame, error) {
	n := r.calls.Add(1)
	if r.failOne && n == 1 {
		return media.Frame{}, errors.New("overlay exploded")
	}
	out := f.Clone()
	if len(out.Data) > 0 {
		out.Data[0] = renderMark
	}
	return out, nil
}

// fakeSink is a lossless recording stand-in with scripted failures.
type fakeSink struct {
	mu        sync.Mutex
	frames    []media.AnnotatedFrame
	attempts  int
	failFrom  int // enqueue ordinal at which ErrRecordingFailed starts, 0 = never
	preClosed bool
	closes    int
}

func (s *fakeSink) Enqueue(af media.AnnotatedFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.preClosed {
		return recorder.ErrClosed
	}
	if s.failFrom > 0 && s.attempts >= s.failFrom {
		return recorder.ErrRecordingFailed
	}
	s.frames = append(s.frames, af)
	return nil
}

func (s *fakeSink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeSink) recorded() []media.AnnotatedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]media.AnnotatedFrame, len(s.frames))
	copy(out, s.frames)
	return out
}

func (s *fakeSink) stats() (attempts, stored, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts, len(s.frames), s.closes
}

// rig assembles a started engine around fakes and tears it down with
// the test.
type rig struct {
	src    *fakeSource
	ctrl   *playback.Controller
	stage  *inference.Stage
	disp   *dispatch.Dispatcher
	render *markRenderer
	eng    *Engine
}

func newRig(t *testing.T, src *fakeSource, m inference.Model) *rig {
	t.Helper()
	if m == nil {
		m = &fakeModel{task: media.TaskDetection}
	}
	r := &rig{
		src:    src,
		ctrl:   playback.New(src.Info().Mode, src.Info().TotalFrames),
		stage:  inference.NewStage(inference.NewHandle(m)),
		disp:   dispatch.New(),
		render: &markRenderer{},
	}
	eng, err := New(Config{
		SessionID:  "session-under-test",
		Source:     src,
		Stage:      r.stage,
		Controller: r.ctrl,
		Renderer:   r.render,
		Dispatcher: r.disp,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.eng = eng
	eng.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		if err := eng.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
		if err := r.stage.Close(); err != nil {
			t.Errorf("stage close: %v", err)
		}
		r.disp.Close()
	})
	return r
}

func waitEvent(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("events channel closed while waiting for %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", kind)
		}
	}
}

// drainUntil collects every event up to and including the first of the
// given kind, returning per-kind counts.
func drainUntil(t *testing.T, events <-chan Event, kind EventKind) map[EventKind]int {
	t.Helper()
	counts := make(map[EventKind]int)
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("events channel closed while draining to %s", kind)
			}
			counts[ev.Kind]++
			if ev.Kind == kind {
				return counts
			}
		case <-deadline:
			t.Fatalf("timed out draining events to %s, saw %v", kind, counts)
		}
	}
}

func waitRecorded(t *testing.T, s *fakeSink, n int) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if _, stored, _ := s.stats(); stored >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	_, stored, _ := s.stats()
	t.Fatalf("timed out waiting for %d recorded frames, have %d", n, stored)
}

// Contract: a playing file session serves every frame in order through
// the pipeline, and end of stream stops the transport, finalizes the
// recording and emits exactly one end_of_stream event.
func TestFilePlaybackToEndOfStream(t *testing.T) {
	r := newRig(t, fileSource(5, 500, nil), nil)
	sink := &fakeSink{}
	r.eng.SetSink(sink)

	r.ctrl.Play()
	ev := waitEvent(t, r.eng.Events(), EventEndOfStream)
	if ev.Session != "session-under-test" {
		t.Fatalf("event session = %q", ev.Session)
	}

	frames := sink.recorded()
	if len(frames) != 5 {
		t.Fatalf("recorded %d frames, want 5", len(frames))
	}
	for i, af := range frames {
		if af.Frame.Index != int64(i) || af.Frame.Seq != uint64(i) {
			t.Fatalf("frame %d: index=%d seq=%d", i, af.Frame.Index, af.Frame.Seq)
		}
		if af.Model == "" {
			t.Fatalf("frame %d missing model name", i)
		}
		if len(af.Annotations.Detections) != 1 {
			t.Fatalf("frame %d: %d detections, want 1", i, len(af.Annotations.Detections))
		}
		if af.Frame.Data[0] != renderMark {
			t.Fatalf("frame %d was not rendered", i)
		}
	}

	snap := r.ctrl.Snapshot()
	if snap.State != playback.StateStopped {
		t.Fatalf("state after EOS = %s, want stopped", snap.State)
	}
	if snap.Position != 4 {
		t.Fatalf("position after EOS = %d, want 4", snap.Position)
	}

	if _, _, closes := sink.stats(); closes != 1 {
		t.Fatalf("sink closed %d times, want 1", closes)
	}
	st := r.eng.Stats()
	if st.Processed != 5 || st.Published != 5 || st.Recorded != 5 {
		t.Fatalf("stats = %+v", st)
	}
	if st.LoopLatency <= 0 {
		t.Fatalf("loop latency not tracked: %v", st.LoopLatency)
	}
	t.Logf("✅ 5 frames served in order, transport stopped at 4, recording finalized")
}

// Contract: Play after end of stream rewinds to frame zero through the
// pending-seek path and serves the file again.
func TestPlayAfterEndOfStreamRestartsFromZero(t *testing.T) {
	r := newRig(t, fileSource(3, 500, nil), nil)

	r.ctrl.Play()
	waitEvent(t, r.eng.Events(), EventEndOfStream)

	sink := &fakeSink{}
	r.eng.SetSink(sink)
	r.ctrl.Play()
	waitEvent(t, r.eng.Events(), EventEndOfStream)

	targets := r.src.seekTargets()
	if len(targets) == 0 || targets[len(targets)-1] != 0 {
		t.Fatalf("seek targets = %v, want trailing 0", targets)
	}
	frames := sink.recorded()
	if len(frames) != 3 || frames[0].Frame.Index != 0 {
		t.Fatalf("replay recorded %d frames, first index %v", len(frames), frames[0].Frame.Index)
	}
	t.Logf("✅ replay after EOS rewound to 0 and served all frames")
}

// Contract: a seek while not playing applies immediately and publishes
// exactly one preview frame without starting playback.
func TestStoppedSeekServesSingleFrame(t *testing.T) {
	r := newRig(t, fileSource(10, 500, nil), nil)
	sink := &fakeSink{}
	r.eng.SetSink(sink)

	if err := r.ctrl.Seek(5); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	waitRecorded(t, sink, 1)
	time.Sleep(30 * time.Millisecond)

	frames := sink.recorded()
	if len(frames) != 1 {
		t.Fatalf("recorded %d frames after stopped seek, want 1", len(frames))
	}
	if frames[0].Frame.Index != 5 {
		t.Fatalf("preview frame index = %d, want 5", frames[0].Frame.Index)
	}
	snap := r.ctrl.Snapshot()
	if snap.State != playback.StateStopped || snap.Position != 5 {
		t.Fatalf("snapshot = %s @ %d, want stopped @ 5", snap.State, snap.Position)
	}
	t.Logf("✅ stopped seek served one preview frame at 5 and stayed stopped")
}

// Contract: seeking during playback jumps the stream; frames after the
// jump continue in order from the target.
func TestSeekWhilePlayingJumps(t *testing.T) {
	r := newRig(t, fileSource(10, 500, nil), nil)
	sink := &fakeSink{}
	r.eng.SetSink(sink)

	r.ctrl.Play()
	waitRecorded(t, sink, 2)
	if err := r.ctrl.Seek(7); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	waitEvent(t, r.eng.Events(), EventEndOfStream)

	frames := sink.recorded()
	jump := -1
	for i, af := range frames {
		if af.Frame.Index == 7 && i > 0 && frames[i-1].Frame.Index != 6 {
			jump = i
			break
		}
	}
	if jump < 0 {
		// The seek may have landed before frame 6 was ever served; find
		// the first 7 then.
		for i, af := range frames {
			if af.Frame.Index == 7 {
				jump = i
				break
			}
		}
	}
	if jump < 0 {
		t.Fatalf("no frame with index 7 recorded: %v", indices(frames))
	}
	want := int64(7)
	for _, af := range frames[jump:] {
		if af.Frame.Index != want {
			t.Fatalf("after jump: index %d, want %d (all: %v)", af.Frame.Index, want, indices(frames))
		}
		want++
	}
	if want != 10 {
		t.Fatalf("playback ended at %d, want 10", want)
	}
	t.Logf("✅ mid-playback seek jumped to 7 and continued in order")
}

func indices(frames []media.AnnotatedFrame) []int64 {
	out := make([]int64, len(frames))
	for i, af := range frames {
		out[i] = af.Frame.Index
	}
	return out
}

// Contract: a timed-out read is retried without ending the session or
// emitting a terminal event.
func TestReadTimeoutRetries(t *testing.T) {
	fails := map[int]error{
		2: &source.ReadError{Kind: source.KindTimeout, Err: context.DeadlineExceeded},
		3: &source.ReadError{Kind: source.KindTimeout, Err: context.DeadlineExceeded},
	}
	r := newRig(t, fileSource(4, 500, fails), nil)
	sink := &fakeSink{}
	r.eng.SetSink(sink)

	r.ctrl.Play()
	counts := drainUntil(t, r.eng.Events(), EventEndOfStream)
	if counts[EventSourceLost] != 0 {
		t.Fatalf("timeouts escalated to source_lost %d times", counts[EventSourceLost])
	}

	if got := len(sink.recorded()); got != 4 {
		t.Fatalf("recorded %d frames, want all 4", got)
	}
	if st := r.eng.Stats(); st.Timeouts != 2 {
		t.Fatalf("timeouts = %d, want 2", st.Timeouts)
	}
	t.Logf("✅ two timeouts retried, all frames served")
}

// Contract: a disconnected live source stops the transport, finalizes
// the recording and emits source_lost carrying the read error.
func TestLiveDisconnectStopsSession(t *testing.T) {
	readErr := &source.ReadError{Kind: source.KindDisconnected, Err: io.ErrUnexpectedEOF}
	r := newRig(t, liveSource(2, readErr), nil)
	sink := &fakeSink{}
	r.eng.SetSink(sink)

	r.ctrl.Play()
	ev := waitEvent(t, r.eng.Events(), EventSourceLost)
	if !source.IsDisconnected(ev.Err) {
		t.Fatalf("event error %v is not a disconnect", ev.Err)
	}

	snap := r.ctrl.Snapshot()
	if snap.State != playback.StateStopped {
		t.Fatalf("state = %s, want stopped", snap.State)
	}
	if snap.Position != -1 || snap.Total != -1 {
		t.Fatalf("live snapshot positions = %d/%d, want -1/-1", snap.Position, snap.Total)
	}
	if _, stored, closes := sink.stats(); stored != 2 || closes != 1 {
		t.Fatalf("sink stored=%d closes=%d, want 2 and 1", stored, closes)
	}
	for _, af := range sink.recorded() {
		if af.Frame.Index != -1 {
			t.Fatalf("live frame carries index %d", af.Frame.Index)
		}
	}
	t.Logf("✅ disconnect stopped the session and finalized the recording")
}

// Contract: a failing recording sink is detached after one
// recording_failed event; the preview keeps running to end of stream.
func TestRecordingFailureDetachesSink(t *testing.T) {
	r := newRig(t, fileSource(8, 500, nil), nil)
	sink := &fakeSink{failFrom: 3}
	r.eng.SetSink(sink)

	r.ctrl.Play()
	failEv := waitEvent(t, r.eng.Events(), EventRecordingFailed)
	if !errors.Is(failEv.Err, recorder.ErrRecordingFailed) {
		t.Fatalf("event error = %v", failEv.Err)
	}
	waitEvent(t, r.eng.Events(), EventEndOfStream)

	attempts, stored, closes := sink.stats()
	if attempts != 3 {
		t.Fatalf("sink saw %d enqueues, want 3 (detached after failure)", attempts)
	}
	if stored != 2 {
		t.Fatalf("sink stored %d frames, want 2", stored)
	}
	if closes != 1 {
		t.Fatalf("failed sink closed %d times, want 1", closes)
	}
	if st := r.eng.Stats(); st.Recorded != 2 || st.Processed != 8 {
		t.Fatalf("stats = %+v, want recorded 2 of processed 8", st)
	}
	t.Logf("✅ sink failure detached recording, preview finished all 8 frames")
}

// Contract: an enqueue refused with ErrClosed means the recording was
// stopped by its owner; the engine detaches silently without an event.
func TestClosedSinkDetachesQuietly(t *testing.T) {
	r := newRig(t, fileSource(4, 500, nil), nil)
	sink := &fakeSink{preClosed: true}
	r.eng.SetSink(sink)

	r.ctrl.Play()
	counts := drainUntil(t, r.eng.Events(), EventEndOfStream)
	if counts[EventRecordingFailed] != 0 {
		t.Fatalf("recording_failed emitted %d times for a stopped sink", counts[EventRecordingFailed])
	}

	attempts, _, closes := sink.stats()
	if attempts != 1 {
		t.Fatalf("closed sink saw %d enqueues, want 1", attempts)
	}
	if closes != 0 {
		t.Fatalf("engine closed an already-stopped sink %d times", closes)
	}
	t.Logf("✅ stopped sink detached without a recording_failed event")
}

// Contract: persistent inference failure degrades the stage and emits
// stage_degraded exactly once while frames keep flowing with empty
// annotations.
func TestStageDegradedEmitsOnce(t *testing.T) {
	m := &fakeModel{task: media.TaskDetection, infer: func(ctx context.Context, f media.Frame) (media.Annotations, error) {
		return media.Annotations{}, errors.New("backend down")
	}}
	r := newRig(t, fileSource(6, 500, nil), m)
	sink := &fakeSink{}
	r.eng.SetSink(sink)

	r.ctrl.Play()
	counts := drainUntil(t, r.eng.Events(), EventEndOfStream)
	if counts[EventStageDegraded] != 1 {
		t.Fatalf("stage_degraded emitted %d times, want 1", counts[EventStageDegraded])
	}

	frames := sink.recorded()
	if len(frames) != 6 {
		t.Fatalf("recorded %d frames, want 6", len(frames))
	}
	for i, af := range frames {
		if !af.Annotations.Empty() {
			t.Fatalf("frame %d carries annotations despite failing model", i)
		}
	}
	if !r.stage.Degraded() {
		t.Fatal("stage not degraded after persistent failures")
	}
	t.Logf("✅ degraded latched once, 6 substituted frames still served")
}

// Contract: the rotation in effect when a frame is published is burned
// into its pixels; an 8x6 frame rotated 90° publishes as 6x8.
func TestRotationAppliedAtPublish(t *testing.T) {
	r := newRig(t, fileSource(3, 500, nil), nil)
	sink := &fakeSink{}
	r.eng.SetSink(sink)

	if err := r.ctrl.SetRotation(media.Rotate90); err != nil {
		t.Fatalf("SetRotation: %v", err)
	}
	r.ctrl.Play()
	waitEvent(t, r.eng.Events(), EventEndOfStream)

	for i, af := range sink.recorded() {
		if af.Frame.Width != 6 || af.Frame.Height != 8 {
			t.Fatalf("frame %d is %dx%d, want 6x8", i, af.Frame.Width, af.Frame.Height)
		}
		if af.Rotation != media.Rotate90 {
			t.Fatalf("frame %d rotation = %s", i, af.Rotation)
		}
	}
	t.Logf("✅ 90° rotation reshaped every published frame")
}

// Contract: a renderer failure downgrades that frame to the bare source
// pixels instead of dropping it.
func TestRendererFailurePublishesBareFrame(t *testing.T) {
	r := newRig(t, fileSource(2, 500, nil), nil)
	r.render.failOne = true
	sink := &fakeSink{}
	r.eng.SetSink(sink)

	r.ctrl.Play()
	waitEvent(t, r.eng.Events(), EventEndOfStream)

	frames := sink.recorded()
	if len(frames) != 2 {
		t.Fatalf("recorded %d frames, want 2", len(frames))
	}
	if frames[0].Frame.Data[0] == renderMark {
		t.Fatal("first frame carries overlay despite renderer failure")
	}
	if frames[1].Frame.Data[0] != renderMark {
		t.Fatal("second frame missing overlay after renderer recovered")
	}
	t.Logf("✅ render failure fell back to the bare frame for that frame only")
}

// Contract: pacing holds file playback near the nominal frame interval.
// Three 20ms frames cannot finish in under 40ms.
func TestPacingBoundsFileRate(t *testing.T) {
	r := newRig(t, fileSource(3, 50, nil), nil)

	start := time.Now()
	r.ctrl.Play()
	waitEvent(t, r.eng.Events(), EventEndOfStream)
	elapsed := time.Since(start)

	if elapsed < 40*time.Millisecond {
		t.Fatalf("3 frames at 50fps took %v, want >= 40ms", elapsed)
	}
	t.Logf("✅ pacing held 3 frames at 50fps to %v", elapsed)
}

// Contract: Close stops the worker, closes the events channel and is
// idempotent.
func TestCloseStopsWorkerAndClosesEvents(t *testing.T) {
	src := fileSource(1000, 50, nil)
	ctrl := playback.New(source.ModeFile, 1000)
	stage := inference.NewStage(inference.NewHandle(&fakeModel{task: media.TaskDetection}))
	disp := dispatch.New()
	eng, err := New(Config{
		Source: src, Stage: stage, Controller: ctrl,
		Renderer: &markRenderer{}, Dispatcher: disp,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	eng.Start()
	ctrl.Play()
	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := eng.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-eng.Events(); ok {
		// Buffered events may drain first; the channel must end.
		for range eng.Events() {
		}
	}
	if err := eng.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := stage.Close(); err != nil {
		t.Fatalf("stage close: %v", err)
	}
	disp.Close()
	t.Logf("✅ Close stopped the worker and closed the event stream")
}

// Contract: Close racing Start never observes a half-initialized
// engine; whichever order the two land in, shutdown is clean and
// repeatable.
func TestCloseConcurrentWithStart(t *testing.T) {
	for i := 0; i < 50; i++ {
		src := fileSource(3, 500, nil)
		ctrl := playback.New(source.ModeFile, 3)
		stage := inference.NewStage(inference.NewHandle(&fakeModel{task: media.TaskDetection}))
		disp := dispatch.New()
		eng, err := New(Config{
			Source: src, Stage: stage, Controller: ctrl,
			Renderer: &markRenderer{}, Dispatcher: disp,
		})
		if err != nil {
			t.Fatalf("New: %v", err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			eng.Start()
		}()
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
			defer cancel()
			if err := eng.Close(ctx); err != nil {
				t.Errorf("racing Close: %v", err)
			}
		}()
		wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		if err := eng.Close(ctx); err != nil {
			t.Fatalf("Close after the race: %v", err)
		}
		cancel()
		if err := stage.Close(); err != nil {
			t.Fatalf("stage close: %v", err)
		}
		disp.Close()
	}
	t.Logf("✅ 50 Start/Close races shut down clean")
}

// Contract: speed scales pacing only. Doubling the factor roughly
// halves the wall clock of a paced file run while serving the same
// frames in the same order.
func TestSpeedScalesPacing(t *testing.T) {
	run := func(speed float64) (time.Duration, []int64) {
		r := newRig(t, fileSource(8, 25, nil), nil)
		sink := &fakeSink{}
		r.eng.SetSink(sink)
		if err := r.ctrl.SetSpeed(speed); err != nil {
			t.Fatalf("SetSpeed(%v): %v", speed, err)
		}
		start := time.Now()
		r.ctrl.Play()
		waitEvent(t, r.eng.Events(), EventEndOfStream)
		return time.Since(start), indices(sink.recorded())
	}

	// 8 frames at 25fps: nominal 320ms at 1x, 160ms at 2x.
	nominal, nominalFrames := run(1.0)
	double, doubleFrames := run(2.0)

	if len(nominalFrames) != 8 || len(doubleFrames) != 8 {
		t.Fatalf("frame counts = %d and %d, want 8 and 8", len(nominalFrames), len(doubleFrames))
	}
	for i := range nominalFrames {
		if nominalFrames[i] != int64(i) || doubleFrames[i] != int64(i) {
			t.Fatalf("frame order differs across speeds: %v vs %v", nominalFrames, doubleFrames)
		}
	}
	if nominal < 280*time.Millisecond {
		t.Fatalf("1x run took %v, want >= 280ms of pacing", nominal)
	}
	if double < 140*time.Millisecond {
		t.Fatalf("2x run took %v, want >= 140ms of pacing", double)
	}
	if double >= nominal {
		t.Fatalf("2x run (%v) not faster than 1x run (%v)", double, nominal)
	}
	t.Logf("✅ same 8 frames in order: %v at 1x, %v at 2x", nominal, double)
}

// Contract: a worker stuck in a blocking read makes Close report
// ErrShutdownTimeout instead of hanging.
func TestCloseTimeoutOnStuckWorker(t *testing.T) {
	release := make(chan struct{})
	src := &fakeSource{info: source.Info{Mode: source.ModeLive, TotalFrames: -1, FPS: 30}}
	src.next = func(ctx context.Context) (media.Frame, error) {
		<-release
		return media.Frame{}, ctx.Err()
	}
	ctrl := playback.New(source.ModeLive, -1)
	stage := inference.NewStage(inference.NewHandle(&fakeModel{task: media.TaskDetection}))
	disp := dispatch.New()
	eng, err := New(Config{
		Source: src, Stage: stage, Controller: ctrl,
		Renderer: &markRenderer{}, Dispatcher: disp,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	eng.Start()
	ctrl.Play()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := eng.Close(ctx); !errors.Is(err, ErrShutdownTimeout) {
		t.Fatalf("Close on stuck worker = %v, want ErrShutdownTimeout", err)
	}

	close(release)
	ctx2, cancel2 := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel2()
	if err := eng.Close(ctx2); err != nil {
		t.Fatalf("Close after release: %v", err)
	}
	if err := stage.Close(); err != nil {
		t.Fatalf("stage close: %v", err)
	}
	disp.Close()
	t.Logf("✅ stuck worker surfaced ErrShutdownTimeout, then shut down clean")
}

// Contract: New rejects a config with missing collaborators.
func TestNewValidatesConfig(t *testing.T) {
	src := fileSource(1, 30, nil)
	ctrl := playback.New(source.ModeFile, 1)
	stage := inference.NewStage(inference.NewHandle(&fakeModel{task: media.TaskDetection}))
	defer stage.Close()
	disp := dispatch.New()
	defer disp.Close()

	if _, err := New(Config{Stage: stage, Controller: ctrl, Renderer: &markRenderer{}, Dispatcher: disp}); err == nil {
		t.Fatal("nil source accepted")
	}
	if _, err := New(Config{Source: src, Stage: stage, Controller: ctrl, Dispatcher: disp}); err == nil {
		t.Fatal("nil renderer accepted")
	}
	eng, err := New(Config{Source: src, Stage: stage, Controller: ctrl, Renderer: &markRenderer{}, Dispatcher: disp})
	if err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if eng.ID() == "" {
		t.Fatal("engine did not assign a session id")
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := eng.Close(ctx); err != nil {
		t.Fatalf("Close unstarted engine: %v", err)
	}
	t.Logf("✅ config validation and unstarted close behave")
}

// Contract: the display dispatcher receives published frames; a slow
// subscriber sees the latest frame rather than blocking the worker.
func TestDispatcherReceivesLatest(t *testing.T) {
	r := newRig(t, fileSource(6, 500, nil), nil)
	sub, err := r.disp.Subscribe("display")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	r.ctrl.Play()
	waitEvent(t, r.eng.Events(), EventEndOfStream)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	af, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if af.Frame.Index != 5 {
		t.Fatalf("latest frame index = %d, want 5", af.Frame.Index)
	}
	if st := r.eng.Stats(); st.Published != 6 {
		t.Fatalf("published = %d, want 6", st.Published)
	}
	t.Logf("✅ slow display consumer got the latest frame (index 5)")
}
