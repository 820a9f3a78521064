package stridestudio

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/config"
	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/inference"
	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/media"
	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/playback"
	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/source"
)

const sessionWait = 3 * time.Second

// stubModel produces one annotation of its task per frame.
type stubModel struct {
	task media.Task
}

func (m *stubModel) Task() media.Task { return m.task }
func (m *stubModel) Name() string     { return "stub-" + m.task.String() }
func (m *stubModel) Close() error     { return nil }

func (m *stubModel) Infer(ctx context.Context, f media.Frame) (media.Annotations, error) {
	ann := media.Annotations{Task: m.task}
	switch m.task {
	case media.TaskPose:
		ann.Poses = []media.Pose{{
			Detection: media.Detection{Box: media.Box{X2: 4, Y2: 4}, Score: 0.8, Label: "person"},
			Keypoints: make([]media.Keypoint, 17),
		}}
	default:
		ann.Detections = []media.Detection{
			{Box: media.Box{X2: 4, Y2: 4}, Score: 0.9, Label: "person"},
		}
	}
	return ann, nil
}

// stubLoader tracks load calls and scripted failures per task.
type stubLoader struct {
	mu    sync.Mutex
	loads map[media.Task]int
	paths map[media.Task]string
	libs  map[media.Task]string
	fail  map[media.Task]bool
}

func newStubLoader() *stubLoader {
	return &stubLoader{
		loads: make(map[media.Task]int),
		paths: make(map[media.Task]string),
		libs:  make(map[media.Task]string),
		fail:  make(map[media.Task]bool),
	}
}

func (l *stubLoader) load(task media.Task, opts inference.Options) (inference.Model, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail[task] {
		return nil, errors.New("checkpoint missing")
	}
	l.loads[task]++
	l.paths[task] = opts.Path
	l.libs[task] = opts.RuntimeLib
	return &stubModel{task: task}, nil
}

func (l *stubLoader) pathFor(task media.Task) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paths[task]
}

func (l *stubLoader) libFor(task media.Task) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.libs[task]
}

// passRenderer publishes frames untouched.
type passRenderer struct{}

func (passRenderer) Render(f media.Frame, ann media.Annotations) (media.Frame, error) {
	return f, nil
}

func clip(frames int64) *source.Synthetic {
	return source.NewSynthetic(source.SyntheticConfig{
		Mode:   source.ModeFile,
		Width:  32,
		Height: 24,
		FPS:    500,
		Frames: frames,
	})
}

func openTestSession(t *testing.T, cfg *config.Config, src source.Source) (*Session, *stubLoader) {
	t.Helper()
	loader := newStubLoader()
	sess, err := OpenSession(SessionConfig{
		Config:   cfg,
		Source:   src,
		Loader:   loader.load,
		Renderer: passRenderer{},
	})
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sessionWait)
		defer cancel()
		if err := sess.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return sess, loader
}

func waitSessionEvent(t *testing.T, sess *Session, kind EventKind) Event {
	t.Helper()
	deadline := time.After(sessionWait)
	for {
		select {
		case ev, ok := <-sess.Events():
			if !ok {
				t.Fatalf("events closed while waiting for %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

// Contract: an open session plays a file source end to end, surfaces
// the end through an event and a stopped transport, and counts every
// frame.
func TestSessionPlaysFileToEnd(t *testing.T) {
	sess, _ := openTestSession(t, nil, clip(6))
	sub, err := sess.Subscribe("ui")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	sess.Play()
	waitSessionEvent(t, sess, EventEndOfStream)

	tr := sess.Transport()
	if tr.State != playback.StateStopped || tr.Position != 5 {
		t.Fatalf("transport = %s @ %d, want stopped @ 5", tr.State, tr.Position)
	}

	st := sess.Stats()
	if st.Engine.Processed != 6 || st.Stage.Processed != 6 {
		t.Fatalf("stats = engine %d / stage %d, want 6/6", st.Engine.Processed, st.Stage.Processed)
	}

	af, ok := sub.TryNext()
	if !ok {
		t.Fatal("subscriber saw no frames")
	}
	if af.Frame.Index != 5 {
		t.Fatalf("latest frame index = %d, want 5", af.Frame.Index)
	}
	if af.Annotations.Task != media.TaskDetection || len(af.Annotations.Detections) != 1 {
		t.Fatalf("annotations = %+v", af.Annotations)
	}
	t.Logf("✅ session served 6 frames, stopped at 5, subscriber saw the latest")
}

// Contract: a seek on a stopped session serves one preview frame at the
// target without starting playback.
func TestSessionPreviewSeek(t *testing.T) {
	sess, _ := openTestSession(t, nil, clip(10))
	sub, err := sess.Subscribe("ui")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := sess.Seek(3); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), sessionWait)
	defer cancel()
	af, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if af.Frame.Index != 3 {
		t.Fatalf("preview index = %d, want 3", af.Frame.Index)
	}

	tr := sess.Transport()
	if tr.Playing() {
		t.Fatal("preview seek started playback")
	}
	if tr.Position != 3 {
		t.Fatalf("position = %d, want 3", tr.Position)
	}
	t.Logf("✅ stopped seek previewed frame 3 without playing")
}

// Contract: SwitchTask hot-swaps the model at the next frame; a load
// failure keeps the current model serving. The explicit checkpoint path
// binds only to the configured task.
func TestSessionSwitchTask(t *testing.T) {
	cfg := config.Default()
	cfg.Inference.Model = "/models/custom-det.onnx"
	sess, loader := openTestSession(t, cfg, clip(20))
	sub, err := sess.Subscribe("ui")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if got := loader.pathFor(media.TaskDetection); got != "/models/custom-det.onnx" {
		t.Fatalf("configured task loaded path %q", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), sessionWait)
	defer cancel()
	if err := sess.SwitchTask(ctx, media.TaskPose); err != nil {
		t.Fatalf("SwitchTask: %v", err)
	}
	if got := loader.pathFor(media.TaskPose); got != "" {
		t.Fatalf("switched task loaded explicit path %q, want default resolution", got)
	}

	// The swap applies on the next processed frame.
	if err := sess.Seek(2); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	af, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if af.Annotations.Task != media.TaskPose || len(af.Annotations.Poses) != 1 {
		t.Fatalf("post-swap annotations = %+v", af.Annotations)
	}
	if sess.Task() != media.TaskPose {
		t.Fatalf("active task = %s, want pose", sess.Task())
	}

	loader.fail[media.TaskSegmentation] = true
	if err := sess.SwitchTask(ctx, media.TaskSegmentation); err == nil {
		t.Fatal("failed load accepted")
	}
	if sess.Task() != media.TaskPose {
		t.Fatalf("failed switch changed task to %s", sess.Task())
	}
	t.Logf("✅ pose swap applied on next frame, failed switch left pose serving")
}

// Contract: the recording lifecycle enforces one active recording,
// names default outputs inside the configured directory, and stops
// cleanly.
func TestSessionRecordingLifecycle(t *testing.T) {
	cfg := config.Default()
	cfg.Recording.Dir = t.TempDir()
	sess, _ := openTestSession(t, cfg, clip(10))

	path, err := sess.StartRecording("")
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if filepath.Dir(path) != cfg.Recording.Dir {
		t.Fatalf("default path %q not in %q", path, cfg.Recording.Dir)
	}
	if filepath.Ext(path) != ".mkv" {
		t.Fatalf("default container ext = %q, want .mkv", filepath.Ext(path))
	}
	if !sess.Recording() {
		t.Fatal("Recording() false after start")
	}

	if _, err := sess.StartRecording(""); err == nil {
		t.Fatal("second recording accepted while active")
	}

	ctx, cancel := context.WithTimeout(context.Background(), sessionWait)
	defer cancel()
	if err := sess.StopRecording(ctx); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if sess.Recording() {
		t.Fatal("Recording() true after stop")
	}
	if err := sess.StopRecording(ctx); err == nil {
		t.Fatal("stop without active recording accepted")
	}
	t.Logf("✅ recording lifecycle: default name %s, single active, clean stop", filepath.Base(path))
}

// Contract: live sessions reject seeks and report unaddressable
// positions.
func TestSessionLiveRejectsSeek(t *testing.T) {
	live := source.NewSynthetic(source.SyntheticConfig{
		Mode:   source.ModeLive,
		Width:  32,
		Height: 24,
		FPS:    30,
	})
	sess, _ := openTestSession(t, nil, live)

	err := sess.Seek(10)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("live seek error = %v, want ErrUnsupported", err)
	}
	tr := sess.Transport()
	if tr.Position != -1 || tr.Total != -1 {
		t.Fatalf("live positions = %d/%d, want -1/-1", tr.Position, tr.Total)
	}
	if err := sess.SetSpeed(2.0); err != nil {
		t.Fatalf("live SetSpeed rejected: %v", err)
	}
	t.Logf("✅ live session rejected seek, accepted speed, positions -1")
}

// Contract: a nil config opens the default synthetic detection session;
// Close is idempotent and ends the event stream.
func TestSessionDefaultsAndClose(t *testing.T) {
	loader := newStubLoader()
	sess, err := OpenSession(SessionConfig{Loader: loader.load, Renderer: passRenderer{}})
	if err != nil {
		t.Fatalf("OpenSession with defaults: %v", err)
	}
	if sess.ID() == "" {
		t.Fatal("session has no id")
	}
	if sess.Task() != media.TaskDetection {
		t.Fatalf("default task = %s", sess.Task())
	}

	ctx, cancel := context.WithTimeout(context.Background(), sessionWait)
	defer cancel()
	if err := sess.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	for range sess.Events() {
	}
	t.Logf("✅ defaults opened a detection session, double close clean")
}

// Contract: rotation commands cycle quarter turns and drive published
// frame geometry.
func TestSessionRotationCycle(t *testing.T) {
	sess, _ := openTestSession(t, nil, clip(8))
	sub, err := sess.Subscribe("ui")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if got := sess.Rotate(); got != media.Rotate90 {
		t.Fatalf("first rotate = %s, want 90°", got)
	}
	if err := sess.Seek(1); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), sessionWait)
	defer cancel()
	af, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if af.Frame.Width != 24 || af.Frame.Height != 32 {
		t.Fatalf("rotated frame is %dx%d, want 24x32", af.Frame.Width, af.Frame.Height)
	}
	if af.Rotation != media.Rotate90 {
		t.Fatalf("frame rotation = %s", af.Rotation)
	}

	if err := sess.SetRotation(media.Rotate0); err != nil {
		t.Fatalf("SetRotation: %v", err)
	}
	if got := sess.Transport().Rotation; got != media.Rotate0 {
		t.Fatalf("rotation = %s after reset", got)
	}
	t.Logf("✅ rotate cycled to 90° and reshaped the published frame")
}

// Contract: the configured runtime library path reaches every model
// load, initial and switched, so library embedders are not bound to the
// default resolution.
func TestSessionThreadsRuntimeLibrary(t *testing.T) {
	cfg := config.Default()
	cfg.Inference.ONNXLibPath = "/opt/onnxruntime/lib/libonnxruntime.so"
	sess, loader := openTestSession(t, cfg, clip(10))

	if got := loader.libFor(media.TaskDetection); got != cfg.Inference.ONNXLibPath {
		t.Fatalf("initial load saw runtime lib %q, want %q", got, cfg.Inference.ONNXLibPath)
	}

	ctx, cancel := context.WithTimeout(context.Background(), sessionWait)
	defer cancel()
	if err := sess.SwitchTask(ctx, media.TaskPose); err != nil {
		t.Fatalf("SwitchTask: %v", err)
	}
	if got := loader.libFor(media.TaskPose); got != cfg.Inference.ONNXLibPath {
		t.Fatalf("switched load saw runtime lib %q, want %q", got, cfg.Inference.ONNXLibPath)
	}
	t.Logf("✅ runtime library path threaded into both model loads")
}

// Contract: invalid configs are rejected before anything opens.
func TestOpenSessionRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Source.Kind = "hologram"
	if _, err := OpenSession(SessionConfig{Config: cfg}); err == nil {
		t.Fatal("invalid source kind accepted")
	}

	cfg = config.Default()
	cfg.Playback.Speed = 3.5
	if _, err := OpenSession(SessionConfig{Config: cfg}); err == nil {
		t.Fatal("off-preset speed accepted")
	}
	t.Logf("✅ invalid configs rejected at open")
}
