// Package stridestudio is the embedding surface of the annotation
// player: open a session over a video source, and it runs the
// read-infer-overlay-publish loop until closed. Consumers subscribe to
// annotated frames, drive the transport (play, pause, seek, speed,
// rotate), hot-swap the model task, and record losslessly to disk while
// the preview stays realtime.
//
// Everything here is a thin assembly of the internal packages; the
// session owns their lifetimes.
package stridestudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/config"
	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/dispatch"
	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/emitter"
	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/engine"
	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/inference"
	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/inference/onnx"
	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/media"
	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/overlay"
	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/playback"
	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/recorder"
	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/source"
)

// Re-exported domain types so embedders rarely need the internal
// import paths.
type (
	Task           = media.Task
	Rotation       = media.Rotation
	Frame          = media.Frame
	AnnotatedFrame = media.AnnotatedFrame
	Annotations    = media.Annotations
	TransportState = playback.TransportState
	Event          = engine.Event
	EventKind      = engine.EventKind
	Subscriber     = dispatch.Subscriber
)

const (
	TaskDetection      = media.TaskDetection
	TaskPose           = media.TaskPose
	TaskSegmentation   = media.TaskSegmentation
	TaskClassification = media.TaskClassification
	TaskOrientedBox    = media.TaskOrientedBox

	Rotate0   = media.Rotate0
	Rotate90  = media.Rotate90
	Rotate180 = media.Rotate180
	Rotate270 = media.Rotate270

	EventEndOfStream     = engine.EventEndOfStream
	EventSourceLost      = engine.EventSourceLost
	EventStageDegraded   = engine.EventStageDegraded
	EventRecordingFailed = engine.EventRecordingFailed
)

var (
	ErrShutdownTimeout = engine.ErrShutdownTimeout
	ErrInvalidSpeed    = playback.ErrInvalidSpeed
	ErrUnsupported     = source.ErrUnsupported
)

// Speeds lists the accepted playback factors.
func Speeds() []float64 { return playback.Speeds() }

// SessionConfig assembles a session. Only Config is required; the
// injection points exist for embedders and tests.
type SessionConfig struct {
	// Config drives source selection, model loading and ambient
	// defaults. Nil means config.Default().
	Config *config.Config

	// Source overrides the config-selected input.
	Source source.Source

	// Loader overrides the ONNX model loader.
	Loader inference.Loader

	// Renderer overrides the overlay renderer.
	Renderer engine.Renderer
}

// SessionStats aggregates the counters of every session component.
type SessionStats struct {
	Engine    engine.Stats
	Stage     inference.StageStats
	Dispatch  []dispatch.SubscriberStats
	Recording *recorder.Stats
	Emitter   *emitter.Stats
}

// Session is one open source-model-pipeline triple.
type Session struct {
	cfg   *config.Config
	src   source.Source
	reg   *inference.Registry
	stage *inference.Stage
	ctrl  *playback.Controller
	disp  *dispatch.Dispatcher
	eng   *engine.Engine

	mqtt *emitter.MQTT
	pump *emitter.Pump

	recMu sync.Mutex
	rec   *recorder.Recorder

	closed atomic.Bool
}

// fpsOverride wraps a source with a forced nominal rate; pacing and
// recording read it from Info.
type fpsOverride struct {
	source.Source
	fps float64
}

func (o fpsOverride) Info() source.Info {
	info := o.Source.Info()
	info.FPS = o.fps
	return info
}

// OpenSession opens the source, loads the model and starts the worker.
// The transport starts stopped; call Play (or Seek for a preview frame)
// to serve frames.
func OpenSession(sc SessionConfig) (*Session, error) {
	cfg := sc.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("stridestudio: %w", err)
	}
	task, err := media.ParseTask(cfg.Inference.Task)
	if err != nil {
		return nil, fmt.Errorf("stridestudio: %w", err)
	}

	src := sc.Source
	if src == nil {
		src, err = openSource(cfg.Source)
		if err != nil {
			return nil, fmt.Errorf("stridestudio: open source: %w", err)
		}
	}
	if cfg.Source.FPSOverride > 0 {
		src = fpsOverride{src, cfg.Source.FPSOverride}
	}

	loader := sc.Loader
	if loader == nil {
		loader = onnx.Load
	}
	reg := inference.NewRegistry(loader)

	handle, err := reg.Load(task, loadOptions(cfg, task))
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("stridestudio: %w", err)
	}

	stage := inference.NewStage(handle)
	ctrl := playback.New(src.Info().Mode, src.Info().TotalFrames)
	if err := ctrl.SetSpeed(cfg.Playback.Speed); err != nil {
		stage.Close()
		src.Close()
		return nil, fmt.Errorf("stridestudio: %w", err)
	}
	if rot, rerr := media.RotationFromDegrees(cfg.Playback.Rotation); rerr == nil {
		ctrl.SetRotation(rot)
	}

	renderer := sc.Renderer
	if renderer == nil {
		renderer = overlay.NewRenderer()
	}

	disp := dispatch.New()
	eng, err := engine.New(engine.Config{
		SessionID:  uuid.NewString(),
		Source:     src,
		Stage:      stage,
		Controller: ctrl,
		Renderer:   renderer,
		Dispatcher: disp,
	})
	if err != nil {
		disp.Close()
		stage.Close()
		src.Close()
		return nil, fmt.Errorf("stridestudio: %w", err)
	}

	s := &Session{
		cfg:   cfg,
		src:   src,
		reg:   reg,
		stage: stage,
		ctrl:  ctrl,
		disp:  disp,
		eng:   eng,
	}

	if cfg.MQTT.Enabled {
		if err := s.startEmitter(); err != nil {
			disp.Close()
			stage.Close()
			src.Close()
			return nil, err
		}
	}

	eng.Start()
	slog.Info("stridestudio: session open",
		"session", eng.ID(),
		"source", src.Info().URI,
		"task", task.String(),
		"model", handle.Name())
	return s, nil
}

// openSource builds the input the config names.
func openSource(sc config.SourceConfig) (source.Source, error) {
	switch sc.Kind {
	case "file":
		return source.OpenFile(sc.Path)
	case "camera":
		return source.OpenCamera(sc.Device)
	case "rtsp":
		return source.OpenRTSP(sc.URL, source.RTSPOptions{})
	case "synthetic":
		return source.NewSynthetic(source.SyntheticConfig{
			Mode: source.ModeFile,
			FPS:  sc.FPSOverride,
		}), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", sc.Kind)
	}
}

// loadOptions maps config to loader options. The explicit model path
// applies only to the configured task; switched tasks resolve their
// default checkpoint in the model dir.
func loadOptions(cfg *config.Config, task media.Task) inference.Options {
	opts := inference.Options{
		ModelDir:     cfg.Inference.ModelDir,
		IntraThreads: cfg.Inference.IntraThreads,
		RuntimeLib:   cfg.Inference.ONNXLibPath,
		Labels:       cfg.Inference.Labels,
	}
	if configured, err := media.ParseTask(cfg.Inference.Task); err == nil && configured == task {
		opts.Path = cfg.Inference.Model
	}
	return opts
}

func (s *Session) startEmitter() error {
	em := emitter.NewMQTT(emitter.Options{
		Broker:   s.cfg.MQTT.Broker,
		ClientID: s.cfg.MQTT.ClientID,
		Topic:    s.cfg.MQTT.Topic,
		QoS:      s.cfg.MQTT.QoS,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := em.Connect(ctx); err != nil {
		// The client keeps retrying in the background; summaries flow
		// once the broker is reachable.
		slog.Warn("stridestudio: mqtt broker not reachable yet", "error", err)
	}
	sub, err := s.disp.Subscribe("mqtt")
	if err != nil {
		em.Close()
		return fmt.Errorf("stridestudio: attach emitter: %w", err)
	}
	s.mqtt = em
	s.pump = emitter.StartPump(s.eng.ID(), sub, em)
	return nil
}

// ID returns the session identifier carried on events and summaries.
func (s *Session) ID() string { return s.eng.ID() }

// Subscribe attaches a named latest-frame-wins consumer.
func (s *Session) Subscribe(name string) (*dispatch.Subscriber, error) {
	return s.disp.Subscribe(name)
}

// Events returns the session event stream. It closes when the session
// does.
func (s *Session) Events() <-chan engine.Event { return s.eng.Events() }

// Close tears the session down: worker first, then the collaborators.
// Safe to call twice.
func (s *Session) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if err := s.eng.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.pump != nil {
		s.pump.Stop()
	}
	if s.mqtt != nil {
		if err := s.mqtt.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.disp.Close()
	if err := s.stage.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.src.Close(); err != nil {
		errs = append(errs, err)
	}

	// The worker finalizes the recording on shutdown; this covers a
	// worker that missed the deadline.
	s.recMu.Lock()
	if s.rec != nil {
		cctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := s.rec.Close(cctx); err != nil && !errors.Is(err, recorder.ErrRecordingFailed) {
			errs = append(errs, err)
		}
		cancel()
		s.rec = nil
	}
	s.recMu.Unlock()

	slog.Info("stridestudio: session closed", "session", s.eng.ID())
	return errors.Join(errs...)
}

// ensure the default recording directory exists before first use.
func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
