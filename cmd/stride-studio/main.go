// Command stride-studio plays a video source through the annotation
// pipeline from the terminal: structured logs carry the transport and
// inference state, snapshots and recordings capture the output.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/disintegration/imaging"

	stridestudio "github.com/Alfredo-Sandoval/stride-studio-ai"
	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/config"
	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/inference/onnx"
)

const (
	statsInterval = time.Second
	snapshotEvery = 30
	shutdownGrace = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config; defaults apply when empty")
	sourceArg := flag.String("source", "", "input override: video path, rtsp:// URL, camera index or 'synthetic'")
	taskArg := flag.String("task", "", "task override: detection, pose, segmentation, classification, obb")
	recordArg := flag.String("record", "", "record annotated output to this path ('auto' picks a timestamped name)")
	snapshotDir := flag.String("snapshot-dir", "", "write a PNG snapshot of every 30th frame here")
	duration := flag.Duration("duration", 0, "stop after this long (0 runs until the stream ends or a signal)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	applyOverrides(cfg, *sourceArg, *taskArg)
	setupLogger(cfg.Logging)

	slog.Info("starting stride studio",
		"config", *configPath, "source", cfg.Source.Kind, "task", cfg.Inference.Task)

	if err := onnx.EnsureRuntime(cfg.Inference.ONNXLibPath); err != nil {
		slog.Error("onnx runtime init failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = onnx.ShutdownRuntime() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	sess, err := stridestudio.OpenSession(stridestudio.SessionConfig{Config: cfg})
	if err != nil {
		slog.Error("open session failed", "error", err)
		os.Exit(1)
	}

	if *recordArg != "" {
		target := *recordArg
		if target == "auto" {
			target = ""
		}
		path, rerr := sess.StartRecording(target)
		if rerr != nil {
			slog.Error("start recording failed", "error", rerr)
			closeSession(sess)
			os.Exit(1)
		}
		slog.Info("recording annotated output", "path", path)
	}

	sub, err := sess.Subscribe("display")
	if err != nil {
		slog.Error("subscribe failed", "error", err)
		closeSession(sess)
		os.Exit(1)
	}

	done := make(chan error, 1)
	go watchEvents(sess, done)
	go drainDisplay(ctx, sub, *snapshotDir)
	go logStats(ctx, sess)

	sess.Play()
	slog.Info("playback started", "session", sess.ID())

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down", "reason", ctx.Err())
	case runErr = <-done:
	}

	if err := closeSession(sess); err != nil {
		slog.Error("session close failed", "error", err)
		os.Exit(1)
	}
	if runErr != nil {
		slog.Error("session ended with error", "error", runErr)
		os.Exit(1)
	}
	slog.Info("stride studio stopped")
}

func closeSession(sess *stridestudio.Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return sess.Close(ctx)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// applyOverrides maps the -source and -task shorthands onto the config.
func applyOverrides(cfg *config.Config, src, task string) {
	if src != "" {
		switch {
		case src == "synthetic":
			cfg.Source = config.SourceConfig{Kind: "synthetic"}
		case strings.HasPrefix(src, "rtsp://"):
			cfg.Source = config.SourceConfig{Kind: "rtsp", URL: src}
		default:
			if device, err := strconv.Atoi(src); err == nil {
				cfg.Source = config.SourceConfig{Kind: "camera", Device: device}
			} else {
				cfg.Source = config.SourceConfig{Kind: "file", Path: src}
			}
		}
	}
	if task != "" {
		cfg.Inference.Task = task
	}
}

func setupLogger(lc config.LoggingConfig) {
	var level slog.Level
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// watchEvents logs session events and reports the terminal ones.
func watchEvents(sess *stridestudio.Session, done chan<- error) {
	for ev := range sess.Events() {
		switch ev.Kind {
		case stridestudio.EventEndOfStream:
			slog.Info("end of stream", "session", ev.Session)
			done <- nil
			return
		case stridestudio.EventSourceLost:
			slog.Error("source lost", "session", ev.Session, "error", ev.Err)
			done <- ev.Err
			return
		case stridestudio.EventStageDegraded:
			slog.Warn("inference degraded, frames pass through unannotated",
				"session", ev.Session, "seq", ev.Seq)
		case stridestudio.EventRecordingFailed:
			slog.Error("recording failed, preview continues",
				"session", ev.Session, "error", ev.Err)
		}
	}
}

// drainDisplay consumes the display subscription, optionally writing a
// PNG every 30th frame.
func drainDisplay(ctx context.Context, sub *stridestudio.Subscriber, dir string) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("snapshot dir", "path", dir, "error", err)
			dir = ""
		}
	}
	for {
		af, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if dir == "" || af.Frame.Seq%snapshotEvery != 0 {
			continue
		}
		name := filepath.Join(dir, fmt.Sprintf("frame_%06d.png", af.Frame.Seq))
		if err := imaging.Save(af.Frame.ToImage(), name); err != nil {
			slog.Warn("snapshot failed", "path", name, "error", err)
			continue
		}
		slog.Debug("snapshot written", "path", name, "seq", af.Frame.Seq)
	}
}

func logStats(ctx context.Context, sess *stridestudio.Session) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := sess.Stats()
			tr := sess.Transport()
			slog.Info("session stats",
				"state", tr.State.String(),
				"position", tr.Position,
				"speed", tr.Speed,
				"processed", st.Engine.Processed,
				"published", st.Engine.Published,
				"recorded", st.Engine.Recorded,
				"loop_ms", float64(st.Engine.LoopLatency)/float64(time.Millisecond),
				"degraded", st.Stage.Degraded)
		}
	}
}
