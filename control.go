package stridestudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/media"
	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/playback"
	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/recorder"
	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/source"
)

// Play starts or resumes playback. From a stopped mid-file position it
// rewinds to frame zero first.
func (s *Session) Play() { s.ctrl.Play() }

// Pause freezes the transport on the current frame. Idempotent.
func (s *Session) Pause() { s.ctrl.Pause() }

// Toggle flips between playing and paused.
func (s *Session) Toggle() { s.ctrl.Toggle() }

// Stop halts playback and rewinds. The next Play starts from frame
// zero.
func (s *Session) Stop() { s.ctrl.Stop() }

// Seek jumps to a frame index, clamped to the file range. Rapid calls
// coalesce to the latest target. Live sessions reject it.
func (s *Session) Seek(frame int64) error { return s.ctrl.Seek(frame) }

// SetSpeed selects a playback factor from Speeds. Live sessions accept
// the value; arrival timing still rules delivery.
func (s *Session) SetSpeed(v float64) error { return s.ctrl.SetSpeed(v) }

// SetRotation applies a display rotation to frames published from now
// on.
func (s *Session) SetRotation(r media.Rotation) error { return s.ctrl.SetRotation(r) }

// Rotate advances the rotation a quarter turn and returns the new one.
func (s *Session) Rotate() media.Rotation { return s.ctrl.CycleRotation() }

// Transport snapshots the transport state, with positions also in
// seconds and the recording flag filled in.
func (s *Session) Transport() playback.TransportState {
	tr := s.ctrl.Snapshot()
	if tr.Mode == source.ModeFile {
		if fps := s.src.Info().FPS; fps > 0 {
			if tr.Position > 0 {
				tr.PositionSec = float64(tr.Position) / fps
			}
			if tr.Total > 0 {
				tr.DurationSec = float64(tr.Total) / fps
			}
		}
	}
	tr.Recording = s.Recording()
	return tr
}

// SwitchTask loads a model for the task and hot-swaps it at the next
// frame boundary. On load failure the current model keeps serving and
// the error is returned.
func (s *Session) SwitchTask(ctx context.Context, task media.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	handle, err := s.reg.Load(task, loadOptions(s.cfg, task))
	if err != nil {
		return fmt.Errorf("stridestudio: switch task to %s: %w", task, err)
	}
	s.stage.Swap(handle)
	slog.Info("stridestudio: task switch queued",
		"session", s.eng.ID(), "task", task.String(), "model", handle.Name())
	return nil
}

// Task returns the task of the serving model.
func (s *Session) Task() media.Task { return s.stage.Active().Task() }

// StartRecording begins a lossless annotated recording and returns the
// output path. An empty path records into the configured directory with
// a timestamped name. One recording at a time.
func (s *Session) StartRecording(path string) (string, error) {
	s.recMu.Lock()
	defer s.recMu.Unlock()

	if s.rec != nil {
		if s.eng.HasSink() {
			return "", errors.New("stridestudio: recording already active")
		}
		// The engine finalized it (end of stream or failure); the slot
		// is free again.
		s.rec = nil
	}

	if path == "" {
		path = recorder.DefaultName(s.cfg.Recording.Dir, s.cfg.Recording.Container)
	}
	if err := ensureDir(path); err != nil {
		return "", fmt.Errorf("stridestudio: recording dir: %w", err)
	}

	fps := s.src.Info().FPS
	if fps <= 0 {
		fps = source.DefaultFPS
	}
	rec, err := recorder.New(recorder.Config{
		Path:  path,
		FPS:   fps,
		Queue: s.cfg.Recording.Queue,
		OnFail: func(err error) {
			slog.Error("stridestudio: recording failed",
				"session", s.eng.ID(), "path", path, "error", err)
		},
	})
	if err != nil {
		return "", fmt.Errorf("stridestudio: start recording: %w", err)
	}

	s.rec = rec
	s.eng.SetSink(rec)
	slog.Info("stridestudio: recording started",
		"session", s.eng.ID(), "path", path, "fps", fps)
	return path, nil
}

// StopRecording detaches the sink and flushes the file within the
// context deadline. A recording that latched failed reports it here.
func (s *Session) StopRecording(ctx context.Context) error {
	s.recMu.Lock()
	defer s.recMu.Unlock()

	if s.rec == nil {
		return errors.New("stridestudio: no active recording")
	}
	s.eng.SetSink(nil)
	rec := s.rec
	s.rec = nil

	if err := rec.Close(ctx); err != nil {
		return fmt.Errorf("stridestudio: stop recording %s: %w", rec.Path(), err)
	}
	st := rec.Stats()
	slog.Info("stridestudio: recording stopped",
		"session", s.eng.ID(), "path", rec.Path(), "written", st.Written)
	return nil
}

// Recording reports whether a recording sink is attached and feeding.
func (s *Session) Recording() bool {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	return s.rec != nil && s.eng.HasSink()
}

// Stats aggregates every component's counters.
func (s *Session) Stats() SessionStats {
	st := SessionStats{
		Engine:   s.eng.Stats(),
		Stage:    s.stage.Stats(),
		Dispatch: s.disp.Stats(),
	}
	s.recMu.Lock()
	if s.rec != nil {
		rs := s.rec.Stats()
		st.Recording = &rs
	}
	s.recMu.Unlock()
	if s.mqtt != nil {
		ms := s.mqtt.Stats()
		st.Emitter = &ms
	}
	return st
}
