package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gocv.io/x/gocv"

	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/media"
)

// supportedExtensions are the containers the file source accepts.
var supportedExtensions = []string{".mp4", ".avi", ".mov", ".mkv", ".wmv"}

// SupportedExtension reports whether the path has a playable container
// extension.
func SupportedExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range supportedExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// FileSource plays a video file frame by frame.
//
// Semantics:
//   - Reads return frames in container order with Index set to the frame
//     position.
//   - Reading past the last frame returns ErrEndOfStream and latches; the
//     capture stays open and Seek clears the latch.
//   - Seek positions the next read, clamped to [0, TotalFrames-1].
type FileSource struct {
	mu     sync.Mutex
	cap    *gocv.VideoCapture
	mat    gocv.Mat
	info   Info
	pos    int64
	seq    uint64
	eof    bool
	closed bool
}

// OpenFile opens a video file and probes its geometry.
func OpenFile(path string) (*FileSource, error) {
	if !SupportedExtension(path) {
		return nil, fmt.Errorf("source: unsupported container %q (want one of %s)",
			filepath.Ext(path), strings.Join(supportedExtensions, " "))
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("source: open %s: %w", path, err)
	}

	cap, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("source: open %s: %w", path, err)
	}

	fps := cap.Get(gocv.VideoCaptureFPS)
	if fps <= 0 {
		slog.Warn("source: container reports no frame rate, assuming default",
			"path", path, "fps", DefaultFPS)
		fps = DefaultFPS
	}
	total := int64(cap.Get(gocv.VideoCaptureFrameCount))
	if total < 0 {
		total = 0
	}
	w := int(cap.Get(gocv.VideoCaptureFrameWidth))
	h := int(cap.Get(gocv.VideoCaptureFrameHeight))
	if w <= 0 || h <= 0 {
		cap.Close()
		return nil, fmt.Errorf("source: open %s: could not determine frame dimensions", path)
	}

	s := &FileSource{
		cap: cap,
		mat: gocv.NewMat(),
		info: Info{
			Mode:        ModeFile,
			URI:         path,
			Width:       w,
			Height:      h,
			FPS:         fps,
			TotalFrames: total,
			Seekable:    true,
		},
	}

	slog.Info("source: file opened",
		"path", path,
		"resolution", fmt.Sprintf("%dx%d", w, h),
		"fps", fps,
		"frames", total,
	)
	return s, nil
}

func (s *FileSource) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

func (s *FileSource) Next(ctx context.Context) (media.Frame, error) {
	if err := ctx.Err(); err != nil {
		return media.Frame{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return media.Frame{}, ErrClosed
	}
	if s.eof {
		return media.Frame{}, ErrEndOfStream
	}

	if ok := s.cap.Read(&s.mat); !ok || s.mat.Empty() {
		s.eof = true
		slog.Debug("source: end of stream", "path", s.info.URI, "frames_read", s.seq)
		return media.Frame{}, ErrEndOfStream
	}

	f := s.frameFromMat()
	f.Index = s.pos
	s.pos++
	return f, nil
}

// frameFromMat copies the current decode buffer out as a frame.
// Caller holds s.mu.
func (s *FileSource) frameFromMat() media.Frame {
	s.seq++
	return media.Frame{
		Seq:     s.seq,
		Index:   -1,
		TraceID: uuid.New().String(),
		Width:   s.mat.Cols(),
		Height:  s.mat.Rows(),
		Stride:  s.mat.Cols() * 3,
		Format:  media.BGR24,
		Data:    s.mat.ToBytes(),
		Capture: time.Now(),
	}
}

func (s *FileSource) Seek(frame int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if frame < 0 {
		frame = 0
	}
	if s.info.TotalFrames > 0 && frame > s.info.TotalFrames-1 {
		frame = s.info.TotalFrames - 1
	}

	s.cap.Set(gocv.VideoCapturePosFrames, float64(frame))
	s.pos = frame
	s.eof = false
	slog.Debug("source: seek applied", "path", s.info.URI, "frame", frame)
	return nil
}

func (s *FileSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.mat.Close()
	if err := s.cap.Close(); err != nil {
		return fmt.Errorf("source: close %s: %w", s.info.URI, err)
	}
	slog.Debug("source: file closed", "path", s.info.URI, "frames_read", s.seq)
	return nil
}
