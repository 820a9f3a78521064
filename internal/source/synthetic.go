package source

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/media"
)

// SyntheticConfig configures the generated source.
type SyntheticConfig struct {
	Mode   Mode
	Width  int
	Height int
	FPS    float64

	// Frames bounds a file-mode source. Ignored for live.
	Frames int64

	// Pace makes a live-mode source sleep one frame interval between
	// reads, mimicking camera arrival timing. File mode never paces
	// (pacing is the player's job).
	Pace bool
}

// Synthetic generates deterministic frames without hardware: a moving
// gradient whose pixels encode the frame index. Runs as a bounded
// seekable file or as an unbounded live stream. Used by tests and by
// demo mode.
type Synthetic struct {
	mu     sync.Mutex
	cfg    SyntheticConfig
	info   Info
	pos    int64
	seq    uint64
	eof    bool
	closed bool
}

// NewSynthetic creates a generator, filling zero config fields with
// usable defaults (320x240 @ 30fps, 300 frames in file mode).
func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	if cfg.Width <= 0 {
		cfg.Width = 320
	}
	if cfg.Height <= 0 {
		cfg.Height = 240
	}
	if cfg.FPS <= 0 {
		cfg.FPS = DefaultFPS
	}
	if cfg.Mode == ModeFile && cfg.Frames <= 0 {
		cfg.Frames = 300
	}

	info := Info{
		Mode:        cfg.Mode,
		URI:         fmt.Sprintf("synthetic:%s", cfg.Mode),
		Width:       cfg.Width,
		Height:      cfg.Height,
		FPS:         cfg.FPS,
		TotalFrames: cfg.Frames,
		Seekable:    cfg.Mode == ModeFile,
	}
	if cfg.Mode == ModeLive {
		info.TotalFrames = -1
	}

	slog.Debug("source: synthetic created",
		"mode", cfg.Mode,
		"resolution", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"fps", cfg.FPS,
		"frames", info.TotalFrames,
	)
	return &Synthetic{cfg: cfg, info: info}
}

func (s *Synthetic) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

func (s *Synthetic) Next(ctx context.Context) (media.Frame, error) {
	if err := ctx.Err(); err != nil {
		return media.Frame{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return media.Frame{}, ErrClosed
	}
	if s.info.Seekable && s.pos >= s.cfg.Frames {
		s.eof = true
		s.mu.Unlock()
		return media.Frame{}, ErrEndOfStream
	}
	if s.eof {
		s.mu.Unlock()
		return media.Frame{}, ErrEndOfStream
	}

	idx := s.pos
	s.pos++
	s.seq++
	f := s.generate(idx, s.seq)
	pace := s.cfg.Mode == ModeLive && s.cfg.Pace
	interval := s.info.FrameInterval()
	s.mu.Unlock()

	if pace {
		select {
		case <-ctx.Done():
			return media.Frame{}, ctx.Err()
		case <-time.After(interval):
		}
	}
	return f, nil
}

// generate renders frame idx. Pixel values are a function of (x, y, idx)
// only, so tests can verify which frame they received.
func (s *Synthetic) generate(idx int64, seq uint64) media.Frame {
	f := media.NewFrame(s.cfg.Width, s.cfg.Height, media.BGR24)
	f.Seq = seq
	f.TraceID = uuid.New().String()
	f.Capture = time.Now()
	if s.cfg.Mode == ModeFile {
		f.Index = idx
	} else {
		f.Index = -1
	}

	for y := 0; y < f.Height; y++ {
		row := f.Data[y*f.Stride:]
		for x := 0; x < f.Width; x++ {
			i := x * 3
			row[i] = byte(idx)
			row[i+1] = byte(x + int(idx))
			row[i+2] = byte(y)
		}
	}
	return f
}

func (s *Synthetic) Seek(frame int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if !s.info.Seekable {
		return fmt.Errorf("source: seek on live synthetic: %w", ErrUnsupported)
	}
	if frame < 0 {
		frame = 0
	}
	if frame > s.cfg.Frames-1 {
		frame = s.cfg.Frames - 1
	}
	s.pos = frame
	s.eof = false
	return nil
}

func (s *Synthetic) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
