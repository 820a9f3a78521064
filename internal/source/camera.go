package source

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gocv.io/x/gocv"

	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/media"
)

const (
	// cameraRetryDelay is the pause between read retries on a live
	// device. Short enough to stay current, long enough not to spin.
	cameraRetryDelay = 10 * time.Millisecond

	// cameraRetryWindow is how long reads may fail before the device
	// counts as disconnected.
	cameraRetryWindow = 2 * time.Second
)

// CameraSource captures from a local video device.
//
// Live semantics: no seeking, no total frame count. A failed read retries
// every 10ms inside Next; only a window of continuous failure surfaces as
// a disconnect.
type CameraSource struct {
	mu     sync.Mutex
	cap    *gocv.VideoCapture
	mat    gocv.Mat
	device int
	info   Info
	meter  *Meter
	seq    uint64
	closed bool
}

// OpenCamera opens device (V4L index) for live capture.
func OpenCamera(device int) (*CameraSource, error) {
	cap, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("source: open camera %d: %w", device, err)
	}

	cap.Set(gocv.VideoCaptureBufferSize, 1)

	fps := cap.Get(gocv.VideoCaptureFPS)
	if fps <= 0 {
		fps = DefaultFPS
	}
	w := int(cap.Get(gocv.VideoCaptureFrameWidth))
	h := int(cap.Get(gocv.VideoCaptureFrameHeight))

	s := &CameraSource{
		cap:    cap,
		mat:    gocv.NewMat(),
		device: device,
		meter:  NewMeter(5 * time.Second),
		info: Info{
			Mode:        ModeLive,
			URI:         fmt.Sprintf("camera:%d", device),
			Width:       w,
			Height:      h,
			FPS:         fps,
			TotalFrames: -1,
			Seekable:    false,
		},
	}

	slog.Info("source: camera opened",
		"device", device,
		"resolution", fmt.Sprintf("%dx%d", w, h),
		"fps_reported", fps,
	)
	return s, nil
}

func (s *CameraSource) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.info
	if rate := s.meter.Rate(); rate > 0 {
		info.FPS = rate
	}
	return info
}

func (s *CameraSource) Next(ctx context.Context) (media.Frame, error) {
	deadline := time.Now().Add(cameraRetryWindow)

	for {
		if err := ctx.Err(); err != nil {
			return media.Frame{}, err
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return media.Frame{}, ErrClosed
		}
		ok := s.cap.Read(&s.mat)
		if ok && !s.mat.Empty() {
			f := s.frameFromMat()
			s.mu.Unlock()
			s.meter.Tick()
			return f, nil
		}
		s.mu.Unlock()

		if time.Now().After(deadline) {
			return media.Frame{}, &ReadError{
				Kind: KindDisconnected,
				Err:  fmt.Errorf("camera %d produced no frames for %s", s.device, cameraRetryWindow),
			}
		}

		select {
		case <-ctx.Done():
			return media.Frame{}, &ReadError{Kind: KindTimeout, Err: ctx.Err()}
		case <-time.After(cameraRetryDelay):
		}
	}
}

// frameFromMat copies the current capture buffer out. Caller holds s.mu.
func (s *CameraSource) frameFromMat() media.Frame {
	s.seq++
	if w, h := s.mat.Cols(), s.mat.Rows(); w != s.info.Width || h != s.info.Height {
		// Some drivers settle on a different mode after the first reads.
		s.info.Width, s.info.Height = w, h
	}
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

func (s *CameraSource) Seek(int64) error {
	return fmt.Errorf("source: seek on camera %d: %w", s.device, ErrUnsupported)
}

func (s *CameraSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.mat.Close()
	if err := s.cap.Close(); err != nil {
		return fmt.Errorf("source: close camera %d: %w", s.device, err)
	}
	slog.Debug("source: camera closed", "device", s.device, "frames_read", s.seq)
	return nil
}
