// Package source provides the frame sources a session can bind: seekable
// video files, local cameras, RTSP network cameras and a synthetic
// generator.
//
// Design:
//   - One Source per session, owned by the engine worker. Sources are not
//     shared; all methods are still safe for concurrent use because Close
//     and Seek may arrive from the facade while the worker sits in Next.
//   - Next blocks only as long as its context allows.
//   - Errors carry the read taxonomy the engine branches on: EndOfStream
//     ends file playback, ReadError with KindDisconnected ends a live
//     session, ReadError with KindTimeout is retryable.
//
// File sources stay open after end of stream; a Seek re-arms them so
// playback can restart without reopening the container.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/media"
)

// Mode distinguishes seekable file playback from live capture.
type Mode uint8

const (
	ModeFile Mode = iota
	ModeLive
)

func (m Mode) String() string {
	if m == ModeLive {
		return "live"
	}
	return "file"
}

// DefaultFPS is assumed when a container or device reports no frame rate.
const DefaultFPS = 30.0

var (
	// ErrEndOfStream reports that a file source has delivered its last
	// frame. The source stays open; Seek clears the condition.
	ErrEndOfStream = errors.New("source: end of stream")

	// ErrUnsupported reports an operation the source mode cannot honor,
	// such as seeking a live stream.
	ErrUnsupported = errors.New("source: operation not supported")

	// ErrClosed reports use after Close.
	ErrClosed = errors.New("source: closed")
)

// ReadErrorKind classifies a failed read.
type ReadErrorKind uint8

const (
	// KindTimeout: no frame arrived within the allowed window. The
	// engine logs and retries.
	KindTimeout ReadErrorKind = iota + 1

	// KindDisconnected: the device or stream is gone and internal
	// recovery gave up. The engine stops the session.
	KindDisconnected
)

func (k ReadErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("ReadErrorKind(%d)", uint8(k))
	}
}

// ReadError wraps a failed read with its classification.
type ReadError struct {
	Kind ReadErrorKind
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("source: read failed (%s): %v", e.Kind, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// IsDisconnected reports whether err carries a disconnected read.
func IsDisconnected(err error) bool {
	var re *ReadError
	return errors.As(err, &re) && re.Kind == KindDisconnected
}

// IsTimeout reports whether err carries a timed-out read.
func IsTimeout(err error) bool {
	var re *ReadError
	return errors.As(err, &re) && re.Kind == KindTimeout
}

// Info describes a source at open time.
//
// For live sources TotalFrames is -1, Seekable is false and FPS is a
// running estimate rather than a container constant.
type Info struct {
	Mode        Mode
	URI         string
	Width       int
	Height      int
	FPS         float64
	TotalFrames int64
	Seekable    bool
}

// FrameInterval returns the nominal time between frames.
func (i Info) FrameInterval() time.Duration {
	fps := i.FPS
	if fps <= 0 {
		fps = DefaultFPS
	}
	return time.Duration(float64(time.Second) / fps)
}

// Duration returns the total play time of a file source, zero for live.
func (i Info) Duration() time.Duration {
	if i.TotalFrames <= 0 || i.FPS <= 0 {
		return 0
	}
	return time.Duration(float64(i.TotalFrames) / i.FPS * float64(time.Second))
}

// Source is a session's frame input.
type Source interface {
	// Info returns the source description. FPS may evolve for live
	// sources; everything else is fixed at open.
	Info() Info

	// Next blocks until a frame is available, the context ends, or the
	// source fails. Frames arrive in capture order with increasing Seq.
	Next(ctx context.Context) (media.Frame, error)

	// Seek positions the next read at the given frame index. Returns
	// ErrUnsupported unless Info().Seekable.
	Seek(frame int64) error

	// Close releases the underlying device or container. Idempotent.
	Close() error
}
