package source

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/media"
	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/rtsp"
)

// RTSPOptions tunes the network camera source. Zero values pick the
// defaults noted per field.
type RTSPOptions struct {
	Width     int           // decoded width, default 1280
	Height    int           // decoded height, default 720
	TargetFPS float64       // cap delivered rate, 0 = native
	LatencyMS int           // jitter buffer, 0 = 200ms
	Stall     time.Duration // Next returns a timeout past this, 0 = 10s
	Reconnect rtsp.ReconnectConfig
}

// RTSPSource captures from a network camera through GStreamer.
//
// A supervisor goroutine owns the pipeline: it watches the bus, tears the
// pipeline down on errors, and rebuilds it with exponential backoff. Next
// just reads the frame channel. When the supervisor exhausts its retries
// it closes the channel, which Next reports as a disconnect.
type RTSPSource struct {
	mu       sync.RWMutex
	url      string
	opts     RTSPOptions
	info     Info
	elements *rtsp.Elements

	frames       chan media.Frame
	framesClosed atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	meter      *Meter
	started    time.Time
	seq        uint64
	reconState *rtsp.ReconnectState

	frameCount uint64
	bytesRead  uint64
	dropped    uint64
	reconnects uint32
	lastErr    atomic.Value // error
}

// OpenRTSP builds, starts and supervises the capture pipeline. The
// returned source delivers frames once the stream reaches PLAYING;
// callers see that asynchronously through Next.
func OpenRTSP(url string, opts RTSPOptions) (*RTSPSource, error) {
	if url == "" {
		return nil, fmt.Errorf("source: rtsp url is empty")
	}
	if opts.Width <= 0 {
		opts.Width = 1280
	}
	if opts.Height <= 0 {
		opts.Height = 720
	}
	if opts.Stall <= 0 {
		opts.Stall = 10 * time.Second
	}
	if opts.Reconnect.MaxRetries == 0 {
		opts.Reconnect = rtsp.DefaultReconnectConfig()
	}

	fps := opts.TargetFPS
	if fps <= 0 {
		fps = DefaultFPS
	}

	s := &RTSPSource{
		url:  url,
		opts: opts,
		// Single-slot mailbox: the appsink callback evicts the stored
		// frame when nothing is reading, so a resume after pause serves
		// the freshest capture instead of a backlog.
		frames: make(chan media.Frame, 1),
		meter:  NewMeter(5 * time.Second),
		info: Info{
			Mode:        ModeLive,
			URI:         url,
			Width:       opts.Width,
			Height:      opts.Height,
			FPS:         fps,
			TotalFrames: -1,
			Seekable:    false,
		},
	}

	if err := s.connect(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.started = time.Now()
	s.reconState = &rtsp.ReconnectState{Reconnects: &s.reconnects}

	s.wg.Add(1)
	go s.supervise(ctx)

	slog.Info("source: rtsp stream started",
		"url", url,
		"resolution", fmt.Sprintf("%dx%d", opts.Width, opts.Height),
		"target_fps", opts.TargetFPS,
	)
	return s, nil
}

// connect builds a fresh pipeline, attaches the callbacks and starts it.
func (s *RTSPSource) connect() error {
	elements, err := rtsp.Build(rtsp.Config{
		URL:       s.url,
		Width:     s.opts.Width,
		Height:    s.opts.Height,
		TargetFPS: s.opts.TargetFPS,
		LatencyMS: s.opts.LatencyMS,
	})
	if err != nil {
		return fmt.Errorf("source: open rtsp %s: %w", s.url, err)
	}

	cb := &rtsp.Callbacks{
		Frames:     s.frames,
		Width:      s.opts.Width,
		Height:     s.opts.Height,
		FrameCount: &s.frameCount,
		BytesRead:  &s.bytesRead,
		Dropped:    &s.dropped,
	}
	elements.Sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: cb.OnNewSample,
	})
	rtsp.ConnectPadAdded(elements.Src, elements.Depay)

	if err := rtsp.Start(elements); err != nil {
		rtsp.Destroy(elements)
		return fmt.Errorf("source: open rtsp %s: %w", s.url, err)
	}

	s.mu.Lock()
	s.elements = elements
	s.mu.Unlock()
	return nil
}

// supervise keeps the pipeline alive: monitor until it fails, rebuild
// with backoff, repeat. Exhausted retries close the frame channel.
func (s *RTSPSource) supervise(ctx context.Context) {
	defer s.wg.Done()

	err := rtsp.RunWithReconnect(ctx, func(ctx context.Context) error {
		s.mu.RLock()
		elements := s.elements
		s.mu.RUnlock()

		if elements == nil {
			if err := s.connect(); err != nil {
				return err
			}
			s.mu.RLock()
			elements = s.elements
			s.mu.RUnlock()
		}

		monErr := s.monitorBus(ctx, elements)

		rtsp.Destroy(elements)
		s.mu.Lock()
		s.elements = nil
		s.mu.Unlock()

		return monErr
	}, s.opts.Reconnect, s.reconState)

	if err != nil && ctx.Err() == nil {
		s.lastErr.Store(err)
		slog.Error("source: rtsp stream lost",
			"url", s.url,
			"error", err,
			"frames", atomic.LoadUint64(&s.frameCount),
			"reconnects", atomic.LoadUint32(&s.reconnects),
		)
	}

	if s.framesClosed.CompareAndSwap(false, true) {
		close(s.frames)
	}
}

// monitorBus polls pipeline messages until an error, EOS, or shutdown.
// A non-nil return asks the supervisor to rebuild and reconnect.
func (s *RTSPSource) monitorBus(ctx context.Context, elements *rtsp.Elements) error {
	bus := elements.Pipeline.GetPipelineBus()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("source: rtsp end of stream, reconnecting", "url", s.url)
			return fmt.Errorf("end of stream")

		case gst.MessageError:
			gerr := msg.ParseError()
			category := rtsp.Classify(gerr.Error(), gerr.DebugString())
			slog.Error("source: rtsp pipeline error",
				"error", gerr.Error(),
				"category", category.String(),
				"url", s.url,
				"frames", atomic.LoadUint64(&s.frameCount),
			)
			return fmt.Errorf("pipeline error [%s]: %s", category, gerr.Error())

		case gst.MessageStateChanged:
			if msg.Source() == elements.Pipeline.GetName() {
				_, newState := msg.ParseStateChanged()
				if newState == gst.StatePlaying {
					// Healthy again; the next failure starts the
					// backoff schedule from the top.
					s.reconState.Reset()
					slog.Info("source: rtsp pipeline playing", "url", s.url)
				}
			}
		}
	}
}

func (s *RTSPSource) Info() Info {
	s.mu.RLock()
	info := s.info
	s.mu.RUnlock()
	if rate := s.meter.Rate(); rate > 0 {
		info.FPS = rate
	}
	return info
}

func (s *RTSPSource) Next(ctx context.Context) (media.Frame, error) {
	if s.closed.Load() {
		return media.Frame{}, ErrClosed
	}

	select {
	case f, ok := <-s.frames:
		if !ok {
			err, _ := s.lastErr.Load().(error)
			if err == nil {
				err = fmt.Errorf("stream ended")
			}
			return media.Frame{}, &ReadError{Kind: KindDisconnected, Err: err}
		}
		s.meter.Tick()
		// Re-sequence: pipeline rebuilds reset the callback counter, the
		// session sequence must stay monotonic.
		s.seq++
		f.Seq = s.seq
		return f, nil

	case <-ctx.Done():
		return media.Frame{}, ctx.Err()

	case <-time.After(s.opts.Stall):
		return media.Frame{}, &ReadError{
			Kind: KindTimeout,
			Err:  fmt.Errorf("no frame from %s within %s", s.url, s.opts.Stall),
		}
	}
}

func (s *RTSPSource) Seek(int64) error {
	return fmt.Errorf("source: seek on rtsp stream: %w", ErrUnsupported)
}

// Stats mirrors what the supervisor and callbacks counted.
type RTSPStats struct {
	Frames     uint64
	Bytes      uint64
	Dropped    uint64
	Reconnects uint32
	FPS        float64
	Uptime     time.Duration
}

func (s *RTSPSource) Stats() RTSPStats {
	return RTSPStats{
		Frames:     atomic.LoadUint64(&s.frameCount),
		Bytes:      atomic.LoadUint64(&s.bytesRead),
		Dropped:    atomic.LoadUint64(&s.dropped),
		Reconnects: atomic.LoadUint32(&s.reconnects),
		FPS:        s.meter.Rate(),
		Uptime:     time.Since(s.started),
	}
}

func (s *RTSPSource) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		slog.Warn("source: rtsp supervisor did not stop in time", "url", s.url)
	}

	s.mu.Lock()
	if s.elements != nil {
		if err := rtsp.Destroy(s.elements); err != nil {
			slog.Error("source: destroy rtsp pipeline", "error", err)
		}
		s.elements = nil
	}
	s.mu.Unlock()

	if s.framesClosed.CompareAndSwap(false, true) {
		close(s.frames)
	}

	slog.Info("source: rtsp stream closed",
		"url", s.url,
		"frames", atomic.LoadUint64(&s.frameCount),
		"dropped", atomic.LoadUint64(&s.dropped),
		"reconnects", atomic.LoadUint32(&s.reconnects),
	)
	return nil
}
