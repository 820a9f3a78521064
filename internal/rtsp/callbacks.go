package rtsp

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/media"
)

// Callbacks carries the state the appsink callback needs. Counters are
// owned by the source and read atomically from its stats path.
type Callbacks struct {
	Frames chan media.Frame
	Width  int
	Height int

	FrameCount *uint64
	BytesRead  *uint64
	Dropped    *uint64
}

// OnNewSample pulls one decoded BGR sample and forwards it as a frame.
//
// The GStreamer buffer is reused after this returns, so the pixel data is
// copied exactly once here. A full channel evicts the stored frame in
// favor of the new one (live display wants the newest frame, not a
// backlog). Single corrupt samples are skipped rather than failing the
// stream.
func (c *Callbacks) OnNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("rtsp: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("rtsp: sample without buffer, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("rtsp: empty buffer received")
		return gst.FlowOK
	}

	pixels := make([]byte, len(data))
	copy(pixels, data)
	buffer.Unmap()

	seq := atomic.AddUint64(c.FrameCount, 1)
	atomic.AddUint64(c.BytesRead, uint64(len(pixels)))

	frame := media.Frame{
		Seq:     seq,
		Index:   -1,
		TraceID: uuid.New().String(),
		Width:   c.Width,
		Height:  c.Height,
		Stride:  c.Width * 3,
		Format:  media.BGR24,
		Data:    pixels,
		Capture: time.Now(),
	}

	c.offer(frame)
	return gst.FlowOK
}

// offer hands a frame to the consumer, latest-frame-wins: a full channel
// evicts the stored frames, never the new one. A reader gated for any
// length of time (paused transport, slow stage) always resumes on the
// freshest capture; evictions count as drops.
func (c *Callbacks) offer(f media.Frame) {
	for {
		select {
		case c.Frames <- f:
			return
		default:
		}
		select {
		case <-c.Frames:
			atomic.AddUint64(c.Dropped, 1)
			slog.Debug("rtsp: evicting stale frame, channel full", "seq", f.Seq)
		default:
		}
	}
}

// ConnectPadAdded links rtspsrc's dynamic output pad to the depayloader
// once the stream is negotiated.
func ConnectPadAdded(src, depay *gst.Element) {
	src.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		sinkPad := depay.GetStaticPad("sink")
		if sinkPad == nil {
			slog.Error("rtsp: depayloader has no sink pad")
			return
		}
		if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
			slog.Error("rtsp: failed to link source pad",
				"src_pad", srcPad.GetName(),
				"ret", ret,
			)
			return
		}
		slog.Debug("rtsp: source pad linked", "pad", srcPad.GetName())
	})
}
