// Package rtsp builds and supervises the GStreamer pipeline that feeds
// network cameras into a session.
//
// Pipeline shape:
//
//	rtspsrc → rtph264depay → avdec_h264 → videoconvert → videoscale →
//	videorate → capsfilter(BGR) → appsink
//
// The appsink hands decoded BGR frames to a Go callback which copies them
// onto a bounded channel; when the consumer lags, frames drop at the
// channel (and at the appsink, which also keeps only the latest buffer).
// Connection failures are classified and retried with exponential backoff
// by the owning source.
package rtsp

import (
	"fmt"
	"log/slog"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// Config describes the capture pipeline to build.
type Config struct {
	URL    string
	Width  int
	Height int

	// TargetFPS caps the delivered frame rate via videorate. Zero means
	// native stream rate.
	TargetFPS float64

	// LatencyMS sizes the rtspsrc jitter buffer. Zero means 200ms.
	LatencyMS int
}

// Elements holds the references needed after construction: the pipeline
// for state changes and bus access, the appsink for callbacks, and the
// dynamic-pad elements for linking.
type Elements struct {
	Pipeline *gst.Pipeline
	Sink     *app.Sink
	Src      *gst.Element
	Depay    *gst.Element
}

// Build constructs and links the pipeline. State remains NULL; the caller
// attaches callbacks and calls Start.
func Build(cfg Config) (*Elements, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("rtsp: create pipeline: %w", err)
	}

	rtspsrc, err := gst.NewElement("rtspsrc")
	if err != nil {
		return nil, fmt.Errorf("rtsp: create rtspsrc: %w", err)
	}
	rtspsrc.SetProperty("location", cfg.URL)
	// TCP only: UDP loss on annotation-grade streams shows up as smeared
	// frames that users mistake for model errors.
	rtspsrc.SetProperty("protocols", 4)
	latency := cfg.LatencyMS
	if latency <= 0 {
		latency = 200
	}
	rtspsrc.SetProperty("latency", latency)
	rtspsrc.SetProperty("tcp-timeout", uint64(10000000))

	depay, err := gst.NewElement("rtph264depay")
	if err != nil {
		return nil, fmt.Errorf("rtsp: create rtph264depay: %w", err)
	}
	depay.SetProperty("request-keyframe", true)

	decoder, err := gst.NewElement("avdec_h264")
	if err != nil {
		return nil, fmt.Errorf("rtsp: create avdec_h264: %w", err)
	}
	decoder.SetProperty("max-threads", 0)
	decoder.SetProperty("output-corrupt", false)

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("rtsp: create videoconvert: %w", err)
	}
	converter.SetProperty("n-threads", 0)

	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("rtsp: create videoscale: %w", err)
	}

	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, fmt.Errorf("rtsp: create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true)
	videorate.SetProperty("skip-to-first", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("rtsp: create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(FormatCaps(cfg.Width, cfg.Height, cfg.TargetFPS)))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("rtsp: create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)
	appsink.SetProperty("qos", true)

	pipeline.AddMany(
		rtspsrc,
		depay,
		decoder,
		converter,
		scaler,
		videorate,
		capsfilter,
		appsink.Element,
	)

	// rtspsrc pads are dynamic; everything downstream of the depayloader
	// links statically here, the depayloader itself links in pad-added.
	if err := gst.ElementLinkMany(
		depay,
		decoder,
		converter,
		scaler,
		videorate,
		capsfilter,
		appsink.Element,
	); err != nil {
		return nil, fmt.Errorf("rtsp: link pipeline elements: %w", err)
	}

	slog.Debug("rtsp: pipeline built",
		"url", cfg.URL,
		"resolution", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"target_fps", cfg.TargetFPS,
		"latency_ms", latency,
	)

	return &Elements{
		Pipeline: pipeline,
		Sink:     appsink,
		Src:      rtspsrc,
		Depay:    depay,
	}, nil
}

// FormatCaps builds the BGR caps string, with framerate only when a
// target is set. Fractional rates below 1 become 1/N.
func FormatCaps(width, height int, fps float64) string {
	base := fmt.Sprintf("video/x-raw,format=BGR,width=%d,height=%d", width, height)
	if fps <= 0 {
		return base
	}
	num, den := 1, 1
	if fps < 1.0 {
		den = int(1.0 / fps)
	} else {
		num = int(fps)
	}
	return fmt.Sprintf("%s,framerate=%d/%d", base, num, den)
}

// Start moves the pipeline to PLAYING.
func Start(e *Elements) error {
	if e == nil || e.Pipeline == nil {
		return fmt.Errorf("rtsp: pipeline not built")
	}
	if err := e.Pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("rtsp: start pipeline: %w", err)
	}
	return nil
}

// Destroy moves the pipeline to NULL, releasing device and decoder
// resources. Safe on a nil or already destroyed pipeline.
func Destroy(e *Elements) error {
	if e == nil || e.Pipeline == nil {
		return nil
	}
	if err := e.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("rtsp: destroy pipeline: %w", err)
	}
	return nil
}
