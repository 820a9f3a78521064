// Package emitter publishes per-frame annotation summaries to MQTT so
// dashboards and downstream automation can follow a session without
// pulling pixels. Publishing is best-effort: a broker outage never
// stalls the pipeline.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/media"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
	retryInterval  = 2 * time.Second
	maxRetryWait   = 30 * time.Second
)

// Summary is the wire payload: one JSON object per published frame.
type Summary struct {
	Session    string  `json:"session"`
	Seq        uint64  `json:"seq"`
	Task       string  `json:"task"`
	Model      string  `json:"model,omitempty"`
	Rotation   int     `json:"rotation"`
	LatencyMS  float64 `json:"latency_ms"`
	Detections int     `json:"detections"`
	Keypoints  int     `json:"keypoints,omitempty"`
	TopClass   string  `json:"top_class,omitempty"`
	TopScore   float32 `json:"top_score,omitempty"`
}

// Summarize reduces an annotated frame to its summary.
func Summarize(session string, af media.AnnotatedFrame) Summary {
	ann := af.Annotations
	s := Summary{
		Session:    session,
		Seq:        af.Frame.Seq,
		Task:       ann.Task.String(),
		Model:      af.Model,
		Rotation:   int(af.Rotation),
		LatencyMS:  float64(af.Latency) / float64(time.Millisecond),
		Detections: len(ann.Detections) + len(ann.Poses) + len(ann.Segments) + len(ann.OrientedBoxes),
	}
	for _, p := range ann.Poses {
		s.Keypoints += len(p.Keypoints)
	}
	switch {
	case len(ann.Classes) > 0:
		s.TopClass = ann.Classes[0].Label
		s.TopScore = ann.Classes[0].Score
	case len(ann.Detections) > 0:
		best := ann.Detections[0]
		for _, d := range ann.Detections[1:] {
			if d.Score > best.Score {
				best = d
			}
		}
		s.TopClass = best.Label
		s.TopScore = best.Score
	}
	return s
}

// Emitter is the summary output. The MQTT implementation is the
// production one; Null serves sessions with publishing disabled.
type Emitter interface {
	Publish(s Summary) error
	Close() error
}

// Null discards summaries.
type Null struct{}

func (Null) Publish(Summary) error { return nil }
func (Null) Close() error          { return nil }

// Options configures the MQTT emitter.
type Options struct {
	// Broker is the full URI, e.g. tcp://localhost:1883.
	Broker string

	// ClientID identifies this process to the broker. Empty generates
	// one.
	ClientID string

	// Topic receives every summary.
	Topic string

	// QoS for summary publishes.
	QoS byte
}

// newClient builds the paho client; injectable for tests.
var newClient = mqtt.NewClient

// MQTT publishes summaries to one topic of one broker.
type MQTT struct {
	opts   Options
	client mqtt.Client

	published atomic.Uint64
	errors    atomic.Uint64
}

// NewMQTT prepares an emitter. No network activity until Connect.
func NewMQTT(opts Options) *MQTT {
	if opts.ClientID == "" {
		opts.ClientID = "stride-studio-" + uuid.NewString()[:8]
	}
	if opts.Topic == "" {
		opts.Topic = "stride/annotations"
	}
	return &MQTT{opts: opts}
}

// Connect dials the broker and blocks until the session is up or the
// timeout passes. Reconnection after that is automatic.
func (e *MQTT) Connect(ctx context.Context) error {
	copts := mqtt.NewClientOptions()
	copts.AddBroker(e.opts.Broker)
	copts.SetClientID(e.opts.ClientID)
	copts.SetAutoReconnect(true)
	copts.SetConnectRetry(true)
	copts.SetConnectRetryInterval(retryInterval)
	copts.SetMaxReconnectInterval(maxRetryWait)

	copts.OnConnect = func(c mqtt.Client) {
		slog.Info("emitter: mqtt connected",
			"broker", e.opts.Broker, "client_id", e.opts.ClientID)
	}
	copts.OnConnectionLost = func(c mqtt.Client, err error) {
		slog.Warn("emitter: mqtt connection lost, auto-reconnecting",
			"broker", e.opts.Broker, "error", err)
	}

	e.client = newClient(copts)

	timeout := connectTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	token := e.client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("emitter: connect to %s: timeout after %v", e.opts.Broker, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("emitter: connect to %s: %w", e.opts.Broker, err)
	}
	return nil
}

// Publish sends one summary. Failures count but do not latch; the next
// frame tries again.
func (e *MQTT) Publish(s Summary) error {
	if e.client == nil || !e.client.IsConnected() {
		e.errors.Add(1)
		return fmt.Errorf("emitter: not connected to %s", e.opts.Broker)
	}
	payload, err := json.Marshal(s)
	if err != nil {
		e.errors.Add(1)
		return fmt.Errorf("emitter: encode summary: %w", err)
	}

	token := e.client.Publish(e.opts.Topic, e.opts.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.errors.Add(1)
		return fmt.Errorf("emitter: publish to %s: timeout", e.opts.Topic)
	}
	if err := token.Error(); err != nil {
		e.errors.Add(1)
		return fmt.Errorf("emitter: publish to %s: %w", e.opts.Topic, err)
	}

	e.published.Add(1)
	slog.Debug("emitter: summary published",
		"topic", e.opts.Topic, "seq", s.Seq, "size", len(payload))
	return nil
}

// Close disconnects from the broker with a short grace period.
func (e *MQTT) Close() error {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		slog.Info("emitter: mqtt disconnected", "broker", e.opts.Broker)
	}
	return nil
}

// Stats reports publish counters.
type Stats struct {
	Connected bool
	Published uint64
	Errors    uint64
}

func (e *MQTT) Stats() Stats {
	return Stats{
		Connected: e.client != nil && e.client.IsConnected(),
		Published: e.published.Load(),
		Errors:    e.errors.Load(),
	}
}
