// Package config loads and validates the YAML session configuration.
// Load starts from Default, so a partial file only overrides what it
// names.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/media"
	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/playback"
)

// Config is the complete session configuration.
type Config struct {
	Source    SourceConfig    `yaml:"source"`
	Inference InferenceConfig `yaml:"inference"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Recording RecordingConfig `yaml:"recording"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SourceConfig selects and parameterizes the frame input.
type SourceConfig struct {
	Kind        string  `yaml:"kind"` // file, camera, rtsp, synthetic
	Path        string  `yaml:"path"`
	Device      int     `yaml:"device"`
	URL         string  `yaml:"url"`
	FPSOverride float64 `yaml:"fps_override"` // 0 keeps the reported rate
}

// InferenceConfig selects the model served at session open.
type InferenceConfig struct {
	Task         string   `yaml:"task"`
	ModelDir     string   `yaml:"model_dir"`
	Model        string   `yaml:"model"` // explicit checkpoint path override
	ONNXLibPath  string   `yaml:"onnx_lib_path"`
	IntraThreads int      `yaml:"intra_threads"`
	Labels       []string `yaml:"labels"`
}

// PlaybackConfig sets the initial transport parameters.
type PlaybackConfig struct {
	Speed    float64 `yaml:"speed"`
	Rotation int     `yaml:"rotation"` // degrees: 0, 90, 180, 270
}

// RecordingConfig parameterizes recordings started on this session.
type RecordingConfig struct {
	Dir       string `yaml:"dir"`
	Container string `yaml:"container"` // mkv, mp4, avi
	Queue     int    `yaml:"queue"`
}

// MQTTConfig enables the annotation summary emitter.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	QoS      byte   `yaml:"qos"`
}

// LoggingConfig shapes the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns the configuration a bare session runs with: synthetic
// frames through a detection model, no recording, no MQTT.
func Default() *Config {
	return &Config{
		Source: SourceConfig{
			Kind: "synthetic",
		},
		Inference: InferenceConfig{
			Task:     "detection",
			ModelDir: "models",
		},
		Playback: PlaybackConfig{
			Speed:    1.0,
			Rotation: 0,
		},
		Recording: RecordingConfig{
			Dir:       "recordings",
			Container: "mkv",
			Queue:     128,
		},
		MQTT: MQTTConfig{
			Enabled: false,
			Broker:  "tcp://localhost:1883",
			Topic:   "stride/annotations",
			QoS:     0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// applyEnv fills settings the file left empty from the environment.
func applyEnv(cfg *Config) {
	if cfg.Inference.ONNXLibPath == "" {
		cfg.Inference.ONNXLibPath = os.Getenv("ONNXRUNTIME_LIB_PATH")
	}
}

// Validate checks field combinations and fills derivable defaults.
func Validate(cfg *Config) error {
	switch cfg.Source.Kind {
	case "file":
		if cfg.Source.Path == "" {
			return fmt.Errorf("source.path is required for kind file")
		}
	case "camera":
		if cfg.Source.Device < 0 {
			return fmt.Errorf("source.device %d must be >= 0", cfg.Source.Device)
		}
	case "rtsp":
		if cfg.Source.URL == "" {
			return fmt.Errorf("source.url is required for kind rtsp")
		}
	case "synthetic":
	default:
		return fmt.Errorf("source.kind %q must be file, camera, rtsp or synthetic", cfg.Source.Kind)
	}
	if cfg.Source.FPSOverride < 0 {
		return fmt.Errorf("source.fps_override %v must be >= 0", cfg.Source.FPSOverride)
	}

	if _, err := media.ParseTask(cfg.Inference.Task); err != nil {
		return fmt.Errorf("inference.task: %w", err)
	}
	if cfg.Inference.IntraThreads < 0 {
		return fmt.Errorf("inference.intra_threads %d must be >= 0", cfg.Inference.IntraThreads)
	}

	if !playback.ValidSpeed(cfg.Playback.Speed) {
		return fmt.Errorf("playback.speed %v is not a preset speed %v", cfg.Playback.Speed, playback.Speeds())
	}
	if _, err := media.RotationFromDegrees(cfg.Playback.Rotation); err != nil {
		return fmt.Errorf("playback.rotation: %w", err)
	}

	switch cfg.Recording.Container {
	case "mkv", "mp4", "avi":
	default:
		return fmt.Errorf("recording.container %q must be mkv, mp4 or avi", cfg.Recording.Container)
	}
	if cfg.Recording.Queue <= 0 {
		cfg.Recording.Queue = 128
	}

	if cfg.MQTT.Enabled {
		if cfg.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if cfg.MQTT.Topic == "" {
			cfg.MQTT.Topic = "stride/annotations"
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos %d must be 0, 1 or 2", cfg.MQTT.QoS)
		}
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be debug, info, warn or error", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", cfg.Logging.Format)
	}

	return nil
}
