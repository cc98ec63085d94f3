package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"recognizer": {"whisper", "whisper-native", "openai", "deepgram"},
	"vad":        {"energy"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Unknown keys are rejected. An empty document yields
// the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if !strings.HasPrefix(cfg.Server.Path, "/") {
		errs = append(errs, fmt.Errorf("server.path %q must start with /", cfg.Server.Path))
	}
	if cfg.Server.MaxMessageBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_message_bytes %d must not be negative", cfg.Server.MaxMessageBytes))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Session
	if cfg.Session.FrameErrorPolicy != "" && !cfg.Session.FrameErrorPolicy.IsValid() {
		errs = append(errs, fmt.Errorf("session.frame_error_policy %q is invalid; valid values: drop, report", cfg.Session.FrameErrorPolicy))
	}
	if cfg.Session.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("session.max_sessions %d must not be negative", cfg.Session.MaxSessions))
	}
	if cfg.Session.RealtimeBacklog < 0 {
		errs = append(errs, fmt.Errorf("session.realtime_backlog %d must not be negative", cfg.Session.RealtimeBacklog))
	}
	if cfg.Session.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.shutdown_timeout %v must not be negative", cfg.Session.ShutdownTimeout))
	}

	// Recognizer
	if cfg.Recognizer.Name == "" {
		errs = append(errs, errors.New("recognizer.name is required"))
	}
	validateProviderName("recognizer", cfg.Recognizer.Name)
	for i, fb := range cfg.Recognizer.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("recognizer.fallbacks[%d].name is required", i))
		}
		validateProviderName("recognizer", fb.Name)
	}
	validateProviderName("vad", cfg.VAD.Name)

	// Engine
	e := cfg.Engine
	if e.TargetSampleRate != audio.TargetSampleRate {
		errs = append(errs, fmt.Errorf("engine.target_sample_rate %d is unsupported; only %d is accepted", e.TargetSampleRate, audio.TargetSampleRate))
	}
	if e.SileroSensitivity < 0 || e.SileroSensitivity > 1 {
		errs = append(errs, fmt.Errorf("engine.silero_sensitivity %.2f is out of range [0, 1]", e.SileroSensitivity))
	}
	if e.WebRTCSensitivity < 0 || e.WebRTCSensitivity > 3 {
		errs = append(errs, fmt.Errorf("engine.webrtc_sensitivity %d is out of range [0, 3]", e.WebRTCSensitivity))
	}
	for name, d := range map[string]int64{
		"post_speech_silence_duration":  int64(e.PostSpeechSilence),
		"min_gap_between_recordings":    int64(e.MinGapBetweenRecordings),
		"min_length_of_recording":       int64(e.MinRecordingLength),
		"pre_recording_buffer_duration": int64(e.PreRecordingBuffer),
		"realtime_processing_pause":     int64(e.RealtimeInterval),
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("engine.%s must not be negative", name))
		}
	}
	if e.BeamSize < 0 || e.RealtimeBeamSize < 0 {
		errs = append(errs, errors.New("engine beam sizes must not be negative"))
	}

	// Transcript
	for name, v := range map[string]float64{
		"phonetic_threshold": cfg.Transcript.PhoneticThreshold,
		"fuzzy_threshold":    cfg.Transcript.FuzzyThreshold,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("transcript.%s %.2f is out of range [0, 1]", name, v))
		}
	}

	// Telemetry
	if p := cfg.Telemetry.MetricsPath; p != "" {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Errorf("telemetry.metrics_path %q must start with /", p))
		}
		if p == cfg.Server.Path {
			errs = append(errs, fmt.Errorf("telemetry.metrics_path %q collides with server.path", p))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
