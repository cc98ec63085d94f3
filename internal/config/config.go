// Package config provides the configuration schema, loader, watcher and
// provider registry for the voxrelay server.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/recognizer"
)

// LogLevel controls log verbosity for the voxrelay server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel converts l to a [slog.Level]. Unknown values map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// FramePolicy names how malformed audio frames are handled.
type FramePolicy string

const (
	// FramePolicyDrop logs and discards malformed frames silently.
	FramePolicyDrop FramePolicy = "drop"
	// FramePolicyReport also sends the client an "error" message.
	FramePolicyReport FramePolicy = "report"
)

// IsValid reports whether p is a recognised frame policy.
func (p FramePolicy) IsValid() bool {
	return p == FramePolicyDrop || p == FramePolicyReport
}

// Config is the root configuration structure for voxrelay.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader],
// both of which start from [Default] so that omitted keys keep their
// defaults.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Session    SessionConfig    `yaml:"session"`
	Recognizer RecognizerConfig `yaml:"recognizer"`
	Engine     EngineConfig     `yaml:"engine"`
	VAD        ProviderEntry    `yaml:"vad"`
	Transcript TranscriptConfig `yaml:"transcript"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on. Default:
	// "localhost:8001".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It can be changed while running.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// Path is the websocket endpoint. Default: "/stt".
	Path string `yaml:"path"`

	// OriginPatterns lists extra host patterns allowed to connect
	// cross-origin.
	OriginPatterns []string `yaml:"origin_patterns"`

	// InsecureSkipVerify disables the websocket origin check.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	// MaxMessageBytes caps a single client frame. Default: 1 MiB.
	MaxMessageBytes int64 `yaml:"max_message_bytes"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SessionConfig holds per-connection behaviour.
type SessionConfig struct {
	// FrameErrorPolicy is "drop" (default) or "report".
	FrameErrorPolicy FramePolicy `yaml:"frame_error_policy"`

	// MaxSessions limits concurrent sessions. Zero means unlimited.
	MaxSessions int `yaml:"max_sessions"`

	// RealtimeBacklog caps queued realtime updates per session. Zero means
	// unlimited.
	RealtimeBacklog int `yaml:"realtime_backlog"`

	// WriteTimeout bounds a single outbound message write. Default: 5s.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ShutdownTimeout bounds graceful shutdown. Default: 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. Name selects the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "whisper",
	// "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// RecognizerConfig selects the recognizer provider and its fallbacks.
type RecognizerConfig struct {
	ProviderEntry `yaml:",inline"`

	// Fallbacks are tried in order when the primary cannot construct a
	// recognizer.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	// MaxFailures is the number of consecutive construction failures after
	// which a provider is skipped. Default: 3.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long a failing provider is skipped. Default: 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// EngineConfig mirrors [recognizer.Config] in YAML form.
type EngineConfig struct {
	Model                   string        `yaml:"model"`
	RealtimeModel           string        `yaml:"realtime_model"`
	Language                string        `yaml:"language"`
	InitialPrompt           string        `yaml:"initial_prompt"`
	SileroSensitivity       float64       `yaml:"silero_sensitivity"`
	WebRTCSensitivity       int           `yaml:"webrtc_sensitivity"`
	PostSpeechSilence       time.Duration `yaml:"post_speech_silence_duration"`
	MinGapBetweenRecordings time.Duration `yaml:"min_gap_between_recordings"`
	MinRecordingLength      time.Duration `yaml:"min_length_of_recording"`
	PreRecordingBuffer      time.Duration `yaml:"pre_recording_buffer_duration"`
	EnableRealtime          bool          `yaml:"enable_realtime_transcription"`
	RealtimeInterval        time.Duration `yaml:"realtime_processing_pause"`
	BeamSize                int           `yaml:"beam_size"`
	RealtimeBeamSize        int           `yaml:"beam_size_realtime"`
	EnsureUppercase         bool          `yaml:"ensure_sentence_starting_uppercase"`
	EnsurePeriod            bool          `yaml:"ensure_sentence_ends_with_period"`

	// TargetSampleRate documents the rate audio is fed at. Only 16000 is
	// accepted.
	TargetSampleRate int `yaml:"target_sample_rate"`
}

// RecognizerConfig converts e to the engine options passed to providers.
func (e EngineConfig) RecognizerConfig() recognizer.Config {
	return recognizer.Config{
		Model:                   e.Model,
		RealtimeModel:           e.RealtimeModel,
		Language:                e.Language,
		InitialPrompt:           e.InitialPrompt,
		SileroSensitivity:       e.SileroSensitivity,
		WebRTCSensitivity:       e.WebRTCSensitivity,
		PostSpeechSilence:       e.PostSpeechSilence,
		MinGapBetweenRecordings: e.MinGapBetweenRecordings,
		MinRecordingLength:      e.MinRecordingLength,
		PreRecordingBuffer:      e.PreRecordingBuffer,
		EnableRealtime:          e.EnableRealtime,
		RealtimeInterval:        e.RealtimeInterval,
		BeamSize:                e.BeamSize,
		RealtimeBeamSize:        e.RealtimeBeamSize,
		EnsureUppercase:         e.EnsureUppercase,
		EnsurePeriod:            e.EnsurePeriod,
	}
}

// engineFromRecognizer is the inverse of [EngineConfig.RecognizerConfig].
func engineFromRecognizer(c recognizer.Config) EngineConfig {
	return EngineConfig{
		Model:                   c.Model,
		RealtimeModel:           c.RealtimeModel,
		Language:                c.Language,
		InitialPrompt:           c.InitialPrompt,
		SileroSensitivity:       c.SileroSensitivity,
		WebRTCSensitivity:       c.WebRTCSensitivity,
		PostSpeechSilence:       c.PostSpeechSilence,
		MinGapBetweenRecordings: c.MinGapBetweenRecordings,
		MinRecordingLength:      c.MinRecordingLength,
		PreRecordingBuffer:      c.PreRecordingBuffer,
		EnableRealtime:          c.EnableRealtime,
		RealtimeInterval:        c.RealtimeInterval,
		BeamSize:                c.BeamSize,
		RealtimeBeamSize:        c.RealtimeBeamSize,
		EnsureUppercase:         c.EnsureUppercase,
		EnsurePeriod:            c.EnsurePeriod,
		TargetSampleRate:        audio.TargetSampleRate,
	}
}

// TranscriptConfig configures vocabulary correction of final sentences.
type TranscriptConfig struct {
	// Vocabulary lists domain terms (names, jargon) that misrecognised words
	// are corrected towards. Empty disables correction.
	Vocabulary []string `yaml:"vocabulary"`

	// PhoneticThreshold is the minimum similarity for a phonetic match.
	// Zero uses the corrector's default.
	PhoneticThreshold float64 `yaml:"phonetic_threshold"`

	// FuzzyThreshold is the minimum similarity for a spelling match.
	// Zero uses the corrector's default.
	FuzzyThreshold float64 `yaml:"fuzzy_threshold"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	// ServiceName is reported in telemetry. Default: "voxrelay".
	ServiceName string `yaml:"service_name"`

	// MetricsPath serves Prometheus metrics. Default: "/metrics".
	MetricsPath string `yaml:"metrics_path"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      "localhost:8001",
			LogLevel:        LogInfo,
			Path:            "/stt",
			MaxMessageBytes: 1 << 20,
		},
		Session: SessionConfig{
			FrameErrorPolicy: FramePolicyDrop,
			WriteTimeout:     5 * time.Second,
			ShutdownTimeout:  15 * time.Second,
		},
		Recognizer: RecognizerConfig{
			ProviderEntry: ProviderEntry{Name: "whisper"},
			MaxFailures:   3,
			ResetTimeout:  30 * time.Second,
		},
		Engine: engineFromRecognizer(recognizer.DefaultConfig()),
		VAD:    ProviderEntry{Name: "energy"},
		Telemetry: TelemetryConfig{
			ServiceName: "voxrelay",
			MetricsPath: "/metrics",
		},
	}
}
