package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/pkg/provider/recognizer"
	"github.com/MrWong99/voxrelay/pkg/provider/recognizer/mock"
	"github.com/MrWong99/voxrelay/pkg/provider/vad"
	vadmock "github.com/MrWong99/voxrelay/pkg/provider/vad/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8001"
  log_level: debug
  path: /stt
  origin_patterns: ["example.com"]
  max_message_bytes: 65536

session:
  frame_error_policy: report
  max_sessions: 8
  realtime_backlog: 4
  shutdown_timeout: 20s

recognizer:
  name: deepgram
  api_key: dg-test
  model: nova-3
  options:
    keyterms: ["Greymantle"]
  fallbacks:
    - name: whisper
      base_url: http://127.0.0.1:8080

engine:
  model: large-v2
  realtime_model: tiny.en
  language: de
  post_speech_silence_duration: 500ms
  enable_realtime_transcription: false
  target_sample_rate: 16000

vad:
  name: energy

transcript:
  vocabulary: [Greymantle, Ironhold]
  phonetic_threshold: 0.8

telemetry:
  service_name: relay-test
`

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// ── loading ──────────────────────────────────────────────────────────────────

func TestLoadFromReader_Sample(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)

	if cfg.Server.ListenAddr != ":8001" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Session.FrameErrorPolicy != config.FramePolicyReport || cfg.Session.MaxSessions != 8 {
		t.Errorf("session = %+v", cfg.Session)
	}
	if cfg.Session.ShutdownTimeout != 20*time.Second {
		t.Errorf("shutdown_timeout = %v, want 20s", cfg.Session.ShutdownTimeout)
	}
	if cfg.Session.WriteTimeout != 5*time.Second {
		t.Errorf("write_timeout = %v, want the 5s default", cfg.Session.WriteTimeout)
	}
	if cfg.Recognizer.Name != "deepgram" || cfg.Recognizer.APIKey != "dg-test" {
		t.Errorf("recognizer = %+v", cfg.Recognizer.ProviderEntry)
	}
	if len(cfg.Recognizer.Fallbacks) != 1 || cfg.Recognizer.Fallbacks[0].BaseURL != "http://127.0.0.1:8080" {
		t.Errorf("fallbacks = %+v", cfg.Recognizer.Fallbacks)
	}
	if cfg.Telemetry.MetricsPath != "/metrics" {
		t.Errorf("metrics_path = %q, want default", cfg.Telemetry.MetricsPath)
	}

	want := recognizer.DefaultConfig()
	want.Model = "large-v2"
	want.RealtimeModel = "tiny.en"
	want.Language = "de"
	want.PostSpeechSilence = 500 * time.Millisecond
	want.EnableRealtime = false
	if diff := cmp.Diff(want, cfg.Engine.RecognizerConfig()); diff != "" {
		t.Errorf("engine config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFromReader_EmptyIsDefault(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, "")
	if diff := cmp.Diff(config.Default(), cfg); diff != "" {
		t.Errorf("empty config differs from Default (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(recognizer.DefaultConfig(), cfg.Engine.RecognizerConfig()); diff != "" {
		t.Errorf("default engine config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: \":1\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load("/nonexistent/voxrelay.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLogLevel_SlogLevel(t *testing.T) {
	t.Parallel()
	for lvl, want := range map[config.LogLevel]string{
		config.LogDebug: "DEBUG",
		config.LogInfo:  "INFO",
		config.LogWarn:  "WARN",
		config.LogError: "ERROR",
		"":              "INFO",
	} {
		if got := lvl.SlogLevel().String(); got != want {
			t.Errorf("%q.SlogLevel() = %s, want %s", lvl, got, want)
		}
	}
}

// ── registry ─────────────────────────────────────────────────────────────────

func TestRegistry_CreateRecognizer(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	want := &mock.Provider{}
	var gotVAD vad.Engine
	reg.RegisterRecognizer("fake", func(e config.ProviderEntry, v vad.Engine) (recognizer.Provider, error) {
		gotVAD = v
		return want, nil
	})
	engine := &vadmock.Engine{}

	p, err := reg.CreateRecognizer(config.ProviderEntry{Name: "fake"}, engine)
	if err != nil {
		t.Fatalf("CreateRecognizer: %v", err)
	}
	if p != want {
		t.Error("registry returned a different provider")
	}
	if gotVAD != engine {
		t.Error("factory did not receive the VAD engine")
	}
	if diff := cmp.Diff([]string{"fake"}, reg.RecognizerNames()); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	if _, err := reg.CreateRecognizer(config.ProviderEntry{Name: "nope"}, nil); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("recognizer err = %v, want ErrProviderNotRegistered", err)
	}
	if _, err := reg.CreateVAD(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("vad err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_CreateVAD(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	engine := &vadmock.Engine{}
	reg.RegisterVAD("mock", func(config.ProviderEntry) (vad.Engine, error) { return engine, nil })

	got, err := reg.CreateVAD(config.ProviderEntry{Name: "mock"})
	if err != nil {
		t.Fatalf("CreateVAD: %v", err)
	}
	if got != engine {
		t.Error("registry returned a different engine")
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	cfg, err := config.Load("../../configs/example.yaml")
	if err != nil {
		t.Fatalf("Load example: %v", err)
	}
	if cfg.Recognizer.Name != "whisper-native" {
		t.Errorf("recognizer.name = %q, want whisper-native", cfg.Recognizer.Name)
	}
	if got := cfg.Engine.PostSpeechSilence; got != 700*time.Millisecond {
		t.Errorf("post_speech_silence_duration = %v, want 700ms", got)
	}
}
