package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/resilience"
	"github.com/MrWong99/voxrelay/pkg/provider/recognizer"
	"github.com/MrWong99/voxrelay/pkg/provider/recognizer/deepgram"
	"github.com/MrWong99/voxrelay/pkg/provider/recognizer/openai"
	"github.com/MrWong99/voxrelay/pkg/provider/recognizer/utterance"
	"github.com/MrWong99/voxrelay/pkg/provider/recognizer/whisper"
	"github.com/MrWong99/voxrelay/pkg/provider/vad"
	"github.com/MrWong99/voxrelay/pkg/provider/vad/energy"
)

// defaultWhisperServer is where a local whisper-server listens by default.
const defaultWhisperServer = "http://127.0.0.1:8080"

// registerBuiltinProviders wires all built-in factories into reg. Providers
// holding resources pass a cleanup function to onClose.
func registerBuiltinProviders(reg *config.Registry, onClose func(func() error)) {
	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})

	// ── Recognizers ───────────────────────────────────────────────────────────

	reg.RegisterRecognizer("whisper", func(entry config.ProviderEntry, v vad.Engine) (recognizer.Provider, error) {
		url := entry.BaseURL
		if url == "" {
			url = defaultWhisperServer
		}
		var opts []whisper.ServerOption
		if optBool(entry.Options, "send_model") {
			opts = append(opts, whisper.WithModelField(true))
		}
		t, err := whisper.NewServer(url, opts...)
		if err != nil {
			return nil, err
		}
		return whisper.NewProvider(t, v, utterance.WithLogger(slog.Default())), nil
	})

	reg.RegisterRecognizer("whisper-native", func(entry config.ProviderEntry, v vad.Engine) (recognizer.Provider, error) {
		models := optStringMap(entry.Options, "models")
		if len(models) == 0 {
			models = map[string]string{entry.Model: optString(entry.Options, "model_path")}
		}
		n, err := whisper.NewNative(models, entry.Model)
		if err != nil {
			return nil, err
		}
		onClose(n.Close)
		return whisper.NewProvider(n, v, utterance.WithLogger(slog.Default())), nil
	})

	reg.RegisterRecognizer("openai", func(entry config.ProviderEntry, v vad.Engine) (recognizer.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if m := optString(entry.Options, "realtime_model"); m != "" {
			opts = append(opts, openai.WithRealtimeModel(m))
		}
		t, err := openai.New(entry.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		return openai.NewProvider(t, v, utterance.WithLogger(slog.Default())), nil
	})

	reg.RegisterRecognizer("deepgram", func(entry config.ProviderEntry, _ vad.Engine) (recognizer.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if terms := optStrings(entry.Options, "keyterms"); len(terms) > 0 {
			opts = append(opts, deepgram.WithKeyterms(terms))
		}
		return deepgram.New(entry.APIKey, opts...)
	})
}

// buildRecognizer creates the VAD engine and the configured recognizer. When
// fallbacks are configured, the result tries them in order whenever the
// primary cannot construct a recognizer.
func buildRecognizer(cfg *config.Config, reg *config.Registry) (recognizer.Provider, error) {
	v, err := reg.CreateVAD(cfg.VAD)
	if err != nil {
		return nil, fmt.Errorf("create vad %q: %w", cfg.VAD.Name, err)
	}

	rc := cfg.Recognizer
	primary, err := reg.CreateRecognizer(rc.ProviderEntry, v)
	if err != nil {
		return nil, fmt.Errorf("create recognizer %q: %w", rc.Name, err)
	}
	slog.Info("provider created", "kind", "recognizer", "name", rc.Name, "model", rc.Model)
	if len(rc.Fallbacks) == 0 {
		return primary, nil
	}

	fb := resilience.NewRecognizerFallback(rc.Name, primary, resilience.BreakerConfig{
		MaxFailures:  rc.MaxFailures,
		ResetTimeout: rc.ResetTimeout,
	})
	fb.OnFailover = func(name string, err error) {
		slog.Warn("recognizer failover", "name", name, "err", err)
		observe.DefaultMetrics().RecordRecognizerError(context.Background(), name, "failover")
	}
	for _, entry := range rc.Fallbacks {
		p, err := reg.CreateRecognizer(entry, v)
		if err != nil {
			return nil, fmt.Errorf("create fallback recognizer %q: %w", entry.Name, err)
		}
		fb.Add(entry.Name, p)
		slog.Info("provider created", "kind", "recognizer-fallback", "name", entry.Name, "model", entry.Model)
	}
	return fb, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optBool extracts a bool value, defaulting to false.
func optBool(opts map[string]any, key string) bool {
	b, _ := opts[key].(bool)
	return b
}

// optStrings extracts a YAML string list. Non-string items are skipped.
func optStrings(opts map[string]any, key string) []string {
	items, _ := opts[key].([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// optStringMap extracts a YAML mapping of strings to strings.
func optStringMap(opts map[string]any, key string) map[string]string {
	m, _ := opts[key].(map[string]any)
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
