package whisper_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/voxrelay/pkg/provider/recognizer/utterance"
	"github.com/MrWong99/voxrelay/pkg/provider/recognizer/whisper"
)

type inferenceRequest struct {
	fields map[string]string
	wav    []byte
}

// newMockServer answers POST /inference with responseText and records the
// form of every request.
func newMockServer(t *testing.T, responseText string) (*httptest.Server, func() []inferenceRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []inferenceRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		wav, _ := io.ReadAll(f)
		fields := map[string]string{}
		for k, v := range r.MultipartForm.Value {
			fields[k] = v[0]
		}
		mu.Lock()
		reqs = append(reqs, inferenceRequest{fields: fields, wav: wav})
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": responseText})
	}))
	t.Cleanup(srv.Close)
	return srv, func() []inferenceRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]inferenceRequest(nil), reqs...)
	}
}

func TestNewServer_EmptyURL(t *testing.T) {
	if _, err := whisper.NewServer(""); err == nil {
		t.Fatal("expected error for empty serverURL, got nil")
	}
}

func TestServer_Transcribe(t *testing.T) {
	srv, requests := newMockServer(t, "  hello there ")
	s, err := whisper.NewServer(srv.URL+"/", whisper.WithModelField(true))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	pcm := make([]int16, 1600)
	text, err := s.Transcribe(context.Background(), pcm, utterance.TranscribeOptions{
		Model:         "medium",
		Language:      "de",
		InitialPrompt: "Grimjaw, Eldrinax",
		BeamSize:      5,
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "hello there" {
		t.Errorf("text = %q, want %q", text, "hello there")
	}

	reqs := requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	want := map[string]string{
		"language":        "de",
		"response_format": "json",
		"prompt":          "Grimjaw, Eldrinax",
		"beam_size":       "5",
		"model":           "medium",
	}
	for k, v := range want {
		if got := reqs[0].fields[k]; got != v {
			t.Errorf("field %s = %q, want %q", k, got, v)
		}
	}
	if len(reqs[0].wav) != 44+len(pcm)*2 || !strings.HasPrefix(string(reqs[0].wav), "RIFF") {
		t.Errorf("wav upload: %d bytes, want a %d byte RIFF file", len(reqs[0].wav), 44+len(pcm)*2)
	}
}

func TestServer_OmitsModelByDefault(t *testing.T) {
	srv, requests := newMockServer(t, "ok")
	s, _ := whisper.NewServer(srv.URL)

	if _, err := s.Transcribe(context.Background(), make([]int16, 10), utterance.TranscribeOptions{Model: "medium"}); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	fields := requests()[0].fields
	if _, ok := fields["model"]; ok {
		t.Error("model field sent without WithModelField")
	}
	if fields["language"] != "en" {
		t.Errorf("language = %q, want default en", fields["language"])
	}
}

func TestServer_BlankAudioIsEmpty(t *testing.T) {
	srv, _ := newMockServer(t, " [BLANK_AUDIO]")
	s, _ := whisper.NewServer(srv.URL)

	text, err := s.Transcribe(context.Background(), make([]int16, 10), utterance.TranscribeOptions{})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "" {
		t.Errorf("text = %q, want empty", text)
	}
}

func TestServer_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	s, _ := whisper.NewServer(srv.URL)

	_, err := s.Transcribe(context.Background(), make([]int16, 10), utterance.TranscribeOptions{})
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("err = %v, want HTTP 503 error", err)
	}
}

func TestServer_CancelledContext(t *testing.T) {
	srv, _ := newMockServer(t, "late")
	s, _ := whisper.NewServer(srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Transcribe(ctx, make([]int16, 10), utterance.TranscribeOptions{}); err == nil {
		t.Error("expected error for cancelled context")
	}
}
