package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxrelay/pkg/provider/recognizer"
)

func assertEqual(t *testing.T, field, want, got string) {
	t.Helper()
	if got != want {
		t.Errorf("%s = %q, want %q", field, got, want)
	}
}

func TestNew_EmptyKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty apiKey")
	}
}

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rawURL, err := p.buildURL(recognizer.DefaultConfig())
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "vad_events", "true", q.Get("vad_events"))
	assertEqual(t, "endpointing", "700", q.Get("endpointing"))
	// Deepgram rejects utterance_end_ms below one second.
	assertEqual(t, "utterance_end_ms", "1000", q.Get("utterance_end_ms"))
}

func TestBuildURL_Options(t *testing.T) {
	p, _ := New("key", WithModel("base"), WithKeyterms([]string{"Eldrinax", "Grimjaw"}))
	cfg := recognizer.DefaultConfig()
	cfg.Language = "de"
	cfg.EnableRealtime = false
	cfg.PostSpeechSilence = 1500 * time.Millisecond

	rawURL, err := p.buildURL(cfg)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "de", q.Get("language"))
	assertEqual(t, "interim_results", "false", q.Get("interim_results"))
	assertEqual(t, "utterance_end_ms", "1500", q.Get("utterance_end_ms"))
	if got := q["keyterm"]; len(got) != 2 {
		t.Errorf("keyterm = %v, want 2 entries", got)
	}
}

// fakeDeepgram is a scripted websocket peer.
type fakeDeepgram struct {
	t      *testing.T
	script []string

	mu          sync.Mutex
	auth        string
	audioBytes  int
	closeStream bool
}

func (f *fakeDeepgram) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.auth = r.Header.Get("Authorization")
	f.mu.Unlock()

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		f.t.Errorf("accept: %v", err)
		return
	}
	defer c.CloseNow()
	ctx := r.Context()

	// Wait for the first audio chunk before replying, like a real stream.
	typ, data, err := c.Read(ctx)
	if err != nil {
		return
	}
	if typ == websocket.MessageBinary {
		f.mu.Lock()
		f.audioBytes += len(data)
		f.mu.Unlock()
	}
	for _, msg := range f.script {
		if err := c.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
			return
		}
	}
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		f.mu.Lock()
		if typ == websocket.MessageBinary {
			f.audioBytes += len(data)
		} else if strings.Contains(string(data), "CloseStream") {
			f.closeStream = true
		}
		f.mu.Unlock()
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRecognizer_Stream(t *testing.T) {
	fake := &fakeDeepgram{t: t, script: []string{
		`{"type":"Metadata"}`,
		`{"type":"SpeechStarted"}`,
		`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hello"}]}}`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hello world"}]}}`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":""}]}}`,
		`not json`,
		`{"type":"UtteranceEnd"}`,
	}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	var (
		mu     sync.Mutex
		events []string
	)
	record := func(s string) {
		mu.Lock()
		events = append(events, s)
		mu.Unlock()
	}
	stopped := make(chan struct{})
	cb := recognizer.Callbacks{
		OnRealtimeUpdate: func(text string) { record("realtime:" + text) },
		OnRecordingStart: func() { record("start") },
		OnRecordingStop:  func() { record("stop"); close(stopped) },
	}

	p, _ := New("secret", WithEndpoint(wsURL(srv)))
	rec, err := p.NewRecognizer(context.Background(), recognizer.DefaultConfig(), cb)
	if err != nil {
		t.Fatalf("NewRecognizer: %v", err)
	}
	if err := rec.FeedAudio(make([]int16, 160)); err != nil {
		t.Fatalf("FeedAudio: %v", err)
	}

	text, err := rec.Text()
	if err != nil {
		t.Fatalf("Text: %v", err)
	}
	if text != "Hello world." {
		t.Errorf("Text = %q, want %q", text, "Hello world.")
	}

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("UtteranceEnd not delivered")
	}
	mu.Lock()
	got := strings.Join(events, ",")
	mu.Unlock()
	if got != "start,realtime:Hello,stop" {
		t.Errorf("events = %s, want start,realtime:Hello,stop", got)
	}

	done := make(chan error, 1)
	go func() {
		_, err := rec.Text()
		done <- err
	}()
	if err := rec.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	_ = rec.Stop()
	select {
	case err := <-done:
		if !errors.Is(err, recognizer.ErrStopped) {
			t.Errorf("Text after Stop: err = %v, want ErrStopped", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not unblock Text")
	}
	if err := rec.FeedAudio(make([]int16, 10)); !errors.Is(err, recognizer.ErrStopped) {
		t.Errorf("FeedAudio after Stop: err = %v, want ErrStopped", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.auth != "Token secret" {
		t.Errorf("Authorization = %q, want %q", fake.auth, "Token secret")
	}
	if fake.audioBytes != 320 {
		t.Errorf("audio bytes = %d, want 320", fake.audioBytes)
	}
	if !fake.closeStream {
		t.Error("CloseStream was not sent")
	}
}

func TestRecognizer_ConnectionLost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_ = c.Write(r.Context(), websocket.MessageText,
			[]byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"last words"}]}}`))
		c.Close(websocket.StatusInternalError, "upstream failure")
	}))
	defer srv.Close()

	p, _ := New("key", WithEndpoint(wsURL(srv)))
	rec, err := p.NewRecognizer(context.Background(), recognizer.DefaultConfig(), recognizer.Callbacks{})
	if err != nil {
		t.Fatalf("NewRecognizer: %v", err)
	}
	defer rec.Stop()

	if text, err := rec.Text(); err != nil || text != "Last words." {
		t.Fatalf("Text = %q, %v; want the final received before the drop", text, err)
	}
	_, err = rec.Text()
	if err == nil || errors.Is(err, recognizer.ErrStopped) {
		t.Errorf("err = %v, want connection error", err)
	}
}

func TestNewRecognizer_DialFailure(t *testing.T) {
	p, _ := New("key", WithEndpoint("ws://127.0.0.1:1/listen"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.NewRecognizer(ctx, recognizer.DefaultConfig(), recognizer.Callbacks{}); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestRecognizer_StopWhenPeerStopsReading(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		// Never read, so the client's writes back up once the socket
		// buffers are full.
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p, _ := New("key", WithEndpoint(wsURL(srv)))
	rec, err := p.NewRecognizer(context.Background(), recognizer.DefaultConfig(), recognizer.Callbacks{})
	if err != nil {
		t.Fatalf("NewRecognizer: %v", err)
	}

	// 32 MiB of audio is far beyond loopback socket buffers.
	chunk := make([]int16, 16000)
	for range 1024 {
		if err := rec.FeedAudio(chunk); err != nil {
			t.Fatalf("FeedAudio: %v", err)
		}
	}
	time.Sleep(200 * time.Millisecond)

	done := make(chan struct{})
	start := time.Now()
	go func() {
		_ = rec.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeStreamTimeout + 5*time.Second):
		t.Fatal("Stop blocked on a peer that does not read")
	}
	if elapsed := time.Since(start); elapsed > closeStreamTimeout+3*time.Second {
		t.Errorf("Stop took %v", elapsed)
	}
	if _, err := rec.Text(); !errors.Is(err, recognizer.ErrStopped) {
		t.Errorf("Text after Stop: err = %v, want ErrStopped", err)
	}
}
