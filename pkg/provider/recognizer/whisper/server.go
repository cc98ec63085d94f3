package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/recognizer/utterance"
)

var _ utterance.Transcriber = (*Server)(nil)

// Server transcribes through a whisper.cpp HTTP server.
type Server struct {
	serverURL  string
	httpClient *http.Client
	sendModel  bool
}

// ServerOption is a functional option for configuring a Server.
type ServerOption func(*Server)

// WithHTTPClient replaces the default client, which has a 30 s timeout.
func WithHTTPClient(c *http.Client) ServerOption {
	return func(s *Server) { s.httpClient = c }
}

// WithModelField forwards TranscribeOptions.Model as the "model" form field.
// Stock whisper-server ignores it and uses the model it was started with;
// proxies that host several models route on it.
func WithModelField(enabled bool) ServerOption {
	return func(s *Server) { s.sendModel = enabled }
}

// NewServer returns a transcriber for the whisper-server at serverURL
// (e.g. "http://localhost:8080").
func NewServer(serverURL string, opts ...ServerOption) (*Server, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	s := &Server{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Transcribe encodes pcm as WAV and POSTs it to /inference as
// multipart/form-data.
func (s *Server) Transcribe(ctx context.Context, pcm []int16, opts utterance.TranscribeOptions) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(audio.EncodeWAV(pcm, audio.TargetSampleRate)); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}

	lang := opts.Language
	if lang == "" {
		lang = defaultLanguage
	}
	fields := map[string]string{
		"language":        lang,
		"response_format": "json",
	}
	if opts.InitialPrompt != "" {
		fields["prompt"] = opts.InitialPrompt
	}
	if opts.BeamSize > 0 {
		fields["beam_size"] = strconv.Itoa(opts.BeamSize)
	}
	if s.sendModel && opts.Model != "" {
		fields["model"] = opts.Model
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return "", fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w", err)
	}
	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return cleanText(strings.TrimSpace(result.Text)), nil
}
