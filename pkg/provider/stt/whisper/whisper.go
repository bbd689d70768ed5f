// Package whisper provides whisper.cpp-backed speech providers.
//
// Two variants exist:
//
//   - [Server] posts whole waveforms to a running whisper-server binary
//     (POST /inference, response_format=verbose_json) and parses the timed
//     segments it returns. No CGO is required.
//   - [Native] and [NativeAligner] run inference in-process through the
//     whisper.cpp CGO bindings. Models are not owned by these types; they are
//     borrowed per call through a [ModelFunc], normally backed by the shared
//     model cache.
//
// Usage:
//
//	t, err := whisper.NewServer("http://localhost:8080", whisper.WithModel("large-v3"))
//	res, err := t.Transcribe(ctx, waveform, stt.TranscribeParams{Language: "en"})
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/meetflow/pkg/audio"
	"github.com/MrWong99/meetflow/pkg/provider/stt"
)

// Compile-time assertion that Server implements stt.Transcriber.
var _ stt.Transcriber = (*Server)(nil)

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithModel sets the model identifier forwarded to whisper-server. When empty
// the server uses whichever model it was started with.
func WithModel(model string) Option {
	return func(s *Server) { s.model = model }
}

// WithHTTPClient replaces the HTTP client used for inference requests.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Server) { s.httpClient = c }
}

// WithTimeout sets the per-request timeout. Long chunks can take minutes on
// CPU; defaults to 15 minutes.
func WithTimeout(d time.Duration) Option {
	return func(s *Server) { s.httpClient.Timeout = d }
}

// Server transcribes audio by calling a whisper-server HTTP endpoint.
type Server struct {
	serverURL  string
	model      string
	httpClient *http.Client
}

// NewServer creates a Server targeting serverURL (e.g. "http://localhost:8080").
func NewServer(serverURL string, opts ...Option) (*Server, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	s := &Server{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Minute},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// verboseResponse mirrors whisper-server's verbose_json output.
type verboseResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Text       string  `json:"text"`
		AvgLogprob float64 `json:"avg_logprob"`
	} `json:"segments"`
}

// Transcribe implements stt.Transcriber. params.BatchSize is not forwarded;
// whisper-server decodes one stream per request.
func (s *Server) Transcribe(ctx context.Context, w audio.Waveform, params stt.TranscribeParams) (*stt.Transcription, error) {
	if w.IsEmpty() {
		return &stt.Transcription{Language: params.Language}, nil
	}

	var wav bytes.Buffer
	if err := audio.EncodeWAV(&wav, audio.Normalize(w, audio.ModelSampleRate)); err != nil {
		return nil, fmt.Errorf("whisper: encode wav: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := io.Copy(fw, &wav); err != nil {
		return nil, fmt.Errorf("whisper: write wav data: %w", err)
	}

	fields := map[string]string{"response_format": "verbose_json"}
	if params.Language != "" {
		fields["language"] = params.Language
	} else {
		fields["language"] = "auto"
	}
	if s.model != "" {
		fields["model"] = s.model
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+"/inference", &body)
	if err != nil {
		return nil, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result verboseResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("whisper: parse JSON response: %w", err)
	}

	out := &stt.Transcription{Language: result.Language}
	if out.Language == "" {
		out.Language = params.Language
	}
	for _, seg := range result.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		out.Segments = append(out.Segments, stt.Segment{
			Start:      seconds(seg.Start),
			End:        seconds(seg.End),
			Text:       text,
			Confidence: logprobConfidence(seg.AvgLogprob),
		})
	}
	// Servers started without verbose output only return text.
	if len(result.Segments) == 0 && strings.TrimSpace(result.Text) != "" {
		out.Segments = []stt.Segment{{End: w.Duration(), Text: strings.TrimSpace(result.Text)}}
	}
	return out, nil
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// logprobConfidence maps an average token log-probability to [0, 1].
func logprobConfidence(lp float64) float64 {
	if lp == 0 {
		return 0
	}
	return math.Min(1, math.Exp(lp))
}
