// Package deepgram provides a transcriber and diarizer backed by the Deepgram
// pre-recorded audio REST API (POST /v1/listen). Both capabilities use the
// same request with diarize=true and utterances=true; the transcriber maps
// utterances to segments, the diarizer maps them to speaker turns.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/meetflow/pkg/audio"
	"github.com/MrWong99/meetflow/pkg/provider/stt"
)

const (
	defaultEndpoint = "https://api.deepgram.com/v1/listen"
	defaultModel    = "nova-3"
)

var (
	_ stt.Transcriber = (*Provider)(nil)
	_ stt.Diarizer    = (*Provider)(nil)
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithEndpoint overrides the listen endpoint. Intended for self-hosted
// deployments and tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements stt.Transcriber and stt.Diarizer.
type Provider struct {
	apiKey     string
	model      string
	endpoint   string
	httpClient *http.Client
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		endpoint:   defaultEndpoint,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// listenResponse is the subset of the pre-recorded response we consume.
type listenResponse struct {
	Results struct {
		Channels []struct {
			DetectedLanguage string `json:"detected_language"`
		} `json:"channels"`
		Utterances []struct {
			Start      float64 `json:"start"`
			End        float64 `json:"end"`
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Speaker    *int    `json:"speaker"`
		} `json:"utterances"`
	} `json:"results"`
}

// Transcribe implements stt.Transcriber. Deepgram decodes server-side, so
// params.BatchSize is ignored. Segments already carry speaker labels.
func (p *Provider) Transcribe(ctx context.Context, w audio.Waveform, params stt.TranscribeParams) (*stt.Transcription, error) {
	if w.IsEmpty() {
		return &stt.Transcription{Language: params.Language}, nil
	}
	res, err := p.listen(ctx, w, params.Language)
	if err != nil {
		return nil, err
	}

	out := &stt.Transcription{Language: params.Language}
	if out.Language == "" && len(res.Results.Channels) > 0 {
		out.Language = res.Results.Channels[0].DetectedLanguage
	}
	for _, u := range res.Results.Utterances {
		text := strings.TrimSpace(u.Transcript)
		if text == "" {
			continue
		}
		out.Segments = append(out.Segments, stt.Segment{
			Start:      seconds(u.Start),
			End:        seconds(u.End),
			Text:       text,
			Speaker:    speakerLabel(u.Speaker),
			Confidence: u.Confidence,
		})
	}
	return out, nil
}

// Diarize implements stt.Diarizer.
func (p *Provider) Diarize(ctx context.Context, w audio.Waveform) ([]stt.SpeakerTurn, error) {
	if w.IsEmpty() {
		return nil, nil
	}
	res, err := p.listen(ctx, w, "")
	if err != nil {
		return nil, err
	}
	turns := make([]stt.SpeakerTurn, 0, len(res.Results.Utterances))
	for _, u := range res.Results.Utterances {
		if u.Speaker == nil {
			continue
		}
		turns = append(turns, stt.SpeakerTurn{
			Start:   seconds(u.Start),
			End:     seconds(u.End),
			Speaker: speakerLabel(u.Speaker),
		})
	}
	if len(turns) == 0 {
		return nil, errors.New("deepgram: response carried no speaker turns")
	}
	return turns, nil
}

func (p *Provider) listen(ctx context.Context, w audio.Waveform, language string) (*listenResponse, error) {
	endpoint, err := p.buildURL(language)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	var body bytes.Buffer
	if err := audio.EncodeWAV(&body, w); err != nil {
		return nil, fmt.Errorf("deepgram: encode wav: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("deepgram: create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deepgram: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("deepgram: server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var res listenResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("deepgram: parse response: %w", err)
	}
	return &res, nil
}

// buildURL constructs the listen URL for a request in language. An empty
// language enables detection.
func (p *Provider) buildURL(language string) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", p.model)
	q.Set("punctuate", "true")
	q.Set("diarize", "true")
	q.Set("utterances", "true")
	if language != "" {
		q.Set("language", language)
	} else {
		q.Set("detect_language", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func speakerLabel(n *int) string {
	if n == nil {
		return ""
	}
	return fmt.Sprintf("SPEAKER_%02d", *n)
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
