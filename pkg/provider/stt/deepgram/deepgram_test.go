package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/MrWong99/meetflow/pkg/audio"
	"github.com/MrWong99/meetflow/pkg/provider/stt"
)

const listenBody = `{
  "metadata": {"request_id": "r1"},
  "results": {
    "channels": [{"detected_language": "de", "alternatives": [{"transcript": "hallo zusammen wie gehts"}]}],
    "utterances": [
      {"start": 0.0, "end": 1.2, "transcript": "hallo zusammen", "confidence": 0.9, "speaker": 0},
      {"start": 1.3, "end": 1.4, "transcript": " ", "confidence": 0.1, "speaker": 1},
      {"start": 1.5, "end": 2.5, "transcript": "wie gehts", "confidence": 0.8, "speaker": 1}
    ]
  }
}`

func newListenServer(t *testing.T, gotQuery *url.Values) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token test-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Header.Get("Content-Type") != "audio/wav" {
			http.Error(w, "bad content type", http.StatusBadRequest)
			return
		}
		if gotQuery != nil {
			*gotQuery = r.URL.Query()
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(listenBody))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func oneSecond() audio.Waveform {
	return audio.Waveform{Samples: make([]float32, 16000), SampleRate: 16000}
}

func TestBuildURL(t *testing.T) {
	p, err := New("test-key", WithModel("base"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		language string
		want     map[string]string
	}{
		{"en", map[string]string{"model": "base", "language": "en", "diarize": "true", "utterances": "true", "punctuate": "true"}},
		{"", map[string]string{"detect_language": "true", "language": ""}},
	}
	for _, tc := range tests {
		raw, err := p.buildURL(tc.language)
		if err != nil {
			t.Fatalf("buildURL: %v", err)
		}
		u, _ := url.Parse(raw)
		for k, want := range tc.want {
			if got := u.Query().Get(k); got != want {
				t.Errorf("language %q: %s = %q, want %q", tc.language, k, got, want)
			}
		}
	}
}

func TestNew_EmptyKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestTranscribe(t *testing.T) {
	var q url.Values
	srv := newListenServer(t, &q)
	p, _ := New("test-key", WithEndpoint(srv.URL+"/v1/listen"))

	res, err := p.Transcribe(context.Background(), oneSecond(), stt.TranscribeParams{})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Language != "de" {
		t.Errorf("language = %q, want detected de", res.Language)
	}
	if len(res.Segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(res.Segments))
	}
	want := stt.Segment{Start: 1500 * time.Millisecond, End: 2500 * time.Millisecond, Text: "wie gehts", Speaker: "SPEAKER_01", Confidence: 0.8}
	if res.Segments[1] != want {
		t.Errorf("segment 1 = %+v, want %+v", res.Segments[1], want)
	}
	if q.Get("diarize") != "true" {
		t.Errorf("diarize query = %q, want true", q.Get("diarize"))
	}
}

func TestDiarize(t *testing.T) {
	srv := newListenServer(t, nil)
	p, _ := New("test-key", WithEndpoint(srv.URL))

	turns, err := p.Diarize(context.Background(), oneSecond())
	if err != nil {
		t.Fatalf("Diarize: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("got %d turns, want 3", len(turns))
	}
	if turns[0].Speaker != "SPEAKER_00" || turns[2].End != 2500*time.Millisecond {
		t.Errorf("turns = %+v", turns)
	}
}

func TestTranscribe_Unauthorized(t *testing.T) {
	srv := newListenServer(t, nil)
	p, _ := New("wrong", WithEndpoint(srv.URL))
	if _, err := p.Transcribe(context.Background(), oneSecond(), stt.TranscribeParams{Language: "en"}); err == nil {
		t.Fatal("expected error for HTTP 401")
	}
}
