package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/meetflow/pkg/audio"
	"github.com/MrWong99/meetflow/pkg/provider/stt"
	sttmock "github.com/MrWong99/meetflow/pkg/provider/stt/mock"
)

func TestTranscriberFallback(t *testing.T) {
	w := audio.Waveform{Samples: make([]float32, 1600), SampleRate: 16000}
	params := stt.TranscribeParams{Language: "de", BatchSize: 8}
	backupResult := &stt.Transcription{
		Language: "de",
		Segments: []stt.Segment{{Start: 0, End: 100 * time.Millisecond, Text: "Guten Morgen"}},
	}

	t.Run("fails over to backup", func(t *testing.T) {
		primary := &sttmock.Transcriber{Err: errTest}
		backup := &sttmock.Transcriber{Result: backupResult}

		f := NewTranscriberFallback(primary, "whisper-native", testConfig(t))
		f.AddFallback("deepgram", backup)

		got, err := f.Transcribe(context.Background(), w, params)
		if err != nil {
			t.Fatalf("Transcribe: %v", err)
		}
		if len(got.Segments) != 1 || got.Segments[0].Text != "Guten Morgen" {
			t.Errorf("segments = %+v", got.Segments)
		}
		if backup.CallCount() != 1 {
			t.Fatalf("backup calls = %d, want 1", backup.CallCount())
		}
		if backup.Calls[0].Params != params {
			t.Errorf("params = %+v, want %+v", backup.Calls[0].Params, params)
		}
		if backup.Calls[0].Duration != 100*time.Millisecond {
			t.Errorf("duration = %v, want 100ms", backup.Calls[0].Duration)
		}
	})

	t.Run("all fail", func(t *testing.T) {
		f := NewTranscriberFallback(&sttmock.Transcriber{Err: errTest}, "whisper", testConfig(t))
		f.AddFallback("deepgram", &sttmock.Transcriber{Err: errTest})

		if _, err := f.Transcribe(context.Background(), w, params); !errors.Is(err, ErrAllFailed) {
			t.Errorf("err = %v, want ErrAllFailed", err)
		}
	})
}
