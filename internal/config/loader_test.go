package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/meetflow/internal/config"
)

const minimalYAML = `
providers:
  llm:
    name: openai
    api_key: ${MEETFLOW_TEST_LLM_KEY}
    model: gpt-4o-mini
  transcriber:
    name: whisper
    base_url: http://localhost:8081
`

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Setenv("MEETFLOW_TEST_LLM_KEY", "sk-from-env")

	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Providers.LLM.APIKey != "sk-from-env" {
		t.Errorf("api_key = %q, want expanded env value", cfg.Providers.LLM.APIKey)
	}

	checks := []struct {
		name      string
		got, want any
	}{
		{"listen_addr", cfg.Server.ListenAddr, ":8080"},
		{"log_level", cfg.Server.LogLevel, config.LogInfo},
		{"token_budget", cfg.Router.TokenBudget, 8000},
		{"retained_tail_fraction", cfg.Router.RetainedTailFraction, 0.3},
		{"confidence_threshold", cfg.Router.ConfidenceThreshold, 0.55},
		{"max_duration", cfg.Audio.MaxDuration, 120 * time.Minute},
		{"long_audio_threshold", cfg.Audio.LongAudioThreshold, 30 * time.Minute},
		{"chunk_duration", cfg.Audio.ChunkDuration, 10 * time.Minute},
		{"batch_min", cfg.Audio.BatchMin, 8},
		{"batch_max", cfg.Audio.BatchMax, 16},
		{"batch_steps", len(cfg.Audio.BatchSteps), 2},
		{"default_speaker", cfg.Audio.DefaultSpeaker, "SPEAKER_00"},
		{"device", cfg.Models.Device, config.DeviceAuto},
		{"sqlite_path", cfg.Store.SQLitePath, "data/meetflow.db"},
		{"service_name", cfg.Observe.ServiceName, "meetflow"},
		{"breaker max_failures", cfg.Providers.CircuitBreaker.MaxFailures, 5},
		{"breaker reset_timeout", cfg.Providers.CircuitBreaker.ResetTimeout, 30 * time.Second},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadFromReader_Durations(t *testing.T) {
	yaml := minimalYAML + `
audio:
  max_duration: 90m
  long_audio_threshold: 20m
  chunk_duration: 5m
  chunk_overlap: 3s
  batch_steps:
    - max_duration: 15m
      batch_size: 10
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Audio.ChunkOverlap != 3*time.Second {
		t.Errorf("chunk_overlap = %v, want 3s", cfg.Audio.ChunkOverlap)
	}
	if len(cfg.Audio.BatchSteps) != 1 || cfg.Audio.BatchSteps[0].MaxDuration != 15*time.Minute {
		t.Errorf("batch_steps = %+v", cfg.Audio.BatchSteps)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + "\nspeakers: []\n"))
	if err == nil {
		t.Fatal("expected error for unknown top-level field")
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"missing llm", func(c *config.Config) { c.Providers.LLM.Name = "" }, "providers.llm.name"},
		{"fraction too big", func(c *config.Config) { c.Router.RetainedTailFraction = 1 }, "retained_tail_fraction"},
		{"threshold out of range", func(c *config.Config) { c.Router.ConfidenceThreshold = 1.5 }, "confidence_threshold"},
		{"overlap too long", func(c *config.Config) { c.Audio.ChunkOverlap = c.Audio.ChunkDuration }, "chunk_overlap"},
		{"max below threshold", func(c *config.Config) { c.Audio.MaxDuration = time.Minute }, "below long_audio_threshold"},
		{"batch range inverted", func(c *config.Config) { c.Audio.BatchMin = 20 }, "batch range"},
		{"steps not increasing", func(c *config.Config) {
			c.Audio.BatchSteps = []config.BatchStep{{MaxDuration: time.Hour, BatchSize: 8}, {MaxDuration: time.Minute, BatchSize: 12}}
		}, "must increase"},
		{"steps decreasing size", func(c *config.Config) {
			c.Audio.BatchSteps = []config.BatchStep{{MaxDuration: time.Minute, BatchSize: 12}, {MaxDuration: time.Hour, BatchSize: 8}}
		}, "must not decrease"},
		{"no workers", func(c *config.Config) { c.Audio.Workers = -1 }, "audio.workers"},
		{"bad device", func(c *config.Config) { c.Models.Device = "tpu" }, "models.device"},
		{"bad preload", func(c *config.Config) { c.Models.Preload = []config.PreloadEntry{{Capability: "diarize"}} }, "preload[0]"},
		{"unnamed transcriber fallback", func(c *config.Config) {
			c.Providers.TranscriberFallbacks = []config.ProviderEntry{{Model: "nova-3"}}
		}, "transcriber_fallbacks[0]"},
		{"breaker disabled", func(c *config.Config) { c.Providers.CircuitBreaker.MaxFailures = -1 }, "circuit_breaker"},
		{"two stores", func(c *config.Config) { c.Store.PostgresDSN = "postgres://x" }, "not both"},
		{"bad log level", func(c *config.Config) { c.Server.LogLevel = "trace" }, "log_level"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig(t)
			tc.mutate(cfg)
			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := validConfig(t)
	cfg.Providers.LLM.Name = ""
	cfg.Audio.Workers = -3
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "providers.llm.name") || !strings.Contains(err.Error(), "audio.workers") {
		t.Errorf("joined error should list both problems, got %q", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("got %v, want ErrNotExist", err)
	}
}

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("MEETFLOW_POSTGRES_DSN", "")

	cfg, err := config.Load(filepath.Join("..", "..", "configs", "meetflow.example.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.LLM.APIKey != "sk-test" || len(cfg.Providers.TranscriberFallbacks) != 1 {
		t.Errorf("providers = %+v", cfg.Providers)
	}
	if cfg.Store.SQLitePath != config.DefaultSQLitePath {
		t.Errorf("sqlite_path = %q, want default without a postgres DSN", cfg.Store.SQLitePath)
	}
	if got := cfg.Models.Transcription["*"]; got == "" {
		t.Error("catch-all transcription model missing")
	}
}
