package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr           = ":8080"
	DefaultTokenBudget          = 8000
	DefaultRetainedTailFraction = 0.3
	DefaultConfidenceThreshold  = 0.55
	DefaultFallbackKeepMessages = 10
	DefaultMaxDuration          = 120 * time.Minute
	DefaultLongAudioThreshold   = 30 * time.Minute
	DefaultChunkDuration        = 10 * time.Minute
	DefaultChunkOverlap         = 5 * time.Second
	DefaultBatchMin             = 8
	DefaultBatchMax             = 16
	DefaultWorkers              = 2
	DefaultSpeaker              = "SPEAKER_00"
	DefaultUploadDir            = "uploads"
	DefaultSQLitePath           = "data/meetflow.db"
	DefaultEmbeddingDimensions  = 1536
	DefaultRetrievalTopK        = 5
	DefaultServiceName          = "meetflow"
	DefaultBreakerMaxFailures   = 5
	DefaultBreakerResetTimeout  = 30 * time.Second
)

// DefaultBatchSteps is the default batch-size selection function: up to 10
// minutes → 8, up to 30 minutes → 12, anything longer → BatchMax.
func DefaultBatchSteps() []BatchStep {
	return []BatchStep{
		{MaxDuration: 10 * time.Minute, BatchSize: 8},
		{MaxDuration: 30 * time.Minute, BatchSize: 12},
	}
}

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":         {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"transcriber": {"whisper", "whisper-native", "deepgram"},
	"aligner":     {"whisper-native"},
	"diarizer":    {"deepgram"},
	"embeddings":  {"openai"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references from
// the environment, fills defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset tunable with its documented default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	cb := &cfg.Providers.CircuitBreaker
	if cb.MaxFailures == 0 {
		cb.MaxFailures = DefaultBreakerMaxFailures
	}
	if cb.ResetTimeout == 0 {
		cb.ResetTimeout = DefaultBreakerResetTimeout
	}

	r := &cfg.Router
	if r.TokenBudget == 0 {
		r.TokenBudget = DefaultTokenBudget
	}
	if r.RetainedTailFraction == 0 {
		r.RetainedTailFraction = DefaultRetainedTailFraction
	}
	if r.ConfidenceThreshold == 0 {
		r.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if r.FallbackKeepMessages == 0 {
		r.FallbackKeepMessages = DefaultFallbackKeepMessages
	}

	a := &cfg.Audio
	if a.MaxDuration == 0 {
		a.MaxDuration = DefaultMaxDuration
	}
	if a.LongAudioThreshold == 0 {
		a.LongAudioThreshold = DefaultLongAudioThreshold
	}
	if a.ChunkDuration == 0 {
		a.ChunkDuration = DefaultChunkDuration
	}
	if a.ChunkOverlap == 0 {
		a.ChunkOverlap = DefaultChunkOverlap
	}
	if a.BatchMin == 0 {
		a.BatchMin = DefaultBatchMin
	}
	if a.BatchMax == 0 {
		a.BatchMax = DefaultBatchMax
	}
	if a.BatchSteps == nil {
		a.BatchSteps = DefaultBatchSteps()
	}
	if a.Workers == 0 {
		a.Workers = DefaultWorkers
	}
	if a.DefaultSpeaker == "" {
		a.DefaultSpeaker = DefaultSpeaker
	}
	if a.UploadDir == "" {
		a.UploadDir = DefaultUploadDir
	}

	if cfg.Models.Device == "" {
		cfg.Models.Device = DeviceAuto
	}

	s := &cfg.Store
	if s.PostgresDSN == "" && s.SQLitePath == "" {
		s.SQLitePath = DefaultSQLitePath
	}
	if s.EmbeddingDimensions == 0 {
		s.EmbeddingDimensions = DefaultEmbeddingDimensions
	}
	if s.RetrievalTopK == 0 {
		s.RetrievalTopK = DefaultRetrievalTopK
	}

	if cfg.Observe.ServiceName == "" {
		cfg.Observe.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		add("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel)
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		add("server.tls requires both cert_file and key_file")
	}

	// Providers
	if cfg.Providers.LLM.Name == "" {
		add("providers.llm.name is required")
	}
	if cfg.Providers.Transcriber.Name == "" {
		add("providers.transcriber.name is required")
	}
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			add("providers.llm_fallbacks[%d].name is required", i)
		}
		validateProviderName("llm", fb.Name)
	}
	validateProviderName("transcriber", cfg.Providers.Transcriber.Name)
	for i, fb := range cfg.Providers.TranscriberFallbacks {
		if fb.Name == "" {
			add("providers.transcriber_fallbacks[%d].name is required", i)
		}
		validateProviderName("transcriber", fb.Name)
	}
	if cb := cfg.Providers.CircuitBreaker; cb.MaxFailures < 1 || cb.ResetTimeout <= 0 {
		add("providers.circuit_breaker needs max_failures >= 1 and a positive reset_timeout")
	}
	validateProviderName("aligner", cfg.Providers.Aligner.Name)
	validateProviderName("diarizer", cfg.Providers.Diarizer.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	// Router
	r := cfg.Router
	if r.TokenBudget <= 0 {
		add("router.token_budget must be positive, got %d", r.TokenBudget)
	}
	if r.RetainedTailFraction <= 0 || r.RetainedTailFraction >= 1 {
		add("router.retained_tail_fraction %.2f is out of range (0, 1)", r.RetainedTailFraction)
	}
	if r.ConfidenceThreshold < 0 || r.ConfidenceThreshold > 1 {
		add("router.confidence_threshold %.2f is out of range [0, 1]", r.ConfidenceThreshold)
	}
	if r.FallbackKeepMessages < 1 {
		add("router.fallback_keep_messages must be at least 1, got %d", r.FallbackKeepMessages)
	}

	// Audio
	a := cfg.Audio
	for name, d := range map[string]time.Duration{
		"max_duration":         a.MaxDuration,
		"long_audio_threshold": a.LongAudioThreshold,
		"chunk_duration":       a.ChunkDuration,
	} {
		if d <= 0 {
			add("audio.%s must be positive, got %s", name, d)
		}
	}
	if a.ChunkOverlap < 0 || a.ChunkOverlap >= a.ChunkDuration {
		add("audio.chunk_overlap %s must be in [0, chunk_duration)", a.ChunkOverlap)
	}
	if a.MaxDuration < a.LongAudioThreshold {
		add("audio.max_duration %s is below long_audio_threshold %s", a.MaxDuration, a.LongAudioThreshold)
	}
	if a.BatchMin < 1 || a.BatchMin > a.BatchMax {
		add("audio batch range [%d, %d] is invalid; need 1 <= batch_min <= batch_max", a.BatchMin, a.BatchMax)
	}
	for i, step := range a.BatchSteps {
		if step.MaxDuration <= 0 || step.BatchSize <= 0 {
			add("audio.batch_steps[%d] needs positive max_duration and batch_size", i)
		}
		if i > 0 {
			prev := a.BatchSteps[i-1]
			if step.MaxDuration <= prev.MaxDuration {
				add("audio.batch_steps[%d].max_duration must increase", i)
			}
			if step.BatchSize < prev.BatchSize {
				add("audio.batch_steps[%d].batch_size must not decrease", i)
			}
		}
	}
	if a.Workers < 1 {
		add("audio.workers must be at least 1, got %d", a.Workers)
	}

	// Models
	if !cfg.Models.Device.IsValid() {
		add("models.device %q is invalid; valid values: auto, cpu, cuda", cfg.Models.Device)
	}
	for i, p := range cfg.Models.Preload {
		switch p.Capability {
		case "transcribe", "align":
		default:
			add("models.preload[%d].capability %q is invalid; valid values: transcribe, align", i, p.Capability)
		}
	}

	// Store
	if cfg.Store.PostgresDSN != "" && cfg.Store.SQLitePath != "" {
		add("store: set either postgres_dsn or sqlite_path, not both")
	}
	if cfg.Store.EmbeddingDimensions <= 0 {
		add("store.embedding_dimensions must be positive, got %d", cfg.Store.EmbeddingDimensions)
	}
	if cfg.Store.RetrievalTopK < 0 {
		add("store.retrieval_top_k must not be negative, got %d", cfg.Store.RetrievalTopK)
	}
	if cfg.Providers.Embeddings.Name != "" && cfg.Store.PostgresDSN == "" {
		slog.Warn("providers.embeddings is configured but retrieval needs store.postgres_dsn; document chat will run without context")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
