// Package config provides the configuration schema, loader, and provider registry
// for the meetflow service.
package config

import "time"

// LogLevel controls log verbosity for the meetflow server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Device selects where local speech models run.
type Device string

const (
	DeviceAuto Device = "auto"
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

// IsValid reports whether d is a recognised device.
func (d Device) IsValid() bool {
	return d == DeviceAuto || d == DeviceCPU || d == DeviceCUDA
}

// Config is the root configuration structure for meetflow.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Router    RouterConfig    `yaml:"router"`
	Audio     AudioConfig     `yaml:"audio"`
	Models    ModelsConfig    `yaml:"models"`
	Store     StoreConfig     `yaml:"store"`
	Observe   ObserveConfig   `yaml:"observe"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig selects the implementation for every capability. Each entry
// is resolved by name through the [Registry].
type ProvidersConfig struct {
	// LLM serves summarisation, classification, answers and minutes.
	LLM ProviderEntry `yaml:"llm"`

	// LLMFallbacks are tried in order when LLM fails or its circuit is open.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`

	Transcriber ProviderEntry `yaml:"transcriber"`

	// TranscriberFallbacks are tried in order when Transcriber fails.
	TranscriberFallbacks []ProviderEntry `yaml:"transcriber_fallbacks"`

	// Aligner is optional; without it segments keep raw timing.
	Aligner ProviderEntry `yaml:"aligner"`

	// Diarizer is optional; without it every segment gets the default speaker.
	Diarizer ProviderEntry `yaml:"diarizer"`

	// Embeddings is optional; without it document chat answers without
	// retrieved context.
	Embeddings ProviderEntry `yaml:"embeddings"`

	// CircuitBreaker tunes the breaker kept per LLM and transcriber entry.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig tunes provider circuit breakers.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures that open a breaker.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long an open breaker rejects calls.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a model within the provider (e.g., "gpt-4o-mini", "nova-3").
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the fields above.
	Options map[string]any `yaml:"options"`
}

// RouterConfig tunes the per-turn state machine.
type RouterConfig struct {
	// TokenBudget is the maximum estimated token cost of a history before
	// compaction runs.
	TokenBudget int `yaml:"token_budget"`

	// RetainedTailFraction is the share of TokenBudget kept verbatim as the
	// recent tail after compaction. Must be in (0, 1).
	RetainedTailFraction float64 `yaml:"retained_tail_fraction"`

	// ConfidenceThreshold is the minimum classifier confidence required to
	// follow its label; below it the turn goes to document chat.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`

	// FallbackKeepMessages is how many recent messages survive when
	// summarisation fails and compaction falls back to truncation.
	FallbackKeepMessages int `yaml:"fallback_keep_messages"`
}

// BatchStep maps audio up to MaxDuration to BatchSize.
type BatchStep struct {
	MaxDuration time.Duration `yaml:"max_duration"`
	BatchSize   int           `yaml:"batch_size"`
}

// AudioConfig tunes the transcription pipeline.
type AudioConfig struct {
	// MaxDuration rejects longer inputs outright.
	MaxDuration time.Duration `yaml:"max_duration"`

	// LongAudioThreshold is the duration above which input is chunked.
	LongAudioThreshold time.Duration `yaml:"long_audio_threshold"`

	ChunkDuration time.Duration `yaml:"chunk_duration"`

	// ChunkOverlap is the trailing overlap added to every chunk but the last.
	ChunkOverlap time.Duration `yaml:"chunk_overlap"`

	BatchMin int `yaml:"batch_min"`
	BatchMax int `yaml:"batch_max"`

	// BatchSteps is the selection function, ordered by MaxDuration. Durations
	// beyond the last step get BatchMax.
	BatchSteps []BatchStep `yaml:"batch_steps"`

	// Workers bounds concurrent chunk transcriptions per job.
	Workers int `yaml:"workers"`

	// DefaultLanguage is used when a turn does not request one. Empty means
	// detect.
	DefaultLanguage string `yaml:"default_language"`

	// DefaultSpeaker labels segments when diarization is off or fails.
	DefaultSpeaker string `yaml:"default_speaker"`

	// Glossary lists names and terms used to correct merged transcripts.
	Glossary []string `yaml:"glossary"`

	// UploadDir is where audio references from the HTTP API are resolved.
	UploadDir string `yaml:"upload_dir"`
}

// ModelsConfig configures local model loading and the model cache.
type ModelsConfig struct {
	Device Device `yaml:"device"`

	// Transcription maps a language to a whisper.cpp model file. The key "*"
	// serves every language without its own entry.
	Transcription map[string]string `yaml:"transcription"`

	// Alignment maps a language to an alignment model file. Languages
	// without an entry skip alignment.
	Alignment map[string]string `yaml:"alignment"`

	// Preload lists models loaded at startup.
	Preload []PreloadEntry `yaml:"preload"`
}

// PreloadEntry names one model to load at startup.
type PreloadEntry struct {
	// Capability is "transcribe" or "align".
	Capability string `yaml:"capability"`
	Language   string `yaml:"language"`
}

// StoreConfig selects the conversation store and retrieval settings.
// Exactly one of PostgresDSN and SQLitePath is used.
type StoreConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	SQLitePath  string `yaml:"sqlite_path"`

	// EmbeddingDimensions must match providers.embeddings.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`

	// RetrievalTopK is the number of document chunks given to document chat.
	RetrievalTopK int `yaml:"retrieval_top_k"`
}

// ObserveConfig configures OpenTelemetry.
type ObserveConfig struct {
	ServiceName string `yaml:"service_name"`
}
