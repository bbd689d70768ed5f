package main

import (
	"log/slog"
	"net/http"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/meetflow/internal/config"
	"github.com/MrWong99/meetflow/internal/modelcache"
	"github.com/MrWong99/meetflow/pkg/provider/embeddings"
	oaembed "github.com/MrWong99/meetflow/pkg/provider/embeddings/openai"
	"github.com/MrWong99/meetflow/pkg/provider/llm"
	"github.com/MrWong99/meetflow/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/meetflow/pkg/provider/llm/openai"
	"github.com/MrWong99/meetflow/pkg/provider/stt"
	"github.com/MrWong99/meetflow/pkg/provider/stt/deepgram"
	"github.com/MrWong99/meetflow/pkg/provider/stt/whisper"
)

// tracedClient propagates trace context to HTTP provider backends.
var tracedClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

// registerBuiltinProviders wires every provider implementation shipped with
// meetflow into reg.
func registerBuiltinProviders(reg *config.Registry, models *localModels) {
	// openai has a native adapter; every other vendor goes through any-llm.
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		opts := []oaillm.Option{oaillm.WithHTTPClient(tracedClient)}
		if e.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(e.BaseURL))
		}
		if org := optString(e.Options, "organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		if d := optDuration(e.Options, "timeout"); d > 0 {
			opts = append(opts, oaillm.WithTimeout(d))
		}
		return oaillm.New(e.APIKey, e.Model, opts...)
	})
	for _, backend := range anyllm.SupportedBackends {
		if backend == "openai" {
			continue
		}
		reg.RegisterLLM(backend, func(e config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if e.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
			}
			if e.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
			}
			return anyllm.New(backend, e.Model, opts...)
		})
	}

	reg.RegisterTranscriber("whisper", func(e config.ProviderEntry) (stt.Transcriber, error) {
		opts := []whisper.Option{whisper.WithHTTPClient(tracedClient)}
		if e.Model != "" {
			opts = append(opts, whisper.WithModel(e.Model))
		}
		if d := optDuration(e.Options, "timeout"); d > 0 {
			opts = append(opts, whisper.WithTimeout(d))
		}
		return whisper.NewServer(e.BaseURL, opts...)
	})
	reg.RegisterTranscriber("whisper-native", func(e config.ProviderEntry) (stt.Transcriber, error) {
		var opts []whisper.NativeOption
		if n := optInt(e.Options, "threads"); n > 0 {
			opts = append(opts, whisper.WithThreads(uint(n)))
		}
		return whisper.NewNative(models.borrow(modelcache.CapabilityTranscribe), opts...)
	})
	reg.RegisterAligner("whisper-native", func(config.ProviderEntry) (stt.Aligner, error) {
		return whisper.NewNativeAligner(models.borrow(modelcache.CapabilityAlign))
	})

	newDeepgram := func(e config.ProviderEntry) (*deepgram.Provider, error) {
		opts := []deepgram.Option{deepgram.WithHTTPClient(tracedClient)}
		if e.Model != "" {
			opts = append(opts, deepgram.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(e.BaseURL))
		}
		return deepgram.New(e.APIKey, opts...)
	}
	reg.RegisterTranscriber("deepgram", func(e config.ProviderEntry) (stt.Transcriber, error) { return newDeepgram(e) })
	reg.RegisterDiarizer("deepgram", func(e config.ProviderEntry) (stt.Diarizer, error) { return newDeepgram(e) })

	reg.RegisterEmbeddings("openai", func(e config.ProviderEntry) (embeddings.Provider, error) {
		opts := []oaembed.Option{oaembed.WithHTTPClient(tracedClient)}
		if e.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(e.BaseURL))
		}
		if n := optInt(e.Options, "dimensions"); n > 0 {
			opts = append(opts, oaembed.WithDimensions(n))
		}
		if d := optDuration(e.Options, "timeout"); d > 0 {
			opts = append(opts, oaembed.WithTimeout(d))
		}
		return oaembed.New(e.APIKey, e.Model, opts...)
	})

	for _, kind := range []string{"llm", "transcriber", "aligner", "diarizer", "embeddings"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// optString extracts a string option. Missing or mistyped values yield "".
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer option; YAML numbers decode as int.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// optDuration parses a duration option such as "30s".
func optDuration(opts map[string]any, key string) time.Duration {
	d, err := time.ParseDuration(optString(opts, key))
	if err != nil {
		return 0
	}
	return d
}
