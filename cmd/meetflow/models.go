package main

import (
	"context"
	"errors"
	"fmt"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/meetflow/internal/config"
	"github.com/MrWong99/meetflow/internal/modelcache"
	"github.com/MrWong99/meetflow/internal/observe"
	"github.com/MrWong99/meetflow/pkg/provider/stt/whisper"
)

// localModels owns the in-process whisper.cpp models.
type localModels struct {
	catalog modelcache.Catalog
	cache   *modelcache.Cache[whisperlib.Model]
}

func newLocalModels(cfg config.ModelsConfig, m *observe.Metrics) *localModels {
	l := &localModels{catalog: modelcache.Catalog{
		Device:        modelcache.ResolveDevice(string(cfg.Device)),
		Transcription: cfg.Transcription,
		Alignment:     cfg.Alignment,
	}}
	l.cache = modelcache.New(func(_ context.Context, key modelcache.Key) (whisperlib.Model, error) {
		path, err := l.catalog.Path(key)
		if err != nil {
			return nil, err
		}
		return whisper.LoadModel(path)
	}, modelcache.WithMetrics(m))
	return l
}

func (l *localModels) borrow(capability modelcache.Capability) whisper.ModelFunc {
	return func(ctx context.Context, language string) (whisperlib.Model, func(), error) {
		return modelcache.Borrow(ctx, l.cache, l.catalog, capability, language)
	}
}

// localTranscriber reports whether a whisper-native transcriber is
// configured as primary or fallback.
func localTranscriber(pc config.ProvidersConfig) bool {
	if pc.Transcriber.Name == "whisper-native" {
		return true
	}
	for _, e := range pc.TranscriberFallbacks {
		if e.Name == "whisper-native" {
			return true
		}
	}
	return false
}

// used reports whether any configured provider runs on local models.
func (l *localModels) used(pc config.ProvidersConfig) bool {
	return localTranscriber(pc) || pc.Aligner.Name == "whisper-native"
}

// Preload loads the transcription model for the default language when a
// local transcriber is configured, plus every configured preload entry.
func (l *localModels) Preload(ctx context.Context, cfg *config.Config) error {
	var (
		keys []modelcache.Key
		errs []error
	)
	add := func(capability modelcache.Capability, language string) {
		key, _, err := l.catalog.Resolve(capability, language)
		if err != nil {
			errs = append(errs, err)
			return
		}
		keys = append(keys, key)
	}
	if localTranscriber(cfg.Providers) {
		add(modelcache.CapabilityTranscribe, cfg.Audio.DefaultLanguage)
	}
	for _, e := range cfg.Models.Preload {
		add(modelcache.Capability(e.Capability), e.Language)
	}
	if err := l.cache.Preload(ctx, keys...); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("preload %d models: %w", len(keys), err)
	}
	return nil
}

func (l *localModels) Close() error { return l.cache.Close() }
