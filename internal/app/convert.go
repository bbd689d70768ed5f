package app

import (
	"log/slog"

	"github.com/MrWong99/meetflow/internal/config"
	"github.com/MrWong99/meetflow/internal/router"
	"github.com/MrWong99/meetflow/internal/transcription"
)

// RouterConfig converts the router section of the config.
func RouterConfig(c config.RouterConfig) router.Config {
	return router.Config{
		TokenBudget:          c.TokenBudget,
		RetainedTailFraction: c.RetainedTailFraction,
		ConfidenceThreshold:  c.ConfidenceThreshold,
		FallbackKeepMessages: c.FallbackKeepMessages,
	}
}

// PipelineConfig converts the audio section of the config.
func PipelineConfig(c config.AudioConfig) transcription.Config {
	steps := make([]transcription.BatchStep, len(c.BatchSteps))
	for i, s := range c.BatchSteps {
		steps[i] = transcription.BatchStep{MaxDuration: s.MaxDuration, BatchSize: s.BatchSize}
	}
	return transcription.Config{
		MaxDuration:        c.MaxDuration,
		LongAudioThreshold: c.LongAudioThreshold,
		ChunkDuration:      c.ChunkDuration,
		ChunkOverlap:       c.ChunkOverlap,
		Batch:              transcription.NewBatchSelector(c.BatchMin, c.BatchMax, steps),
		Workers:            c.Workers,
		DefaultLanguage:    c.DefaultLanguage,
		DefaultSpeaker:     c.DefaultSpeaker,
	}
}

// SlogLevel maps a config log level to slog. Unknown levels mean info.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
