// Package app wires the meetflow subsystems into a running service.
//
// New builds the store, the transcription pipeline, both sub-workflows, the
// router and the HTTP server from a [config.Config] and a set of providers.
// Run serves until its context ends; Shutdown tears everything down.
//
// Tests inject doubles with options (WithStore, WithAudioSource, ...); when
// an option is absent New builds the real implementation from config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/meetflow/internal/chat"
	"github.com/MrWong99/meetflow/internal/config"
	"github.com/MrWong99/meetflow/internal/health"
	"github.com/MrWong99/meetflow/internal/meeting"
	"github.com/MrWong99/meetflow/internal/observe"
	"github.com/MrWong99/meetflow/internal/router"
	"github.com/MrWong99/meetflow/internal/server"
	"github.com/MrWong99/meetflow/internal/session"
	"github.com/MrWong99/meetflow/internal/transcription"
	"github.com/MrWong99/meetflow/pkg/provider/embeddings"
	"github.com/MrWong99/meetflow/pkg/provider/llm"
	"github.com/MrWong99/meetflow/pkg/provider/stt"
	"github.com/MrWong99/meetflow/pkg/store"
	"github.com/MrWong99/meetflow/pkg/store/postgres"
	"github.com/MrWong99/meetflow/pkg/store/sqlite"
)

// Providers holds one value per capability. LLM and Transcriber are
// required; nil optional providers disable their stage.
type Providers struct {
	LLM         llm.Provider
	Transcriber stt.Transcriber
	Aligner     stt.Aligner
	Diarizer    stt.Diarizer
	Embeddings  embeddings.Provider
}

// PreloadFunc loads startup models. It runs once in the background from Run.
type PreloadFunc func(ctx context.Context) error

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	logLevel  *slog.LevelVar

	store    store.ConversationStore
	audio    meeting.AudioSource
	preload  PreloadFunc
	glossary *transcription.Glossary
	router   *router.Router
	server   *server.Server

	preloaded atomic.Bool
	closers   []func() error
	stopOnce  sync.Once
}

// Option configures New.
type Option func(*App)

// WithStore injects the conversation store instead of opening one from
// config. The app does not close an injected store.
func WithStore(s store.ConversationStore) Option { return func(a *App) { a.store = s } }

// WithAudioSource replaces the upload directory as the source of recordings.
func WithAudioSource(src meeting.AudioSource) Option { return func(a *App) { a.audio = src } }

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option { return func(a *App) { a.metrics = m } }

// WithPreload sets the startup model preload. Without one the app reports
// ready as soon as it runs.
func WithPreload(fn PreloadFunc) Option { return func(a *App) { a.preload = fn } }

// WithLogLevel lets config reloads change the log level.
func WithLogLevel(lv *slog.LevelVar) Option { return func(a *App) { a.logLevel = lv } }

// WithCloser registers fn to run during Shutdown, after the app's own
// subsystems.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// New wires every subsystem. It performs store connection and migration
// synchronously; model preloading is deferred to Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil || providers.Transcriber == nil {
		return nil, errors.New("app: llm and transcriber providers are required")
	}
	a := &App{cfg: cfg, providers: providers}
	var extra []func() error
	for _, o := range opts {
		o(a)
	}
	// Closers from options run after ours.
	extra, a.closers = a.closers, nil

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if a.store == nil {
		if err := a.openStore(ctx); err != nil {
			return nil, fmt.Errorf("app: open store: %w", err)
		}
	}
	if a.audio == nil {
		a.audio = meeting.DirSource{Dir: cfg.Audio.UploadDir}
	}

	a.glossary = transcription.NewGlossary(cfg.Audio.Glossary)
	pipeline := a.buildPipeline()

	chatOpts := []chat.Option{chat.WithMetrics(a.metrics)}
	if retriever, ok := a.store.(store.ChunkRetriever); ok && providers.Embeddings != nil {
		chatOpts = append(chatOpts, chat.WithRetrieval(providers.Embeddings, retriever, cfg.Store.RetrievalTopK))
	} else {
		slog.Info("document retrieval disabled", "embeddings", providers.Embeddings != nil)
	}

	r, err := router.New(RouterConfig(cfg.Router), router.Deps{
		Store:      a.store,
		Chat:       chat.New(providers.LLM, chatOpts...),
		Meeting:    meeting.New(pipeline, providers.LLM, meeting.WithMetrics(a.metrics)),
		Classifier: router.NewLLMClassifier(providers.LLM, a.metrics),
		Summariser: session.NewLLMSummariser(providers.LLM),
		Audio:      a.audio,
		Metrics:    a.metrics,
		OnTransition: func(id string, from, to router.State) {
			slog.Debug("router transition", "conversation_id", id, "from", from.String(), "to", to.String())
		},
	})
	if err != nil {
		return nil, fmt.Errorf("app: build router: %w", err)
	}
	a.router = r

	checks := []health.Checker{health.PreloadCheck(a.preloaded.Load)}
	if p, ok := a.store.(store.Pinger); ok {
		checks = append(checks, health.StoreCheck(p))
	}
	var tlsCert, tlsKey string
	if cfg.Server.TLS != nil {
		tlsCert, tlsKey = cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile
	}
	a.server = server.New(server.Config{
		ListenAddr: cfg.Server.ListenAddr,
		CertFile:   tlsCert,
		KeyFile:    tlsKey,
		UploadDir:  cfg.Audio.UploadDir,
	}, a.router, server.WithHealth(health.New(checks...)), server.WithMetrics(a.metrics))

	a.closers = append(a.closers, extra...)
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	sc := a.cfg.Store
	if sc.PostgresDSN != "" {
		s, err := postgres.NewStore(ctx, sc.PostgresDSN, sc.EmbeddingDimensions)
		if err != nil {
			return err
		}
		a.store = s
		a.closers = append(a.closers, func() error { s.Close(); return nil })
		slog.Info("conversation store ready", "backend", "postgres")
		return nil
	}
	s, err := sqlite.Open(ctx, sc.SQLitePath)
	if err != nil {
		return err
	}
	a.store = s
	a.closers = append(a.closers, s.Close)
	slog.Info("conversation store ready", "backend", "sqlite", "path", sc.SQLitePath)
	return nil
}

func (a *App) buildPipeline() *transcription.Pipeline {
	opts := []transcription.Option{
		transcription.WithGlossary(a.glossary),
		transcription.WithMetrics(a.metrics),
	}
	if a.providers.Aligner != nil {
		opts = append(opts, transcription.WithAligner(a.providers.Aligner))
	}
	if a.providers.Diarizer != nil {
		opts = append(opts, transcription.WithDiarizer(a.providers.Diarizer))
	}
	return transcription.NewPipeline(PipelineConfig(a.cfg.Audio), a.providers.Transcriber, opts...)
}

// Router returns the turn router.
func (a *App) Router() *router.Router { return a.router }

// Handler returns the HTTP handler of the app's server.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Ready reports whether startup preloading has finished.
func (a *App) Ready() bool { return a.preloaded.Load() }

// Run preloads models in the background and serves HTTP until ctx ends. It
// returns ctx's error after cancellation, or the server's error if it fails
// first.
func (a *App) Run(ctx context.Context) error {
	go a.runPreload(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- a.server.ListenAndServe() }()

	slog.Info("app running", "listen_addr", a.cfg.Server.ListenAddr)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err == nil {
			return errors.New("app: server stopped unexpectedly")
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

func (a *App) runPreload(ctx context.Context) {
	defer a.preloaded.Store(true)
	if a.preload == nil {
		return
	}
	if err := a.preload(ctx); err != nil {
		// Failed keys load again on first use.
		slog.Warn("model preload incomplete", "err", err)
		return
	}
	slog.Info("model preload complete")
}

// ApplyConfig applies the hot-reloadable settings of next. Everything else
// needs a restart and is ignored.
func (a *App) ApplyConfig(prev, next *config.Config) {
	d := config.Diff(prev, next)
	if !d.Changed() {
		return
	}
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.RouterChanged {
		a.router.SetConfig(RouterConfig(d.NewRouter))
		slog.Info("router settings reloaded", "token_budget", d.NewRouter.TokenBudget)
	}
	if d.GlossaryChanged {
		a.glossary.SetTerms(d.NewGlossary)
		slog.Info("glossary reloaded", "terms", len(d.NewGlossary))
	}
}

// Shutdown stops the server, then runs closers in order. Remaining closers
// are skipped once ctx ends.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown", "err", err)
		}
		for i, closer := range a.closers {
			if err := ctx.Err(); err != nil {
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = err
				return
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
