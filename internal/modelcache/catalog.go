package modelcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/MrWong99/meetflow/pkg/provider/stt"
)

// ErrNoModel is returned by [Catalog.Resolve] when no transcription model is
// configured for a language and there is no catch-all entry.
var ErrNoModel = errors.New("modelcache: no model configured")

// Catalog maps cache keys to model files on one device.
type Catalog struct {
	Device string

	// Transcription maps language to model path; AnyLanguage serves every
	// language without its own entry.
	Transcription map[string]string

	// Alignment maps language to model path. Languages without an entry have
	// no alignment model.
	Alignment map[string]string
}

// Resolve returns the key and file for capability in language. Alignment
// lookups without a model fail with [stt.ErrNoAlignmentModel].
func (c Catalog) Resolve(capability Capability, language string) (Key, string, error) {
	language = strings.ToLower(strings.TrimSpace(language))
	key := Key{Capability: capability, Language: language, Device: c.Device}

	switch capability {
	case CapabilityTranscribe:
		if p, ok := c.Transcription[language]; ok && language != "" {
			return key, p, nil
		}
		if p, ok := c.Transcription[AnyLanguage]; ok {
			key.Language = AnyLanguage
			return key, p, nil
		}
		return Key{}, "", fmt.Errorf("%w: transcription model for language %q", ErrNoModel, language)
	case CapabilityAlign:
		if p, ok := c.Alignment[language]; ok && language != "" {
			return key, p, nil
		}
		return Key{}, "", fmt.Errorf("%w: %q", stt.ErrNoAlignmentModel, language)
	default:
		return Key{}, "", fmt.Errorf("modelcache: unknown capability %q", capability)
	}
}

// Path returns the file for a key produced by Resolve.
func (c Catalog) Path(key Key) (string, error) {
	_, p, err := c.Resolve(key.Capability, key.Language)
	return p, err
}

// Borrow resolves capability and language against catalog and acquires the
// model from cache. release must be called when the caller is done.
func Borrow[T io.Closer](ctx context.Context, cache *Cache[T], catalog Catalog, capability Capability, language string) (value T, release func(), err error) {
	key, _, err := catalog.Resolve(capability, language)
	if err != nil {
		return value, nil, err
	}
	h, err := cache.Acquire(ctx, key)
	if err != nil {
		return value, nil, err
	}
	return h.Value(), h.Release, nil
}
