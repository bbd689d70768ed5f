package meeting

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/MrWong99/meetflow/pkg/audio"
)

// ErrAudioNotFound is returned when an audio reference names no file.
var ErrAudioNotFound = errors.New("meeting: audio reference not found")

// AudioSource resolves the audio reference attached to a turn.
type AudioSource interface {
	Open(ctx context.Context, ref string) (audio.Waveform, error)
}

// DirSource resolves references as WAV file names inside Dir. References
// cannot escape Dir.
type DirSource struct {
	Dir string
}

var _ AudioSource = DirSource{}

// Open decodes the referenced file and normalises it to the speech model
// sample rate.
func (s DirSource) Open(_ context.Context, ref string) (audio.Waveform, error) {
	root, err := os.OpenRoot(s.Dir)
	if err != nil {
		return audio.Waveform{}, fmt.Errorf("meeting: open upload dir: %w", err)
	}
	defer root.Close()

	f, err := root.Open(ref)
	if errors.Is(err, fs.ErrNotExist) {
		return audio.Waveform{}, fmt.Errorf("%w: %q", ErrAudioNotFound, ref)
	}
	if err != nil {
		return audio.Waveform{}, fmt.Errorf("meeting: open %q: %w", ref, err)
	}
	defer f.Close()

	w, err := audio.DecodeWAV(f)
	if err != nil {
		return audio.Waveform{}, fmt.Errorf("meeting: decode %q: %w", ref, err)
	}
	return audio.Normalize(w, audio.ModelSampleRate), nil
}
