package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// Errors returned by [DecodeWAV].
var (
	ErrNotWAV            = errors.New("audio: not a RIFF/WAVE stream")
	ErrUnsupportedFormat = errors.New("audio: unsupported WAV format")
	ErrNoData            = errors.New("audio: WAV stream has no data chunk")
)

const (
	wavFormatPCM        = 1
	wavFormatIEEEFloat  = 3
	wavFormatExtensible = 0xFFFE
)

type fmtChunk struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// DecodeWAV reads a RIFF/WAVE stream and returns it as a mono waveform at
// the file's native sample rate. 16-bit PCM, 32-bit PCM and 32-bit IEEE float
// payloads are accepted; multi-channel audio is averaged down to mono.
// Unknown chunks (LIST, fact, ...) are skipped.
func DecodeWAV(r io.Reader) (Waveform, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return Waveform{}, fmt.Errorf("%w: %v", ErrNotWAV, err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return Waveform{}, ErrNotWAV
	}

	var (
		format  *fmtChunk
		hdr     [8]byte
		payload []byte
	)
	for payload == nil {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Waveform{}, ErrNoData
			}
			return Waveform{}, fmt.Errorf("audio: read chunk header: %w", err)
		}
		id := string(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return Waveform{}, fmt.Errorf("%w: fmt chunk of %d bytes", ErrUnsupportedFormat, size)
			}
			buf := make([]byte, size+size%2)
			if _, err := io.ReadFull(r, buf); err != nil {
				return Waveform{}, fmt.Errorf("audio: read fmt chunk: %w", err)
			}
			var fc fmtChunk
			if err := binary.Read(bytes.NewReader(buf[:16]), binary.LittleEndian, &fc); err != nil {
				return Waveform{}, fmt.Errorf("audio: parse fmt chunk: %w", err)
			}
			if fc.AudioFormat == wavFormatExtensible && size >= 26 {
				// Sub-format GUID starts with the real format code.
				fc.AudioFormat = binary.LittleEndian.Uint16(buf[24:26])
			}
			format = &fc
		case "data":
			if format == nil {
				return Waveform{}, fmt.Errorf("%w: data chunk before fmt chunk", ErrUnsupportedFormat)
			}
			data, err := io.ReadAll(io.LimitReader(r, int64(size)))
			if err != nil {
				return Waveform{}, fmt.Errorf("audio: read data chunk: %w", err)
			}
			// Streaming writers leave size at 0 or 0xFFFFFFFF; tolerate a short read.
			payload = data
		default:
			if _, err := io.CopyN(io.Discard, r, int64(size+size%2)); err != nil {
				return Waveform{}, fmt.Errorf("audio: skip %q chunk: %w", id, err)
			}
		}
	}

	if format.NumChannels == 0 || format.SampleRate == 0 {
		return Waveform{}, fmt.Errorf("%w: %d channels at %d Hz", ErrUnsupportedFormat, format.NumChannels, format.SampleRate)
	}
	samples, err := decodeSamples(payload, format)
	if err != nil {
		return Waveform{}, err
	}
	return Waveform{
		Samples:    DownmixInterleaved(samples, int(format.NumChannels)),
		SampleRate: int(format.SampleRate),
	}, nil
}

func decodeSamples(data []byte, f *fmtChunk) ([]float32, error) {
	switch {
	case f.AudioFormat == wavFormatPCM && f.BitsPerSample == 16:
		out := make([]float32, len(data)/2)
		for i := range out {
			out[i] = float32(int16(binary.LittleEndian.Uint16(data[i*2:]))) / 32768
		}
		return out, nil
	case f.AudioFormat == wavFormatPCM && f.BitsPerSample == 32:
		out := make([]float32, len(data)/4)
		for i := range out {
			out[i] = float32(int32(binary.LittleEndian.Uint32(data[i*4:]))) / 2147483648
		}
		return out, nil
	case f.AudioFormat == wavFormatIEEEFloat && f.BitsPerSample == 32:
		out := make([]float32, len(data)/4)
		if err := binary.Read(bytes.NewReader(data[:len(out)*4]), binary.LittleEndian, out); err != nil {
			return nil, fmt.Errorf("audio: decode float samples: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: format %d with %d bits per sample", ErrUnsupportedFormat, f.AudioFormat, f.BitsPerSample)
	}
}

// EncodeWAV writes w as a mono 16-bit PCM WAV file.
func EncodeWAV(wr io.Writer, w Waveform) error {
	pcm := Float32ToPCM16(w.Samples)
	const bitsPerSample = 16
	hdr := struct {
		ChunkID       [4]byte
		ChunkSize     uint32
		Format        [4]byte
		Subchunk1ID   [4]byte
		Subchunk1Size uint32
		Fmt           fmtChunk
		Subchunk2ID   [4]byte
		Subchunk2Size uint32
	}{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + len(pcm)),
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		Fmt: fmtChunk{
			AudioFormat:   wavFormatPCM,
			NumChannels:   1,
			SampleRate:    uint32(w.SampleRate),
			ByteRate:      uint32(w.SampleRate * bitsPerSample / 8),
			BlockAlign:    bitsPerSample / 8,
			BitsPerSample: bitsPerSample,
		},
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: uint32(len(pcm)),
	}
	if err := binary.Write(wr, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("audio: write WAV header: %w", err)
	}
	if _, err := wr.Write(pcm); err != nil {
		return fmt.Errorf("audio: write WAV data: %w", err)
	}
	return nil
}

// LoadFile decodes the WAV file at path and normalises it to rate.
func LoadFile(path string, rate int) (Waveform, error) {
	f, err := os.Open(path)
	if err != nil {
		return Waveform{}, fmt.Errorf("audio: open %s: %w", path, err)
	}
	defer f.Close()

	w, err := DecodeWAV(f)
	if err != nil {
		return Waveform{}, fmt.Errorf("audio: decode %s: %w", path, err)
	}
	return Normalize(w, rate), nil
}
