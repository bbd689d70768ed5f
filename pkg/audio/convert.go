package audio

// DownmixInterleaved averages interleaved multi-channel float32 frames into
// mono. With channels <= 1 the input is returned unchanged.
func DownmixInterleaved(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	mono := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += samples[i*channels+ch]
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. Equal rates return the input unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))

		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// Normalize returns w resampled to rate. Use [ModelSampleRate] for speech
// models.
func Normalize(w Waveform, rate int) Waveform {
	if w.SampleRate == rate {
		return w
	}
	return Waveform{Samples: Resample(w.Samples, w.SampleRate, rate), SampleRate: rate}
}

// Float32ToPCM16 converts samples in [-1, 1] to 16-bit little-endian PCM.
// Out-of-range values are clamped.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := s * 32767
		switch {
		case v > 32767:
			v = 32767
		case v < -32768:
			v = -32768
		}
		pcm := int16(v)
		out[i*2] = byte(pcm)
		out[i*2+1] = byte(pcm >> 8)
	}
	return out
}
