package audio

import (
	"encoding/binary"
	"log/slog"
	"math"
	"time"
)

// PCM16ToFloat32 converts 16-bit signed little-endian PCM to float32 samples
// in [-1.0, 1.0) by dividing by 32768. A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := range n {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return out
}

// PCM16ToFloat64 is the float64 counterpart of [PCM16ToFloat32].
func PCM16ToFloat64(pcm []byte) []float64 {
	n := len(pcm) / 2
	out := make([]float64, n)
	for i := range n {
		out[i] = float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return out
}

// Downmix averages interleaved multi-channel samples into mono. With one
// channel (or fewer) the input is returned unchanged.
func Downmix(samples []float64, channels int) []float64 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float64, frames)
	for i := range frames {
		var sum float64
		for ch := range channels {
			sum += samples[i*channels+ch]
		}
		out[i] = sum / float64(channels)
	}
	return out
}

// Resample converts mono samples from srcRate to dstRate by linear
// interpolation. The output has round(len*dstRate/srcRate) samples; output
// sample i sits at position i*len/newLen on the source timeline and is
// interpolated between the two nearest source samples. Equal rates return
// the input unchanged.
func Resample(samples []float64, srcRate, dstRate int) []float64 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	n := len(samples)
	newLen := int(math.Round(float64(n) * float64(dstRate) / float64(srcRate)))
	if newLen <= 0 {
		return nil
	}
	out := make([]float64, newLen)
	step := float64(n) / float64(newLen)
	for i := range newLen {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= n {
			idx = n - 1
		}
		frac := pos - float64(idx)
		s0 := samples[idx]
		s1 := s0
		if idx+1 < n {
			s1 = samples[idx+1]
		}
		out[i] = s0 + (s1-s0)*frac
	}
	return out
}

// Quantize16 clips samples to [-1.0, 1.0] and encodes them as 16-bit signed
// little-endian PCM, scaling by 32768 and saturating at the int16 range. A
// sample produced by [PCM16ToFloat64] encodes back to its original value.
func Quantize16(samples []float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := math.Round(s * 32768)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// Normalize converts buf to canonical mono 16-bit PCM at targetRate:
// downmix, resample, clip and quantize, in that order. The input buffer is
// not modified.
func Normalize(buf Buffer, targetRate int) []byte {
	if buf.Format != Canonical(targetRate) {
		slog.Debug("audio: normalizing response",
			"from", buf.Format.String(),
			"to", Canonical(targetRate).String(),
		)
	}
	mono := Downmix(buf.Samples, buf.Format.Channels)
	mono = Resample(mono, buf.Format.SampleRate, targetRate)
	return Quantize16(mono)
}

// Packetize slices pcm into packets of packetSamples canonical samples. The
// last packet may be shorter. The packets alias pcm.
func Packetize(pcm []byte, packetSamples int) [][]byte {
	size := packetSamples * BytesPerSample
	if size <= 0 || len(pcm) == 0 {
		return nil
	}
	packets := make([][]byte, 0, (len(pcm)+size-1)/size)
	for off := 0; off < len(pcm); off += size {
		end := min(off+size, len(pcm))
		packets = append(packets, pcm[off:end])
	}
	return packets
}

// SamplesDuration returns the playback time of n samples at rate.
func SamplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}
