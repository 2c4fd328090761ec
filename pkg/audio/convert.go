package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Converter converts PCM16 buffers to a target rate and channel count. It
// logs once on the first format mismatch and once on corrupt input.
// Create one per stream; not safe for concurrent use.
type Converter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert converts pcm recorded in format from to c.Target. When the formats
// already agree the input slice is returned unchanged. Buffers with an odd
// byte count are dropped and nil is returned.
func (c *Converter) Convert(pcm []byte, from Format) []byte {
	if len(pcm)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio converter: odd byte count in PCM data, dropping buffer",
				"bytes", len(pcm),
				"format", from.String(),
			)
		})
		return nil
	}
	if from.SampleRate == c.Target.SampleRate && from.Channels == c.Target.Channels {
		return pcm
	}
	c.warnedMismatch.Do(func() {
		slog.Debug("audio converter: converting",
			"from", formatString(from.SampleRate, from.Channels),
			"to", formatString(c.Target.SampleRate, c.Target.Channels),
		)
	})
	return Convert(pcm, from, c.Target)
}

// Convert resamples and remixes PCM16 from one format to another. Resampling
// happens first so a stereo-to-mono downmix never resamples two channels.
func Convert(pcm []byte, from, to Format) []byte {
	if from.Channels == 2 && to.Channels == 1 {
		pcm = StereoToMono(pcm)
		from.Channels = 1
	}
	if from.SampleRate != to.SampleRate {
		if from.Channels == 2 {
			pcm = ResampleStereo16(pcm, from.SampleRate, to.SampleRate)
		} else {
			pcm = ResampleMono16(pcm, from.SampleRate, to.SampleRate)
		}
	}
	if from.Channels == 1 && to.Channels == 2 {
		pcm = MonoToStereo(pcm)
	}
	return pcm
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
}

func putSample(pcm []byte, i int, s int16) {
	pcm[i*2] = byte(s)
	pcm[i*2+1] = byte(uint16(s) >> 8)
}

func clamp16(v int32) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	}
	return int16(v)
}

// MonoToStereo copies each mono sample into both channels.
func MonoToStereo(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*4)
	for i := range n {
		s := sampleAt(pcm, i)
		putSample(out, i*2, s)
		putSample(out, i*2+1, s)
	}
	return out
}

// StereoToMono averages left and right of every interleaved frame.
func StereoToMono(pcm []byte) []byte {
	n := len(pcm) / 4
	out := make([]byte, n*2)
	for i := range n {
		l := int32(sampleAt(pcm, i*2))
		r := int32(sampleAt(pcm, i*2+1))
		putSample(out, i, clamp16((l+r)/2))
	}
	return out
}

// ResampleMono16 converts mono PCM16 from srcRate to dstRate by linear
// interpolation. Invalid rates or equal rates return the input unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return resample(pcm, 1, srcRate, dstRate)
}

// ResampleStereo16 is ResampleMono16 for interleaved stereo PCM16.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	return resample(pcm, 2, srcRate, dstRate)
}

func resample(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}
	out := make([]byte, dstFrames*2*channels)
	step := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for ch := range channels {
			a := float64(sampleAt(pcm, idx*channels+ch))
			b := float64(sampleAt(pcm, next*channels+ch))
			putSample(out, i*channels+ch, int16(a*(1-frac)+b*frac))
		}
	}
	return out
}

// formatString renders a rate and channel count, e.g. "8000Hz mono".
func formatString(rate, channels int) string {
	switch {
	case channels == 2:
		return fmt.Sprintf("%dHz stereo", rate)
	case channels > 2:
		return fmt.Sprintf("%dHz %dch", rate, channels)
	}
	return fmt.Sprintf("%dHz mono", rate)
}
