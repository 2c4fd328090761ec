package webrtc

import (
	"fmt"

	"layeh.com/gopus"
)

// Browser peers negotiate 48 kHz Opus in 20 ms frames. The pipeline side
// is mono.
const (
	SampleRate    = 48000
	Channels      = 1
	frameDuration = 20 // ms
	// FrameSamples is the number of samples in one 20 ms frame.
	FrameSamples = SampleRate * frameDuration / 1000
	frameBytes   = FrameSamples * Channels * 2
	maxPacket    = 4000
)

// Codec converts between Opus packets and PCM16 at [SampleRate].
type Codec interface {
	// Decode returns the PCM carried by one packet.
	Decode(pkt []byte) ([]byte, error)
	// Encode buffers pcm and returns a packet for every complete frame.
	Encode(pcm []byte) ([][]byte, error)
	// Reset discards buffered PCM that has not been encoded.
	Reset()
}

// OpusCodec is the gopus-backed [Codec]. It is not safe for concurrent
// use; a connection owns one.
type OpusCodec struct {
	dec     *gopus.Decoder
	enc     *gopus.Encoder
	pending []byte
}

var _ Codec = (*OpusCodec)(nil)

// NewOpusCodec creates an encoder and decoder pair.
func NewOpusCodec() (*OpusCodec, error) {
	dec, err := gopus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("webrtc: create opus decoder: %w", err)
	}
	enc, err := gopus.NewEncoder(SampleRate, Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("webrtc: create opus encoder: %w", err)
	}
	return &OpusCodec{dec: dec, enc: enc}, nil
}

func (c *OpusCodec) Decode(pkt []byte) ([]byte, error) {
	pcm, err := c.dec.Decode(pkt, FrameSamples, false)
	if err != nil {
		return nil, fmt.Errorf("webrtc: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

func (c *OpusCodec) Encode(pcm []byte) ([][]byte, error) {
	c.pending = append(c.pending, pcm...)
	var out [][]byte
	for len(c.pending) >= frameBytes {
		pkt, err := c.enc.Encode(bytesToInt16s(c.pending[:frameBytes]), FrameSamples, maxPacket)
		c.pending = c.pending[frameBytes:]
		if err != nil {
			return out, fmt.Errorf("webrtc: opus encode: %w", err)
		}
		out = append(out, pkt)
	}
	if len(c.pending) == 0 {
		c.pending = nil
	}
	return out, nil
}

func (c *OpusCodec) Reset() { c.pending = nil }

func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
