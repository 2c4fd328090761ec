// Package audio holds the PCM helpers shared by transports and providers.
//
// All sample data inside the pipeline is signed 16-bit little-endian PCM.
// Companded or compressed encodings (μ-law, Opus) only exist at the transport
// edge and are converted by the transport's serializer or codec.
package audio

import (
	"fmt"
	"time"
)

// Encoding names the wire encoding a transport negotiated.
type Encoding string

const (
	EncodingPCM16 Encoding = "pcm16"
	EncodingMulaw Encoding = "mulaw"
	EncodingOpus  Encoding = "opus"
)

// Format describes an audio stream: sample rate, channel count and the
// encoding used on the wire.
type Format struct {
	SampleRate int
	Channels   int
	Encoding   Encoding
}

// Telephony is the narrowband format used by Twilio media streams.
var Telephony = Format{SampleRate: 8000, Channels: 1, Encoding: EncodingMulaw}

// WebRTC is the format negotiated for browser peers.
var WebRTC = Format{SampleRate: 48000, Channels: 1, Encoding: EncodingOpus}

// PCM returns f with its encoding replaced by linear PCM. Frames inside the
// pipeline always carry PCM, so this is the format processors see.
func (f Format) PCM() Format {
	f.Encoding = EncodingPCM16
	return f
}

// BytesPerSecond reports the PCM16 byte rate of f.
func (f Format) BytesPerSecond() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return f.SampleRate * ch * 2
}

// Duration returns the playback time of n bytes of PCM16 in format f.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

func (f Format) String() string {
	enc := f.Encoding
	if enc == "" {
		enc = EncodingPCM16
	}
	return fmt.Sprintf("%s %s", formatString(f.SampleRate, f.Channels), enc)
}
