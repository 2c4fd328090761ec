// Package transport connects a call's media stream to the frame pipeline.
//
// A [Transport] turns the wire protocol of one call into frames and back.
// [Input] is the head stage of a pipeline and feeds inbound frames to it;
// [Output] is the stage after TTS and writes assistant audio, playback marks
// and barge-in clears back to the caller. Wire codecs for envelope-based
// transports implement [Serializer].
package transport

import (
	"context"
	"errors"

	"github.com/MrWong99/switchline/pkg/audio"
	"github.com/MrWong99/switchline/pkg/frame"
)

// ErrMalformed reports an inbound envelope that could not be decoded. The
// transport logs and counts it and keeps reading.
var ErrMalformed = errors.New("transport: malformed envelope")

// ErrClosed is returned by Output after Close.
var ErrClosed = errors.New("transport: closed")

// Transport is one duplex call connection.
type Transport interface {
	// Input delivers inbound frames. It is closed when the connection ends,
	// after a ConnectionEvent{Disconnected} has been delivered.
	Input() <-chan frame.Frame

	// Output writes one outbound frame: output audio, a Mark or an
	// Interruption. Other frames are ignored.
	Output(ctx context.Context, f frame.Frame) error

	// Format is the negotiated wire format.
	Format() audio.Format

	Close() error
}

// Serializer converts between wire envelopes and frames.
type Serializer interface {
	// Deserialize decodes one envelope. A nil frame with a nil error means
	// the envelope carries nothing for the pipeline. Undecodable envelopes
	// return an error wrapping [ErrMalformed].
	Deserialize(data []byte) (frame.Frame, error)

	// Serialize encodes f. A nil slice with a nil error means f has no wire
	// representation.
	Serialize(f frame.Frame) ([]byte, error)
}
