package twilio

import (
	"encoding/json"
	"fmt"

	"github.com/MrWong99/switchline/pkg/audio"
	"github.com/MrWong99/switchline/pkg/frame"
	"github.com/MrWong99/switchline/pkg/transport"
)

// Format is the PCM format inbound media decodes to.
var Format = audio.Format{SampleRate: SampleRate, Channels: 1, Encoding: audio.EncodingPCM16}

// Serializer maps Twilio envelopes to frames for one stream. Outbound
// envelopes are addressed to StreamSID.
type Serializer struct {
	StreamSID string
}

var _ transport.Serializer = (*Serializer)(nil)

// NewSerializer returns a serializer for the stream announced in info.
func NewSerializer(info StartInfo) *Serializer {
	return &Serializer{StreamSID: info.StreamSID}
}

// Deserialize decodes one inbound envelope.
//
//	connected, dtmf  -> nil
//	start            -> ConnectionEvent{Connected}
//	media            -> AudioChunk (PCM16, 8 kHz mono)
//	mark             -> Mark
//	stop             -> ConnectionEvent{Disconnected}
func (s *Serializer) Deserialize(data []byte) (frame.Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrMalformed, err)
	}
	switch env.Event {
	case EventConnected, EventDTMF:
		return nil, nil
	case EventStart:
		if env.Start == nil {
			return nil, fmt.Errorf("%w: start without body", transport.ErrMalformed)
		}
		info := startInfo(env)
		if s.StreamSID == "" {
			s.StreamSID = info.StreamSID
		}
		return info.Frame(), nil
	case EventMedia:
		if env.Media == nil {
			return nil, fmt.Errorf("%w: media without body", transport.ErrMalformed)
		}
		if env.Media.Track != "" && env.Media.Track != "inbound" {
			return nil, nil
		}
		ulaw, err := DecodePayload(env.Media.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: media payload: %w", transport.ErrMalformed, err)
		}
		return frame.NewAudio(audio.MulawDecode(ulaw), SampleRate, 1), nil
	case EventMark:
		if env.Mark == nil {
			return nil, fmt.Errorf("%w: mark without body", transport.ErrMalformed)
		}
		return frame.NewMark(env.Mark.Name), nil
	case EventStop:
		return frame.NewDisconnected("twilio stop"), nil
	case "":
		return nil, fmt.Errorf("%w: missing event", transport.ErrMalformed)
	}
	return nil, fmt.Errorf("%w: unknown event %q", transport.ErrMalformed, env.Event)
}

// Serialize encodes an outbound frame.
//
//	AudioChunk   -> media (resampled to 8 kHz mono, μ-law)
//	Mark         -> mark
//	Interruption -> clear
//
// Other frames have no wire form.
func (s *Serializer) Serialize(f frame.Frame) ([]byte, error) {
	env := envelope{StreamSID: s.StreamSID}
	switch v := f.(type) {
	case *frame.AudioChunk:
		pcm := v.Data
		from := audio.Format{SampleRate: v.SampleRate, Channels: max(v.Channels, 1)}
		if from.SampleRate != SampleRate || from.Channels != 1 {
			pcm = audio.Convert(pcm, from, audio.Format{SampleRate: SampleRate, Channels: 1})
		}
		env.Event = EventMedia
		env.Media = &mediaBody{Payload: EncodePayload(audio.MulawEncode(pcm))}
	case *frame.Mark:
		env.Event = EventMark
		env.Mark = &markBody{Name: v.Name}
	case *frame.Interruption:
		env.Event = EventClear
	default:
		return nil, nil
	}
	return json.Marshal(env)
}
