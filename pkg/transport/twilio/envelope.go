// Package twilio implements the Twilio Media Streams wire protocol.
//
// Twilio connects to a websocket and exchanges JSON envelopes: connected,
// start, media, mark, dtmf and stop inbound; media, mark and clear
// outbound. Media payloads are base64 G.711 μ-law at 8 kHz mono. The
// [Serializer] maps envelopes to frames; [Handshake] consumes the opening
// envelopes of a stream and reports what Twilio announced.
package twilio

import "encoding/base64"

// Event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventDTMF      = "dtmf"
	EventStop      = "stop"
	EventClear     = "clear"
)

// MediaEncoding is the only encoding Twilio streams carry.
const MediaEncoding = "audio/x-mulaw"

// SampleRate of Twilio media.
const SampleRate = 8000

// envelope is the union of every Twilio message.
type envelope struct {
	Event          string     `json:"event"`
	SequenceNumber string     `json:"sequenceNumber,omitempty"`
	StreamSID      string     `json:"streamSid,omitempty"`
	Start          *startBody `json:"start,omitempty"`
	Media          *mediaBody `json:"media,omitempty"`
	Mark           *markBody  `json:"mark,omitempty"`
	Stop           *stopBody  `json:"stop,omitempty"`
	DTMF           *dtmfBody  `json:"dtmf,omitempty"`
	Protocol       string     `json:"protocol,omitempty"`
	Version        string     `json:"version,omitempty"`
}

type startBody struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      mediaFormat       `json:"mediaFormat"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaBody struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type markBody struct {
	Name string `json:"name"`
}

type stopBody struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type dtmfBody struct {
	Track string `json:"track"`
	Digit string `json:"digit"`
}

// EncodePayload encodes μ-law bytes as a media payload.
func EncodePayload(ulaw []byte) string {
	return base64.StdEncoding.EncodeToString(ulaw)
}

// DecodePayload decodes a media payload to μ-law bytes.
func DecodePayload(payload string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(payload)
}
