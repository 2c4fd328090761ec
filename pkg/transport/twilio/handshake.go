package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrWong99/switchline/internal/observe"
	"github.com/MrWong99/switchline/pkg/audio"
	"github.com/MrWong99/switchline/pkg/frame"
)

// ErrStoppedBeforeStart is returned by [Handshake] when the stream ends
// before it starts.
var ErrStoppedBeforeStart = errors.New("twilio: stream stopped before start")

// StartInfo is what Twilio announces in the start envelope.
type StartInfo struct {
	StreamSID        string
	CallSID          string
	AccountSID       string
	CustomParameters map[string]string
	// Format is the wire format: μ-law, 8 kHz, mono.
	Format audio.Format
}

// Frame returns the ConnectionEvent announcing the stream.
func (i StartInfo) Frame() *frame.ConnectionEvent {
	ev := frame.NewConnected(i.StreamSID, i.CallSID)
	ev.Params = i.CustomParameters
	return ev
}

func startInfo(env envelope) StartInfo {
	sid := env.Start.StreamSID
	if sid == "" {
		sid = env.StreamSID
	}
	f := audio.Telephony
	if mf := env.Start.MediaFormat; mf.SampleRate > 0 {
		f.SampleRate = mf.SampleRate
		f.Channels = max(mf.Channels, 1)
	}
	return StartInfo{
		StreamSID:        sid,
		CallSID:          env.Start.CallSID,
		AccountSID:       env.Start.AccountSID,
		CustomParameters: env.Start.CustomParameters,
		Format:           f,
	}
}

// MessageReader reads one websocket message.
type MessageReader interface {
	ReadMessage(ctx context.Context) ([]byte, error)
}

// Handshake reads envelopes until the start envelope and returns its
// contents. The connected envelope is skipped; malformed envelopes are
// logged and skipped. Only μ-law media is accepted.
func Handshake(ctx context.Context, r MessageReader) (StartInfo, error) {
	log := observe.Logger(ctx)
	for {
		data, err := r.ReadMessage(ctx)
		if err != nil {
			return StartInfo{}, fmt.Errorf("twilio: handshake: %w", err)
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn("twilio: malformed envelope during handshake", "err", err)
			continue
		}
		switch env.Event {
		case EventStart:
			if env.Start == nil {
				log.Warn("twilio: start envelope without body")
				continue
			}
			if enc := env.Start.MediaFormat.Encoding; enc != "" && enc != MediaEncoding {
				return StartInfo{}, fmt.Errorf("twilio: unsupported media encoding %q", enc)
			}
			info := startInfo(env)
			log.Info("twilio: stream started", "stream_sid", info.StreamSID, "call_sid", info.CallSID)
			return info, nil
		case EventStop:
			return StartInfo{}, ErrStoppedBeforeStart
		case EventConnected:
			log.Debug("twilio: connected", "protocol", env.Protocol, "version", env.Version)
		}
	}
}
