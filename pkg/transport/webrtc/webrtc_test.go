package webrtc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/switchline/pkg/frame"
	"github.com/MrWong99/switchline/pkg/transport"
)

// rawCodec frames PCM without compressing it.
type rawCodec struct{ pending []byte }

func (c *rawCodec) Decode(pkt []byte) ([]byte, error) {
	if len(pkt) == 0 {
		return nil, errors.New("empty packet")
	}
	return pkt, nil
}

func (c *rawCodec) Encode(pcm []byte) ([][]byte, error) {
	c.pending = append(c.pending, pcm...)
	var out [][]byte
	for len(c.pending) >= frameBytes {
		out = append(out, c.pending[:frameBytes:frameBytes])
		c.pending = c.pending[frameBytes:]
	}
	return out, nil
}

func (c *rawCodec) Reset() { c.pending = nil }

func next(t *testing.T, ch <-chan frame.Frame) frame.Frame {
	t.Helper()
	select {
	case f, ok := <-ch:
		if !ok {
			t.Fatal("input closed")
		}
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for input")
		return nil
	}
}

func TestConnection_InputLifecycle(t *testing.T) {
	t.Parallel()
	peer := NewLoopback()
	c := NewConnection(context.Background(), "s1", peer, &rawCodec{})
	defer c.Close()

	ev, ok := next(t, c.Input()).(*frame.ConnectionEvent)
	if !ok || ev.State != frame.Connected || ev.StreamID != "s1" {
		t.Fatalf("first frame = %+v, want Connected s1", ev)
	}

	peer.Push([]byte{})
	peer.Push(make([]byte, frameBytes))
	a, ok := next(t, c.Input()).(*frame.AudioChunk)
	if !ok {
		t.Fatal("undecodable packet was not dropped")
	}
	if a.SampleRate != SampleRate || a.Channels != Channels || len(a.Data) != frameBytes {
		t.Errorf("audio = %d Hz %d ch %d bytes", a.SampleRate, a.Channels, len(a.Data))
	}

	_ = peer.Close()
	ev, ok = next(t, c.Input()).(*frame.ConnectionEvent)
	if !ok || ev.State != frame.Disconnected {
		t.Fatalf("last frame = %+v, want Disconnected", ev)
	}
	if _, open := <-c.Input(); open {
		t.Error("input still open after disconnect")
	}
}

func TestConnection_Output(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	peer := NewLoopback()
	c := NewConnection(ctx, "s2", peer, &rawCodec{})

	// 30 ms at 16 kHz becomes 30 ms at 48 kHz: one packet and a remainder.
	if err := c.Output(ctx, frame.NewOutputAudio(make([]byte, 960), 16000, 1)); err != nil {
		t.Fatal(err)
	}
	if n := len(peer.Sent()); n != 1 {
		t.Fatalf("sent %d packets, want 1", n)
	}
	// The remainder is discarded on barge-in, so 10 ms more completes nothing.
	if err := c.Output(ctx, frame.NewInterruption()); err != nil {
		t.Fatal(err)
	}
	if err := c.Output(ctx, frame.NewOutputAudio(make([]byte, 320), 16000, 1)); err != nil {
		t.Fatal(err)
	}
	if n := len(peer.Sent()); n != 1 {
		t.Errorf("sent %d packets after interruption, want 1", n)
	}
	if err := c.Output(ctx, frame.NewMark("response-1")); err != nil {
		t.Errorf("mark: %v", err)
	}

	_ = c.Close()
	if err := c.Output(ctx, frame.NewMark("late")); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Output after Close = %v, want ErrClosed", err)
	}
}

func TestOpusCodec_FramesPCM(t *testing.T) {
	t.Parallel()
	codec, err := NewOpusCodec()
	if err != nil {
		t.Skipf("opus unavailable: %v", err)
	}
	pkts, err := codec.Encode(make([]byte, frameBytes+frameBytes/2))
	if err != nil {
		t.Fatal(err)
	}
	if len(pkts) != 1 {
		t.Fatalf("packets = %d, want 1", len(pkts))
	}
	pcm, err := codec.Decode(pkts[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(pcm) != frameBytes {
		t.Errorf("decoded %d bytes, want %d", len(pcm), frameBytes)
	}
	codec.Reset()
	if pkts, _ := codec.Encode(make([]byte, frameBytes/2)); len(pkts) != 0 {
		t.Error("Reset kept buffered PCM")
	}
}

func post(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func TestSignalingServer(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peers := make(chan *Loopback, 1)
	sessions := make(chan *Connection, 1)
	s := NewSignalingServer(ctx,
		func(_ context.Context, c *Connection) error {
			sessions <- c
			return nil
		},
		WithPeerFactory(func() PeerTransport {
			p := NewLoopback()
			peers <- p
			return p
		}),
		WithCodecFactory(func() (Codec, error) { return &rawCodec{}, nil }),
	)
	h := s.Handler()

	if rec := post(t, h, http.MethodPost, "/webrtc/offer", map[string]string{}); rec.Code != http.StatusBadRequest {
		t.Errorf("empty offer status = %d", rec.Code)
	}

	rec := post(t, h, http.MethodPost, "/webrtc/offer", offerRequest{SDP: "v=0"})
	if rec.Code != http.StatusOK {
		t.Fatalf("offer status = %d: %s", rec.Code, rec.Body)
	}
	var resp offerResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.SessionID == "" || resp.Type != "answer" || resp.SDP == "" {
		t.Fatalf("response = %+v", resp)
	}
	conn := <-sessions
	peer := <-peers
	if conn.ID() != resp.SessionID {
		t.Errorf("session id = %q, want %q", conn.ID(), resp.SessionID)
	}

	if rec := post(t, h, http.MethodPost, "/webrtc/sessions/"+resp.SessionID+"/ice", iceRequest{Candidate: "candidate:1"}); rec.Code != http.StatusNoContent {
		t.Errorf("ice status = %d", rec.Code)
	}
	if got := peer.Candidates(); len(got) != 1 || got[0] != "candidate:1" {
		t.Errorf("candidates = %v", got)
	}
	if rec := post(t, h, http.MethodPost, "/webrtc/sessions/nope/ice", iceRequest{Candidate: "x"}); rec.Code != http.StatusNotFound {
		t.Errorf("unknown session ice status = %d", rec.Code)
	}

	if rec := post(t, h, http.MethodDelete, "/webrtc/sessions/"+resp.SessionID, nil); rec.Code != http.StatusNoContent {
		t.Errorf("hangup status = %d", rec.Code)
	}
	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("connection not closed by hangup")
	}
	deadline := time.Now().Add(time.Second)
	for s.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := s.Len(); n != 0 {
		t.Errorf("open sessions = %d after hangup", n)
	}
}

func TestSignalingServer_RejectedSession(t *testing.T) {
	t.Parallel()
	peer := NewLoopback()
	s := NewSignalingServer(context.Background(),
		func(context.Context, *Connection) error { return errors.New("no providers") },
		WithPeerFactory(func() PeerTransport { return peer }),
		WithCodecFactory(func() (Codec, error) { return &rawCodec{}, nil }),
	)
	rec := post(t, s.Handler(), http.MethodPost, "/webrtc/offer", offerRequest{SDP: "v=0"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if peer.WritePacket(nil) == nil {
		t.Error("peer left open after rejected session")
	}
}

func TestSignalingServer_WithoutPeerFactory(t *testing.T) {
	t.Parallel()
	called := false
	s := NewSignalingServer(context.Background(), func(context.Context, *Connection) error {
		called = true
		return nil
	})
	h := s.Handler()
	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/webrtc/offer"},
		{http.MethodPost, "/webrtc/sessions/abc/ice"},
		{http.MethodDelete, "/webrtc/sessions/abc"},
	} {
		if rec := post(t, h, tc.method, tc.path, offerRequest{SDP: "v=0"}); rec.Code != http.StatusNotImplemented {
			t.Errorf("%s %s status = %d, want 501", tc.method, tc.path, rec.Code)
		}
	}
	if called || s.Len() != 0 {
		t.Error("session started without a peer implementation")
	}
}
