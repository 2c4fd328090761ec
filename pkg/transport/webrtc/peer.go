// Package webrtc carries a call between the pipeline and a browser peer.
//
// The media path is abstracted behind [PeerTransport], which moves Opus
// packets and handles SDP and ICE. [Connection] adapts a peer to
// [transport.Transport], decoding to PCM with a [Codec]. [SignalingServer]
// exposes the HTTP endpoints a browser uses to open and close a session.
package webrtc

import (
	"context"
	"errors"
	"sync"
)

// ErrPeerClosed is returned when writing to a peer that has gone away.
var ErrPeerClosed = errors.New("webrtc: peer closed")

// PeerTransport abstracts one WebRTC peer connection carrying a single
// Opus audio track in each direction.
type PeerTransport interface {
	// Answer applies the remote SDP offer and returns the local answer.
	Answer(ctx context.Context, sdpOffer string) (sdpAnswer string, err error)

	// AddICECandidate adds a remote trickle ICE candidate.
	AddICECandidate(candidate string) error

	// Packets delivers Opus packets received from the peer. It is closed
	// when the peer disconnects.
	Packets() <-chan []byte

	// WritePacket sends one Opus packet to the peer.
	WritePacket(pkt []byte) error

	// Close tears down the peer connection.
	Close() error
}

// Loopback is an in-process [PeerTransport]. Packets pushed with Push are
// delivered on Packets, and packets written by the pipeline are readable
// from Sent. It stands in for a network peer in development and tests.
type Loopback struct {
	in   chan []byte
	sent chan []byte

	mu         sync.Mutex
	candidates []string
	closed     bool
}

var _ PeerTransport = (*Loopback)(nil)

// NewLoopback returns an open loopback peer.
func NewLoopback() *Loopback {
	return &Loopback{
		in:   make(chan []byte, 64),
		sent: make(chan []byte, 256),
	}
}

// Answer returns a minimal SDP answer.
func (l *Loopback) Answer(_ context.Context, sdpOffer string) (string, error) {
	if sdpOffer == "" {
		return "", errors.New("webrtc: empty SDP offer")
	}
	return "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=switchline\r\nt=0 0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\na=rtpmap:111 opus/48000/2\r\n", nil
}

// AddICECandidate records c.
func (l *Loopback) AddICECandidate(c string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrPeerClosed
	}
	l.candidates = append(l.candidates, c)
	return nil
}

// Candidates returns the ICE candidates added so far.
func (l *Loopback) Candidates() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.candidates...)
}

func (l *Loopback) Packets() <-chan []byte { return l.in }

// Push simulates a packet arriving from the peer. It reports false once the
// peer is closed or its receive buffer is full.
func (l *Loopback) Push(pkt []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	select {
	case l.in <- pkt:
		return true
	default:
		return false
	}
}

// WritePacket queues pkt on Sent, dropping it if the buffer is full.
func (l *Loopback) WritePacket(pkt []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrPeerClosed
	}
	select {
	case l.sent <- pkt:
	default:
	}
	return nil
}

// Sent returns the packets written to the peer.
func (l *Loopback) Sent() <-chan []byte { return l.sent }

// Close closes Packets. It is safe to call more than once.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.in)
	}
	return nil
}
