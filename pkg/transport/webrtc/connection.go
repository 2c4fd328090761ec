package webrtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/switchline/internal/observe"
	"github.com/MrWong99/switchline/pkg/audio"
	"github.com/MrWong99/switchline/pkg/frame"
	"github.com/MrWong99/switchline/pkg/transport"
)

const inputBuffer = 64

// Format is the PCM format a connection delivers and expects.
var Format = audio.WebRTC.PCM()

// Connection adapts one peer to [transport.Transport]. Its first input
// frame is a Connected event carrying the session id; the last is a
// Disconnected event.
type Connection struct {
	id    string
	peer  PeerTransport
	codec Codec

	in     chan frame.Frame
	closed chan struct{}
	once   sync.Once

	// mu serialises codec use by Output.
	mu sync.Mutex
}

var _ transport.Transport = (*Connection)(nil)

// NewConnection starts reading from peer. The reader stops when ctx is
// done, the peer closes, or Close is called.
func NewConnection(ctx context.Context, id string, peer PeerTransport, codec Codec) *Connection {
	c := &Connection{
		id:     id,
		peer:   peer,
		codec:  codec,
		in:     make(chan frame.Frame, inputBuffer),
		closed: make(chan struct{}),
	}
	go c.read(ctx)
	return c
}

// ID returns the signaling session id.
func (c *Connection) ID() string { return c.id }

func (c *Connection) read(ctx context.Context) {
	defer close(c.in)
	log := observe.Logger(ctx).With("transport", "webrtc", "session_id", c.id)

	if !c.deliver(ctx, frame.NewConnected(c.id, c.id)) {
		return
	}
	// The codec's decoder is only touched here.
	packets := c.peer.Packets()
	for {
		select {
		case pkt, ok := <-packets:
			if !ok {
				c.end(ctx, "peer closed")
				return
			}
			pcm, err := c.codec.Decode(pkt)
			if err != nil {
				log.Warn("webrtc: dropping undecodable packet", "err", err, "bytes", len(pkt))
				continue
			}
			if !c.deliver(ctx, frame.NewAudio(pcm, SampleRate, Channels)) {
				return
			}
		case <-c.closed:
			c.end(ctx, "session closed")
			return
		case <-ctx.Done():
			return
		}
	}
}

// end delivers the final Disconnected event. After Close it is dropped if
// the consumer has stopped reading.
func (c *Connection) end(ctx context.Context, reason string) {
	f := frame.NewDisconnected(reason)
	select {
	case <-c.closed:
		select {
		case c.in <- f:
		default:
		}
	default:
		c.deliver(ctx, f)
	}
}

func (c *Connection) deliver(ctx context.Context, f frame.Frame) bool {
	select {
	case c.in <- f:
		return true
	case <-ctx.Done():
	case <-c.closed:
	}
	return false
}

func (c *Connection) Input() <-chan frame.Frame { return c.in }

// Output encodes assistant audio into packets. Interruption drops the
// partial frame waiting in the encoder. Other frames have no WebRTC
// representation and are ignored.
func (c *Connection) Output(_ context.Context, f frame.Frame) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	switch v := f.(type) {
	case *frame.AudioChunk:
		pcm := audio.Convert(v.Data, audio.Format{SampleRate: v.SampleRate, Channels: v.Channels}, Format)
		c.mu.Lock()
		pkts, err := c.codec.Encode(pcm)
		c.mu.Unlock()
		for _, pkt := range pkts {
			if werr := c.peer.WritePacket(pkt); werr != nil {
				return fmt.Errorf("webrtc: write packet: %w", werr)
			}
		}
		return err
	case *frame.Interruption:
		c.mu.Lock()
		c.codec.Reset()
		c.mu.Unlock()
	}
	return nil
}

func (c *Connection) Format() audio.Format { return Format }

// Done is closed once Close has been called.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Close tears down the peer. It is safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.peer.Close()
	})
	return err
}
