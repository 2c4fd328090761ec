// Package websocket carries a call over a websocket whose messages are
// envelopes understood by a [transport.Serializer], as Twilio Media
// Streams are.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/MrWong99/switchline/internal/observe"
	"github.com/MrWong99/switchline/pkg/audio"
	"github.com/MrWong99/switchline/pkg/frame"
	"github.com/MrWong99/switchline/pkg/transport"
)

const inputBuffer = 64

// Conn adapts a websocket connection to a message reader, for handshakes
// that run before the transport takes over the connection.
type Conn struct{ *websocket.Conn }

// ReadMessage reads one message.
func (c Conn) ReadMessage(ctx context.Context) ([]byte, error) {
	_, data, err := c.Read(ctx)
	return data, err
}

// Option configures a [Transport].
type Option func(*Transport)

// WithInitial delivers frames before anything read from the connection,
// such as the Connected event produced by a handshake.
func WithInitial(frames ...frame.Frame) Option {
	return func(t *Transport) { t.initial = append(t.initial, frames...) }
}

// WithName labels logs and the malformed-envelope counter. Defaults to
// "websocket".
func WithName(name string) Option {
	return func(t *Transport) { t.name = name }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// Transport implements [transport.Transport] over one websocket.
type Transport struct {
	conn    *websocket.Conn
	ser     transport.Serializer
	format  audio.Format
	name    string
	metrics *observe.Metrics
	initial []frame.Frame

	in        chan frame.Frame
	closed    chan struct{}
	closeOnce sync.Once
	malformed atomic.Int64
}

var _ transport.Transport = (*Transport)(nil)

// New takes over conn and starts reading from it. The reader stops when
// ctx is done, the peer closes, or the serializer reports a disconnect.
func New(ctx context.Context, conn *websocket.Conn, ser transport.Serializer, format audio.Format, opts ...Option) *Transport {
	t := &Transport{
		conn:   conn,
		ser:    ser,
		format: format,
		name:   "websocket",
		in:     make(chan frame.Frame, inputBuffer),
		closed: make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	if t.metrics == nil {
		t.metrics = observe.DefaultMetrics()
	}
	go t.read(ctx)
	return t
}

func (t *Transport) read(ctx context.Context) {
	defer close(t.in)
	log := observe.Logger(ctx).With("transport", t.name)

	for _, f := range t.initial {
		if !t.deliver(ctx, f) {
			return
		}
	}
	for {
		_, data, err := t.conn.Read(ctx)
		if err != nil {
			reason := "connection closed"
			if status := websocket.CloseStatus(err); status != -1 {
				reason = fmt.Sprintf("connection closed: %s", status)
			} else if ctx.Err() == nil {
				log.Debug("transport: read failed", "err", err)
			}
			t.deliver(ctx, frame.NewDisconnected(reason))
			return
		}
		f, err := t.ser.Deserialize(data)
		if err != nil {
			if errors.Is(err, transport.ErrMalformed) {
				t.malformed.Add(1)
				t.metrics.RecordMalformed(ctx, t.name)
				log.Warn("transport: dropping malformed envelope", "err", err, "bytes", len(data))
				continue
			}
			log.Error("transport: deserialize failed", "err", err)
			t.deliver(ctx, frame.NewDisconnected(err.Error()))
			return
		}
		if f == nil {
			continue
		}
		if !t.deliver(ctx, f) {
			return
		}
		if ev, ok := f.(*frame.ConnectionEvent); ok && ev.State == frame.Disconnected {
			return
		}
	}
}

func (t *Transport) deliver(ctx context.Context, f frame.Frame) bool {
	select {
	case t.in <- f:
		return true
	case <-ctx.Done():
	case <-t.closed:
	}
	return false
}

// Input implements [transport.Transport].
func (t *Transport) Input() <-chan frame.Frame { return t.in }

// Output serializes f and writes it as a text message.
func (t *Transport) Output(ctx context.Context, f frame.Frame) error {
	select {
	case <-t.closed:
		return transport.ErrClosed
	default:
	}
	data, err := t.ser.Serialize(f)
	if err != nil {
		return fmt.Errorf("transport: serialize %s: %w", f.Kind(), err)
	}
	if data == nil {
		return nil
	}
	if err := t.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// Format implements [transport.Transport].
func (t *Transport) Format() audio.Format { return t.format }

// Malformed returns the number of envelopes dropped as malformed.
func (t *Transport) Malformed() int64 { return t.malformed.Load() }

// Close closes the websocket. It is safe to call more than once.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.conn.Close(websocket.StatusNormalClosure, "call ended")
	})
	return err
}
