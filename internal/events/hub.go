package events

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/switchline/internal/observe"
)

const defaultSubscriberBuffer = 256

// Hub is a [Sink] that fans events out to live subscribers of a session.
// A subscriber that falls behind loses events rather than slowing the
// pipeline.
type Hub struct {
	buffer  int
	dropped atomic.Int64

	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

var _ Sink = (*Hub)(nil)

// NewHub returns a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{buffer: buffer, subs: make(map[string]map[chan Event]struct{})}
}

func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[ev.SessionID] {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel of the session's future events. The channel
// is closed by the returned cancel func or by [Hub.CloseSession].
func (h *Hub) Subscribe(sessionID string) (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)
	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[chan Event]struct{})
	}
	h.subs[sessionID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.subs[sessionID]; ok {
				if _, live := set[ch]; live {
					delete(set, ch)
					close(ch)
				}
				if len(set) == 0 {
					delete(h.subs, sessionID)
				}
			}
		})
	}
}

// CloseSession ends every subscription to sessionID.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[sessionID] {
		close(ch)
	}
	delete(h.subs, sessionID)
}

// Dropped returns the number of events lost to slow subscribers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Handler streams a session's events as JSON text messages over a
// websocket at GET /sessions/{id}/events. exists, when set, rejects
// unknown sessions with 404.
func (h *Hub) Handler(exists func(id string) bool) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sessions/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if exists != nil && !exists(id) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		log := observe.Logger(r.Context()).With("session_id", id)

		events, cancel := h.Subscribe(id)
		defer cancel()
		// Clients only listen; reading is left to CloseRead.
		ctx := c.CloseRead(r.Context())
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					_ = c.Close(websocket.StatusNormalClosure, "session ended")
					return
				}
				if err := wsjson.Write(ctx, c, ev); err != nil {
					log.Debug("events: subscriber write failed", "err", err)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	})
	return mux
}
