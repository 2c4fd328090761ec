package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/switchline/internal/observe"
)

// SessionFunc is called for every new connection before the SDP answer is
// returned. An error rejects the offer and closes the connection.
type SessionFunc func(ctx context.Context, c *Connection) error

// SignalingOption configures a [SignalingServer].
type SignalingOption func(*SignalingServer)

// WithPeerFactory sets how peers are created. A server without one answers
// every request with 501 Not Implemented.
func WithPeerFactory(f func() PeerTransport) SignalingOption {
	return func(s *SignalingServer) { s.newPeer = f }
}

// WithCodecFactory sets how codecs are created. Defaults to [NewOpusCodec].
func WithCodecFactory(f func() (Codec, error)) SignalingOption {
	return func(s *SignalingServer) { s.newCodec = f }
}

// SignalingServer exchanges SDP and ICE with browser peers over HTTP.
type SignalingServer struct {
	ctx       context.Context
	onSession SessionFunc
	newPeer   func() PeerTransport
	newCodec  func() (Codec, error)

	mu       sync.Mutex
	sessions map[string]*Connection
}

// NewSignalingServer returns a server whose connections live until ctx is
// done or they are closed.
func NewSignalingServer(ctx context.Context, onSession SessionFunc, opts ...SignalingOption) *SignalingServer {
	s := &SignalingServer{
		ctx:       ctx,
		onSession: onSession,
		newCodec:  func() (Codec, error) { return NewOpusCodec() },
		sessions:  make(map[string]*Connection),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler serves:
//
//	POST   /webrtc/offer              SDP offer in, session id and answer out
//	POST   /webrtc/sessions/{id}/ice  trickle ICE candidate
//	DELETE /webrtc/sessions/{id}      hang up
//
// Without a peer factory every route answers 501 Not Implemented.
func (s *SignalingServer) Handler() http.Handler {
	if s.newPeer == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "webrtc: no peer implementation configured", http.StatusNotImplemented)
		})
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webrtc/offer", s.handleOffer)
	mux.HandleFunc("POST /webrtc/sessions/{id}/ice", s.handleICE)
	mux.HandleFunc("DELETE /webrtc/sessions/{id}", s.handleHangup)
	return mux
}

type offerRequest struct {
	SDP string `json:"sdp"`
}

type offerResponse struct {
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
	SDP       string `json:"sdp"`
}

type iceRequest struct {
	Candidate string `json:"candidate"`
}

func (s *SignalingServer) handleOffer(w http.ResponseWriter, r *http.Request) {
	var req offerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SDP == "" {
		http.Error(w, "sdp is required", http.StatusBadRequest)
		return
	}
	log := observe.Logger(r.Context())

	peer := s.newPeer()
	answer, err := peer.Answer(r.Context(), req.SDP)
	if err != nil {
		_ = peer.Close()
		http.Error(w, "invalid offer: "+err.Error(), http.StatusBadRequest)
		return
	}
	codec, err := s.newCodec()
	if err != nil {
		_ = peer.Close()
		log.Error("webrtc: create codec", "err", err)
		http.Error(w, "codec unavailable", http.StatusInternalServerError)
		return
	}

	id := uuid.NewString()
	conn := NewConnection(s.ctx, id, peer, codec)
	s.mu.Lock()
	s.sessions[id] = conn
	s.mu.Unlock()
	go func() {
		<-conn.Done()
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
	}()

	if s.onSession != nil {
		if err := s.onSession(r.Context(), conn); err != nil {
			_ = conn.Close()
			log.Error("webrtc: session rejected", "session_id", id, "err", err)
			http.Error(w, "session setup failed", http.StatusServiceUnavailable)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(offerResponse{SessionID: id, Type: "answer", SDP: answer})
}

func (s *SignalingServer) handleICE(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.Session(r.PathValue("id"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	var req iceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := conn.peer.AddICECandidate(req.Candidate); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrPeerClosed) {
			status = http.StatusGone
		}
		http.Error(w, "add ICE candidate: "+err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *SignalingServer) handleHangup(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.Session(r.PathValue("id"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	_ = conn.Close()
	w.WriteHeader(http.StatusNoContent)
}

// Session returns the open connection with the given id.
func (s *SignalingServer) Session(id string) (*Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.sessions[id]
	return c, ok
}

// Len returns the number of open connections.
func (s *SignalingServer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
