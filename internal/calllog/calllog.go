// Package calllog records call metadata: who called, over which transport,
// for how long, and how the conversation went in aggregate. Conversation
// content is never stored.
package calllog

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/switchline/internal/events"
)

// ErrNotFound is returned by [Store.Get] for an unknown session.
var ErrNotFound = errors.New("calllog: call not found")

// Record describes one call.
type Record struct {
	SessionID string    `json:"session_id"`
	Transport string    `json:"transport"`
	CallSID   string    `json:"call_sid,omitempty"`
	StreamSID string    `json:"stream_sid,omitempty"`
	StartedAt time.Time `json:"started_at"`
	// EndedAt is zero while the call is live.
	EndedAt   time.Time       `json:"ended_at,omitzero"`
	EndReason string          `json:"end_reason,omitempty"`
	Stats     events.Snapshot `json:"stats"`
}

// Live reports whether the call has not ended.
func (r Record) Live() bool { return r.EndedAt.IsZero() }

// Duration is the call length so far.
func (r Record) Duration() time.Duration {
	if r.Live() {
		return time.Since(r.StartedAt)
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Store persists call records. Save inserts or replaces by SessionID.
type Store interface {
	Save(ctx context.Context, r Record) error
	Get(ctx context.Context, sessionID string) (Record, error)
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
}
