package stt

import (
	"sync"

	"github.com/MrWong99/switchline/pkg/provider/stt"
)

type utteranceState int

const (
	stateOpening utteranceState = iota
	stateStreaming
	stateFinalizing
	stateAborted
	stateFailed
)

// utterance is shared between the stage goroutine, which feeds audio and
// ends the turn, and the goroutine driving the provider session.
type utterance struct {
	id uint64

	mu      sync.Mutex
	st      utteranceState
	final   bool
	session stt.SessionHandle
	pending [][]byte

	notify chan struct{}
	finCh  chan struct{}
}

func (u *utterance) state() utteranceState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.st
}

func (u *utterance) wake() {
	select {
	case u.notify <- struct{}{}:
	default:
	}
}

// send forwards audio, buffering it while the session is still opening.
// Audio is dropped once the utterance failed or ended.
func (u *utterance) send(chunk []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch u.st {
	case stateOpening:
		u.pending = append(u.pending, chunk)
	case stateStreaming:
		_ = u.session.SendAudio(chunk)
	}
}

// attach hands the open session over and flushes buffered audio. It
// reports false when the utterance was aborted meanwhile.
func (u *utterance) attach(s stt.SessionHandle) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.st == stateAborted {
		return false
	}
	u.session = s
	for _, c := range u.pending {
		_ = s.SendAudio(c)
	}
	u.pending = nil
	if u.st == stateOpening {
		u.st = stateStreaming
	}
	if u.final {
		u.st = stateFinalizing
		u.wake()
	}
	return true
}

func (u *utterance) fail() {
	u.mu.Lock()
	u.st = stateFailed
	u.pending = nil
	u.mu.Unlock()
}

// requestFinal marks the turn as ended.
func (u *utterance) requestFinal() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.final = true
	if u.finCh != nil {
		close(u.finCh)
		u.finCh = nil
	}
	if u.st == stateStreaming {
		u.st = stateFinalizing
		u.wake()
	}
}

// finalRequested returns a channel closed once the turn has ended or the
// utterance was aborted.
func (u *utterance) finalRequested() <-chan struct{} {
	u.mu.Lock()
	defer u.mu.Unlock()
	ch := make(chan struct{})
	if u.final || u.st == stateAborted {
		close(ch)
		return ch
	}
	u.finCh = ch
	return ch
}

func (u *utterance) abort() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.st == stateFailed {
		return
	}
	u.st = stateAborted
	u.pending = nil
	if u.finCh != nil {
		close(u.finCh)
		u.finCh = nil
	}
	u.wake()
}
