package frame

import "sync/atomic"

// Sequencer hands out the per-session sequence numbers stamped onto frames.
// The zero value is ready to use and the first number issued is 1.
type Sequencer struct {
	n atomic.Uint64
}

// Next returns the next sequence number.
func (s *Sequencer) Next() uint64 { return s.n.Add(1) }

// Stamp assigns the next sequence number to f and returns it.
func (s *Sequencer) Stamp(f Frame) uint64 {
	seq := s.Next()
	f.Meta().Seq = seq
	return seq
}

// Clone returns a shallow copy of a control frame so that a broadcast can
// stamp each stage's copy independently. Non-control frames are returned
// unchanged.
func Clone(f Frame) Frame {
	switch v := f.(type) {
	case *Cancel:
		c := *v
		return &c
	case *Interruption:
		c := *v
		return &c
	}
	return f
}
