package tts

import "strings"

// splitter accumulates streamed text and releases it a sentence at a time.
type splitter struct {
	buf strings.Builder
}

// push adds text and returns every sentence it completed.
func (s *splitter) push(text string) []string {
	s.buf.WriteString(text)
	var out []string
	for {
		cur := s.buf.String()
		idx := sentenceBoundary(cur)
		if idx < 0 {
			return out
		}
		if sentence := strings.TrimSpace(cur[:idx+1]); sentence != "" {
			out = append(out, sentence)
		}
		s.buf.Reset()
		s.buf.WriteString(strings.TrimLeft(cur[idx+1:], " \t\n\r"))
	}
}

// flush returns whatever text is left.
func (s *splitter) flush() string {
	rest := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return rest
}

// sentenceBoundary returns the index of the first '.', '!' or '?' followed
// by whitespace, or -1.
func sentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}
