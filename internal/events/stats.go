package events

import (
	"math"
	"slices"
	"sync"
	"time"
)

// Stats collects per-session latency samples and counters. Latencies are
// kept in a bounded window per provider kind and summarised on demand.
//
// Stats is safe for concurrent use.
type Stats struct {
	mu sync.Mutex

	stt latencyBuffer
	llm latencyBuffer
	tts latencyBuffer

	utterances    int64
	responses     int64
	toolCalls     int64
	interruptions int64
	errors        int64
}

// NewStats returns Stats keeping up to window samples per provider kind.
func NewStats(window int) *Stats {
	if window <= 0 {
		window = 100
	}
	return &Stats{
		stt: newLatencyBuffer(window),
		llm: newLatencyBuffer(window),
		tts: newLatencyBuffer(window),
	}
}

// RecordTTFB adds a time-to-first-byte sample for kind ("stt", "llm" or
// "tts"). Other kinds are ignored.
func (s *Stats) RecordTTFB(kind string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case "stt":
		s.stt.add(d)
	case "llm":
		s.llm.add(d)
	case "tts":
		s.tts.add(d)
	}
}

func (s *Stats) incr(n *int64) {
	s.mu.Lock()
	*n++
	s.mu.Unlock()
}

// LatencyPercentiles holds p50 and p95 values for one provider kind.
type LatencyPercentiles struct {
	P50 time.Duration `json:"p50"`
	P95 time.Duration `json:"p95"`
}

// Snapshot is a point-in-time view of a session's statistics.
type Snapshot struct {
	STT           LatencyPercentiles `json:"stt_ttfb"`
	LLM           LatencyPercentiles `json:"llm_ttfb"`
	TTS           LatencyPercentiles `json:"tts_ttfb"`
	Utterances    int64              `json:"utterances"`
	Responses     int64              `json:"responses"`
	ToolCalls     int64              `json:"tool_calls"`
	Interruptions int64              `json:"interruptions"`
	Errors        int64              `json:"errors"`
}

func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		STT:           s.stt.percentiles(),
		LLM:           s.llm.percentiles(),
		TTS:           s.tts.percentiles(),
		Utterances:    s.utterances,
		Responses:     s.responses,
		ToolCalls:     s.toolCalls,
		Interruptions: s.interruptions,
		Errors:        s.errors,
	}
}

// latencyBuffer is a bounded ring of samples.
type latencyBuffer struct {
	data []time.Duration
	pos  int
	full bool
}

func newLatencyBuffer(size int) latencyBuffer {
	return latencyBuffer{data: make([]time.Duration, size)}
}

func (lb *latencyBuffer) add(d time.Duration) {
	lb.data[lb.pos] = d
	lb.pos++
	if lb.pos == len(lb.data) {
		lb.pos = 0
		lb.full = true
	}
}

func (lb *latencyBuffer) percentiles() LatencyPercentiles {
	n := lb.pos
	if lb.full {
		n = len(lb.data)
	}
	if n == 0 {
		return LatencyPercentiles{}
	}
	sorted := slices.Clone(lb.data[:n])
	slices.Sort(sorted)
	return LatencyPercentiles{
		P50: percentile(sorted, 0.50),
		P95: percentile(sorted, 0.95),
	}
}

// percentile returns the nearest-rank value at p (0 to 1) of sorted.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	idx = max(0, min(idx, len(sorted)-1))
	return sorted[idx]
}
