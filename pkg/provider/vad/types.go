package vad

// VADEvent is the classification of one audio chunk.
type VADEvent struct {
	Type VADEventType

	// Probability is the speech probability in [0, 1].
	Probability float64
}

// VADEventType enumerates chunk classifications.
type VADEventType int

const (
	VADSilence VADEventType = iota
	VADSpeech
)

func (t VADEventType) String() string {
	if t == VADSpeech {
		return "speech"
	}
	return "silence"
}
